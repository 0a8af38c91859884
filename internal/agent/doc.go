// Package agent 实现响应方的处理流水线：解析交易中的请求报文，校验付款，
// 分发给对应处理器，并把响应写回账本。
//
// Agent 实现 poller.Processor，由轮询器按时间顺序逐笔调用。只有当交易中的
// 所有请求都已答复（或被判定无需答复）时 Process 才返回 nil，游标随之前进；
// 响应提交失败时返回错误，交易会在后续轮次中重试，已答复的请求不会重复答复。
package agent
