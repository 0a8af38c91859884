// Package envelope 定义 aMessage 协议报文及其编解码。
//
// 报文以 JSON 形式附着在账本交易上（Solana memo、EVM input data），
// 体积受传输层限制。content 按 action 分为不同的变体，在解码边界统一校验。
package envelope
