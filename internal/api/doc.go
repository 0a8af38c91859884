// Package api 暴露响应方的只读 HTTP 接口：运行统计、处理记录查询、健康检查以及 Prometheus 指标。
package api
