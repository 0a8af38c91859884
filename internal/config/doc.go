// Package config 加载 aMessage 的运行配置：JSON 配置文件提供结构化参数，
// 环境变量（以及可选的 .env 文件）提供私钥、API Key 等敏感信息并可覆盖部分字段。
package config
