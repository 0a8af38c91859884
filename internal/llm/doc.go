// Package llm 定义调用大模型的统一接口，具体提供方位于子包中。
package llm
