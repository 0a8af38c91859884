package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Compensation 描述请求方承诺支付的报酬，单位为协议声明单位（如 SOL）。
type Compensation struct {
	Amount float64 `json:"amount"`
	Terms  string  `json:"terms,omitempty"`
}

// Parameters 是按 action 区分的请求参数变体。
type Parameters interface {
	isParameters()
}

// ChatQuery 为 CHAT_QUERY 的参数。
type ChatQuery struct {
	Query   string       `json:"query"`
	Context *ChatContext `json:"context,omitempty"`
}

// ChatContext 为对话上下文提示。
type ChatContext struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
	ResponseStyle  string `json:"response_style,omitempty"`
}

// RawParameters 保存未识别 action 的原始参数，交由对应处理器自行解析。
type RawParameters json.RawMessage

func (ChatQuery) isParameters()     {}
func (RawParameters) isParameters() {}

// MarshalJSON 原样输出参数。
func (r RawParameters) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// Decode 将原始参数解析到目标结构。
func (r RawParameters) Decode(v any) error {
	if len(r) == 0 {
		return fmt.Errorf("参数为空")
	}
	return json.Unmarshal(r, v)
}

// ChatAnswer 为 CHAT_RESPONSE 的结果。
type ChatAnswer struct {
	Answer string `json:"answer"`
}

// ErrorDetail 为错误报文的正文，message 为简短描述，details 不得包含内部细节。
type ErrorDetail struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseMetadata 描述处理过程。
type ResponseMetadata struct {
	ResponseTime string `json:"response_time,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// PaymentReceipt 告知请求方已确认的付款。
type PaymentReceipt struct {
	Amount        float64 `json:"amount"`
	Status        string  `json:"status,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
}

// Content 是报文正文。
type Content struct {
	Action       string
	Status       string
	Compensation *Compensation
	Parameters   Parameters
	Response     *ChatAnswer
	Error        *ErrorDetail
	Metadata     *ResponseMetadata
	Payment      *PaymentReceipt
}

type contentWire struct {
	Action       string            `json:"action,omitempty"`
	Status       string            `json:"status,omitempty"`
	Parameters   json.RawMessage   `json:"parameters,omitempty"`
	Compensation *Compensation     `json:"compensation,omitempty"`
	Response     *ChatAnswer       `json:"response,omitempty"`
	Error        *ErrorDetail      `json:"error,omitempty"`
	Metadata     *ResponseMetadata `json:"metadata,omitempty"`
	Payment      *PaymentReceipt   `json:"payment,omitempty"`
}

// MarshalJSON 实现 json.Marshaler。
func (c Content) MarshalJSON() ([]byte, error) {
	wire := contentWire{
		Action:       c.Action,
		Status:       c.Status,
		Compensation: c.Compensation,
		Response:     c.Response,
		Error:        c.Error,
		Metadata:     c.Metadata,
		Payment:      c.Payment,
	}
	if c.Parameters != nil {
		raw, err := json.Marshal(c.Parameters)
		if err != nil {
			return nil, fmt.Errorf("序列化 parameters 失败: %w", err)
		}
		wire.Parameters = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON 根据 action 选择参数变体。
func (c *Content) UnmarshalJSON(data []byte) error {
	var wire contentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = Content{
		Action:       wire.Action,
		Status:       wire.Status,
		Compensation: wire.Compensation,
		Response:     wire.Response,
		Error:        wire.Error,
		Metadata:     wire.Metadata,
		Payment:      wire.Payment,
	}

	raw := bytes.TrimSpace(wire.Parameters)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch wire.Action {
	case ActionChatQuery:
		var q ChatQuery
		if err := json.Unmarshal(raw, &q); err != nil {
			return fmt.Errorf("解析 CHAT_QUERY 参数失败: %w", err)
		}
		c.Parameters = q
	default:
		c.Parameters = RawParameters(append([]byte(nil), raw...))
	}
	return nil
}
