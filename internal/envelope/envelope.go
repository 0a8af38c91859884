package envelope

import (
	"math"
	"strconv"
	"time"

	xerrors "AMessage-Chain/internal/errors"
)

const (
	// Version 为当前协议版本。
	Version = "0.1.0"
	// ProtocolType 为协议标识，所有报文的 type 字段必须等于该值。
	ProtocolType = "aMessage"
	// DefaultMaxSize 为默认的报文大小上限，与 Solana memo 的上限一致。
	DefaultMaxSize = 566
)

// MessageType 区分请求、响应与错误报文。
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

// Valid 判断报文类型是否受支持。
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError:
		return true
	default:
		return false
	}
}

const (
	ActionChatQuery    = "CHAT_QUERY"
	ActionChatResponse = "CHAT_RESPONSE"
	ActionError        = "ERROR"

	StatusCompleted = "completed"
	StatusError     = "error"

	TermsFixed = "fixed"
)

// Envelope 是双方交换的最小单元，构造后不再修改。
type Envelope struct {
	Version     string      `json:"version"`
	Type        string      `json:"type"`
	Timestamp   string      `json:"timestamp"`
	Sender      string      `json:"sender"`
	Recipients  []string    `json:"recipients"`
	MessageType MessageType `json:"messageType"`
	MessageID   string      `json:"messageId,omitempty"`
	ReferenceID string      `json:"referenceId,omitempty"`
	Content     Content     `json:"content"`
}

// NewRequest 构造请求报文。
func NewRequest(sender string, recipients []string, messageID string, content Content, now time.Time) Envelope {
	return Envelope{
		Version:     Version,
		Type:        ProtocolType,
		Timestamp:   Timestamp(now),
		Sender:      sender,
		Recipients:  append([]string(nil), recipients...),
		MessageType: TypeRequest,
		MessageID:   messageID,
		Content:     content,
	}
}

// Reply 针对请求构造响应或错误报文，referenceId 指向原请求，接收方只有原发送方。
func Reply(req *Envelope, sender string, messageType MessageType, content Content, now time.Time) Envelope {
	return Envelope{
		Version:     Version,
		Type:        ProtocolType,
		Timestamp:   Timestamp(now),
		Sender:      sender,
		Recipients:  []string{req.Sender},
		MessageType: messageType,
		ReferenceID: req.MessageID,
		Content:     content,
	}
}

// Timestamp 返回毫秒级 Unix 时间戳字符串。
func Timestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// HasRecipient 判断地址是否在接收方列表中。
func (e *Envelope) HasRecipient(address string) bool {
	for _, r := range e.Recipients {
		if r == address {
			return true
		}
	}
	return false
}

// DeclaredCompensation 返回请求声明的报酬，未声明时第二个返回值为 false。
func (e *Envelope) DeclaredCompensation() (float64, bool) {
	if e == nil || e.Content.Compensation == nil {
		return 0, false
	}
	return e.Content.Compensation.Amount, true
}

// Validate 执行与 JSON Schema 等价的结构校验以及按 action 区分的变体校验。
func (e *Envelope) Validate() error {
	if e == nil {
		return invalid("报文为空")
	}
	if e.Type != ProtocolType {
		return invalid("type 字段必须为 " + ProtocolType)
	}
	if e.Version == "" {
		return invalid("缺少 version")
	}
	if e.Sender == "" {
		return invalid("缺少 sender")
	}
	if len(e.Recipients) == 0 {
		return invalid("recipients 不能为空")
	}
	for _, r := range e.Recipients {
		if r == "" {
			return invalid("recipients 中存在空地址")
		}
	}
	if !e.MessageType.Valid() {
		return invalid("未知的 messageType: " + string(e.MessageType))
	}

	switch e.MessageType {
	case TypeRequest:
		if e.MessageID == "" {
			return invalid("请求缺少 messageId")
		}
		if e.Content.Action == "" {
			return invalid("请求缺少 content.action")
		}
		comp := e.Content.Compensation
		if comp == nil {
			return invalid("请求缺少 content.compensation")
		}
		if math.IsNaN(comp.Amount) || math.IsInf(comp.Amount, 0) || comp.Amount < 0 {
			return invalid("compensation.amount 必须为非负数")
		}
		if e.Content.Action == ActionChatQuery {
			q, ok := e.Content.Parameters.(ChatQuery)
			if !ok || q.Query == "" {
				return invalid("CHAT_QUERY 请求缺少 parameters.query")
			}
		}
	case TypeResponse, TypeError:
		if e.ReferenceID == "" {
			return invalid("响应缺少 referenceId")
		}
		if e.Content.Status == "" {
			return invalid("响应缺少 content.status")
		}
	}
	return nil
}

func invalid(msg string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, msg)
}
