// Package events 将业务事件投递到外部消息系统，便于下游统计与对账。
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "AMessage-Chain/internal/errors"
)

// Type 表示事件类型。
type Type string

const (
	TypePaymentRejected Type = "payment.rejected"
	TypeResponseSent    Type = "response.sent"
	TypeResponseFailed  Type = "response.failed"
)

// Event 描述一次业务事件。
type Event struct {
	Type              Type      `json:"type"`
	Address           string    `json:"address"`
	Signature         string    `json:"signature"`
	MessageID         string    `json:"message_id,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	Action            string    `json:"action,omitempty"`
	Amount            float64   `json:"amount,omitempty"`
	Code              string    `json:"code,omitempty"`
	ResponseSignature string    `json:"response_signature,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func encode(event Event) ([]byte, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件失败")
	}
	return data, nil
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Discard) Close() error { return nil }

// MemoryPublisher 将事件保存在内存中，主要用于测试与本地调试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher。
func (m *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "发布器已关闭")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType 返回指定类型的事件。
func (m *MemoryPublisher) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Close 实现 Publisher。
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
