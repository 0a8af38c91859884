// Package receipts 记录每个已处理请求的回执，供查询接口与对账使用。
package receipts

import (
	"context"
	"strings"
	"time"

	xerrors "AMessage-Chain/internal/errors"
)

// Status 描述请求的最终处理结果。
type Status string

const (
	// StatusCompleted 表示处理器成功并已提交响应。
	StatusCompleted Status = "completed"
	// StatusError 表示已提交错误报文。
	StatusError Status = "error"
	// StatusRejected 表示支付校验未通过，未作出响应。
	StatusRejected Status = "rejected"
	// StatusFailed 表示响应提交失败，交易将被重试。
	StatusFailed Status = "failed"
)

// IsValidStatus 判断状态是否受支持。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusError, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Receipt 是单个请求的处理记录，(Signature, MessageID) 唯一。
type Receipt struct {
	Signature         string  `json:"signature"`
	MessageID         string  `json:"message_id"`
	Sender            string  `json:"sender"`
	Action            string  `json:"action"`
	Amount            float64 `json:"amount"`
	Status            Status  `json:"status"`
	ErrorCode         string  `json:"error_code,omitempty"`
	ResponseSignature string  `json:"response_signature,omitempty"`
	CreatedAt         int64   `json:"created_at"`
}

func (r Receipt) key() string { return r.Signature + "|" + r.MessageID }

func (r *Receipt) validate(now func() time.Time) error {
	if strings.TrimSpace(r.Signature) == "" || strings.TrimSpace(r.MessageID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执缺少交易签名或消息 ID")
	}
	if !IsValidStatus(r.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的回执状态: "+string(r.Status))
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now().Unix()
	}
	return nil
}

// Repository 持久化回执。Record 对同一 (Signature, MessageID) 覆盖写入。
type Repository interface {
	Record(ctx context.Context, receipt Receipt) error
	List(ctx context.Context, opts ...ListOption) ([]Receipt, error)
	Close() error
}

// ListOptions 控制查询条件，结果按创建时间倒序。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	Sender   string
	Since    int64
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	opts.Sender = strings.TrimSpace(opts.Sender)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append(opts.Statuses[:0], statuses...) }
}

// WithSender 按请求方过滤。
func WithSender(sender string) ListOption {
	return func(opts *ListOptions) { opts.Sender = sender }
}

// WithSince 只返回该时间之后（含）创建的回执。
func WithSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.Since = 0
			return
		}
		opts.Since = ts.Unix()
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(r Receipt) bool {
	if opts.Sender != "" && r.Sender != opts.Sender {
		return false
	}
	if opts.Since > 0 && r.CreatedAt < opts.Since {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, s := range opts.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
