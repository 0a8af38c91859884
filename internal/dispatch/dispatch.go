// Package dispatch 将已通过付款校验的请求路由到对应 action 的处理器，
// 并把处理结果或错误统一转换为响应正文。处理器的错误与异常永远不会向上传播。
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/pkg/logger"
)

const (
	// DefaultTimeout 为单个处理器的默认超时。
	DefaultTimeout = 30 * time.Second
	// MaxDetailRunes 为错误报文 details 的最大长度。
	MaxDetailRunes = 120

	detailKey = "public_detail"
)

// Result 是处理器产出的响应正文。
type Result struct {
	Content envelope.Content
}

// Handler 执行某个 action。
type Handler interface {
	Handle(ctx context.Context, req *envelope.Envelope) (*Result, error)
}

// HandlerFunc 将函数适配为 Handler。
type HandlerFunc func(ctx context.Context, req *envelope.Envelope) (*Result, error)

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, req *envelope.Envelope) (*Result, error) {
	return f(ctx, req)
}

// Outcome 是一次分发的结果。
type Outcome struct {
	Action      string
	MessageType envelope.MessageType
	Content     envelope.Content
	// Succeeded 仅在处理器正常返回时为 true。
	Succeeded bool
	// Err 保存内部错误，仅用于日志，不会写入报文。
	Err      error
	Duration time.Duration
}

// Observer 接收处理结果，用于指标上报。
type Observer interface {
	ObserveDispatch(action string, succeeded bool, code xerrors.Code, elapsed time.Duration)
}

// PublicError 创建带有可公开描述的处理错误，detail 会出现在错误报文的 details 中。
func PublicError(code xerrors.Code, detail string, cause error) error {
	if cause == nil {
		return xerrors.New(code, detail, xerrors.WithMetadata(detailKey, detail))
	}
	return xerrors.Wrap(code, cause, detail, xerrors.WithMetadata(detailKey, detail))
}

// Option 定义分发器的可选配置。
type Option func(*Dispatcher)

// WithTimeout 设置处理器超时。
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithObserver 注册结果回调。
func WithObserver(o Observer) Option {
	return func(disp *Dispatcher) {
		disp.observer = o
	}
}

// Dispatcher 维护 action 到处理器的映射。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
	observer Observer
	log      *slog.Logger
}

// New 创建分发器。
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		timeout:  DefaultTimeout,
		log:      logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register 注册处理器，重复注册同一 action 会返回错误。
func (d *Dispatcher) Register(action string, h Handler) error {
	if action == "" || h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 与处理器不能为空")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[action]; exists {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("action %s 已注册", action))
	}
	d.handlers[action] = h
	return nil
}

// Actions 返回已注册的 action 列表。
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Dispatch 执行请求。未知 action、处理器错误、超时与异常都会转换为错误正文。
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Envelope) Outcome {
	started := time.Now()
	action := req.Content.Action

	d.mu.RLock()
	h, ok := d.handlers[action]
	d.mu.RUnlock()

	var outcome Outcome
	if !ok {
		err := PublicError(xerrors.CodeUnknownAction, "unsupported action: "+truncate(action, 64), nil)
		outcome = failure(action, err)
	} else {
		res, err := d.invoke(ctx, h, req)
		if err != nil {
			outcome = failure(action, err)
		} else {
			outcome = success(action, res)
		}
	}
	outcome.Duration = time.Since(started)

	if outcome.Err != nil {
		d.log.Warn("请求处理失败",
			slog.String("message_id", req.MessageID),
			slog.String("action", action),
			slog.String("code", string(xerrors.CodeOf(outcome.Err))),
			slog.Any("error", outcome.Err))
	}
	if d.observer != nil {
		var code xerrors.Code
		if outcome.Err != nil {
			code = xerrors.CodeOf(outcome.Err)
		}
		d.observer.ObserveDispatch(action, outcome.Succeeded, code, outcome.Duration)
	}
	return outcome
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *envelope.Envelope) (res *Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = xerrors.New(xerrors.CodeHandler, fmt.Sprintf("处理器发生异常: %v", r))
		}
	}()

	res, err = h.Handle(ctx, req)
	if err != nil {
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, PublicError(xerrors.CodeTimeout, "request timed out", err)
		}
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeHandler, err, "处理器执行失败")
		}
		return nil, err
	}
	if res == nil {
		return nil, xerrors.New(xerrors.CodeHandler, "处理器未返回结果")
	}
	return res, nil
}

func success(action string, res *Result) Outcome {
	content := res.Content
	if content.Status == "" {
		content.Status = envelope.StatusCompleted
	}
	return Outcome{
		Action:      action,
		MessageType: envelope.TypeResponse,
		Content:     content,
		Succeeded:   true,
	}
}

func failure(action string, err error) Outcome {
	return Outcome{
		Action:      action,
		MessageType: envelope.TypeError,
		Content:     ErrorContent(err),
		Err:         err,
	}
}

// ErrorContent 将错误转换为可以安全上链的正文。
func ErrorContent(err error) envelope.Content {
	detail := ""
	if e, ok := xerrors.From(err); ok {
		detail = e.Metadata()[detailKey]
	}
	return envelope.Content{
		Action: envelope.ActionError,
		Status: envelope.StatusError,
		Error: &envelope.ErrorDetail{
			Message: xerrors.PublicMessage(err),
			Details: truncate(detail, MaxDetailRunes),
		},
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
