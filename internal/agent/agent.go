package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AMessage-Chain/internal/dispatch"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/events"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/internal/observability/alerting"
	"AMessage-Chain/internal/payment"
	"AMessage-Chain/internal/receipts"
	"AMessage-Chain/pkg/logger"
)

// Config 描述响应方身份与收费规则。
type Config struct {
	Address        string
	Decimals       int
	MinimumPayment float64
}

// Observer 接收付款与提交结果，用于指标上报。
type Observer interface {
	ObservePayment(verified bool)
	ObserveSubmission(err error)
	SetEarnings(total float64)
}

// Option 定义 Agent 的可选配置。
type Option func(*Agent)

// WithReceipts 记录每个请求的处理回执。
func WithReceipts(repo receipts.Repository) Option {
	return func(a *Agent) { a.receipts = repo }
}

// WithEvents 设置业务事件发布器。
func WithEvents(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.events = p
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = d }
}

// WithObserver 注册指标回调。
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// Agent 是响应方的处理流水线。
type Agent struct {
	address    string
	codec      *envelope.Codec
	extractor  payment.Extractor
	verifier   payment.Verifier
	dispatcher *dispatch.Dispatcher
	responder  *Responder

	receipts receipts.Repository
	events   events.Publisher
	alerts   alerting.Dispatcher
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	status       string
	earnings     float64
	processed    int64
	totalQueries int64
	startedAt    time.Time
	cursorFn     func() string
	// 已答复的 "签名|messageId"，交易整体处理完成后清理。
	answered map[string]struct{}
}

// New 创建 Agent。submitter 用于写回响应。
func New(cfg Config, codec *envelope.Codec, dispatcher *dispatch.Dispatcher, submitter ledger.Submitter, opts ...Option) (*Agent, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "响应方地址不能为空")
	}
	if codec == nil || dispatcher == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "codec 与 dispatcher 不能为空")
	}
	if cfg.MinimumPayment < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "最低报酬不能为负数")
	}
	responder, err := NewResponder(cfg.Address, codec, submitter)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		address:    cfg.Address,
		codec:      codec,
		extractor:  payment.Extractor{Decimals: cfg.Decimals},
		verifier:   payment.Verifier{Address: cfg.Address, Minimum: cfg.MinimumPayment},
		dispatcher: dispatcher,
		responder:  responder,
		events:     events.Discard{},
		log:        logger.Named("agent"),
		now:        time.Now,
		status:     StatusActive,
		answered:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	responder.now = a.now
	a.startedAt = a.now()
	return a, nil
}

// Address 返回响应方地址。
func (a *Agent) Address() string { return a.address }

// Process 实现 poller.Processor。
func (a *Agent) Process(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil {
		return nil
	}
	if tx.Failed {
		a.log.Debug("跳过执行失败的交易", slog.String("signature", tx.Signature))
		a.finish(tx.Signature)
		return nil
	}

	var (
		transfers []payment.ObservedTransfer
		extracted bool
	)
	for idx, payload := range tx.Payloads {
		req, err := a.codec.Decode(payload)
		if err != nil {
			a.log.Debug("忽略无法解析的载荷",
				slog.String("signature", tx.Signature),
				slog.Int("index", idx),
				slog.Any("error", err))
			continue
		}
		if req.MessageType != envelope.TypeRequest || !req.HasRecipient(a.address) {
			continue
		}
		if !extracted {
			transfers = a.extractor.Extract(tx)
			extracted = true
		}
		if err := a.handle(ctx, tx, req, transfers); err != nil {
			return err
		}
	}
	a.finish(tx.Signature)
	return nil
}

func (a *Agent) finish(signature string) {
	prefix := signature + "|"
	a.mu.Lock()
	for key := range a.answered {
		if strings.HasPrefix(key, prefix) {
			delete(a.answered, key)
		}
	}
	a.processed++
	a.mu.Unlock()
}

func (a *Agent) handle(ctx context.Context, tx *ledger.Transaction, req *envelope.Envelope, transfers []payment.ObservedTransfer) error {
	key := tx.Signature + "|" + req.MessageID
	a.mu.Lock()
	_, done := a.answered[key]
	a.mu.Unlock()
	if done {
		return nil
	}

	base := receipts.Receipt{
		Signature: tx.Signature,
		MessageID: req.MessageID,
		Sender:    req.Sender,
		Action:    req.Content.Action,
	}
	declared, _ := req.DeclaredCompensation()

	verification := a.verifier.Verify(transfers, req)
	if a.observer != nil {
		a.observer.ObservePayment(verification.Verified)
	}
	if !verification.Verified {
		logger.Audit().Warn("付款校验未通过",
			slog.String("signature", tx.Signature),
			slog.String("message_id", req.MessageID),
			slog.String("sender", req.Sender),
			slog.Float64("declared", declared),
			slog.Float64("required", a.verifier.Required(declared)))
		base.Status = receipts.StatusRejected
		base.ErrorCode = string(xerrors.CodeVerification)
		a.record(ctx, base)
		a.publish(ctx, events.Event{Type: events.TypePaymentRejected, Signature: tx.Signature,
			MessageID: req.MessageID, Sender: req.Sender, Action: req.Content.Action, Amount: declared,
			Code: string(xerrors.CodeVerification)})
		return nil
	}
	base.Amount = verification.Amount
	logger.Audit().Info("付款已确认",
		slog.String("signature", tx.Signature),
		slog.String("message_id", req.MessageID),
		slog.String("sender", req.Sender),
		slog.Float64("amount", verification.Amount))

	outcome := a.dispatcher.Dispatch(ctx, req)

	responseSig, err := a.responder.Respond(ctx, req, outcome)
	if a.observer != nil {
		a.observer.ObserveSubmission(err)
	}
	if err != nil {
		a.log.Error("提交响应失败，交易将重试",
			slog.String("signature", tx.Signature),
			slog.String("message_id", req.MessageID),
			slog.Any("error", err))
		base.Status = receipts.StatusFailed
		base.ErrorCode = string(xerrors.CodeOf(err))
		a.record(ctx, base)
		a.publish(ctx, events.Event{Type: events.TypeResponseFailed, Signature: tx.Signature,
			MessageID: req.MessageID, Sender: req.Sender, Action: req.Content.Action,
			Amount: verification.Amount, Code: base.ErrorCode})
		a.alert(ctx, err, tx.Signature, req.MessageID)
		return err
	}

	a.mu.Lock()
	a.answered[key] = struct{}{}
	if outcome.Succeeded {
		a.earnings += verification.Amount
		if req.Content.Action == envelope.ActionChatQuery {
			a.totalQueries++
		}
	}
	total := a.earnings
	a.mu.Unlock()

	if outcome.Succeeded {
		if a.observer != nil {
			a.observer.SetEarnings(total)
		}
		logger.Audit().Info("收益入账",
			slog.String("message_id", req.MessageID),
			slog.Float64("amount", verification.Amount),
			slog.Float64("total", total))
		base.Status = receipts.StatusCompleted
	} else {
		base.Status = receipts.StatusError
		base.ErrorCode = string(xerrors.CodeOf(outcome.Err))
	}
	base.ResponseSignature = responseSig
	a.record(ctx, base)
	a.publish(ctx, events.Event{Type: events.TypeResponseSent, Signature: tx.Signature,
		MessageID: req.MessageID, Sender: req.Sender, Action: req.Content.Action,
		Amount: verification.Amount, Code: base.ErrorCode, ResponseSignature: responseSig})
	logger.Audit().Info("响应已发送",
		slog.String("message_id", req.MessageID),
		slog.String("response_signature", responseSig),
		slog.String("status", string(base.Status)))
	return nil
}

func (a *Agent) record(ctx context.Context, r receipts.Receipt) {
	if a.receipts == nil {
		return
	}
	if err := a.receipts.Record(ctx, r); err != nil {
		a.log.Warn("写入回执失败", slog.String("signature", r.Signature), slog.Any("error", err))
	}
}

func (a *Agent) publish(ctx context.Context, e events.Event) {
	e.Address = a.address
	e.OccurredAt = a.now().UTC()
	if err := a.events.Publish(ctx, e); err != nil {
		a.log.Warn("发布事件失败", slog.String("type", string(e.Type)), slog.Any("error", err))
	}
}

func (a *Agent) alert(ctx context.Context, err error, signature, messageID string) {
	if a.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, "响应未送达")
	event.Address = a.address
	event.Signature = signature
	event.MessageID = messageID
	event.OccurredAt = a.now()
	if notifyErr := a.alerts.Notify(ctx, event); notifyErr != nil {
		a.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}
