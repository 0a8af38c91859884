// Package correlator 在请求方一侧把链上出现的响应报文与原请求配对。
//
// 每个待答复的请求对应一个 Pending：先订阅、后提交，避免错过响应。
// Pending 在得到响应、超时或被取消时结束，底层订阅恰好关闭一次。
package correlator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/pkg/logger"
)

// DefaultTimeout 为默认的最长等待时间。
const DefaultTimeout = 60 * time.Second

var (
	// ErrTimedOut 表示在等待窗口内没有收到响应。
	ErrTimedOut = xerrors.New(xerrors.CodeTimeout, "等待响应超时")
	// ErrCancelled 表示等待被主动取消。
	ErrCancelled = stdErrors.New("等待已取消")
)

// Correlator 负责创建 Pending。
type Correlator struct {
	subscriber ledger.Subscriber
	codec      *envelope.Codec
	log        *slog.Logger
}

// New 创建 Correlator。
func New(subscriber ledger.Subscriber, codec *envelope.Codec) (*Correlator, error) {
	if subscriber == nil || codec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "subscriber 与 codec 不能为空")
	}
	return &Correlator{subscriber: subscriber, codec: codec, log: logger.Named("correlator")}, nil
}

// Pending 是一个等待中的请求。
type Pending struct {
	MessageID   string
	SubmittedAt time.Time
	TimeoutAt   time.Time

	sub    ledger.Subscription
	codec  *envelope.Codec
	log    *slog.Logger
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	env       *envelope.Envelope
	err       error
}

// Watch 订阅 address 的载荷并等待 referenceId 等于 messageID 的响应或错误报文。
// 必须在提交请求之前调用。timeout 小于等于 0 时使用 DefaultTimeout。
func (c *Correlator) Watch(ctx context.Context, address, messageID string, timeout time.Duration) (*Pending, error) {
	if address == "" || messageID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址与 messageId 不能为空")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sub, err := c.subscriber.SubscribeToAddressPayloads(ctx, address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "订阅响应失败")
	}

	now := time.Now()
	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	p := &Pending{
		MessageID:   messageID,
		SubmittedAt: now,
		TimeoutAt:   now.Add(timeout),
		sub:         sub,
		codec:       c.codec,
		log:         c.log,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.run(watchCtx)
	return p, nil
}

func (p *Pending) run(ctx context.Context) {
	defer p.teardown()

	errs := p.sub.Err()
	for {
		select {
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.resolve(nil, ErrTimedOut)
			} else {
				p.resolve(nil, ErrCancelled)
			}
			return
		case payload, ok := <-p.sub.Payloads():
			if !ok {
				p.resolve(nil, xerrors.New(xerrors.CodeTransport, "订阅已关闭"))
				return
			}
			env, err := p.codec.Decode(payload)
			if err != nil || env.MessageType == envelope.TypeRequest || env.ReferenceID != p.MessageID {
				continue
			}
			p.resolve(env, nil)
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.resolve(nil, xerrors.Wrap(xerrors.CodeTransport, err, "订阅中断"))
			return
		}
	}
}

// resolve 只由 run 调用一次。
func (p *Pending) resolve(env *envelope.Envelope, err error) {
	p.env, p.err = env, err
	if err != nil && !stdErrors.Is(err, ErrCancelled) {
		p.log.Debug("请求未得到响应", slog.String("message_id", p.MessageID), slog.Any("error", err))
	}
}

func (p *Pending) teardown() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.sub.Close()
		close(p.done)
	})
}

// Wait 阻塞直到 Pending 结束或 ctx 取消。ctx 取消不会结束 Pending，需要时调用 Cancel。
func (p *Pending) Wait(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case <-p.done:
		return p.env, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done 在 Pending 结束后关闭。
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cancel 结束等待并释放订阅，可重复调用。返回时订阅已关闭。
func (p *Pending) Cancel() {
	p.cancel()
	<-p.done
}
