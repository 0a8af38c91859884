// Package poller 实现响应方的交易拉取循环。
//
// 轮询器维护单调前进的游标，每轮拉取比游标更新的交易，按时间顺序逐笔交给处理器，
// 只有处理成功并持久化后游标才会前进。同一时刻最多只有一轮在执行。
package poller

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"AMessage-Chain/internal/cursor"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/pkg/logger"
)

const (
	// DefaultInterval 为默认的轮询间隔。
	DefaultInterval = 5 * time.Second
	// DefaultBatchLimit 为单轮最多拉取的交易数。
	DefaultBatchLimit = 25
)

// ErrTickInProgress 表示上一轮仍在执行，本轮被跳过。
var ErrTickInProgress = stdErrors.New("上一轮处理尚未结束")

// Processor 处理单笔交易。返回错误表示该交易未完成，游标不会越过它。
type Processor interface {
	Process(ctx context.Context, tx *ledger.Transaction) error
}

// ProcessorFunc 将函数适配为 Processor。
type ProcessorFunc func(ctx context.Context, tx *ledger.Transaction) error

// Process 实现 Processor。
func (f ProcessorFunc) Process(ctx context.Context, tx *ledger.Transaction) error {
	return f(ctx, tx)
}

// Observer 接收每轮的统计，用于指标上报。
type Observer interface {
	ObserveTick(result TickResult, err error, elapsed time.Duration)
}

// TickResult 汇总一轮的处理情况。
type TickResult struct {
	Fetched   int
	Processed int
	Failed    int
	Skipped   int
	Cursor    string
	Advanced  bool
}

// Option 定义轮询器的可选配置。
type Option func(*Poller)

// WithInterval 设置轮询间隔。
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchLimit 设置单轮拉取上限。
func WithBatchLimit(limit int) Option {
	return func(p *Poller) {
		if limit > 0 {
			p.batchLimit = limit
		}
	}
}

// WithObserver 注册统计回调。
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

// WithLogger 替换默认日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// Poller 是单个响应方地址的拉取循环。
type Poller struct {
	processor  Processor
	reader     ledger.Reader
	store      cursor.Store
	address    string
	interval   time.Duration
	batchLimit int
	observer   Observer
	log        *slog.Logger

	// tick 的互斥保护，容量为 1。
	sem *semaphore.Weighted

	mu          sync.RWMutex
	cursor      string
	initialized bool
	lastTick    time.Time
}

// New 创建轮询器。
func New(processor Processor, reader ledger.Reader, store cursor.Store, address string, opts ...Option) (*Poller, error) {
	if processor == nil || reader == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "processor、reader 与 store 均不能为空")
	}
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "响应方地址不能为空")
	}
	p := &Poller{
		processor:  processor,
		reader:     reader,
		store:      store,
		address:    address,
		interval:   DefaultInterval,
		batchLimit: DefaultBatchLimit,
		log:        logger.Named("poller"),
		sem:        semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Cursor 返回当前游标。
func (p *Poller) Cursor() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// LastTick 返回最近一轮完成的时间。
func (p *Poller) LastTick() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastTick
}

// Init 确定起始游标：优先使用持久化的值，否则取地址最新的一笔交易，
// 因此启动之前的历史请求不会被处理。
func (p *Poller) Init(ctx context.Context) error {
	p.mu.RLock()
	done := p.initialized
	p.mu.RUnlock()
	if done {
		return nil
	}

	sig, ok, err := p.store.Load(ctx, p.address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载游标失败")
	}
	if !ok {
		latest, err := p.reader.FetchTransactionsSince(ctx, p.address, "", 1)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeTransport, err, "获取最新交易失败")
		}
		if len(latest) > 0 {
			sig = latest[0].Signature
			if err := p.store.Save(ctx, p.address, sig); err != nil {
				p.log.Warn("保存初始游标失败", slog.Any("error", err))
			}
		}
	}

	p.mu.Lock()
	p.cursor = sig
	p.initialized = true
	p.mu.Unlock()
	p.log.Info("游标已初始化", slog.String("address", p.address), slog.String("cursor", sig), slog.Bool("restored", ok))
	return nil
}

// Start 按固定间隔执行 Tick，直到 ctx 被取消。单轮失败只记录日志。
func (p *Poller) Start(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		err := p.Init(ctx)
		p.sem.Release(1)
		if err != nil {
			p.log.Warn("初始化游标失败，将在下一轮重试", slog.Any("error", err))
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && !stdErrors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				p.log.Warn("本轮处理中断", slog.Any("error", err))
			}
		}
	}
}

// Tick 执行一轮拉取与处理。若上一轮仍在执行则立即返回 ErrTickInProgress。
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	if !p.sem.TryAcquire(1) {
		return TickResult{}, ErrTickInProgress
	}
	defer p.sem.Release(1)

	started := time.Now()
	result, err := p.tick(ctx)
	result.Cursor = p.Cursor()

	p.mu.Lock()
	p.lastTick = time.Now()
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveTick(result, err, time.Since(started))
	}
	return result, err
}

func (p *Poller) tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	if err := p.Init(ctx); err != nil {
		return result, err
	}

	current := p.Cursor()
	infos, err := p.reader.FetchTransactionsSince(ctx, p.address, current, p.batchLimit)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeTransport, err, "拉取交易历史失败")
	}
	result.Fetched = len(infos)

	// 拉取结果从新到旧，逆序处理以保证时间顺序。
	for i := len(infos) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		sig := infos[i].Signature
		if sig == "" || sig == current {
			result.Skipped++
			continue
		}

		if err := p.processOne(ctx, sig); err != nil {
			result.Failed++
			p.log.Warn("交易处理失败，游标保持不变",
				slog.String("signature", sig),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err))
			continue
		}

		if err := p.store.Save(ctx, p.address, sig); err != nil {
			p.log.Error("持久化游标失败", slog.String("signature", sig), slog.Any("error", err))
			return result, xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化游标失败")
		}
		p.mu.Lock()
		p.cursor = sig
		p.mu.Unlock()
		current = sig
		result.Processed++
		result.Advanced = true
	}
	return result, nil
}

func (p *Poller) processOne(ctx context.Context, signature string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("处理交易时发生异常: %v", r))
		}
	}()

	tx, err := p.reader.FetchTransaction(ctx, signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "获取交易详情失败")
	}
	if tx == nil {
		return xerrors.New(xerrors.CodeNotFound, "交易尚不可见: "+signature)
	}
	return p.processor.Process(ctx, tx)
}
