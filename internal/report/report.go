// Package report 按 cron 表达式定期输出响应方的运行统计。
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"AMessage-Chain/internal/agent"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/pkg/logger"
)

// StatsSource 提供统计快照。
type StatsSource interface {
	Stats() agent.Stats
}

// EarningsGauge 接收最新收益，通常由指标模块实现。
type EarningsGauge interface {
	SetEarnings(value float64)
}

// Option 定义 Reporter 的可选配置。
type Option func(*Reporter)

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.log = l
		}
	}
}

// WithEarningsGauge 在每次汇报时同步收益指标。
func WithEarningsGauge(g EarningsGauge) Option {
	return func(r *Reporter) { r.gauge = g }
}

// Reporter 定期记录统计信息。
type Reporter struct {
	source StatsSource
	gauge  EarningsGauge
	log    *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	reports int
}

// New 解析调度表达式并创建 Reporter，支持标准五段表达式与 @every 描述符。
func New(schedule string, source StatsSource, opts ...Option) (*Reporter, error) {
	if source == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "统计来源不能为空")
	}
	r := &Reporter{source: source, log: logger.Named("report")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.cron = cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无效的统计调度表达式 %q", schedule))
	}
	return r, nil
}

// Report 立即输出一次统计。
func (r *Reporter) Report() {
	stats := r.source.Stats()
	if r.gauge != nil {
		r.gauge.SetEarnings(stats.Earnings)
	}
	r.log.Info("运行统计",
		slog.String("address", stats.Address),
		slog.String("status", stats.Status),
		slog.Float64("earnings", stats.Earnings),
		slog.Int64("processed_transactions", stats.ProcessedTransactions),
		slog.Int64("total_queries", stats.TotalQueries),
		slog.String("last_signature", stats.LastSignature),
		slog.Float64("uptime_seconds", stats.UptimeSeconds),
	)

	r.mu.Lock()
	r.reports++
	r.mu.Unlock()
}

// Reports 返回已输出的次数。
func (r *Reporter) Reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}

// Run 启动调度并阻塞到上下文取消，退出前输出最后一次统计。
func (r *Reporter) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.Report()
}
