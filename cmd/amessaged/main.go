package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"AMessage-Chain/internal/agent"
	"AMessage-Chain/internal/api"
	"AMessage-Chain/internal/auth"
	"AMessage-Chain/internal/config"
	"AMessage-Chain/internal/dispatch"
	"AMessage-Chain/internal/dispatch/chat"
	"AMessage-Chain/internal/envelope"
	"AMessage-Chain/internal/knowledge"
	"AMessage-Chain/internal/ledger/provider"
	"AMessage-Chain/internal/observability/metrics"
	"AMessage-Chain/internal/poller"
	"AMessage-Chain/internal/report"
	"AMessage-Chain/pkg/logger"
)

// main 是 aMessage 响应方守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("amessaged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("amessaged")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	registry, err := provider.NewRegistry(cfg.Ledger)
	if err != nil {
		return err
	}
	defer registry.Close()

	transport, err := registry.Open(ctx, "", provider.Identity{
		PrivateKey: cfg.Agent.PrivateKey,
		Address:    cfg.Agent.Address,
	})
	if err != nil {
		return err
	}
	address := transport.Address()

	codec, err := envelope.NewCodec(cfg.Ledger.MaxPayloadBytes)
	if err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	alerts := createAlerts(cfg.Alerts)

	dispatcher := dispatch.New(
		dispatch.WithTimeout(cfg.Actions.Timeout.Std()),
		dispatch.WithObserver(m),
	)
	var chatOpts []chat.Option
	if path := cfg.Actions.Chat.KnowledgeFile; path != "" {
		kb, err := knowledge.Load(path, cfg.Actions.Chat.KnowledgeMax)
		if err != nil {
			return err
		}
		chatOpts = append(chatOpts, chat.WithKnowledge(kb))
		lg.Info("已加载回答资料", slog.String("path", path), slog.Int("entries", kb.Len()))
	}
	chatHandler, err := chat.New(llmClient, chat.Config{
		Model:        cfg.Actions.Chat.Model,
		MaxTokens:    cfg.Actions.Chat.MaxTokens,
		Temperature:  cfg.Actions.Chat.Temperature,
		SystemPrompt: cfg.Actions.Chat.SystemPrompt,
	}, chatOpts...)
	if err != nil {
		return err
	}
	if err := dispatcher.Register(envelope.ActionChatQuery, chatHandler); err != nil {
		return err
	}

	store, err := createCursorStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := createReceipts(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	publisher, err := createPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	ag, err := agent.New(agent.Config{
		Address:        address,
		Decimals:       transport.Decimals(),
		MinimumPayment: cfg.Payments.MinimumPayment,
	}, codec, dispatcher, transport,
		agent.WithReceipts(repo),
		agent.WithEvents(publisher),
		agent.WithAlerts(alerts),
		agent.WithObserver(m),
	)
	if err != nil {
		return err
	}
	defer ag.Stop()

	interval := cfg.Agent.PollInterval.Std()
	p, err := poller.New(ag, transport, store, address,
		poller.WithInterval(interval),
		poller.WithBatchLimit(cfg.Agent.BatchLimit),
		poller.WithObserver(&tickObserver{metrics: m, alerts: alerts, address: address}),
	)
	if err != nil {
		return err
	}
	if err := p.Init(ctx); err != nil {
		return err
	}
	ag.AttachCursor(p.Cursor)

	reporter, err := report.New(cfg.Agent.StatsSchedule, ag, report.WithEarningsGauge(m))
	if err != nil {
		return err
	}

	authService, err := auth.NewService(cfg.Server.APITokens)
	if err != nil {
		return err
	}
	serverOpts := []api.Option{
		api.WithAuth(authService),
		api.WithObserver(m),
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		api.WithHealthCheck(pollerHealth(p, interval)),
	}
	if cfg.Server.MetricsAddress == "" {
		serverOpts = append(serverOpts, api.WithMetricsHandler(m.Handler()))
	}
	server := api.NewServer(cfg.Server.Address, ag, repo, serverOpts...)

	lg.Info("aMessage 响应方已启动",
		slog.String("address", address),
		slog.String("chain", registry.DefaultChain()),
		slog.String("cursor", p.Cursor()),
		slog.Duration("poll_interval", interval),
		slog.Float64("minimum_payment", cfg.Payments.MinimumPayment))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress, m.Handler()) })
	}

	err = g.Wait()
	if err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("aMessage 响应方已停止", slog.Float64("earnings", ag.Stats().Earnings))
	return nil
}

// pollerHealth 在轮询长时间没有完成时报告异常。
func pollerHealth(p *poller.Poller, interval time.Duration) api.HealthCheck {
	return func(context.Context) error {
		last := p.LastTick()
		if last.IsZero() {
			return nil
		}
		if stale := time.Since(last); stale > 5*interval+time.Minute {
			return fmt.Errorf("轮询已 %s 未完成", stale.Truncate(time.Second))
		}
		return nil
	}
}
