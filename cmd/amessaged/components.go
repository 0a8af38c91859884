package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AMessage-Chain/internal/config"
	"AMessage-Chain/internal/cursor"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/events"
	"AMessage-Chain/internal/llm"
	"AMessage-Chain/internal/llm/openai"
	"AMessage-Chain/internal/llm/pythonbridge"
	"AMessage-Chain/internal/observability/alerting"
	"AMessage-Chain/internal/observability/metrics"
	"AMessage-Chain/internal/poller"
	"AMessage-Chain/internal/receipts"
	"AMessage-Chain/internal/storage/mysql"
	"AMessage-Chain/pkg/logger"
)

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	}
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "OpenAI provider 需要设置 OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createCursorStore(ctx context.Context, cfg *config.Config) (cursor.Store, error) {
	switch cfg.Cursor.Driver {
	case "memory":
		return cursor.NewMemoryStore(), nil
	case "", "file":
		return cursor.NewFileStore(cfg.Runtime.DataDir)
	case "redis":
		return cursor.NewRedisStore(ctx, cursor.RedisConfig{
			Address:   cfg.Cursor.Redis.Address,
			Password:  cfg.Cursor.Redis.Password,
			DB:        cfg.Cursor.Redis.DB,
			KeyPrefix: cfg.Cursor.Redis.Key,
		})
	case "mysql":
		return cursor.NewMySQLStore(ctx, mysqlConfig(cfg.Cursor.MySQL))
	default:
		return nil, fmt.Errorf("未知的游标存储: %s", cfg.Cursor.Driver)
	}
}

func createReceipts(ctx context.Context, cfg *config.Config) (receipts.Repository, error) {
	switch cfg.Receipts.Driver {
	case "memory":
		return receipts.NewMemoryRepository(), nil
	case "", "file":
		return receipts.NewFileRepository(cfg.Runtime.DataDir)
	case "mysql":
		return receipts.NewMySQLRepository(ctx, mysqlConfig(cfg.Receipts.MySQL))
	default:
		return nil, fmt.Errorf("未知的记录存储: %s", cfg.Receipts.Driver)
	}
}

func createPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return events.Discard{}, nil
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			List:     cfg.Redis.Key,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件通道: %s", cfg.Driver)
	}
}

// createAlerts 总是包含日志通道，配置了 webhook 时追加钉钉与 Slack。
func createAlerts(cfg config.AlertsConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.SlackWebhook{WebhookSender: alerting.NewWebhookSender(cfg.SlackWebhook)},
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

// tickObserver 把轮询结果同时交给指标与告警。
type tickObserver struct {
	metrics *metrics.Metrics
	alerts  alerting.Dispatcher
	address string
}

func (o *tickObserver) ObserveTick(result poller.TickResult, err error, elapsed time.Duration) {
	o.metrics.ObserveTick(result, err, elapsed)
	if err == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, "轮询失败")
	event.Address = o.address
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
		logger.Named("amessaged").Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}
