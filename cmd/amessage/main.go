package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"AMessage-Chain/internal/client"
	"AMessage-Chain/internal/config"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger/provider"
	"AMessage-Chain/pkg/logger"
	"AMessage-Chain/sdk/go/amessage"
)

// main 是请求方命令行的入口：付费提问并等待链上回答。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %s\n", xerrors.PublicMessage(err))
		if detail := err.Error(); detail != xerrors.PublicMessage(err) {
			fmt.Fprintf(os.Stderr, "详情: %s\n", detail)
		}
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "amessage",
		Usage:     "通过链上 aMessage 报文向响应方付费提问",
		UsageText: "amessage -m \"What is Solana?\" [-a AGENT] [-p 0.001]",
		Writer:    out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "要提问的内容"},
			&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Usage: "响应方地址，默认读取 AMESSAGE_AGENT"},
			&cli.Float64Flag{Name: "payment", Aliases: []string{"p"}, Usage: "随请求支付的金额"},
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Usage: "等待回答的最长时间"},
			&cli.StringFlag{Name: "chain", Usage: "chains.yaml 中的链名称"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "配置文件路径", EnvVars: []string{config.EnvConfigPath}, Value: config.DefaultPath},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "输出调试日志"},
		},
		Action: func(c *cli.Context) error {
			return ask(c, out)
		},
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "查询响应方 API 的运行统计与最近的处理记录",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api", Usage: "响应方 API 地址", EnvVars: []string{"AMESSAGE_API"}, Value: "http://127.0.0.1:8080"},
					&cli.StringFlag{Name: "token", Usage: "API 访问令牌", EnvVars: []string{"AMESSAGE_API_TOKEN"}},
					&cli.IntFlag{Name: "recent", Usage: "显示最近的处理记录条数", Value: 5},
				},
				Action: func(c *cli.Context) error {
					return showStats(c, out)
				},
			},
		},
	}
}

func showStats(c *cli.Context, out io.Writer) error {
	agentAPI, err := amessage.NewClient(c.String("api"), nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "API 地址无效")
	}
	agentAPI.SetAccessToken(c.String("token"))

	stats, err := agentAPI.Stats(c.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "查询统计失败")
	}
	fmt.Fprintf(out, "地址:     %s\n状态:     %s\n收益:     %g\n已处理:   %d 笔交易 / %d 次提问\n运行时长: %s\n",
		stats.Address, stats.Status, stats.Earnings, stats.ProcessedTransactions, stats.TotalQueries,
		stats.Uptime().Truncate(time.Second))

	if n := c.Int("recent"); n > 0 {
		page, err := agentAPI.Messages(c.Context, amessage.MessageQuery{Limit: n})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeTransport, err, "查询处理记录失败")
		}
		for _, m := range page.Items {
			fmt.Fprintf(out, "%s  %-9s  %s  %g\n", time.Unix(m.CreatedAt, 0).Format(time.RFC3339), m.Status, m.Sender, m.Amount)
		}
	}
	return nil
}

func ask(c *cli.Context, out io.Writer) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	level := "warn"
	if c.Bool("verbose") {
		level = "debug"
	}
	if err := logger.Init(logger.Config{Level: level, Format: "text", OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	message := c.String("message")
	if message == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请使用 -m/--message 指定问题")
	}
	agent := c.String("agent")
	if agent == "" {
		agent = cfg.Client.DefaultAgent
	}
	if agent == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未指定响应方地址，请使用 --agent 或设置 AMESSAGE_AGENT")
	}
	payment := cfg.Client.DefaultPayment
	if c.IsSet("payment") {
		payment = c.Float64("payment")
	}
	timeout := cfg.Client.MaxWait.Std()
	if c.IsSet("timeout") {
		timeout = c.Duration("timeout")
	}

	registry, err := provider.NewRegistry(cfg.Ledger)
	if err != nil {
		return err
	}
	defer registry.Close()

	transport, err := registry.Open(c.Context, c.String("chain"), provider.Identity{
		PrivateKey: cfg.Client.PrivateKey,
		Address:    cfg.Client.Address,
	})
	if err != nil {
		return err
	}

	codec, err := envelope.NewCodec(cfg.Ledger.MaxPayloadBytes)
	if err != nil {
		return err
	}
	requester, err := client.New(transport, codec, client.Config{
		MinPayment:    cfg.Client.MinPayment,
		MaxPayment:    cfg.Client.MaxPayment,
		MaxWait:       timeout,
		Language:      cfg.Client.Language,
		ResponseStyle: cfg.Client.ResponseStyle,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "向 %s 提问，支付 %g，最长等待 %s...\n", agent, payment, timeout)
	reply, err := requester.Ask(c.Context, message, agent, payment, timeout)
	if reply != nil && reply.Signature != "" {
		fmt.Fprintf(out, "请求交易: %s\n", reply.Signature)
	}
	if err != nil {
		return err
	}
	answer, err := reply.Answer()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer)
	return nil
}
