// Package client 实现请求方：构造 CHAT_QUERY 请求，随付款一起提交，并等待响应。
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"AMessage-Chain/internal/correlator"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/pkg/logger"
)

// 默认付款范围与等待时间。
const (
	DefaultPayment    = 0.001
	DefaultMinPayment = 0.0001
	DefaultMaxPayment = 1.0
	DefaultMaxWait    = 60 * time.Second
)

// Config 描述请求方的默认行为。
type Config struct {
	MinPayment    float64
	MaxPayment    float64
	MaxWait       time.Duration
	Language      string
	ResponseStyle string
}

func (c *Config) applyDefaults() {
	if c.MinPayment <= 0 {
		c.MinPayment = DefaultMinPayment
	}
	if c.MaxPayment <= 0 {
		c.MaxPayment = DefaultMaxPayment
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.ResponseStyle == "" {
		c.ResponseStyle = "concise"
	}
}

// Client 是绑定单个钱包的请求方。
type Client struct {
	transport  ledger.Transport
	codec      *envelope.Codec
	correlator *correlator.Correlator
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New 创建请求方客户端。
func New(transport ledger.Transport, codec *envelope.Codec, cfg Config) (*Client, error) {
	if transport == nil || codec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transport 与 codec 不能为空")
	}
	cfg.applyDefaults()
	if cfg.MinPayment > cfg.MaxPayment {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "最低付款不能大于最高付款")
	}
	corr, err := correlator.New(transport, codec)
	if err != nil {
		return nil, err
	}
	return &Client{
		transport:  transport,
		codec:      codec,
		correlator: corr,
		cfg:        cfg,
		log:        logger.Named("client"),
		now:        time.Now,
		newID:      NewMessageID,
	}, nil
}

// NewMessageID 生成请求 ID。
func NewMessageID() string {
	return "chat_" + uuid.NewString()
}

// Address 返回请求方地址。
func (c *Client) Address() string { return c.transport.Address() }

// BuildChatQuery 构造 CHAT_QUERY 请求报文并检查付款范围。
func (c *Client) BuildChatQuery(messageID, query, agent string, compensation float64) (envelope.Envelope, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return envelope.Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	if strings.TrimSpace(agent) == "" {
		return envelope.Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "响应方地址不能为空")
	}
	if math.IsNaN(compensation) || compensation < c.cfg.MinPayment || compensation > c.cfg.MaxPayment {
		return envelope.Envelope{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("付款金额必须在 %g 与 %g 之间", c.cfg.MinPayment, c.cfg.MaxPayment))
	}
	return envelope.NewRequest(c.transport.Address(), []string{agent}, messageID, envelope.Content{
		Action: envelope.ActionChatQuery,
		Parameters: envelope.ChatQuery{
			Query: query,
			Context: &envelope.ChatContext{
				ConversationID: "new",
				Language:       c.cfg.Language,
				ResponseStyle:  c.cfg.ResponseStyle,
			},
		},
		Compensation: &envelope.Compensation{Amount: compensation, Terms: envelope.TermsFixed},
	}, c.now()), nil
}

// SendChatQuery 在同一笔交易中写入请求并向响应方转账，返回交易签名。
func (c *Client) SendChatQuery(ctx context.Context, messageID, query, agent string, compensation float64) (string, error) {
	env, err := c.BuildChatQuery(messageID, query, agent, compensation)
	if err != nil {
		return "", err
	}
	payload, err := c.codec.Encode(env)
	if err != nil {
		return "", err
	}
	sig, err := c.transport.Submit(ctx, ledger.Submission{Payload: payload, To: agent, Amount: compensation})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSubmission, err, "提交请求失败")
	}
	c.log.Info("请求已提交",
		slog.String("message_id", messageID),
		slog.String("agent", agent),
		slog.Float64("payment", compensation),
		slog.String("signature", sig))
	return sig, nil
}

// Reply 是一次问答的结果。
type Reply struct {
	MessageID string
	Signature string
	Envelope  *envelope.Envelope
}

// Answer 返回回答正文；对方返回错误报文时转换为错误。
func (r *Reply) Answer() (string, error) {
	if r == nil || r.Envelope == nil {
		return "", xerrors.New(xerrors.CodeNotFound, "没有收到响应")
	}
	content := r.Envelope.Content
	if r.Envelope.MessageType == envelope.TypeError || content.Status == envelope.StatusError {
		msg := "request failed"
		if content.Error != nil {
			msg = content.Error.Message
			if content.Error.Details != "" {
				msg += ": " + content.Error.Details
			}
		}
		return "", xerrors.New(xerrors.CodeHandler, msg)
	}
	if content.Response == nil {
		return "", xerrors.New(xerrors.CodeDecoding, "响应缺少 answer")
	}
	return content.Response.Answer, nil
}

// Ask 订阅响应、提交请求并等待结果。maxWait 小于等于 0 时使用配置值。
func (c *Client) Ask(ctx context.Context, query, agent string, compensation float64, maxWait time.Duration) (*Reply, error) {
	if maxWait <= 0 {
		maxWait = c.cfg.MaxWait
	}
	messageID := c.newID()
	if _, err := c.BuildChatQuery(messageID, query, agent, compensation); err != nil {
		return nil, err
	}

	pending, err := c.correlator.Watch(ctx, c.transport.Address(), messageID, maxWait)
	if err != nil {
		return nil, err
	}
	defer pending.Cancel()

	sig, err := c.SendChatQuery(ctx, messageID, query, agent, compensation)
	if err != nil {
		return nil, err
	}
	env, err := pending.Wait(ctx)
	if err != nil {
		return &Reply{MessageID: messageID, Signature: sig}, err
	}
	return &Reply{MessageID: messageID, Signature: sig, Envelope: env}, nil
}
