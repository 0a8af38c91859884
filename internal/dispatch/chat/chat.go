// Package chat 实现 CHAT_QUERY 处理器，调用大模型生成简短回答。
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AMessage-Chain/internal/dispatch"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/knowledge"
	"AMessage-Chain/internal/llm"
)

// DefaultSystemPrompt 要求模型给出适合链上附言长度的回答。
const DefaultSystemPrompt = "You are a knowledgeable AI assistant. Provide concise, accurate answers. Answer in max 280 characters."

// Config 描述模型调用参数。
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Option 定义处理器的可选配置。
type Option func(*Handler)

// WithKnowledge 把命中的资料附加到系统提示词中。
func WithKnowledge(p knowledge.Provider) Option {
	return func(h *Handler) { h.knowledge = p }
}

// Handler 处理 CHAT_QUERY。
type Handler struct {
	client    llm.Client
	cfg       Config
	knowledge knowledge.Provider
	now       func() time.Time
}

// New 创建处理器，未配置的参数取默认值。
func New(client llm.Client, cfg Config, opts ...Option) (*Handler, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "llm 客户端不能为空")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	h := &Handler{client: client, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Handle 实现 dispatch.Handler。
func (h *Handler) Handle(ctx context.Context, req *envelope.Envelope) (*dispatch.Result, error) {
	query, ok := req.Content.Parameters.(envelope.ChatQuery)
	if !ok || strings.TrimSpace(query.Query) == "" {
		return nil, dispatch.PublicError(xerrors.CodeInvalidArgument, "missing parameters.query", nil)
	}

	started := h.now()
	resp, err := h.client.Generate(ctx, llm.Request{
		SystemPrompt: h.systemPrompt(query.Query, query.Context),
		Prompt:       query.Query,
		Model:        h.cfg.Model,
		MaxTokens:    h.cfg.MaxTokens,
		Temperature:  h.cfg.Temperature,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeHandler, err, "调用大模型失败")
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return nil, xerrors.New(xerrors.CodeHandler, "大模型返回空回答")
	}

	model := resp.Model
	if model == "" {
		model = h.cfg.Model
	}
	return &dispatch.Result{Content: envelope.Content{
		Action:   envelope.ActionChatResponse,
		Status:   envelope.StatusCompleted,
		Response: &envelope.ChatAnswer{Answer: answer},
		Metadata: &envelope.ResponseMetadata{
			ResponseTime: fmt.Sprintf("%.1fs", h.now().Sub(started).Seconds()),
			TokensUsed:   resp.TotalTokens,
			ModelVersion: model,
		},
	}}, nil
}

func (h *Handler) systemPrompt(question string, c *envelope.ChatContext) string {
	var b strings.Builder
	b.WriteString(h.cfg.SystemPrompt)
	if c != nil {
		if c.Language != "" {
			b.WriteString(" Reply in language: " + c.Language + ".")
		}
		if c.ResponseStyle != "" {
			b.WriteString(" Response style: " + c.ResponseStyle + ".")
		}
	}
	if h.knowledge != nil {
		if snippets := h.knowledge.Query(question); len(snippets) > 0 {
			b.WriteString("\n\nReference notes:")
			for _, s := range snippets {
				b.WriteString("\n- ")
				if s.Title != "" {
					b.WriteString(s.Title + ": ")
				}
				b.WriteString(strings.TrimSpace(s.Content))
			}
		}
	}
	return b.String()
}
