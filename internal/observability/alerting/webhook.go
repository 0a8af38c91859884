package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 HTTP webhook 投递消息，同时满足钉钉与 Slack 的发送接口。
type WebhookSender struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookSender 创建 webhook 发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send 以钉钉文本消息格式发送。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackWebhook 适配 SlackSender 接口。
type SlackWebhook struct {
	*WebhookSender
}

// Send 以 Slack incoming webhook 格式发送。
func (s SlackWebhook) Send(ctx context.Context, channel, content string) error {
	body := map[string]any{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	return s.post(ctx, body)
}

func (s *WebhookSender) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警 webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
