package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "AMessage-Chain/internal/errors"
)

type captureSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *captureSender) Send(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, content)
	return c.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	ding := &captureSender{}
	fan := NewFanout(LogNotifier{}, &DingTalkNotifier{Sender: ding}, nil)
	if got := fan.Channels(); len(got) != 2 || got[0] != ChannelDingTalk || got[1] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}

	event := FromError(xerrors.New(xerrors.CodeSubmission, "提交响应失败"), "响应未送达")
	event.Signature = "sig-1"
	event.Metadata = map[string]string{"b": "2", "a": "1"}
	if err := fan.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(ding.messages) != 1 {
		t.Fatalf("expected one dingtalk message, got %d", len(ding.messages))
	}
	msg := ding.messages[0]
	if !strings.Contains(msg, "SUBMISSION_ERROR") || !strings.Contains(msg, "sig-1") || strings.Index(msg, "- a") > strings.Index(msg, "- b") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	fan := NewFanout(&DingTalkNotifier{Sender: &captureSender{err: errors.New("down")}})
	if err := fan.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure}); err == nil {
		t.Fatalf("expected error")
	}
	var nilFan *FanoutDispatcher
	if err := nilFan.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookSenders(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusForbidden)
		}
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL + "/ok")
	if err := (&DingTalkNotifier{Sender: sender}).Notify(context.Background(), Event{Code: xerrors.CodeHandler, Message: "x"}); err != nil {
		t.Fatalf("dingtalk: %v", err)
	}
	slack := &SlackNotifier{Sender: SlackWebhook{sender}, ChannelID: "#alerts"}
	if err := slack.Notify(context.Background(), Event{Code: xerrors.CodeHandler, Message: "y", Signature: "sig"}); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if len(bodies) != 2 || bodies[0]["msgtype"] != "text" || bodies[1]["channel"] != "#alerts" {
		t.Fatalf("unexpected bodies: %v", bodies)
	}

	if err := NewWebhookSender(srv.URL+"/fail").Send(context.Background(), "z"); err == nil {
		t.Fatalf("expected error on 403")
	}
}
