package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"AMessage-Chain/internal/dispatch"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/knowledge"
	"AMessage-Chain/internal/llm"
)

type stubLLM struct {
	lastRequest llm.Request
	response    *llm.Response
	err         error
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.lastRequest = req
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func chatRequest(query string, ctx *envelope.ChatContext) *envelope.Envelope {
	return &envelope.Envelope{
		Sender:      "client",
		Recipients:  []string{"agent"},
		MessageType: envelope.TypeRequest,
		MessageID:   "chat_1",
		Content: envelope.Content{
			Action:       envelope.ActionChatQuery,
			Parameters:   envelope.ChatQuery{Query: query, Context: ctx},
			Compensation: &envelope.Compensation{Amount: 0.001},
		},
	}
}

func TestHandleBuildsChatResponse(t *testing.T) {
	stub := &stubLLM{response: &llm.Response{Content: " Solana is fast. ", Model: "gpt-3.5-turbo-0125", TotalTokens: 42}}
	h, err := New(stub, Config{Temperature: 0.7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ticks := []time.Time{time.Unix(0, 0), time.Unix(0, int64(1500*time.Millisecond))}
	h.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}

	res, err := h.Handle(context.Background(), chatRequest("what is solana?", &envelope.ChatContext{Language: "en", ResponseStyle: "concise"}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Content.Action != envelope.ActionChatResponse || res.Content.Status != envelope.StatusCompleted {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
	if res.Content.Response.Answer != "Solana is fast." {
		t.Fatalf("unexpected answer %q", res.Content.Response.Answer)
	}
	if res.Content.Metadata.TokensUsed != 42 || res.Content.Metadata.ResponseTime != "1.5s" {
		t.Fatalf("unexpected metadata: %+v", res.Content.Metadata)
	}
	if stub.lastRequest.Prompt != "what is solana?" || stub.lastRequest.MaxTokens != 150 || stub.lastRequest.Model != "gpt-3.5-turbo" {
		t.Fatalf("unexpected llm request: %+v", stub.lastRequest)
	}
	if !strings.Contains(stub.lastRequest.SystemPrompt, "concise") {
		t.Fatalf("context not reflected in system prompt: %q", stub.lastRequest.SystemPrompt)
	}
}

func TestHandleWrapsLLMFailures(t *testing.T) {
	h, err := New(&stubLLM{err: errors.New("429 rate limited")}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = h.Handle(context.Background(), chatRequest("hi", nil))
	if xerrors.CodeOf(err) != xerrors.CodeHandler {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestHandleRejectsMissingQuery(t *testing.T) {
	h, err := New(&stubLLM{}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = h.Handle(context.Background(), chatRequest("  ", nil))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestHandlerThroughDispatcher(t *testing.T) {
	h, err := New(&stubLLM{response: &llm.Response{Content: "42"}}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := dispatch.New()
	if err := d.Register(envelope.ActionChatQuery, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	out := d.Dispatch(context.Background(), chatRequest("meaning of life?", nil))
	if !out.Succeeded || out.Content.Response.Answer != "42" || out.Content.Metadata.ModelVersion != "gpt-3.5-turbo" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestKnowledgeIsAppendedToSystemPrompt(t *testing.T) {
	stub := &stubLLM{response: &llm.Response{Content: "ok"}}
	kb := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "Fees", Content: "Requests cost at least 0.001 SOL.", Keywords: []string{"cost"}},
		{Title: "Unrelated", Content: "Ignore me.", Keywords: []string{"weather"}},
	}, 3)
	h, err := New(stub, Config{}, WithKnowledge(kb))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := h.Handle(context.Background(), chatRequest("how much does it cost?", nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	prompt := stub.lastRequest.SystemPrompt
	if !strings.HasPrefix(prompt, DefaultSystemPrompt) {
		t.Fatalf("default prompt missing: %q", prompt)
	}
	if !strings.Contains(prompt, "- Fees: Requests cost at least 0.001 SOL.") || strings.Contains(prompt, "Ignore me") {
		t.Fatalf("unexpected knowledge section: %q", prompt)
	}
}
