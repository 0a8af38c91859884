package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"AMessage-Chain/internal/agent"
	"AMessage-Chain/internal/auth"
	"AMessage-Chain/internal/receipts"
)

type staticStats struct{ stats agent.Stats }

func (s staticStats) Stats() agent.Stats { return s.stats }

type recordingObserver struct {
	mu       sync.Mutex
	handlers []string
	statuses []int
}

func (r *recordingObserver) ObserveHTTPRequest(handler, _ string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
	r.statuses = append(r.statuses, status)
}

func seededRepository(t *testing.T) *receipts.MemoryRepository {
	t.Helper()
	repo := receipts.NewMemoryRepository()
	ctx := context.Background()
	items := []receipts.Receipt{
		{Signature: "sig-1", MessageID: "m1", Sender: "alice", Action: "chat", Amount: 0.001, Status: receipts.StatusCompleted, CreatedAt: 100},
		{Signature: "sig-2", MessageID: "m2", Sender: "bob", Action: "chat", Status: receipts.StatusRejected, CreatedAt: 200},
		{Signature: "sig-3", MessageID: "m3", Sender: "alice", Action: "chat", Status: receipts.StatusError, ErrorCode: "HANDLER_ERROR", CreatedAt: 300},
	}
	for _, item := range items {
		if err := repo.Record(ctx, item); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return repo
}

func TestHandleStats(t *testing.T) {
	stats := agent.Stats{Address: "agent", Earnings: 0.002, Status: "active", TotalQueries: 2, UptimeSeconds: 12}
	server := NewServer(":0", staticStats{stats: stats}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["address"] != "agent" || got["earnings"] != 0.002 || got["uptime"] != float64(12) {
		t.Fatalf("unexpected payload: %v", got)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleMessagesFilters(t *testing.T) {
	server := NewServer(":0", nil, seededRepository(t))

	cases := []struct {
		query string
		want  []string
	}{
		{query: "", want: []string{"sig-3", "sig-2", "sig-1"}},
		{query: "?sender=alice", want: []string{"sig-3", "sig-1"}},
		{query: "?status=completed,error", want: []string{"sig-3", "sig-1"}},
		{query: "?limit=1&offset=1", want: []string{"sig-2"}},
		{query: "?since=150", want: []string{"sig-3", "sig-2"}},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/messages"+tc.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: unexpected status %d", tc.query, rec.Code)
		}
		var resp messagesResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("%q: decode: %v", tc.query, err)
		}
		if len(resp.Items) != len(tc.want) {
			t.Fatalf("%q: expected %d items, got %+v", tc.query, len(tc.want), resp.Items)
		}
		for i, sig := range tc.want {
			if resp.Items[i].Signature != sig {
				t.Fatalf("%q: item %d = %s, want %s", tc.query, i, resp.Items[i].Signature, sig)
			}
		}
	}
}

func TestHandleMessagesRejectsBadQuery(t *testing.T) {
	server := NewServer(":0", nil, seededRepository(t))

	for _, query := range []string{"?limit=0", "?offset=-1", "?status=unknown", "?since=yesterday"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/messages"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", query, rec.Code)
		}
		var body errorBody
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("%q: decode: %v", query, err)
		}
		if body.Error.Code != "INVALID_ARGUMENT" {
			t.Fatalf("%q: unexpected code %s", query, body.Error.Code)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	server := NewServer(":0", nil, nil, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("poller stalled")
	}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	server := NewServer(":0", staticStats{}, nil, WithRateLimit(1, 2))
	handler := server.Handler()

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if call("10.0.0.1:1000") != http.StatusOK || call("10.0.0.1:1001") != http.StatusOK {
		t.Fatal("burst should be allowed")
	}
	if code := call("10.0.0.1:1002"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("other clients should not be limited, got %d", code)
	}
}

func TestObserverAndMetricsHandler(t *testing.T) {
	observer := &recordingObserver{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("amessage_up 1\n"))
	})
	server := NewServer(":0", staticStats{}, nil, WithObserver(observer), WithMetricsHandler(metrics))
	handler := server.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Body.String() != "amessage_up 1\n" {
		t.Fatalf("unexpected metrics body %q", rec.Body.String())
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.handlers) != 2 || observer.handlers[0] != "stats" || observer.handlers[1] != "messages" {
		t.Fatalf("unexpected observed handlers %v", observer.handlers)
	}
	if observer.statuses[0] != http.StatusOK || observer.statuses[1] != http.StatusServiceUnavailable {
		t.Fatalf("unexpected observed statuses %v", observer.statuses)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	cancel()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthProtectsOnlyAPIRoutes(t *testing.T) {
	svc, err := auth.NewService([]string{"ops:s3cret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	handler := NewServer(":0", staticStats{}, nil, WithAuth(svc)).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health check should stay public, got %d", rec.Code)
	}
}
