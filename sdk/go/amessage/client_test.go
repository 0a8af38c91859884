package amessage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AMessage-Chain/internal/agent"
	"AMessage-Chain/internal/api"
	"AMessage-Chain/internal/auth"
	"AMessage-Chain/internal/receipts"
)

type fixedStats struct{}

func (fixedStats) Stats() agent.Stats {
	return agent.Stats{Address: "agent", Earnings: 0.004, Status: "active", TotalQueries: 4, UptimeSeconds: 90}
}

func newAgentAPI(t *testing.T, tokens ...string) (*httptest.Server, *receipts.MemoryRepository) {
	t.Helper()
	repo := receipts.NewMemoryRepository()
	svc, err := auth.NewService(tokens)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	healthy := func(context.Context) error { return nil }
	srv := httptest.NewServer(api.NewServer(":0", fixedStats{}, repo, api.WithAuth(svc), api.WithHealthCheck(healthy)).Handler())
	t.Cleanup(srv.Close)
	return srv, repo
}

func TestStatsAndHealth(t *testing.T) {
	srv, _ := newAgentAPI(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Address != "agent" || stats.TotalQueries != 4 || stats.Uptime() != 90*time.Second {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestMessagesQuery(t *testing.T) {
	srv, repo := newAgentAPI(t)
	ctx := context.Background()
	for i, r := range []receipts.Receipt{
		{Signature: "s1", MessageID: "m1", Sender: "alice", Status: receipts.StatusCompleted, CreatedAt: 10},
		{Signature: "s2", MessageID: "m2", Sender: "bob", Status: receipts.StatusRejected, CreatedAt: 20},
		{Signature: "s3", MessageID: "m3", Sender: "alice", Status: receipts.StatusCompleted, CreatedAt: 30},
	} {
		if err := repo.Record(ctx, r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	page, err := client.Messages(ctx, MessageQuery{Sender: "alice", Statuses: []string{"completed"}, Limit: 1})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Signature != "s3" || page.Limit != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	_, err = client.Messages(ctx, MessageQuery{Statuses: []string{"bogus"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected invalid argument api error, got %v", err)
	}
}

func TestAccessToken(t *testing.T) {
	srv, _ := newAgentAPI(t, "sdk:token-1")
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Stats(context.Background()); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	client.SetAccessToken("token-1")
	if _, err := client.Stats(context.Background()); err != nil {
		t.Fatalf("stats with token: %v", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
	if _, err := NewClient("http://localhost:8080", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
