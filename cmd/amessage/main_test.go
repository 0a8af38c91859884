package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AMessage-Chain/internal/agent"
	"AMessage-Chain/internal/api"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/receipts"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chains := "default: local\nchains:\n  local:\n    type: memory\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chains.yaml"), []byte(chains), 0o600))
	cfg := `{"client": {"address": "alice", "min_payment": 0.0001, "max_payment": 0.01}}`
	path := filepath.Join(dir, "amessage.json")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestMessageFlagIsRequired(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), []string{"amessage", "-c", writeConfig(t), "-a", "agent"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestMissingAgentIsRejected(t *testing.T) {
	t.Setenv("AMESSAGE_AGENT", "")
	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), []string{"amessage", "-c", writeConfig(t), "-m", "hi"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestPaymentOutsideRangeIsRejected(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(),
		[]string{"amessage", "-c", writeConfig(t), "-m", "hi", "-a", "agent", "-p", "5"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.NotContains(t, out.String(), "请求交易")
}

type staticStats struct{}

func (staticStats) Stats() agent.Stats {
	return agent.Stats{Address: "agent-1", Status: "active", Earnings: 0.002, TotalQueries: 2}
}

func TestStatsCommandPrintsSnapshot(t *testing.T) {
	repo := receipts.NewMemoryRepository()
	require.NoError(t, repo.Record(context.Background(), receipts.Receipt{
		Signature: "sig", MessageID: "m1", Sender: "alice", Amount: 0.001, Status: receipts.StatusCompleted,
	}))
	srv := httptest.NewServer(api.NewServer(":0", staticStats{}, repo).Handler())
	defer srv.Close()

	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), []string{"amessage", "stats", "--api", srv.URL, "--recent", "3"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "agent-1")
	assert.Contains(t, out.String(), "alice")
}
