package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AMessage-Chain/internal/config"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
)

const chainsYAML = `
default: local
chains:
  local:
    type: memory
    description: in-process ledger
  devnet:
    type: solana
    rpc_url: http://127.0.0.1:8899
    ws_url: ws://127.0.0.1:8900
    commitment: confirmed
    confirm_timeout: 45s
    key_env: TEST_SOLANA_KEY
  anvil:
    type: evm
    rpc_url: http://127.0.0.1:1
    scan_depth: 64
  broken:
    type: bitcoin
`

func writeChains(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(chainsYAML), 0o600))
	return path
}

func TestLoadChainDefinitions(t *testing.T) {
	defs, err := LoadChainDefinitions(writeChains(t))
	require.NoError(t, err)
	assert.Equal(t, "local", defs.Default)
	require.Len(t, defs.Chains, 4)
	assert.Equal(t, TypeSolana, defs.Chains["devnet"].Type)
	assert.Equal(t, uint64(64), defs.Chains["anvil"].ScanDepth)

	empty, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, empty.Chains)
}

func TestRegistryOpensMemoryChainsSharingOneLedger(t *testing.T) {
	reg, err := NewRegistry(config.LedgerConfig{ChainConfig: writeChains(t)})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, "local", reg.DefaultChain())
	assert.Equal(t, []string{"anvil", "broken", "devnet", "local"}, reg.Chains())

	agent, err := reg.Open(context.Background(), "", Identity{Address: "agent"})
	require.NoError(t, err)
	client, err := reg.Open(context.Background(), "local", Identity{Address: "client"})
	require.NoError(t, err)

	l, ok := reg.MemoryLedger("local")
	require.True(t, ok)
	require.NoError(t, l.Airdrop("client", 1))

	sig, err := client.Submit(context.Background(), ledger.Submission{Payload: []byte("hi"), To: "agent", Amount: 0.001})
	require.NoError(t, err)
	tx, err := agent.FetchTransaction(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "hi", string(tx.Payloads[0]))

	_, ok = reg.MemoryLedger("devnet")
	assert.False(t, ok)
}

func TestRegistryOpensSolanaWithKeyFromEnv(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	t.Setenv("TEST_SOLANA_KEY", key.String())

	reg, err := NewRegistry(config.LedgerConfig{ChainConfig: writeChains(t)})
	require.NoError(t, err)
	defer reg.Close()

	transport, err := reg.Open(context.Background(), "devnet", Identity{})
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), transport.Address())
	assert.Equal(t, 9, transport.Decimals())
}

func TestRegistryErrors(t *testing.T) {
	reg, err := NewRegistry(config.LedgerConfig{ChainConfig: writeChains(t)})
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Open(context.Background(), "missing", Identity{Address: "x"})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	_, err = reg.Open(context.Background(), "broken", Identity{Address: "x"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = reg.Open(context.Background(), "local", Identity{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = reg.Open(context.Background(), "anvil", Identity{Address: "0x00000000000000000000000000000000000000aa"})
	assert.Error(t, err)

	_, err = NewRegistry(config.LedgerConfig{ChainConfig: writeChains(t), DefaultChain: "nope"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRegistryFallsBackToDevnetWithoutFile(t *testing.T) {
	reg, err := NewRegistry(config.LedgerConfig{ChainConfig: filepath.Join(t.TempDir(), "none.yaml")})
	require.NoError(t, err)
	defer reg.Close()
	assert.Equal(t, "solana-devnet", reg.DefaultChain())

	def, ok := reg.Definition("")
	require.True(t, ok)
	assert.Equal(t, TypeSolana, def.Type)
}
