package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
)

type rpcHandler func(params []json.RawMessage) (any, error)

// fakeNode 是最小化的 JSON-RPC 节点，按方法名分发。
type fakeNode struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	node := &fakeNode{t: t, handlers: make(map[string]rpcHandler), calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) on(method string, h rpcHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	h := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if h == nil {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	} else if result, err := h(req.Params); err != nil {
		resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(n.t, json.NewEncoder(w).Encode(resp))
}

func randomHash(t *testing.T) sol.Hash {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	return sol.Hash(key.PublicKey())
}

func newTestClient(t *testing.T, url string) (*Client, sol.PrivateKey) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	c, err := NewClient(Config{
		RPCURL:         url,
		PrivateKey:     key.String(),
		ConfirmTimeout: 2 * time.Second,
		ConfirmPoll:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, key
}

// signedMemoTransfer 构造一笔包含转账与 memo 的已签名交易。
func signedMemoTransfer(t *testing.T, from sol.PrivateKey, to sol.PublicKey, lamports uint64, memo string) *sol.Transaction {
	tx, err := sol.NewTransaction([]sol.Instruction{
		system.NewTransferInstruction(lamports, from.PublicKey(), to).Build(),
		sol.NewInstruction(sol.MemoProgramID, sol.AccountMetaSlice{sol.NewAccountMeta(from.PublicKey(), false, true)}, []byte(memo)),
	}, randomHash(t), sol.TransactionPayer(from.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key == from.PublicKey() {
			return &from
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func transactionResult(t *testing.T, tx *sol.Transaction, pre, post []uint64) map[string]any {
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return map[string]any{
		"slot":        int64(42),
		"blockTime":   int64(1700000000),
		"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
		"meta": map[string]any{
			"err":             nil,
			"fee":             5000,
			"preBalances":     pre,
			"postBalances":    post,
			"loadedAddresses": map[string]any{"readonly": []string{}, "writable": []string{}},
		},
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewClient(Config{RPCURL: "http://127.0.0.1:8899"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewClient(Config{RPCURL: "http://127.0.0.1:8899", PrivateKey: "not-base58!"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	_, err = NewClient(Config{RPCURL: "http://127.0.0.1:8899", PrivateKey: key.String(), Address: other.PublicKey().String()})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	readOnly, err := NewClient(Config{RPCURL: "https://api.devnet.solana.com", Address: key.PublicKey().String()})
	require.NoError(t, err)
	defer readOnly.Close()
	assert.Equal(t, key.PublicKey().String(), readOnly.Address())
	assert.Equal(t, "wss://api.devnet.solana.com", readOnly.wsURL)
	assert.Equal(t, 9, readOnly.Decimals())

	_, err = readOnly.Submit(context.Background(), ledger.Submission{Payload: []byte("x")})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestFetchTransactionsSinceUsesCursorAsUntil(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)

	cursorSig := signedMemoTransfer(t, mustKey(t), mustKey(t).PublicKey(), 1, "old").Signatures[0]
	failed := signedMemoTransfer(t, mustKey(t), mustKey(t).PublicKey(), 1, "failed").Signatures[0]
	newer := signedMemoTransfer(t, mustKey(t), mustKey(t).PublicKey(), 1, "new").Signatures[0]

	var seen map[string]any
	node.on("getSignaturesForAddress", func(params []json.RawMessage) (any, error) {
		require.Len(t, params, 2)
		require.NoError(t, json.Unmarshal(params[1], &seen))
		return []map[string]any{
			{"signature": newer.String(), "slot": 9, "err": nil, "memo": nil, "blockTime": 1700000001},
			{"signature": failed.String(), "slot": 8, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "memo": nil},
		}, nil
	})

	infos, err := client.FetchTransactionsSince(context.Background(), client.Address(), cursorSig.String(), 10)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, newer.String(), infos[0].Signature)
	assert.Equal(t, uint64(9), infos[0].Slot)
	assert.Equal(t, time.Unix(1700000001, 0).UTC(), infos[0].BlockTime.UTC())
	assert.False(t, infos[0].Failed)
	assert.True(t, infos[1].Failed)

	assert.Equal(t, cursorSig.String(), seen["until"])
	assert.EqualValues(t, 10, seen["limit"])
	assert.Equal(t, "confirmed", seen["commitment"])
}

func TestFetchTransactionExtractsMemoAndBalances(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)

	payer := mustKey(t)
	agent := mustKey(t).PublicKey()
	tx := signedMemoTransfer(t, payer, agent, 1_200_000, `{"type":"aMessage"}`)

	node.on("getTransaction", func(params []json.RawMessage) (any, error) {
		return transactionResult(t, tx, []uint64{10_000_000, 0, 1, 1}, []uint64{8_795_000, 1_200_000, 1, 1}), nil
	})

	got, err := client.FetchTransaction(context.Background(), tx.Signatures[0].String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(42), got.Slot)
	assert.Equal(t, payer.PublicKey().String(), got.AccountKeys[0])
	assert.Contains(t, got.AccountKeys, agent.String())
	require.Len(t, got.Payloads, 1)
	assert.Equal(t, `{"type":"aMessage"}`, string(got.Payloads[0]))
	require.Len(t, got.PostBalances, 4)
	assert.Equal(t, "1200000", got.PostBalances[1].String())
	assert.False(t, got.Failed)
}

func TestFetchTransactionNotFound(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)
	node.on("getTransaction", func([]json.RawMessage) (any, error) { return nil, nil })

	sig := signedMemoTransfer(t, mustKey(t), mustKey(t).PublicKey(), 1, "x").Signatures[0]
	got, err := client.FetchTransaction(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = client.FetchTransaction(context.Background(), "bad signature")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestSubmitSendsMemoAndTransferThenConfirms(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)
	recipient := mustKey(t).PublicKey()

	node.on("getLatestBlockhash", func([]json.RawMessage) (any, error) {
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   map[string]any{"blockhash": randomHash(t).String(), "lastValidBlockHeight": 100},
		}, nil
	})
	var sent *sol.Transaction
	node.on("sendTransaction", func(params []json.RawMessage) (any, error) {
		var encoded string
		require.NoError(t, json.Unmarshal(params[0], &encoded))
		tx, err := sol.TransactionFromBase64(encoded)
		require.NoError(t, err)
		sent = tx
		return tx.Signatures[0].String(), nil
	})
	node.on("getSignatureStatuses", func([]json.RawMessage) (any, error) {
		status := "processed"
		if node.count("getSignatureStatuses") > 1 {
			status = "confirmed"
		}
		return map[string]any{
			"context": map[string]any{"slot": 2},
			"value":   []any{map[string]any{"slot": 2, "confirmations": 1, "err": nil, "confirmationStatus": status}},
		}, nil
	})

	sig, err := client.Submit(context.Background(), ledger.Submission{Payload: []byte("hello"), To: recipient.String(), Amount: 0.001})
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, sent.Signatures[0].String(), sig)
	assert.GreaterOrEqual(t, node.count("getSignatureStatuses"), 2)

	require.Len(t, sent.Message.Instructions, 2)
	keys := sent.Message.AccountKeys
	assert.Equal(t, client.Address(), keys[0].String())
	assert.True(t, keys.Has(recipient))
	memo := sent.Message.Instructions[1]
	assert.Equal(t, sol.MemoProgramID, keys[memo.ProgramIDIndex])
	assert.Equal(t, "hello", string(memo.Data))
}

func TestSubmitZeroAmountStillMentionsRecipient(t *testing.T) {
	client, _ := newTestClient(t, "http://127.0.0.1:1")
	recipient := mustKey(t).PublicKey()

	instructions, err := client.buildInstructions(ledger.Submission{Payload: []byte("r"), To: recipient.String()})
	require.NoError(t, err)
	require.Len(t, instructions, 2)
	assert.Equal(t, sol.SystemProgramID, instructions[0].ProgramID())

	instructions, err = client.buildInstructions(ledger.Submission{Payload: []byte("r")})
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	assert.Equal(t, sol.MemoProgramID, instructions[0].ProgramID())

	_, err = client.buildInstructions(ledger.Submission{Payload: []byte("r"), Amount: 1})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestSubmitReportsExecutionFailure(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)

	node.on("getLatestBlockhash", func([]json.RawMessage) (any, error) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": map[string]any{"blockhash": randomHash(t).String(), "lastValidBlockHeight": 1}}, nil
	})
	node.on("sendTransaction", func(params []json.RawMessage) (any, error) {
		var encoded string
		require.NoError(t, json.Unmarshal(params[0], &encoded))
		tx, err := sol.TransactionFromBase64(encoded)
		require.NoError(t, err)
		return tx.Signatures[0].String(), nil
	})
	node.on("getSignatureStatuses", func([]json.RawMessage) (any, error) {
		return map[string]any{
			"context": map[string]any{"slot": 2},
			"value":   []any{map[string]any{"slot": 2, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"}},
		}, nil
	})

	_, err := client.Submit(context.Background(), ledger.Submission{Payload: []byte("hello")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSubmission, xerrors.CodeOf(err))
}

func TestSubmitTransportFailure(t *testing.T) {
	_, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)

	_, err := client.Submit(context.Background(), ledger.Submission{Payload: []byte("hello")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(err))
}

func mustKey(t *testing.T) sol.PrivateKey {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}
