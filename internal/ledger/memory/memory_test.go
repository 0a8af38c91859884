package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitMovesBalancesAndRecordsPayload(t *testing.T) {
	l := New(WithFee(5000))
	require.NoError(t, l.Airdrop("client", 1))
	client := l.Wallet("client")

	sig, err := client.Submit(context.Background(), submission("hello", "agent", 0.0012))
	require.NoError(t, err)

	tx, err := client.FetchTransaction(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, []string{"client", "agent"}, tx.AccountKeys)
	assert.Equal(t, "1000000000", tx.PreBalances[0].String())
	assert.Equal(t, "998795000", tx.PostBalances[0].String())
	assert.Equal(t, "1200000", tx.PostBalances[1].String())
	assert.Equal(t, [][]byte{[]byte("hello")}, tx.Payloads)
	assert.Equal(t, 0.0012, l.Balance("agent"))
}

func TestSubmitRejectsInsufficientFunds(t *testing.T) {
	l := New()
	_, err := l.Wallet("poor").Submit(context.Background(), submission("x", "agent", 1))
	require.Error(t, err)
	assert.Empty(t, l.Transactions())
}

func TestFetchTransactionsSinceIsExclusiveAndNewestFirst(t *testing.T) {
	l := New(WithFee(0))
	require.NoError(t, l.Airdrop("client", 1))
	client := l.Wallet("client")
	agent := l.Wallet("agent")

	var sigs []string
	for i := 0; i < 4; i++ {
		sig, err := client.Submit(context.Background(), submission("p", "agent", 0.001))
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	// 与 agent 无关的交易不应出现在历史中。
	_, err := client.Submit(context.Background(), submission("p", "other", 0.001))
	require.NoError(t, err)

	all, err := agent.FetchTransactionsSince(context.Background(), "agent", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, sigs[3], all[0].Signature)

	since, err := agent.FetchTransactionsSince(context.Background(), "agent", sigs[1], 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, sigs[3], since[0].Signature)
	assert.Equal(t, sigs[2], since[1].Signature)

	limited, err := agent.FetchTransactionsSince(context.Background(), "agent", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	missing, err := agent.FetchTransaction(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFaultInjection(t *testing.T) {
	l := New(WithFee(0))
	require.NoError(t, l.Airdrop("client", 1))
	boom := errors.New("boom")

	l.FailSubmissions("client", boom)
	_, err := l.Wallet("client").Submit(context.Background(), submission("p", "agent", 0))
	require.ErrorIs(t, err, boom)
	l.FailSubmissions("client", nil)

	sig, err := l.Wallet("client").Submit(context.Background(), submission("p", "agent", 0.1))
	require.NoError(t, err)

	l.FailTransaction(sig, boom)
	_, err = l.Wallet("agent").FetchTransaction(context.Background(), sig)
	require.ErrorIs(t, err, boom)

	l.FailFetches(boom)
	_, err = l.Wallet("agent").FetchTransactionsSince(context.Background(), "agent", "", 5)
	require.ErrorIs(t, err, boom)
}

func TestSubscriptionDeliversAndCloses(t *testing.T) {
	l := New(WithFee(0))
	require.NoError(t, l.Airdrop("agent", 1))
	client := l.Wallet("client")

	sub, err := client.SubscribeToAddressPayloads(context.Background(), "client")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Subscribers("client"))

	_, err = l.Wallet("agent").Submit(context.Background(), submission("answer", "client", 0))
	require.NoError(t, err)

	payload := <-sub.Payloads()
	assert.Equal(t, "answer", string(payload))
	assert.Equal(t, 0.0, l.Balance("client"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, l.Subscribers("client"))
	_, open := <-sub.Payloads()
	assert.False(t, open)
}
