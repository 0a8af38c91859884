package receipts

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AMessage-Chain/internal/errors"
)

func sample(sig, id string, status Status, created int64) Receipt {
	return Receipt{Signature: sig, MessageID: id, Sender: "alice", Action: "CHAT_QUERY", Amount: 0.0012, Status: status, CreatedAt: created}
}

func TestMemoryRepositoryUpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.Record(ctx, sample("s1", "m1", StatusFailed, 100)))
	require.NoError(t, repo.Record(ctx, sample("s1", "m1", StatusCompleted, 200)))
	require.NoError(t, repo.Record(ctx, sample("s2", "m2", StatusRejected, 150)))
	bob := sample("s3", "m3", StatusError, 300)
	bob.Sender = "bob"
	require.NoError(t, repo.Record(ctx, bob))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s3", all[0].Signature)
	assert.Equal(t, "s2", all[1].Signature)
	assert.Equal(t, StatusCompleted, all[2].Status)
	assert.Equal(t, int64(100), all[2].CreatedAt, "upsert keeps the original creation time")

	rejected, err := repo.List(ctx, WithStatuses(StatusRejected, "bogus"))
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	fromAlice, err := repo.List(ctx, WithSender("alice"), WithLimit(1), WithOffset(1))
	require.NoError(t, err)
	require.Len(t, fromAlice, 1)
	assert.Equal(t, "s1", fromAlice[0].Signature)

	recent, err := repo.List(ctx, WithSince(time.Unix(160, 0)))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecordValidates(t *testing.T) {
	repo := NewMemoryRepository()
	err := repo.Record(context.Background(), Receipt{MessageID: "m", Status: StatusCompleted})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	err = repo.Record(context.Background(), Receipt{Signature: "s", MessageID: "m", Status: "weird"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestFileRepositoryReplaysAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.Record(ctx, sample("s1", "m1", StatusFailed, 100)))
	require.NoError(t, repo.Record(ctx, sample("s1", "m1", StatusCompleted, 100)))
	require.NoError(t, repo.Close())

	reopened, err := NewFileRepository(dir)
	require.NoError(t, err)
	defer reopened.Close()
	list, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusCompleted, list[0].Status)

	require.NoError(t, os.WriteFile(reopened.Path(), []byte("{broken\n"), 0o644))
	_, err = NewFileRepository(dir)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestMySQLRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewMySQLRepositoryWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO message_receipts").
		WithArgs("s1", "m1", "alice", "CHAT_QUERY", 0.0012, "completed", "", "resp-1", int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	r := sample("s1", "m1", StatusCompleted, 100)
	r.ResponseSignature = "resp-1"
	require.NoError(t, repo.Record(ctx, r))

	rows := sqlmock.NewRows([]string{"signature", "message_id", "sender", "action", "amount", "status", "error_code", "response_signature", "created_at"}).
		AddRow("s1", "m1", "alice", "CHAT_QUERY", 0.0012, "completed", "", "resp-1", int64(100))
	mock.ExpectQuery(`SELECT signature, message_id .* FROM message_receipts WHERE sender = \? AND status IN \(\?\) ORDER BY created_at DESC, id DESC LIMIT \? OFFSET \?`).
		WithArgs("alice", "completed", 20, 0).
		WillReturnRows(rows)
	list, err := repo.List(ctx, WithSender("alice"), WithStatuses(StatusCompleted))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "resp-1", list[0].ResponseSignature)
	assert.Equal(t, StatusCompleted, list[0].Status)

	mock.ExpectExec("INSERT INTO message_receipts").WillReturnError(errors.New("deadlock"))
	err = repo.Record(ctx, sample("s2", "m2", StatusError, 101))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))

	mock.ExpectClose()
	require.NoError(t, repo.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
