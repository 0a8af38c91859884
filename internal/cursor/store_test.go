package cursor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AMessage-Chain/internal/errors"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "agent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "agent", "sig-1"))
	require.NoError(t, store.Save(ctx, "agent", "sig-2"))
	require.NoError(t, store.Save(ctx, "other", "sig-9"))

	sig, ok, err := store.Load(ctx, "agent")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sig-2", sig)

	err = store.Save(ctx, "agent", "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, store)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	sig, ok, err := reopened.Load(context.Background(), "other")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sig-9", sig)

	_, err = os.Stat(filepath.Join(dir, "cursors.json.tmp"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileStoreReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cursors.json"), []byte("{not json"), 0o644))
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, _, err = store.Load(context.Background(), "agent")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestMySQLStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	selectStmt := regexp.QuoteMeta(`SELECT signature FROM cursors WHERE address = ?`)
	mock.ExpectQuery(selectStmt).WithArgs("agent").WillReturnRows(sqlmock.NewRows([]string{"signature"}))
	mock.ExpectExec(`INSERT INTO cursors`).
		WithArgs("agent", "sig-1", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(selectStmt).WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"signature"}).AddRow("sig-1"))
	mock.ExpectQuery(selectStmt).WithArgs("agent").WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	ctx := context.Background()
	_, ok, err := store.Load(ctx, "agent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "agent", "sig-1"))

	sig, ok, err := store.Load(ctx, "agent")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sig-1", sig)

	_, _, err = store.Load(ctx, "agent")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))

	require.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreKeysAndUnreachableServer(t *testing.T) {
	store := NewRedisStoreWithClient(nil, "")
	assert.Equal(t, "amessage:cursor:agent", store.Key("agent"))
	assert.NoError(t, store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisConfig{Address: "127.0.0.1:1"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))

	_, err = NewRedisStore(ctx, RedisConfig{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
