package cursor

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/storage/mysql"
)

// MySQLStore 将游标保存在 cursors 表中。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg mysql.Config) (*MySQLStore, error) {
	db, err := mysql.OpenAndMigrate(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 游标存储失败")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 使用已有连接创建存储。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Load 实现 Store。
func (s *MySQLStore) Load(ctx context.Context, address string) (string, bool, error) {
	var sig string
	err := s.db.QueryRowContext(ctx, `SELECT signature FROM cursors WHERE address = ?`, address).Scan(&sig)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询游标失败")
	}
	return sig, true, nil
}

// Save 实现 Store。
func (s *MySQLStore) Save(ctx context.Context, address, signature string) error {
	if address == "" || signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "地址与签名不能为空")
	}
	const stmt = `INSERT INTO cursors (address, signature, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE signature = VALUES(signature), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, address, signature, s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入游标失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
