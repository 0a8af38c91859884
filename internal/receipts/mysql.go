package receipts

import (
	"context"
	"database/sql"
	"strings"
	"time"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/storage/mysql"
)

// MySQLRepository 将回执写入 message_receipts 表。
type MySQLRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLRepository 建立连接并执行迁移。
func NewMySQLRepository(ctx context.Context, cfg mysql.Config) (*MySQLRepository, error) {
	db, err := mysql.OpenAndMigrate(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 回执存储失败")
	}
	return NewMySQLRepositoryWithDB(db), nil
}

// NewMySQLRepositoryWithDB 使用已有连接。
func NewMySQLRepositoryWithDB(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db, now: time.Now}
}

// Record 实现 Repository。
func (s *MySQLRepository) Record(ctx context.Context, r Receipt) error {
	if err := r.validate(s.now); err != nil {
		return err
	}
	const stmt = `INSERT INTO message_receipts
        (signature, message_id, sender, action, amount, status, error_code, response_signature, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), error_code = VALUES(error_code),
        response_signature = VALUES(response_signature)`
	_, err := s.db.ExecContext(ctx, stmt,
		r.Signature, r.MessageID, r.Sender, r.Action, r.Amount,
		string(r.Status), r.ErrorCode, r.ResponseSignature, r.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	return nil
}

// List 实现 Repository。
func (s *MySQLRepository) List(ctx context.Context, opts ...ListOption) ([]Receipt, error) {
	options := buildListOptions(opts)

	var (
		clauses []string
		args    []any
	)
	if options.Sender != "" {
		clauses = append(clauses, "sender = ?")
		args = append(args, options.Sender)
	}
	if options.Since > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, options.Since)
	}
	if len(options.Statuses) > 0 {
		placeholders := make([]string, len(options.Statuses))
		for i, st := range options.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	var b strings.Builder
	b.WriteString(`SELECT signature, message_id, sender, action, amount, status, error_code, response_signature, created_at FROM message_receipts`)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回执失败")
	}
	defer rows.Close()

	result := make([]Receipt, 0, options.Limit)
	for rows.Next() {
		var (
			r      Receipt
			status string
		)
		if err := rows.Scan(&r.Signature, &r.MessageID, &r.Sender, &r.Action, &r.Amount,
			&status, &r.ErrorCode, &r.ResponseSignature, &r.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析回执失败")
		}
		r.Status = Status(status)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历回执失败")
	}
	return result, nil
}

// Close 关闭连接池。
func (s *MySQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
