package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/storage/mysql"
)

// MySQLStore 使用 payment_records 表保存支付记录，主键保证幂等。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 实现 Store，主键冲突映射为 ErrDuplicate。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	record.CreatedAt = now
	record.UpdatedAt = now

	const stmt = `INSERT INTO payment_records
        (payment_hash, protocol_id, amount, currency, chain_id, status, execution_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.PaymentHash,
		record.ProtocolID,
		record.Amount,
		record.Currency,
		record.ChainID,
		string(record.Status),
		mysql.NullableString(record.ExecutionID),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return ErrDuplicate
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}
	return nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, paymentHash string) (*Record, error) {
	const stmt = `SELECT payment_hash, protocol_id, amount, currency, chain_id, status, execution_id, created_at, updated_at
        FROM payment_records WHERE payment_hash = ?`

	var record Record
	var executionID sql.NullString
	if err := s.db.QueryRowContext(ctx, stmt, paymentHash).Scan(
		&record.PaymentHash,
		&record.ProtocolID,
		&record.Amount,
		&record.Currency,
		&record.ChainID,
		&record.Status,
		&executionID,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	record.ExecutionID = executionID.String
	return &record, nil
}

// Transition 实现 Store，使用条件更新保证状态只被推进一次。
func (s *MySQLStore) Transition(ctx context.Context, paymentHash string, from, to Status, executionID string) error {
	if !CanTransition(from, to) {
		return ErrTransition
	}
	const stmt = `UPDATE payment_records SET status = ?, execution_id = COALESCE(?, execution_id), updated_at = ?
        WHERE payment_hash = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(to),
		mysql.NullableString(executionID),
		time.Now().UnixMilli(),
		paymentHash,
		string(from),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrTransition
	}
	return nil
}

// Delete 实现 Store。
func (s *MySQLStore) Delete(ctx context.Context, paymentHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payment_records WHERE payment_hash = ?`, paymentHash); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除支付记录失败")
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
