package sponsorship

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/storage/mysql"
)

// MySQLStore 使用 sponsorship_requests 表保存代付请求。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const requestColumns = `id, agent_address, protocol_id, source, estimated_cost_usd, target_contract, max_gas_limit,
        signature, payment_hash, status, retry_count, max_retries, requested_at, processing_started_at, completed_at,
        failed_at, tx_hash, user_op_hash, actual_cost_usd, error, error_code, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req                                  Request
		target, signature, paymentHash       sql.NullString
		txHash, userOpHash, lastErr, errCode sql.NullString
		startedAt, completedAt, failedAt     sql.NullInt64
		actualCost                           sql.NullFloat64
	)
	if err := row.Scan(
		&req.ID,
		&req.AgentAddress,
		&req.ProtocolID,
		&req.Source,
		&req.EstimatedCostUSD,
		&target,
		&req.MaxGasLimit,
		&signature,
		&paymentHash,
		&req.Status,
		&req.RetryCount,
		&req.MaxRetries,
		&req.RequestedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&txHash,
		&userOpHash,
		&actualCost,
		&lastErr,
		&errCode,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.TargetContract = target.String
	req.Signature = signature.String
	req.PaymentHash = paymentHash.String
	req.ProcessingStartedAt = startedAt.Int64
	req.CompletedAt = completedAt.Int64
	req.FailedAt = failedAt.Int64
	req.TxHash = txHash.String
	req.UserOpHash = userOpHash.String
	req.ActualCostUSD = actualCost.Float64
	req.Error = lastErr.String
	req.ErrorCode = errCode.String
	return &req, nil
}

// Create 实现 Store，主键或 payment_hash 唯一键冲突映射为 ErrConflict。
func (s *MySQLStore) Create(ctx context.Context, req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	now := s.now().UnixMilli()
	if req.RequestedAt == 0 {
		req.RequestedAt = now
	}
	req.UpdatedAt = now

	const stmt = `INSERT INTO sponsorship_requests
        (id, agent_address, protocol_id, source, estimated_cost_usd, target_contract, max_gas_limit, signature,
        payment_hash, status, retry_count, max_retries, requested_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		req.ID,
		req.AgentAddress,
		req.ProtocolID,
		string(req.Source),
		req.EstimatedCostUSD,
		mysql.NullableString(req.TargetContract),
		req.MaxGasLimit,
		mysql.NullableString(req.Signature),
		mysql.NullableString(req.PaymentHash),
		string(req.Status),
		req.RetryCount,
		req.MaxRetries,
		req.RequestedAt,
		req.UpdatedAt,
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入代付请求失败")
	}
	return nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM sponsorship_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代付请求失败")
	}
	return req, nil
}

// FindByPaymentHash 实现 Store。
func (s *MySQLStore) FindByPaymentHash(ctx context.Context, paymentHash string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM sponsorship_requests WHERE payment_hash = ?`, paymentHash)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按支付凭证查询代付请求失败")
	}
	return req, nil
}

// Claim 实现 Store。影响行数为 0 时根据当前状态返回冲突。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Request, error) {
	const stmt = `UPDATE sponsorship_requests SET status = ?, processing_started_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, stmt, string(StatusProcessing), now, now, id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取代付请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	req, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return req, ErrConflict
	}
	return req, nil
}

// Complete 实现 Store。
func (s *MySQLStore) Complete(ctx context.Context, id string, result Result) error {
	const stmt = `UPDATE sponsorship_requests SET status = ?, completed_at = ?, tx_hash = ?, user_op_hash = ?,
        actual_cost_usd = ?, error = NULL, error_code = NULL, updated_at = ? WHERE id = ? AND status = ?`

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusCompleted),
		now,
		mysql.NullableString(result.TxHash),
		mysql.NullableString(result.UserOpHash),
		result.ActualCostUSD,
		now,
		id,
		string(StatusProcessing),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记代付请求完成失败")
	}
	return s.expectTransition(ctx, res, id)
}

// Fail 实现 Store。在事务内锁定行后计算迁移结果。
func (s *MySQLStore) Fail(ctx context.Context, id string, code, message string, retry bool) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM sponsorship_requests WHERE id = ? FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定代付请求失败")
	}
	if req.Status != StatusProcessing {
		return req, ErrConflict
	}
	applyFailure(req, code, message, retry, string(CodeRetriesExhausted), s.now().UnixMilli())
	if err := updateFailure(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return req, nil
}

// Reject 实现 Store。
func (s *MySQLStore) Reject(ctx context.Context, id string, code, reason string) error {
	const stmt = `UPDATE sponsorship_requests SET status = ?, error = ?, error_code = ?, failed_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRejected), reason, code, now, now, id, string(StatusPending))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "拒绝代付请求失败")
	}
	return s.expectTransition(ctx, res, id)
}

// ReclaimStale 实现 Store。
func (s *MySQLStore) ReclaimStale(ctx context.Context, startedBefore time.Time) ([]*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+requestColumns+` FROM sponsorship_requests
        WHERE status = ? AND processing_started_at < ? ORDER BY requested_at, id FOR UPDATE`,
		string(StatusProcessing), startedBefore.UnixMilli())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询超时请求失败")
	}
	var stale []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代付请求失败")
		}
		stale = append(stale, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历超时请求失败")
	}
	rows.Close()

	now := s.now().UnixMilli()
	for _, req := range stale {
		applyFailure(req, string(CodeProcessingTimeout), staleMessage, true, string(CodeProcessingTimeout), now)
		if err := updateFailure(ctx, tx, req); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return stale, nil
}

func updateFailure(ctx context.Context, tx *sql.Tx, req *Request) error {
	const stmt = `UPDATE sponsorship_requests SET status = ?, retry_count = ?, processing_started_at = ?,
        failed_at = ?, error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	_, err := tx.ExecContext(ctx, stmt,
		string(req.Status),
		req.RetryCount,
		mysql.NullableInt64(req.ProcessingStartedAt),
		mysql.NullableInt64(req.FailedAt),
		mysql.NullableString(req.Error),
		mysql.NullableString(req.ErrorCode),
		req.UpdatedAt,
		req.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写失败状态失败")
	}
	return nil
}

// Position 实现 Store。
func (s *MySQLStore) Position(ctx context.Context, id string) (int, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if req.Status != StatusPending {
		return 0, nil
	}
	const stmt = `SELECT COUNT(*) FROM sponsorship_requests
        WHERE status = ? AND (requested_at < ? OR (requested_at = ? AND id <= ?))`

	var position int
	if err := s.db.QueryRowContext(ctx, stmt, string(StatusPending), req.RequestedAt, req.RequestedAt, req.ID).Scan(&position); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算排队位置失败")
	}
	return position, nil
}

// Stats 实现 Store。
func (s *MySQLStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	const stmt = `SELECT
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? AND completed_at >= ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? AND failed_at >= ? THEN 1 ELSE 0 END), 0)
        FROM sponsorship_requests`

	cutoff := since.UnixMilli()
	var stats Stats
	if err := s.db.QueryRowContext(ctx, stmt,
		string(StatusPending),
		string(StatusProcessing),
		string(StatusCompleted), cutoff,
		string(StatusFailed), cutoff,
	).Scan(&stats.Pending, &stats.Processing, &stats.CompletedLast24h, &stats.FailedLast24h); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列统计失败")
	}
	return stats, nil
}

// PurgeExpired 实现 Store。
func (s *MySQLStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	const stmt = `DELETE FROM sponsorship_requests WHERE status IN (?, ?) AND requested_at < ?`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusPending), string(StatusProcessing), before.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(affected), nil
}

// AgentHistory 实现 Store。
func (s *MySQLStore) AgentHistory(ctx context.Context, agentAddress string, since time.Time) (int, int, error) {
	const stmt = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN completed_at >= ? THEN 1 ELSE 0 END), 0)
        FROM sponsorship_requests WHERE agent_address = ? AND status = ?`

	var total, recent int
	if err := s.db.QueryRowContext(ctx, stmt, since.UnixMilli(), agentAddress, string(StatusCompleted)).Scan(&total, &recent); err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求方代付历史失败")
	}
	return total, recent, nil
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) expectTransition(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

var _ Store = (*MySQLStore)(nil)
