package budget

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
)

// MySQLStore 使用 MySQL 保存协议预算与白名单。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建存储，表结构由迁移文件维护。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, protocolID string) (*ProtocolBudget, error) {
	const stmt = `SELECT protocol_id, balance_usd, total_spent, tier, updated_at FROM protocol_budgets WHERE protocol_id = ?`

	var b ProtocolBudget
	if err := s.db.QueryRowContext(ctx, stmt, protocolID).Scan(
		&b.ProtocolID,
		&b.BalanceUSD,
		&b.TotalSpent,
		&b.Tier,
		&b.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议预算失败")
	}
	contracts, err := s.Whitelist(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	b.WhitelistedContracts = contracts
	return &b, nil
}

// Save 实现 Store，存在则覆盖余额、累计花费与等级。
func (s *MySQLStore) Save(ctx context.Context, budget *ProtocolBudget) error {
	if budget == nil || strings.TrimSpace(budget.ProtocolID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "协议 ID 不能为空")
	}
	const stmt = `INSERT INTO protocol_budgets (protocol_id, balance_usd, total_spent, tier, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE balance_usd = VALUES(balance_usd), total_spent = VALUES(total_spent),
        tier = VALUES(tier), updated_at = VALUES(updated_at)`

	updatedAt := budget.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixMilli()
	}
	tier := budget.Tier
	if !tier.Valid() {
		tier = TierBronze
	}
	if _, err := s.db.ExecContext(ctx, stmt, budget.ProtocolID, budget.BalanceUSD, budget.TotalSpent, string(tier), updatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存协议预算失败")
	}
	return nil
}

// Delete 实现 Store。
func (s *MySQLStore) Delete(ctx context.Context, protocolID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM protocol_budgets WHERE protocol_id = ?`, protocolID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除协议预算失败")
	}
	return nil
}

// List 实现 Store。白名单不随列表返回。
func (s *MySQLStore) List(ctx context.Context) ([]ProtocolBudget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT protocol_id, balance_usd, total_spent, tier, updated_at FROM protocol_budgets ORDER BY protocol_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议预算列表失败")
	}
	defer rows.Close()

	var out []ProtocolBudget
	for rows.Next() {
		var b ProtocolBudget
		if err := rows.Scan(&b.ProtocolID, &b.BalanceUSD, &b.TotalSpent, &b.Tier, &b.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协议预算失败")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历协议预算失败")
	}
	return out, nil
}

// Whitelist 实现 Store。
func (s *MySQLStore) Whitelist(ctx context.Context, protocolID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contract_address FROM protocol_whitelist WHERE protocol_id = ? ORDER BY contract_address`, protocolID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议白名单失败")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协议白名单失败")
		}
		out = append(out, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历协议白名单失败")
	}
	return out, nil
}

// SetWhitelist 在一个事务中替换协议的全部白名单。
func (s *MySQLStore) SetWhitelist(ctx context.Context, protocolID string, contracts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启白名单事务失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM protocol_whitelist WHERE protocol_id = ?`, protocolID); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理协议白名单失败")
	}
	now := time.Now().UnixMilli()
	for _, addr := range normalizeContracts(contracts) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protocol_whitelist (protocol_id, contract_address, created_at) VALUES (?, ?, ?)`,
			protocolID, addr, now,
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入协议白名单失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交白名单事务失败")
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
