package budget

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	xerrors "Aegis-Treasury/internal/errors"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

func TestMySQLStoreGetWithWhitelist(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT protocol_id, balance_usd, total_spent, tier, updated_at FROM protocol_budgets").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"protocol_id", "balance_usd", "total_spent", "tier", "updated_at"}).
			AddRow("p1", 100.0, 2.5, "gold", int64(1700000000000)))
	mock.ExpectQuery("SELECT contract_address FROM protocol_whitelist").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"contract_address"}).AddRow("0xabc"))

	b, err := store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.BalanceUSD != 100 || b.Tier != TierGold || len(b.WhitelistedContracts) != 1 {
		t.Fatalf("unexpected budget %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT protocol_id").WithArgs("none").WillReturnError(sql.ErrNoRows)

	b, err := store.Get(context.Background(), "none")
	if err != nil || b != nil {
		t.Fatalf("期望 nil, nil 实际 %+v %v", b, err)
	}
}

func TestMySQLStoreSaveUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO protocol_budgets").
		WithArgs("p1", 99.95, 0.05, "silver", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), &ProtocolBudget{ProtocolID: "p1", BalanceUSD: 99.95, TotalSpent: 0.05, Tier: TierSilver, UpdatedAt: 42})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreSaveWrapsFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO protocol_budgets").WillReturnError(sql.ErrConnDone)

	err := store.Save(context.Background(), &ProtocolBudget{ProtocolID: "p1", UpdatedAt: 1})
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("期望 STORAGE_FAILURE，实际 %v", err)
	}
}

func TestMySQLStoreSetWhitelistReplacesRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM protocol_whitelist").WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO protocol_whitelist").WithArgs("p1", "0xabc", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO protocol_whitelist").WithArgs("p1", "0xdef", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := store.SetWhitelist(context.Background(), "p1", []string{"0xDEF", "0xabc", "0xabc"}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
