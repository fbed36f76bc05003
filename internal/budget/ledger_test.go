package budget

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"Aegis-Treasury/internal/cache"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/walletlock"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *kv.MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	kvStore := kv.NewMemoryStore()
	ledger := NewLedger(store, kvStore, walletlock.NewKVLocker(kvStore), WithLockTimeout(2*time.Second))
	return ledger, store, kvStore
}

func TestDebitUpdatesStoreAndCache(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := newTestLedger(t)
	if err := ledger.Upsert(ctx, ProtocolBudget{ProtocolID: "p1", BalanceUSD: 100, Tier: TierGold}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	updated, err := ledger.Debit(ctx, "p1", 0.05)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if math.Abs(updated.BalanceUSD-99.95) > 1e-9 {
		t.Fatalf("期望余额 99.95，实际 %v", updated.BalanceUSD)
	}
	if math.Abs(updated.TotalSpent-0.05) > 1e-9 {
		t.Fatalf("期望累计花费 0.05，实际 %v", updated.TotalSpent)
	}

	persisted, _ := store.Get(ctx, "p1")
	if math.Abs(persisted.BalanceUSD-99.95) > 1e-9 {
		t.Fatalf("存储未更新: %v", persisted.BalanceUSD)
	}
	cached, err := ledger.Budget(ctx, "p1")
	if err != nil || cached == nil {
		t.Fatalf("budget: %v %v", cached, err)
	}
	if math.Abs(cached.BalanceUSD-99.95) > 1e-9 {
		t.Fatalf("缓存未更新: %v", cached.BalanceUSD)
	}
}

func TestDebitRejectsOverdraftWithoutWriting(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := newTestLedger(t)
	if err := ledger.Upsert(ctx, ProtocolBudget{ProtocolID: "p1", BalanceUSD: 0.01}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, err := ledger.Debit(ctx, "p1", 0.05)
	if !xerrors.HasCode(err, xerrors.CodeInsufficientBudget) {
		t.Fatalf("期望 INSUFFICIENT_BUDGET，实际 %v", err)
	}
	persisted, _ := store.Get(ctx, "p1")
	if persisted.BalanceUSD != 0.01 || persisted.TotalSpent != 0 {
		t.Fatalf("余额不足时不应写入: %+v", persisted)
	}
}

func TestDebitUnknownProtocol(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.Debit(context.Background(), "missing", 1)
	if !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("期望 NOT_FOUND，实际 %v", err)
	}
}

func TestCreditCreatesBronzeBudget(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)

	updated, err := ledger.Credit(ctx, "new", 25)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if updated.Tier != TierBronze || updated.BalanceUSD != 25 {
		t.Fatalf("unexpected budget %+v", updated)
	}
	if _, err := ledger.Credit(ctx, "new", 0); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("零金额应被拒绝，实际 %v", err)
	}
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := newTestLedger(t)
	if err := ledger.Upsert(ctx, ProtocolBudget{ProtocolID: "p1", BalanceUSD: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Debit(ctx, "p1", 0.5); err != nil {
				t.Errorf("debit: %v", err)
			}
		}()
	}
	wg.Wait()

	persisted, _ := store.Get(ctx, "p1")
	if math.Abs(persisted.BalanceUSD) > 1e-9 || math.Abs(persisted.TotalSpent-10) > 1e-9 {
		t.Fatalf("并发扣减丢失更新: %+v", persisted)
	}
}

func TestWhitelistReadThroughAndInvalidation(t *testing.T) {
	ctx := context.Background()
	ledger, store, kvStore := newTestLedger(t)
	if err := store.SetWhitelist(ctx, "p1", []string{"0xABC"}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}

	wl, err := ledger.Whitelist(ctx, "p1")
	if err != nil || wl == nil || !wl.Contains("0xabc") {
		t.Fatalf("whitelist: %+v %v", wl, err)
	}
	if _, ok, _ := kvStore.Get(ctx, cache.Namespace+cache.WhitelistKey("p1")); !ok {
		t.Fatalf("读穿缓存应写入白名单")
	}

	if err := ledger.SetWhitelist(ctx, "p1", []string{"0xdef"}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}
	wl, err = ledger.Whitelist(ctx, "p1")
	if err != nil || wl.Contains("0xabc") || !wl.Contains("0xDEF") {
		t.Fatalf("白名单更新后缓存未失效: %+v %v", wl, err)
	}

	missing, err := ledger.Whitelist(ctx, "none")
	if err != nil || missing != nil {
		t.Fatalf("未配置的白名单应返回 nil: %+v %v", missing, err)
	}
}
