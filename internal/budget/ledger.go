package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Aegis-Treasury/internal/backoff"
	"Aegis-Treasury/internal/cache"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/walletlock"
	"Aegis-Treasury/pkg/logger"
)

const balanceEpsilon = 1e-9

// storeSource 把写穿缓存的逻辑 key 映射到预算存储。
type storeSource struct {
	store Store
}

func protocolFromKey(key string) string {
	return strings.TrimPrefix(key, cache.BudgetKey(""))
}

func (s storeSource) Load(ctx context.Context, key string) (*ProtocolBudget, error) {
	return s.store.Get(ctx, protocolFromKey(key))
}

func (s storeSource) Save(ctx context.Context, _ string, value *ProtocolBudget) error {
	return s.store.Save(ctx, value)
}

func (s storeSource) Remove(ctx context.Context, key string) error {
	return s.store.Delete(ctx, protocolFromKey(key))
}

// Ledger 是协议预算的读写入口。
type Ledger struct {
	store       Store
	kv          kv.Store
	budgets     cache.Strategy[ProtocolBudget]
	whitelists  cache.Strategy[Whitelist]
	invalidator *cache.Invalidator
	locks       *walletlock.WalletLock
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// LedgerOption 定义可选配置。
type LedgerOption func(*Ledger)

// WithLockTimeout 设置单个协议预算锁的等待上限。
func WithLockTimeout(timeout time.Duration) LedgerOption {
	return func(l *Ledger) {
		if timeout > 0 {
			l.lockTimeout = timeout
		}
	}
}

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCacheOptions 覆盖两个缓存策略的 TTL 等参数。
func WithCacheOptions(budgetOpts, whitelistOpts cache.Options) LedgerOption {
	return func(l *Ledger) {
		l.budgets = cache.NewWriteThrough[ProtocolBudget](l.kv, storeSource{l.store}, budgetOpts)
		l.whitelists = cache.NewReadThrough[Whitelist](l.kv, whitelistOpts)
	}
}

// NewLedger 构造 Ledger。locker 用于按协议串行化余额变动。
func NewLedger(store Store, kvStore kv.Store, locker walletlock.Locker, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:       store,
		kv:          kvStore,
		invalidator: cache.NewInvalidator(kvStore),
		locks: walletlock.New(locker, walletlock.Config{
			TTL:     30 * time.Second,
			Backoff: backoff.Policy{Base: 10 * time.Millisecond, Max: 200 * time.Millisecond, MaxJitter: 20 * time.Millisecond},
		}),
		lockTimeout: 5 * time.Second,
		now:         time.Now,
		log:         logger.Named("budget"),
	}
	l.budgets = cache.NewWriteThrough[ProtocolBudget](kvStore, storeSource{store}, cache.Options{})
	l.whitelists = cache.NewReadThrough[Whitelist](kvStore, cache.Options{})
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func lockKey(protocolID string) string { return "budget_lock:" + protocolID }

// Budget 返回协议预算，不存在时返回 nil。
func (l *Ledger) Budget(ctx context.Context, protocolID string) (*ProtocolBudget, error) {
	return l.budgets.Get(ctx, cache.BudgetKey(protocolID), nil)
}

// Whitelist 返回协议白名单，未配置时返回 nil。
func (l *Ledger) Whitelist(ctx context.Context, protocolID string) (*Whitelist, error) {
	return l.whitelists.Get(ctx, cache.WhitelistKey(protocolID), func(ctx context.Context) (*Whitelist, error) {
		contracts, err := l.store.Whitelist(ctx, protocolID)
		if err != nil || len(contracts) == 0 {
			return nil, err
		}
		return &Whitelist{ProtocolID: protocolID, Contracts: contracts}, nil
	})
}

// SetWhitelist 更新白名单并失效缓存。
func (l *Ledger) SetWhitelist(ctx context.Context, protocolID string, contracts []string) error {
	if err := l.store.SetWhitelist(ctx, protocolID, contracts); err != nil {
		return err
	}
	l.invalidator.Handle(ctx, cache.Event{Type: cache.EventProtocolWhitelistUpdated, ProtocolID: protocolID})
	return nil
}

// List 返回所有协议预算，直接读取存储。
func (l *Ledger) List(ctx context.Context) ([]ProtocolBudget, error) {
	return l.store.List(ctx)
}

// Upsert 写入完整预算记录，用于初始化协议。
func (l *Ledger) Upsert(ctx context.Context, b ProtocolBudget) error {
	if strings.TrimSpace(b.ProtocolID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "协议 ID 不能为空")
	}
	if !b.Tier.Valid() {
		b.Tier = TierBronze
	}
	b.UpdatedAt = l.now().UnixMilli()
	if err := l.budgets.Set(ctx, cache.BudgetKey(b.ProtocolID), &b); err != nil {
		return err
	}
	l.invalidator.Handle(ctx, cache.Event{Type: cache.EventReservesUpdated})
	return nil
}

// Credit 为协议充值，协议不存在时以 bronze 等级创建。
func (l *Ledger) Credit(ctx context.Context, protocolID string, amountUSD float64) (*ProtocolBudget, error) {
	if amountUSD <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须大于 0")
	}
	updated, err := l.adjust(ctx, protocolID, func(current *ProtocolBudget) (*ProtocolBudget, error) {
		if current == nil {
			current = &ProtocolBudget{ProtocolID: protocolID, Tier: TierBronze}
		}
		current.BalanceUSD += amountUSD
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	l.invalidator.Handle(ctx, cache.Event{Type: cache.EventProtocolBudgetUpdated, ProtocolID: protocolID})
	logger.Audit().Info("协议预算充值",
		slog.String("protocol_id", protocolID),
		slog.Float64("amount_usd", amountUSD),
		slog.Float64("balance_usd", updated.BalanceUSD),
	)
	return updated, nil
}

// Debit 扣减协议预算，余额不足时返回 INSUFFICIENT_BUDGET。
func (l *Ledger) Debit(ctx context.Context, protocolID string, amountUSD float64) (*ProtocolBudget, error) {
	if amountUSD < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣减金额不能为负数")
	}
	return l.adjust(ctx, protocolID, func(current *ProtocolBudget) (*ProtocolBudget, error) {
		if current == nil {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("协议 %s 没有预算记录", protocolID))
		}
		if current.BalanceUSD+balanceEpsilon < amountUSD {
			return nil, xerrors.New(xerrors.CodeInsufficientBudget,
				fmt.Sprintf("协议 %s 余额 %.6f 不足以支付 %.6f", protocolID, current.BalanceUSD, amountUSD),
				xerrors.WithMetadata("protocol_id", protocolID))
		}
		current.BalanceUSD -= amountUSD
		if current.BalanceUSD < 0 {
			current.BalanceUSD = 0
		}
		current.TotalSpent += amountUSD
		return current, nil
	})
}

// adjust 在协议锁内先校验再写穿更新，校验失败时不产生任何写入。
func (l *Ledger) adjust(ctx context.Context, protocolID string, apply func(*ProtocolBudget) (*ProtocolBudget, error)) (*ProtocolBudget, error) {
	return walletlock.Do(ctx, l.locks, l.lockTimeout, func(ctx context.Context) (*ProtocolBudget, error) {
		current, err := l.store.Get(ctx, protocolID)
		if err != nil {
			return nil, err
		}
		if _, err := apply(current.Clone()); err != nil {
			return nil, err
		}
		return l.budgets.Update(ctx, cache.BudgetKey(protocolID), func(latest *ProtocolBudget) *ProtocolBudget {
			next, err := apply(latest.Clone())
			if err != nil {
				return latest
			}
			next.WhitelistedContracts = nil
			next.UpdatedAt = l.now().UnixMilli()
			return next
		})
	}, walletlock.WithKey(lockKey(protocolID)))
}
