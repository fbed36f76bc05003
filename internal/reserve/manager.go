package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Aegis-Treasury/internal/breaker"
	"Aegis-Treasury/internal/budget"
	"Aegis-Treasury/internal/cache"
	"Aegis-Treasury/internal/chain"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/pkg/logger"
)

// Keys outside the cache namespace. Both are durable.
const (
	DefaultHistoryKey  = "treasury:reserve:burn_history"
	DefaultSnapshotKey = "treasury:reserve:snapshot"
)

// Config configures a Manager.
type Config struct {
	Thresholds      Thresholds    `yaml:"thresholds" envPrefix:"THRESHOLDS_"`
	HistoryKey      string        `yaml:"history_key" env:"HISTORY_KEY"`
	SnapshotKey     string        `yaml:"snapshot_key" env:"SNAPSHOT_KEY"`
	MaxSamples      int           `yaml:"max_samples" env:"MAX_SAMPLES"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	CacheTTL        time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

func (c Config) withDefaults() Config {
	c.Thresholds = c.Thresholds.withDefaults()
	if c.HistoryKey == "" {
		c.HistoryKey = DefaultHistoryKey
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = DefaultSnapshotKey
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 5000
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	return c
}

// BudgetLister lists protocol budgets.
type BudgetLister interface {
	List(ctx context.Context) ([]budget.ProtocolBudget, error)
}

// Dependencies are the collaborators a Manager reads from.
type Dependencies struct {
	Address  string
	ChainID  int64
	Balances chain.BalanceReader
	Budgets  BudgetLister
	Store    kv.Store
	Breaker  *breaker.Breaker
	Alerts   alerting.Dispatcher
	Now      func() time.Time
}

// Manager owns the reserve snapshot.
type Manager struct {
	cfg      Config
	deps     Dependencies
	snapshot cache.Strategy[State]
	mu       sync.Mutex
	now      func() time.Time
	log      *slog.Logger
}

// NewManager builds a Manager. A nil Breaker runs balance reads unguarded.
func NewManager(cfg Config, deps Dependencies) *Manager {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		snapshot: cache.NewCacheAside[State](deps.Store, cache.Options{TTL: cfg.CacheTTL, Now: now}),
		now:      now,
		log:      logger.Named("reserve"),
	}
}

// Get returns the cached snapshot, refreshing on a miss.
func (m *Manager) Get(ctx context.Context) (State, error) {
	cached, err := m.snapshot.Get(ctx, cache.ReserveStateKey, nil)
	if err != nil {
		m.log.Warn("reserve cache read failed", slog.Any("error", err))
	}
	if cached != nil {
		return *cached, nil
	}
	return m.Refresh(ctx)
}

// Refresh recomputes the snapshot from chain balances, budgets and the
// burn history, then stores and caches it.
func (m *Manager) Refresh(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()

	prev, err := m.loadDurable(ctx)
	if err != nil {
		return State{}, err
	}
	balance, err := m.readBalance(ctx)
	if err != nil {
		return State{}, err
	}
	var budgets []budget.ProtocolBudget
	if m.deps.Budgets != nil {
		budgets, err = m.deps.Budgets.List(ctx)
		if err != nil {
			return State{}, err
		}
	}
	samples, err := m.History(ctx)
	if err != nil {
		return State{}, err
	}

	next := Compute(Inputs{
		ETHBalance:  balance.ETH,
		USDCBalance: balance.USDC,
		ChainID:     m.deps.ChainID,
		Budgets:     budgets,
		Samples:     samples,
	}, prev, m.cfg.Thresholds, m.now())

	if err := m.persist(ctx, next); err != nil {
		return State{}, err
	}
	m.announce(ctx, prev, next)
	return next, nil
}

func (m *Manager) readBalance(ctx context.Context) (chain.Balance, error) {
	if m.deps.Balances == nil {
		return chain.Balance{}, xerrors.New(xerrors.CodeInitializationFailure, "reserve balance reader not configured")
	}
	read := func(ctx context.Context) (chain.Balance, error) {
		b, err := m.deps.Balances.GetBalance(ctx, m.deps.Address)
		if err != nil {
			return chain.Balance{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "read treasury balance")
		}
		return b, nil
	}
	if m.deps.Breaker == nil {
		return read(ctx)
	}
	return breaker.Do(ctx, m.deps.Breaker, read)
}

// RecordBurn appends one spend sample. Concurrent writers never lose samples.
func (m *Manager) RecordBurn(ctx context.Context, sample Sample) error {
	if sample.AmountETH < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "burn amount must not be negative")
	}
	if sample.Timestamp == 0 {
		sample.Timestamp = m.now().UnixMilli()
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode burn sample: %w", err)
	}
	if err := m.deps.Store.Append(ctx, m.cfg.HistoryKey, raw, m.cfg.MaxSamples); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append burn sample")
	}
	return nil
}

// History returns every retained burn sample, oldest first. Undecodable
// entries are skipped.
func (m *Manager) History(ctx context.Context) ([]Sample, error) {
	raws, err := m.deps.Store.Range(ctx, m.cfg.HistoryKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read burn history")
	}
	samples := make([]Sample, 0, len(raws))
	for _, raw := range raws {
		var s Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			m.log.Warn("skipping corrupt burn sample", slog.Any("error", err))
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// UpdateReserveState merges patch into the current snapshot.
func (m *Manager) UpdateReserveState(ctx context.Context, patch Patch) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.loadDurable(ctx)
	if err != nil {
		return State{}, err
	}
	prev := current
	patch.Apply(&current)
	current.LastUpdated = m.now().UnixMilli()
	if err := m.persist(ctx, current); err != nil {
		return State{}, err
	}
	m.announce(ctx, prev, current)
	return current, nil
}

// Run refreshes on every interval tick until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("reserve refresh failed", slog.Any("error", err))
			}
		}
	}
}

func (m *Manager) loadDurable(ctx context.Context) (State, error) {
	raw, ok, err := m.deps.Store.Get(ctx, m.cfg.SnapshotKey)
	if err != nil {
		return State{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read reserve snapshot")
	}
	if !ok {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		m.log.Warn("discarding corrupt reserve snapshot", slog.Any("error", err))
		return State{}, nil
	}
	return s, nil
}

func (m *Manager) persist(ctx context.Context, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode reserve snapshot: %w", err)
	}
	if err := m.deps.Store.Set(ctx, m.cfg.SnapshotKey, raw, 0); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write reserve snapshot")
	}
	if err := m.snapshot.Set(ctx, cache.ReserveStateKey, &s); err != nil {
		m.log.Warn("reserve cache write failed", slog.Any("error", err))
	}
	metrics.SetReserve(s.RunwayDays, s.HealthScore, s.EmergencyMode)
	return nil
}

func (m *Manager) announce(ctx context.Context, prev, next State) {
	switch {
	case !prev.EmergencyMode && next.EmergencyMode:
		m.log.Error("reserve entered emergency mode",
			slog.Float64("runway_days", next.RunwayDays),
			slog.Float64("health_score", next.HealthScore))
		if m.deps.Alerts == nil {
			return
		}
		event := alerting.Event{
			Code:     CodeEmergencyMode,
			Severity: xerrors.SeverityCritical,
			Message:  fmt.Sprintf("reserve emergency: runway %.2f days, health %.1f", next.RunwayDays, next.HealthScore),
			Metadata: map[string]string{
				"eth_balance":  fmt.Sprintf("%.6f", next.ETHBalance),
				"daily_burn":   fmt.Sprintf("%.6f", next.DailyBurnRateETH),
				"runway_days":  fmt.Sprintf("%.2f", next.RunwayDays),
				"health_score": fmt.Sprintf("%.1f", next.HealthScore),
			},
			OccurredAt: m.now().UTC(),
		}
		if err := m.deps.Alerts.Notify(ctx, event); err != nil {
			m.log.Warn("emergency alert delivery failed", slog.Any("error", err))
		}
	case prev.EmergencyMode && !next.EmergencyMode:
		m.log.Info("reserve recovered from emergency mode",
			slog.Float64("runway_days", next.RunwayDays),
			slog.Float64("health_score", next.HealthScore))
	}
}

// CodeEmergencyMode tags alerts raised when emergency mode turns on.
const CodeEmergencyMode xerrors.Code = "RESERVE_EMERGENCY"

func init() {
	xerrors.Register(CodeEmergencyMode, xerrors.Attributes{
		Message:  "reserve emergency mode",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
