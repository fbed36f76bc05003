package cache

import (
	"context"
	"log/slog"
	"strings"

	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/pkg/logger"
)

// EventType names a semantic change that makes cached data stale.
type EventType string

const (
	EventProtocolBudgetUpdated    EventType = "PROTOCOL_BUDGET_UPDATED"
	EventProtocolWhitelistUpdated EventType = "PROTOCOL_WHITELIST_UPDATED"
	EventSponsorshipExecuted      EventType = "SPONSORSHIP_EXECUTED"
	EventReservesUpdated          EventType = "RESERVES_UPDATED"
	EventGasPriceUpdated          EventType = "GAS_PRICE_UPDATED"
)

// Event carries the identifiers needed to target invalidation.
type Event struct {
	Type         EventType
	ProtocolID   string
	AgentAddress string
	ChainID      string
}

// Invalidator deletes the keys an Event makes stale.
type Invalidator struct {
	store     kv.Store
	namespace string
	log       *slog.Logger
}

// NewInvalidator creates an Invalidator over store.
func NewInvalidator(store kv.Store) *Invalidator {
	return &Invalidator{store: store, namespace: Namespace, log: logger.Named("cache")}
}

// Targets returns the exact logical keys and glob patterns event invalidates.
func Targets(event Event) (keys []string, patterns []string) {
	switch event.Type {
	case EventProtocolBudgetUpdated:
		if event.ProtocolID != "" {
			keys = append(keys, BudgetKey(event.ProtocolID))
		}
		keys = append(keys, ReserveStateKey)
	case EventProtocolWhitelistUpdated:
		if event.ProtocolID != "" {
			keys = append(keys, WhitelistKey(event.ProtocolID))
		} else {
			patterns = append(patterns, Key("whitelist", "*"))
		}
	case EventSponsorshipExecuted:
		if event.ProtocolID != "" {
			keys = append(keys, BudgetKey(event.ProtocolID))
		}
		keys = append(keys, ReserveStateKey)
		if event.AgentAddress != "" {
			patterns = append(patterns, Key("agent", strings.ToLower(event.AgentAddress), "*"))
		}
	case EventReservesUpdated:
		keys = append(keys, ReserveStateKey)
	case EventGasPriceUpdated:
		if event.ChainID != "" {
			keys = append(keys, GasPriceKey(event.ChainID))
		} else {
			patterns = append(patterns, Key("gas", "*"))
		}
	}
	return keys, patterns
}

// Handle applies event. Failures are logged and never returned, so the
// operation that raised the event is not failed by cache trouble.
func (i *Invalidator) Handle(ctx context.Context, event Event) {
	keys, patterns := Targets(event)
	if len(keys) == 0 && len(patterns) == 0 {
		i.log.Warn("unknown cache invalidation event", slog.String("type", string(event.Type)))
		return
	}

	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, i.namespace+key)
	}
	for _, pattern := range patterns {
		matched, err := i.store.Keys(ctx, i.namespace+pattern)
		if err != nil {
			i.log.Warn("cache invalidation scan failed",
				slog.String("type", string(event.Type)),
				slog.String("pattern", pattern),
				slog.Any("error", err))
			continue
		}
		full = append(full, matched...)
	}
	if len(full) == 0 {
		return
	}
	if err := i.store.Delete(ctx, full...); err != nil {
		i.log.Warn("cache invalidation failed",
			slog.String("type", string(event.Type)),
			slog.Int("keys", len(full)),
			slog.Any("error", err))
		return
	}
	i.log.Debug("cache invalidated", slog.String("type", string(event.Type)), slog.Int("keys", len(full)))
}
