package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Aegis-Treasury/internal/kv"
)

func TestInvalidatorSponsorshipExecuted(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{
		BudgetKey("p1"),
		BudgetKey("p2"),
		ReserveStateKey,
		AgentKey("0xabc", "txcount"),
		AgentKey("0xabc", "balance"),
		AgentKey("0xdef", "txcount"),
	} {
		require.NoError(t, store.Set(ctx, Namespace+key, []byte("{}"), time.Minute))
	}

	NewInvalidator(store).Handle(ctx, Event{
		Type:         EventSponsorshipExecuted,
		ProtocolID:   "p1",
		AgentAddress: "0xABC",
	})

	keys, err := store.Keys(ctx, Namespace+"*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		Namespace + BudgetKey("p2"),
		Namespace + AgentKey("0xdef", "txcount"),
	}, keys)
}

func TestInvalidatorGasPattern(t *testing.T) {
	keys, patterns := Targets(Event{Type: EventGasPriceUpdated})
	require.Empty(t, keys)
	require.Equal(t, []string{"gas:*"}, patterns)

	keys, patterns = Targets(Event{Type: EventProtocolBudgetUpdated, ProtocolID: "p1"})
	require.Equal(t, []string{"budget:p1", ReserveStateKey}, keys)
	require.Empty(t, patterns)
}

type failingStore struct{ kv.Store }

func (failingStore) Delete(context.Context, ...string) error { return context.DeadlineExceeded }

func TestInvalidatorSwallowsFailures(t *testing.T) {
	inv := NewInvalidator(failingStore{kv.NewMemoryStore()})
	require.NotPanics(t, func() {
		inv.Handle(context.Background(), Event{Type: EventReservesUpdated})
	})
}
