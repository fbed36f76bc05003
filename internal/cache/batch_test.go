package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"Aegis-Treasury/internal/kv"
)

func TestBatchLoadsOnlyMissing(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	wt := NewWriteThrough[budget](store, newRecordingSource(store), Options{})
	require.NoError(t, wt.Set(ctx, BudgetKey("p1"), &budget{Balance: 1}, SetCacheOnly()))

	batch := NewBatch[budget](store, "budget", Options{})
	var requested [][]string
	loader := func(_ context.Context, missing []string) (map[string]*budget, error) {
		requested = append(requested, missing)
		out := map[string]*budget{}
		for _, id := range missing {
			if id == "p2" {
				out[id] = &budget{Balance: 2}
			}
		}
		return out, nil
	}

	got, err := batch.GetMany(ctx, []string{"p1", "p2", "p3"}, loader)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"p2", "p3"}}, requested)
	require.Len(t, got, 2)
	require.Equal(t, 1.0, got["p1"].Balance)
	require.Equal(t, 2.0, got["p2"].Balance)

	batch.Wait()
	got, err = batch.GetMany(ctx, []string{"p1", "p2"}, loader)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, requested, 1)
}
