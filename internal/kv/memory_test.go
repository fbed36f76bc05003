package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	value, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), value)

	now = now.Add(2 * time.Second)
	_, ok, err = store.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreSetIfAbsentIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetIfAbsent(ctx, "lock", []byte("x"), time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "lock", []byte("token-a"), 0))

	ok, err := store.CompareAndDelete(ctx, "lock", []byte("token-b"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "lock", []byte("token-a"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreKeysMultiGetAndLists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "gas:base", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "gas:arb", []byte("2"), 0))
	require.NoError(t, store.Set(ctx, "budget:p1", []byte("3"), 0))

	keys, err := store.Keys(ctx, "gas:*")
	require.NoError(t, err)
	require.Equal(t, []string{"gas:arb", "gas:base"}, keys)

	values, err := store.MultiGet(ctx, "gas:base", "missing", "budget:p1")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, values)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, "history", []byte(v), 2))
	}
	list, err := store.Range(ctx, "history")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b"), []byte("c")}, list)
}
