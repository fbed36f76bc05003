package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Address: mr.Addr()})
	require.NoError(t, err)
	store := NewStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStoreGetSetExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(value))

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreLockPrimitives(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "wallet_lock", []byte("token-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "wallet_lock", []byte("token-b"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := store.CompareAndDelete(ctx, "wallet_lock", []byte("token-b"))
	require.NoError(t, err)
	require.False(t, released)

	released, err = store.CompareAndDelete(ctx, "wallet_lock", []byte("token-a"))
	require.NoError(t, err)
	require.True(t, released)
}

func TestStoreKeysMultiGetAppend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "treasury:cache:gas:base", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "treasury:cache:budget:p1", []byte("2"), 0))

	keys, err := store.Keys(ctx, "treasury:cache:gas:*")
	require.NoError(t, err)
	require.Equal(t, []string{"treasury:cache:gas:base"}, keys)

	values, err := store.MultiGet(ctx, "treasury:cache:budget:p1", "nope")
	require.NoError(t, err)
	require.Equal(t, "2", string(values[0]))
	require.Nil(t, values[1])

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Append(ctx, "burn", []byte(v), 3))
	}
	list, err := store.Range(ctx, "burn")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "b", string(list[0]))
	require.Equal(t, "d", string(list[2]))
}

func TestNewClientRejectsEmptyAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
}
