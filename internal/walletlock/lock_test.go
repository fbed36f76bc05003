package walletlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Aegis-Treasury/internal/backoff"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
)

func newTestLock(store kv.Store) *WalletLock {
	return New(NewKVLocker(store), Config{
		TTL:     5 * time.Second,
		Timeout: 5 * time.Second,
		Backoff: backoff.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxJitter: time.Millisecond},
	})
}

func TestWithLockMutualExclusion(t *testing.T) {
	lock := newTestLock(kv.NewMemoryStore())
	ctx := context.Background()

	const callers = 20
	var active, maxActive, total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.WithLock(ctx, 0, func(context.Context) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				total.Add(1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxActive.Load())
	require.Equal(t, int32(callers), total.Load())
}

func TestWithLockTimeout(t *testing.T) {
	store := kv.NewMemoryStore()
	lock := newTestLock(store)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, DefaultKey, []byte("someone-else"), time.Minute))

	started := time.Now()
	err := lock.WithLock(ctx, 30*time.Millisecond, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.True(t, xerrors.HasCode(err, xerrors.CodeLockTimeout))
	require.True(t, xerrors.RetryableError(err))
	require.Less(t, time.Since(started), time.Second)
}

func TestWithLockFailFast(t *testing.T) {
	store := kv.NewMemoryStore()
	lock := newTestLock(store)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, DefaultKey, []byte("someone-else"), time.Minute))

	err := lock.WithLock(ctx, time.Hour, func(context.Context) error { return nil }, FailFast())
	require.True(t, xerrors.HasCode(err, xerrors.CodeLockTimeout))
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	store := kv.NewMemoryStore()
	lock := newTestLock(store)
	ctx := context.Background()

	boom := errors.New("submit failed")
	require.ErrorIs(t, lock.WithLock(ctx, 0, func(context.Context) error { return boom }), boom)
	_, held, err := store.Get(ctx, DefaultKey)
	require.NoError(t, err)
	require.False(t, held)

	require.Panics(t, func() {
		_ = lock.WithLock(ctx, 0, func(context.Context) error { panic("signer crashed") })
	})
	_, held, err = store.Get(ctx, DefaultKey)
	require.NoError(t, err)
	require.False(t, held)
}

func TestReleaseDoesNotDropForeignLock(t *testing.T) {
	store := kv.NewMemoryStore()
	locker := NewKVLocker(store)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "budget_lock:p1", []byte("other"), time.Minute))
	require.ErrorIs(t, locker.Release(ctx, "budget_lock:p1", "mine"), ErrNotHeld)
	_, held, err := store.Get(ctx, "budget_lock:p1")
	require.NoError(t, err)
	require.True(t, held)
}

func TestDoWithKey(t *testing.T) {
	lock := newTestLock(kv.NewMemoryStore())
	hash, err := Do(context.Background(), lock, 0, func(context.Context) (string, error) {
		return "0xuserop", nil
	}, WithKey("budget_lock:p1"))
	require.NoError(t, err)
	require.Equal(t, "0xuserop", hash)
}
