// Package walletlock serializes every operation that signs with the shared
// treasury key. The lock record lives in the shared kv.Store so that all
// instances of the service contend on the same key.
package walletlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Aegis-Treasury/internal/backoff"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/pkg/logger"
)

// DefaultKey is the key guarding the signing wallet.
const DefaultKey = "wallet_lock"

var (
	// ErrBusy reports that another holder owns the lock.
	ErrBusy = errors.New("walletlock: lock is held")
	// ErrNotHeld reports a release by a token that no longer owns the lock,
	// typically because the TTL expired first.
	ErrNotHeld = errors.New("walletlock: lock not held by token")
)

// Locker is the primitive lock contract.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// KVLocker implements Locker with set-if-absent and a token-checked delete.
type KVLocker struct {
	store kv.Store
}

// NewKVLocker creates a Locker over store.
func NewKVLocker(store kv.Store) *KVLocker {
	return &KVLocker{store: store}
}

// Acquire implements Locker.
func (l *KVLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// Release implements Locker.
func (l *KVLocker) Release(ctx context.Context, key, token string) error {
	ok, err := l.store.CompareAndDelete(ctx, key, []byte(token))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Config tunes a WalletLock.
type Config struct {
	Key     string         `yaml:"key" env:"KEY"`
	TTL     time.Duration  `yaml:"ttl" env:"TTL"`
	Timeout time.Duration  `yaml:"timeout" env:"TIMEOUT"`
	Backoff backoff.Policy `yaml:"backoff" envPrefix:"BACKOFF_"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Key:     DefaultKey,
		TTL:     60 * time.Second,
		Timeout: 30 * time.Second,
		Backoff: backoff.Policy{Base: 50 * time.Millisecond, Max: 2 * time.Second, MaxJitter: 50 * time.Millisecond},
	}
}

// WalletLock runs callbacks while holding a named lock.
type WalletLock struct {
	locker  Locker
	cfg     Config
	log     *slog.Logger
	release time.Duration
}

// New builds a WalletLock. Zero config fields take their defaults.
func New(locker Locker, cfg Config) *WalletLock {
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &WalletLock{locker: locker, cfg: cfg, log: logger.Named("walletlock"), release: 5 * time.Second}
}

type options struct {
	key      string
	failFast bool
}

// Option customises one WithLock call.
type Option func(*options)

// FailFast returns LOCK_TIMEOUT immediately when the lock is held.
func FailFast() Option {
	return func(o *options) { o.failFast = true }
}

// WithKey locks key instead of the wallet key.
func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithLock acquires the lock, runs fn and releases the lock whether fn
// returns or panics. fn's context ends when the lock TTL would lapse. A
// timeout <= 0 uses the configured default. The same call path must not
// nest WithLock on one key.
func (l *WalletLock) WithLock(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{key: l.cfg.Key}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}

	started := time.Now()
	token, err := l.acquire(ctx, o.key, timeout, o.failFast)
	waited := time.Since(started)
	if err != nil {
		metrics.ObserveLockWait(o.key, "timeout", waited)
		return err
	}
	metrics.ObserveLockWait(o.key, "acquired", waited)

	defer l.releaseLock(ctx, o.key, token)

	lockCtx, cancel := context.WithTimeout(ctx, l.cfg.TTL)
	defer cancel()
	return fn(lockCtx)
}

// Do is WithLock for callbacks that return a value. The value fn returned is
// passed through even alongside an error.
func Do[T any](ctx context.Context, l *WalletLock, timeout time.Duration, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := l.WithLock(ctx, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	}, opts...)
	return out, err
}

func (l *WalletLock) acquire(ctx context.Context, key string, timeout time.Duration, failFast bool) (string, error) {
	deadline := time.Now().Add(timeout)
	for attempt := 0; ; attempt++ {
		token, err := l.locker.Acquire(ctx, key, l.cfg.TTL)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrBusy) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "acquire lock", xerrors.WithMetadata("key", key))
		}
		remaining := time.Until(deadline)
		if failFast || remaining <= 0 {
			return "", lockTimeout(key, timeout)
		}

		wait := l.cfg.Backoff.Delay(attempt)
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *WalletLock) releaseLock(ctx context.Context, key, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.release)
	defer cancel()
	if err := l.locker.Release(releaseCtx, key, token); err != nil {
		l.log.Warn("lock release failed", slog.String("key", key), slog.Any("error", err))
	}
}

func lockTimeout(key string, timeout time.Duration) error {
	return xerrors.New(xerrors.CodeLockTimeout,
		fmt.Sprintf("lock %s not acquired within %s", key, timeout),
		xerrors.WithMetadata("key", key))
}
