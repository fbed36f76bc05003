package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/pkg/logger"
)

// Default TTLs per strategy.
const (
	DefaultWriteThroughTTL = 60 * time.Second
	DefaultReadThroughTTL  = 5 * time.Minute
	DefaultCacheAsideTTL   = 30 * time.Second
)

// Strategy is the uniform cache contract. Business outcomes never surface as
// errors: a miss is a nil value. Only infrastructure failures return err.
type Strategy[T any] interface {
	Get(ctx context.Context, key string, loader Loader[T]) (*T, error)
	Set(ctx context.Context, key string, value *T, opts ...SetOption) error
	Delete(ctx context.Context, key string, opts ...DeleteOption) error
	Update(ctx context.Context, key string, fn Updater[T]) (*T, error)
}

// Options tune a strategy instance.
type Options struct {
	TTL       time.Duration
	Namespace string
	Now       func() time.Time
}

type setOptions struct {
	ttl       time.Duration
	cacheOnly bool
}

// SetOption customises a single Set call.
type SetOption func(*setOptions)

// WithTTL overrides the strategy TTL for one write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// SetCacheOnly skips the write-through source write.
func SetCacheOnly() SetOption {
	return func(o *setOptions) { o.cacheOnly = true }
}

type deleteOptions struct {
	cacheOnly bool
}

// DeleteOption customises a single Delete call.
type DeleteOption func(*deleteOptions)

// DeleteCacheOnly evicts the cached copy without touching the source.
func DeleteCacheOnly() DeleteOption {
	return func(o *deleteOptions) { o.cacheOnly = true }
}

type strategy[T any] struct {
	name           string
	store          kv.Store
	source         Source[T]
	ttl            time.Duration
	namespace      string
	populateOnMiss bool
	flights        *singleflight.Group
	now            func() time.Time
	log            *slog.Logger
}

// NewWriteThrough writes the source first and the cache second; misses load
// from the source (or the supplied loader) and populate the cache.
func NewWriteThrough[T any](store kv.Store, source Source[T], opts Options) Strategy[T] {
	return newStrategy[T]("write-through", store, source, DefaultWriteThroughTTL, true, false, opts)
}

// NewReadThrough serves slowly changing data. Concurrent misses on the same
// key share one loader call.
func NewReadThrough[T any](store kv.Store, opts Options) Strategy[T] {
	return newStrategy[T]("read-through", store, nil, DefaultReadThroughTTL, true, true, opts)
}

// NewCacheAside never populates on a miss; the caller decides when to Set.
func NewCacheAside[T any](store kv.Store, opts Options) Strategy[T] {
	return newStrategy[T]("cache-aside", store, nil, DefaultCacheAsideTTL, false, false, opts)
}

func newStrategy[T any](name string, store kv.Store, source Source[T], ttl time.Duration, populate, dedupe bool, opts Options) *strategy[T] {
	s := &strategy[T]{
		name:           name,
		store:          store,
		source:         source,
		ttl:            ttl,
		namespace:      Namespace,
		populateOnMiss: populate,
		now:            time.Now,
		log:            logger.Named("cache").With(slog.String("strategy", name)),
	}
	if opts.TTL > 0 {
		s.ttl = opts.TTL
	}
	if opts.Namespace != "" {
		s.namespace = opts.Namespace
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	if dedupe {
		s.flights = &singleflight.Group{}
	}
	return s
}

func (s *strategy[T]) fullKey(key string) string { return s.namespace + key }

// read returns the live entry for key. Expired or corrupt entries are removed
// and reported as a miss.
func (s *strategy[T]) read(ctx context.Context, key string) (Entry[T], bool, error) {
	full := s.fullKey(key)
	raw, ok, err := s.store.Get(ctx, full)
	if err != nil {
		metrics.ObserveCache(s.name, "error")
		return Entry[T]{}, false, fmt.Errorf("cache read %s: %w", key, err)
	}
	if !ok {
		metrics.ObserveCache(s.name, "miss")
		return Entry[T]{}, false, nil
	}
	entry, err := decodeEntry[T](raw)
	if err != nil {
		s.log.Warn("discarding undecodable cache entry", slog.String("key", key), slog.Any("error", err))
		_ = s.store.Delete(ctx, full)
		metrics.ObserveCache(s.name, "miss")
		return Entry[T]{}, false, nil
	}
	if entry.Expired(s.now()) {
		if err := s.store.Delete(ctx, full); err != nil {
			s.log.Warn("failed to remove expired entry", slog.String("key", key), slog.Any("error", err))
		}
		metrics.ObserveCache(s.name, "expired")
		return Entry[T]{}, false, nil
	}
	metrics.ObserveCache(s.name, "hit")
	return entry, true, nil
}

func (s *strategy[T]) write(ctx context.Context, key string, value *T, ttl time.Duration) error {
	now := s.now()
	raw, err := encodeEntry(newEntry(value, now, ttl, now.UnixNano()))
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, s.fullKey(key), raw, ttl); err != nil {
		return fmt.Errorf("cache write %s: %w", key, err)
	}
	return nil
}

// Get implements Strategy.
func (s *strategy[T]) Get(ctx context.Context, key string, loader Loader[T]) (*T, error) {
	entry, ok, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return entry.Data, nil
	}

	load := loader
	if load == nil && s.source != nil {
		load = func(ctx context.Context) (*T, error) { return s.source.Load(ctx, key) }
	}
	if load == nil {
		return nil, nil
	}

	if s.flights == nil {
		return s.loadAndMaybePopulate(ctx, key, load)
	}
	shared, err, _ := s.flights.Do(key, func() (any, error) {
		return s.loadAndMaybePopulate(ctx, key, load)
	})
	if err != nil {
		return nil, err
	}
	value, _ := shared.(*T)
	return value, nil
}

func (s *strategy[T]) loadAndMaybePopulate(ctx context.Context, key string, load Loader[T]) (*T, error) {
	value, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil || !s.populateOnMiss {
		return value, nil
	}
	if err := s.write(ctx, key, value, s.ttl); err != nil {
		s.log.Warn("failed to populate cache after load", slog.String("key", key), slog.Any("error", err))
	}
	return value, nil
}

// Set implements Strategy. For write-through the source is written first so
// the durable copy is never behind the cache.
func (s *strategy[T]) Set(ctx context.Context, key string, value *T, opts ...SetOption) error {
	o := setOptions{ttl: s.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	if s.source != nil && !o.cacheOnly {
		var err error
		if value == nil {
			err = s.source.Remove(ctx, key)
		} else {
			err = s.source.Save(ctx, key, value)
		}
		if err != nil {
			return err
		}
	}
	return s.write(ctx, key, value, o.ttl)
}

// Delete implements Strategy.
func (s *strategy[T]) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	if s.source != nil && !o.cacheOnly {
		if err := s.source.Remove(ctx, key); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, s.fullKey(key)); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Update implements Strategy. Write-through reads the current value from the
// source rather than the cache so a stale shadow copy cannot be written back.
func (s *strategy[T]) Update(ctx context.Context, key string, fn Updater[T]) (*T, error) {
	var current *T
	if s.source != nil {
		value, err := s.source.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		current = value
	} else {
		entry, ok, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			current = entry.Data
		}
	}

	next := fn(current)
	if next == nil {
		return nil, s.Delete(ctx, key)
	}
	if err := s.Set(ctx, key, next); err != nil {
		return nil, err
	}
	return next, nil
}
