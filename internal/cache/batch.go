package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/pkg/logger"
)

// BatchLoader loads the values for the missing ids in one call.
type BatchLoader[T any] func(ctx context.Context, missing []string) (map[string]*T, error)

// Batch fetches many keys sharing one logical prefix in a single round trip.
type Batch[T any] struct {
	store           kv.Store
	namespace       string
	prefix          string
	ttl             time.Duration
	populateTimeout time.Duration
	now             func() time.Time
	log             *slog.Logger
	pending         sync.WaitGroup
}

// NewBatch builds a batch reader for keys of the form prefix:<id>.
func NewBatch[T any](store kv.Store, prefix string, opts Options) *Batch[T] {
	b := &Batch[T]{
		store:           store,
		namespace:       Namespace,
		prefix:          prefix,
		ttl:             DefaultWriteThroughTTL,
		populateTimeout: 5 * time.Second,
		now:             time.Now,
		log:             logger.Named("cache").With(slog.String("strategy", "batch")),
	}
	if opts.TTL > 0 {
		b.ttl = opts.TTL
	}
	if opts.Namespace != "" {
		b.namespace = opts.Namespace
	}
	if opts.Now != nil {
		b.now = opts.Now
	}
	return b
}

func (b *Batch[T]) fullKey(id string) string { return b.namespace + Key(b.prefix, id) }

// GetMany returns every available value keyed by id. Ids neither cached nor
// returned by the loader are absent from the result. Loaded values are
// written back in the background; GetMany does not wait for that write.
func (b *Batch[T]) GetMany(ctx context.Context, ids []string, loader BatchLoader[T]) (map[string]*T, error) {
	result := make(map[string]*T, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.fullKey(id)
	}
	raws, err := b.store.MultiGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("cache batch read: %w", err)
	}

	now := b.now()
	missing := make([]string, 0, len(ids))
	var stale []string
	for i, id := range ids {
		var raw []byte
		if i < len(raws) {
			raw = raws[i]
		}
		if raw == nil {
			missing = append(missing, id)
			continue
		}
		entry, err := decodeEntry[T](raw)
		if err != nil || entry.Expired(now) {
			stale = append(stale, keys[i])
			missing = append(missing, id)
			continue
		}
		if entry.Data != nil {
			result[id] = entry.Data
		}
	}
	if len(stale) > 0 {
		if err := b.store.Delete(ctx, stale...); err != nil {
			b.log.Warn("failed to drop stale batch entries", slog.Any("error", err))
		}
	}
	if len(missing) == 0 || loader == nil {
		return result, nil
	}

	loaded, err := loader(ctx, missing)
	if err != nil {
		return nil, err
	}
	toCache := make(map[string]*T, len(loaded))
	for id, value := range loaded {
		if value == nil {
			continue
		}
		result[id] = value
		toCache[id] = value
	}
	if len(toCache) > 0 {
		b.populate(ctx, toCache)
	}
	return result, nil
}

func (b *Batch[T]) populate(ctx context.Context, values map[string]*T) {
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.populateTimeout)
		defer cancel()
		now := b.now()
		for id, value := range values {
			raw, err := encodeEntry(newEntry(value, now, b.ttl, now.UnixNano()))
			if err != nil {
				b.log.Warn("failed to encode batch entry", slog.String("id", id), slog.Any("error", err))
				continue
			}
			if err := b.store.Set(bgCtx, b.fullKey(id), raw, b.ttl); err != nil {
				b.log.Warn("failed to populate batch entry", slog.String("id", id), slog.Any("error", err))
			}
		}
	}()
}

// Wait blocks until background population started by GetMany has finished.
func (b *Batch[T]) Wait() {
	b.pending.Wait()
}
