// Package cache layers three population strategies (write-through,
// read-through, cache-aside) over the shared kv.Store. Every value is wrapped
// in an Entry that records its own expiry, so a backing store without native
// TTL still self-invalidates on read.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Namespace prefixes every cache key written by this package.
const Namespace = "treasury:cache:"

// Entry wraps a cached value. A nil Data is a valid "known absent" entry.
type Entry[T any] struct {
	Data      *T    `json:"data"`
	CachedAt  int64 `json:"cachedAt"`
	ExpiresAt int64 `json:"expiresAt"`
	Version   int64 `json:"version"`
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt
}

func newEntry[T any](value *T, now time.Time, ttl time.Duration, version int64) Entry[T] {
	entry := Entry[T]{Data: value, CachedAt: now.UnixMilli(), Version: version}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return entry
}

func encodeEntry[T any](entry Entry[T]) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeEntry[T any](raw []byte) (Entry[T], error) {
	var entry Entry[T]
	err := json.Unmarshal(raw, &entry)
	return entry, err
}

// Loader produces a value on a cache miss. Returning (nil, nil) means the
// value does not exist and nothing is cached.
type Loader[T any] func(ctx context.Context) (*T, error)

// Updater maps the current value (nil when absent) to its replacement.
// Returning nil deletes the key.
type Updater[T any] func(current *T) *T

// Source is the durable system of record behind a write-through cache.
type Source[T any] interface {
	Load(ctx context.Context, key string) (*T, error)
	Save(ctx context.Context, key string, value *T) error
	Remove(ctx context.Context, key string) error
}

// Key joins logical key parts with ':'; callers pass unprefixed keys and the
// strategies add Namespace.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Logical keys shared by the treasury components.
func BudgetKey(protocolID string) string    { return Key("budget", protocolID) }
func WhitelistKey(protocolID string) string { return Key("whitelist", protocolID) }
func GasPriceKey(chainID string) string     { return Key("gas", chainID) }
func AgentKey(address, field string) string { return Key("agent", address, field) }

// ReserveStateKey is the singleton reserve snapshot key.
const ReserveStateKey = "reserve:state"
