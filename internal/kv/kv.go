// Package kv defines the shared key-value contract used by the cache layer,
// the wallet lock and the reserve history. Production deployments back it
// with Redis; the in-memory implementation serves tests and single-node runs.
package kv

import (
	"context"
	"time"
)

// Store is the minimal set of operations the treasury needs from a shared
// key-value store. A zero ttl means the key never expires.
type Store interface {
	// Get returns the raw value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent atomically creates the key only when it does not exist.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Keys lists keys matching a glob pattern such as "treasury:cache:gas:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	// MultiGet returns one slot per key; missing keys yield nil.
	MultiGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Append atomically pushes value to the list at key, keeping at most
	// maxLen newest elements when maxLen > 0.
	Append(ctx context.Context, key string, value []byte, maxLen int) error
	// Range returns every element of the list at key, oldest first.
	Range(ctx context.Context, key string) ([][]byte, error)
	Close() error
}
