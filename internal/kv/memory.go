package kv

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryStore is a process-local Store. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*memoryItem), now: time.Now}
}

// WithClock replaces the clock used for ttl evaluation. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryStore) lookup(key string) (*memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if item.expired(m.now()) {
		delete(m.items, key)
		return nil, false
	}
	return item, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok || item.value == nil {
		return nil, false, nil
	}
	return bytes.Clone(item.value), true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &memoryItem{value: cloneValue(value), expiresAt: m.expiry(ttl)}
	return nil
}

// SetIfAbsent implements Store.
func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.items[key] = &memoryItem{value: cloneValue(value), expiresAt: m.expiry(ttl)}
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

// CompareAndDelete implements Store.
func (m *MemoryStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok || !bytes.Equal(item.value, expected) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

// Keys implements Store.
func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key := range m.items {
		if _, ok := m.lookup(key); !ok {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MultiGet implements Store.
func (m *MemoryStore) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([][]byte, len(keys))
	for i, key := range keys {
		if item, ok := m.lookup(key); ok && item.value != nil {
			values[i] = bytes.Clone(item.value)
		}
	}
	return values, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, key string, value []byte, maxLen int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok {
		item = &memoryItem{}
		m.items[key] = item
	}
	item.list = append(item.list, cloneValue(value))
	if maxLen > 0 && len(item.list) > maxLen {
		item.list = append([][]byte(nil), item.list[len(item.list)-maxLen:]...)
	}
	return nil
}

// Range implements Store.
func (m *MemoryStore) Range(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok {
		return nil, nil
	}
	out := make([][]byte, len(item.list))
	for i, v := range item.list {
		out[i] = bytes.Clone(v)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func cloneValue(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return bytes.Clone(value)
}

var _ Store = (*MemoryStore)(nil)
