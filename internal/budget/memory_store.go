package budget

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是进程内的预算存储，主要用于测试和单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	budgets    map[string]*ProtocolBudget
	whitelists map[string][]string
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:    make(map[string]*ProtocolBudget),
		whitelists: make(map[string][]string),
	}
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, protocolID string) (*ProtocolBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[protocolID]
	if !ok {
		return nil, nil
	}
	out := b.Clone()
	out.WhitelistedContracts = slices.Clone(m.whitelists[protocolID])
	return out, nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, budget *ProtocolBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := budget.Clone()
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = time.Now().UnixMilli()
	}
	stored.WhitelistedContracts = nil
	m.budgets[budget.ProtocolID] = stored
	return nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, protocolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.budgets, protocolID)
	return nil
}

// List 实现 Store，按协议 ID 排序。
func (m *MemoryStore) List(_ context.Context) ([]ProtocolBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProtocolBudget, 0, len(m.budgets))
	for id, b := range m.budgets {
		item := *b.Clone()
		item.WhitelistedContracts = slices.Clone(m.whitelists[id])
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProtocolID < out[j].ProtocolID })
	return out, nil
}

// Whitelist 实现 Store。
func (m *MemoryStore) Whitelist(_ context.Context, protocolID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contracts, ok := m.whitelists[protocolID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(contracts), nil
}

// SetWhitelist 实现 Store。
func (m *MemoryStore) SetWhitelist(_ context.Context, protocolID string, contracts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelists[protocolID] = normalizeContracts(contracts)
	return nil
}

var _ Store = (*MemoryStore)(nil)
