package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是进程内的支付记录存储。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建空存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.PaymentHash]; ok {
		return ErrDuplicate
	}
	now := m.now().UnixMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	m.records[record.PaymentHash] = record.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, paymentHash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[paymentHash].Clone(), nil
}

// Transition 实现 Store。
func (m *MemoryStore) Transition(_ context.Context, paymentHash string, from, to Status, executionID string) error {
	if !CanTransition(from, to) {
		return ErrTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[paymentHash]
	if !ok || record.Status != from {
		return ErrTransition
	}
	record.Status = to
	if executionID != "" {
		record.ExecutionID = executionID
	}
	record.UpdatedAt = m.now().UnixMilli()
	return nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, paymentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, paymentHash)
	return nil
}

var _ Store = (*MemoryStore)(nil)
