package sponsorship

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
)

// MemoryStore 以内存方式保存代付请求，主要用于测试与单节点运行。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), now: time.Now}
}

// WithClock 替换内部时钟，仅用于测试。
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrConflict
	}
	if req.PaymentHash != "" {
		for _, existing := range m.requests {
			if existing.PaymentHash == req.PaymentHash {
				return ErrConflict
			}
		}
	}
	now := m.now().UnixMilli()
	if req.RequestedAt == 0 {
		req.RequestedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = req.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// FindByPaymentHash 实现 Store。
func (m *MemoryStore) FindByPaymentHash(_ context.Context, paymentHash string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		if paymentHash != "" && req.PaymentHash == paymentHash {
			return req.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Claim 实现 Store。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return req.Clone(), ErrConflict
	}
	now := m.now().UnixMilli()
	req.Status = StatusProcessing
	req.ProcessingStartedAt = now
	req.UpdatedAt = now
	return req.Clone(), nil
}

// Complete 实现 Store。
func (m *MemoryStore) Complete(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusProcessing {
		return ErrConflict
	}
	now := m.now().UnixMilli()
	req.Status = StatusCompleted
	req.CompletedAt = now
	req.TxHash = result.TxHash
	req.UserOpHash = result.UserOpHash
	req.ActualCostUSD = result.ActualCostUSD
	req.Error = ""
	req.ErrorCode = ""
	req.UpdatedAt = now
	return nil
}

// Fail 实现 Store。
func (m *MemoryStore) Fail(_ context.Context, id string, code, message string, retry bool) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusProcessing {
		return req.Clone(), ErrConflict
	}
	applyFailure(req, code, message, retry, string(CodeRetriesExhausted), m.now().UnixMilli())
	return req.Clone(), nil
}

// Reject 实现 Store。
func (m *MemoryStore) Reject(_ context.Context, id string, code, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusPending {
		return ErrConflict
	}
	now := m.now().UnixMilli()
	req.Status = StatusRejected
	req.Error = reason
	req.ErrorCode = code
	req.FailedAt = now
	req.UpdatedAt = now
	return nil
}

// ReclaimStale 实现 Store。
func (m *MemoryStore) ReclaimStale(_ context.Context, startedBefore time.Time) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := startedBefore.UnixMilli()
	now := m.now().UnixMilli()
	var reclaimed []*Request
	for _, req := range m.requests {
		if req.Status != StatusProcessing || req.ProcessingStartedAt >= cutoff {
			continue
		}
		applyFailure(req, string(CodeProcessingTimeout), staleMessage, true, string(CodeProcessingTimeout), now)
		reclaimed = append(reclaimed, req.Clone())
	}
	sortByRequested(reclaimed)
	return reclaimed, nil
}

// Position 实现 Store。
func (m *MemoryStore) Position(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.requests[id]
	if !ok {
		return 0, ErrNotFound
	}
	if target.Status != StatusPending {
		return 0, nil
	}
	position := 0
	for _, req := range m.requests {
		if req.Status != StatusPending {
			continue
		}
		if req.RequestedAt < target.RequestedAt || (req.RequestedAt == target.RequestedAt && req.ID <= target.ID) {
			position++
		}
	}
	return position, nil
}

// Stats 实现 Store。
func (m *MemoryStore) Stats(_ context.Context, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := since.UnixMilli()
	var stats Stats
	for _, req := range m.requests {
		switch req.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			if req.CompletedAt >= cutoff {
				stats.CompletedLast24h++
			}
		case StatusFailed:
			if req.FailedAt >= cutoff {
				stats.FailedLast24h++
			}
		}
	}
	return stats, nil
}

// PurgeExpired 实现 Store。
func (m *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := before.UnixMilli()
	purged := 0
	for id, req := range m.requests {
		if req.Status.Terminal() || req.RequestedAt >= cutoff {
			continue
		}
		delete(m.requests, id)
		purged++
	}
	return purged, nil
}

// AgentHistory 实现 Store。
func (m *MemoryStore) AgentHistory(_ context.Context, agentAddress string, since time.Time) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := since.UnixMilli()
	total, recent := 0, 0
	for _, req := range m.requests {
		if req.Status != StatusCompleted || !strings.EqualFold(req.AgentAddress, agentAddress) {
			continue
		}
		total++
		if req.CompletedAt >= cutoff {
			recent++
		}
	}
	return total, recent, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

// applyFailure 执行失败迁移：仍有重试次数时回到 pending，否则成为终态 failed，
// 重试耗尽时错误码改写为 exhaustedCode。
func applyFailure(req *Request, code, message string, retry bool, exhaustedCode string, now int64) {
	req.Error = message
	req.ErrorCode = code
	req.UpdatedAt = now
	if retry && req.RetryCount < req.MaxRetries {
		req.Status = StatusPending
		req.RetryCount++
		req.ProcessingStartedAt = 0
		return
	}
	if retry && exhaustedCode != code {
		req.ErrorCode = exhaustedCode
		req.Error = code + ": " + message
	}
	req.Status = StatusFailed
	req.FailedAt = now
}

const staleMessage = "processing exceeded the staleness timeout"

func sortByRequested(list []*Request) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].RequestedAt == list[j].RequestedAt {
			return list[i].ID < list[j].ID
		}
		return list[i].RequestedAt < list[j].RequestedAt
	})
}

func validateRequest(req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "代付请求不能为空")
	}
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	if !req.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求状态无效: "+string(req.Status))
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
