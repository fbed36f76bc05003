package sponsorship

import (
	"context"
	"time"
)

// Stats 汇总队列状态，Last24h 字段按完成或失败时间统计。
type Stats struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	CompletedLast24h int `json:"completedLast24h"`
	FailedLast24h    int `json:"failedLast24h"`
}

// Store 抽象了代付请求的持久化。所有状态迁移都以条件更新完成，
// 多个无状态 worker 可以安全地共享同一个 Store。
type Store interface {
	Create(ctx context.Context, req *Request) error
	// Get 返回请求，不存在时返回 ErrNotFound。
	Get(ctx context.Context, id string) (*Request, error)
	// FindByPaymentHash 返回携带指定支付凭证的请求，不存在时返回 ErrNotFound。
	FindByPaymentHash(ctx context.Context, paymentHash string) (*Request, error)
	// Claim 把 pending 请求原子地推进为 processing。
	Claim(ctx context.Context, id string) (*Request, error)
	Complete(ctx context.Context, id string, result Result) error
	// Fail 记录一次失败。retry 为 true 且仍有重试次数时请求回到 pending，
	// 否则成为终态 failed。
	Fail(ctx context.Context, id string, code, message string, retry bool) (*Request, error)
	// Reject 只允许从 pending 迁移到 rejected。
	Reject(ctx context.Context, id string, code, reason string) error
	// ReclaimStale 回收 processing 时间早于 startedBefore 的请求。
	ReclaimStale(ctx context.Context, startedBefore time.Time) ([]*Request, error)
	// Position 返回 pending 请求的排队位置，从 1 开始；非 pending 返回 0。
	Position(ctx context.Context, id string) (int, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
	// PurgeExpired 删除 requestedAt 早于 before 且未终结的请求。
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
	// AgentHistory 统计请求方已完成的代付总数，以及 since 之后完成的数量。
	AgentHistory(ctx context.Context, agentAddress string, since time.Time) (total int, recent int, err error)
	Close() error
}
