// Package payment 记录按 paymentHash 去重的充值与代付支付凭证。
package payment

import (
	"context"
	"strings"

	xerrors "Aegis-Treasury/internal/errors"
)

// Status 表示支付记录的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusExecuted  Status = "EXECUTED"
)

// Valid 判断状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExecuted:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态流转是否合法，状态只能向前推进。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusExecuted
	case StatusConfirmed:
		return to == StatusExecuted
	default:
		return false
	}
}

// Record 是一次支付的幂等凭证，同一个 PaymentHash 只会创建一次。
type Record struct {
	PaymentHash string  `json:"paymentHash"`
	ProtocolID  string  `json:"protocolId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	ChainID     string  `json:"chainId,omitempty"`
	Status      Status  `json:"status"`
	ExecutionID string  `json:"executionId,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Clone 返回副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Store 抽象支付记录的持久化。
type Store interface {
	// Create 在 PaymentHash 已存在时返回 ErrDuplicate。
	Create(ctx context.Context, record *Record) error
	// Get 在记录不存在时返回 nil, nil。
	Get(ctx context.Context, paymentHash string) (*Record, error)
	// Transition 只在当前状态等于 from 时推进到 to。
	Transition(ctx context.Context, paymentHash string, from, to Status, executionID string) error
	Delete(ctx context.Context, paymentHash string) error
}

var (
	// ErrDuplicate 表示 PaymentHash 已被使用。
	ErrDuplicate = xerrors.New(xerrors.CodeIdempotencyConflict, "payment hash already recorded", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTransition 表示记录不处于期望的状态。
	ErrTransition = xerrors.New(xerrors.CodeConflict, "payment status transition rejected")
)

// IsDuplicate 判断错误是否表示重复的支付凭证。
func IsDuplicate(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeIdempotencyConflict)
}

func validateRecord(record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付记录不能为空")
	}
	if strings.TrimSpace(record.PaymentHash) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "paymentHash 不能为空")
	}
	if !record.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付状态无效: "+string(record.Status))
	}
	return nil
}
