package payment

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"Aegis-Treasury/internal/budget"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/pkg/logger"
)

// Crediter 是充值所需的预算账本能力。
type Crediter interface {
	Credit(ctx context.Context, protocolID string, amountUSD float64) (*budget.ProtocolBudget, error)
	Budget(ctx context.Context, protocolID string) (*budget.ProtocolBudget, error)
}

// CreditResult 描述一次充值的结果。重复的 paymentID 不会再次加钱。
type CreditResult struct {
	ProtocolID string  `json:"protocolId"`
	BalanceUSD float64 `json:"balanceUSD"`
	Credited   float64 `json:"credited"`
	Duplicate  bool    `json:"duplicate"`
}

// Service 负责幂等的支付登记与协议充值。
type Service struct {
	store  Store
	ledger Crediter
	log    *slog.Logger
}

// NewService 创建支付服务。
func NewService(store Store, ledger Crediter) *Service {
	return &Service{store: store, ledger: ledger, log: logger.Named("payment")}
}

// Register 登记一条支付记录。PaymentHash 已存在时返回原记录与 duplicate=true。
func (s *Service) Register(ctx context.Context, record *Record) (*Record, bool, error) {
	if record == nil {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "支付记录不能为空")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	err := s.store.Create(ctx, record)
	if err == nil {
		return record.Clone(), false, nil
	}
	if !IsDuplicate(err) {
		return nil, false, err
	}
	existing, getErr := s.store.Get(ctx, record.PaymentHash)
	if getErr != nil {
		return nil, false, getErr
	}
	if existing == nil {
		return nil, false, xerrors.New(xerrors.CodeConflict, "重复的支付记录已被删除，请重试")
	}
	return existing, true, nil
}

// Get 返回支付记录，不存在时为 nil。
func (s *Service) Get(ctx context.Context, paymentHash string) (*Record, error) {
	return s.store.Get(ctx, paymentHash)
}

// MarkExecuted 把记录推进为 EXECUTED。已经是 EXECUTED 的记录视为成功。
func (s *Service) MarkExecuted(ctx context.Context, paymentHash, executionID string) error {
	record, err := s.store.Get(ctx, paymentHash)
	if err != nil {
		return err
	}
	if record == nil {
		return xerrors.New(xerrors.CodeNotFound, "支付记录不存在: "+paymentHash)
	}
	if record.Status == StatusExecuted {
		return nil
	}
	return s.store.Transition(ctx, paymentHash, record.Status, StatusExecuted, executionID)
}

// Release 删除尚未执行的记录，使同一个 PaymentHash 可以被再次提交。
func (s *Service) Release(ctx context.Context, paymentHash string) error {
	record, err := s.store.Get(ctx, paymentHash)
	if err != nil || record == nil {
		return err
	}
	if record.Status == StatusExecuted {
		return xerrors.New(xerrors.CodeConflict, "已执行的支付记录不能释放")
	}
	return s.store.Delete(ctx, paymentHash)
}

// CreditProtocol 为协议充值。paymentID 非空时按其去重。
func (s *Service) CreditProtocol(ctx context.Context, protocolID string, amountUSD float64, paymentID string) (CreditResult, error) {
	protocolID = strings.TrimSpace(protocolID)
	if protocolID == "" {
		return CreditResult{}, xerrors.New(xerrors.CodeInvalidArgument, "协议 ID 不能为空")
	}
	if amountUSD <= 0 {
		return CreditResult{}, xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须大于 0")
	}

	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		updated, err := s.ledger.Credit(ctx, protocolID, amountUSD)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{ProtocolID: protocolID, BalanceUSD: updated.BalanceUSD, Credited: amountUSD}, nil
	}

	_, duplicate, err := s.Register(ctx, &Record{
		PaymentHash: paymentID,
		ProtocolID:  protocolID,
		Amount:      amountUSD,
		Currency:    "USD",
		Status:      StatusConfirmed,
	})
	if err != nil {
		return CreditResult{}, err
	}
	if duplicate {
		current, err := s.ledger.Budget(ctx, protocolID)
		if err != nil {
			return CreditResult{}, err
		}
		result := CreditResult{ProtocolID: protocolID, Duplicate: true}
		if current != nil {
			result.BalanceUSD = current.BalanceUSD
		}
		s.log.Info("重复的充值请求已忽略", slog.String("protocol_id", protocolID), slog.String("payment_id", paymentID))
		return result, nil
	}

	updated, err := s.ledger.Credit(ctx, protocolID, amountUSD)
	if err != nil {
		if relErr := s.store.Delete(ctx, paymentID); relErr != nil {
			s.log.Error("充值失败后释放支付记录失败", slog.String("payment_id", paymentID), slog.Any("error", relErr))
		}
		return CreditResult{}, err
	}
	if err := s.store.Transition(ctx, paymentID, StatusConfirmed, StatusExecuted, "credit_"+uuid.NewString()); err != nil {
		s.log.Warn("标记充值记录为已执行失败", slog.String("payment_id", paymentID), slog.Any("error", err))
	}
	return CreditResult{ProtocolID: protocolID, BalanceUSD: updated.BalanceUSD, Credited: amountUSD}, nil
}
