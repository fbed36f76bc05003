package sponsorship

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Treasury/internal/breaker"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/internal/payment"
	"Aegis-Treasury/pkg/logger"
)

// PaymentRegistry 是队列需要的支付幂等能力，由 payment.Service 实现。
type PaymentRegistry interface {
	Register(ctx context.Context, record *payment.Record) (*payment.Record, bool, error)
	MarkExecuted(ctx context.Context, paymentHash, executionID string) error
	Release(ctx context.Context, paymentHash string) error
}

// EnqueueInput 是提交代付请求的参数。
type EnqueueInput struct {
	AgentAddress     string         `json:"agentAddress"`
	ProtocolID       string         `json:"protocolId"`
	Source           Source         `json:"source,omitempty"`
	EstimatedCostUSD float64        `json:"estimatedCostUSD"`
	TargetContract   string         `json:"targetContract,omitempty"`
	MaxGasLimit      uint64         `json:"maxGasLimit,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	PaymentHash      string         `json:"paymentHash,omitempty"`
	PaymentProof     *payment.Proof `json:"paymentProof,omitempty"`
}

// EnqueueResult 是入队结果。Duplicate 为 true 时 RequestID 指向原请求。
type EnqueueResult struct {
	RequestID string `json:"requestId"`
	Position  int    `json:"position"`
	Status    Status `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Service 负责代付请求的提交、查询、拒绝与统计。
type Service struct {
	store         Store
	producer      Producer
	payments      PaymentRegistry
	facilitator   payment.Facilitator
	verifyBreaker *breaker.Breaker
	maxRetries    int
	now           func() time.Time
	log           *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithPayments 启用基于 paymentHash 的支付幂等登记。
func WithPayments(registry PaymentRegistry) ServiceOption {
	return func(s *Service) { s.payments = registry }
}

// WithFacilitator 在入队前通过 facilitator 校验支付凭证，调用受熔断器保护。
func WithFacilitator(f payment.Facilitator, b *breaker.Breaker) ServiceOption {
	return func(s *Service) {
		s.facilitator = f
		s.verifyBreaker = b
	}
}

// WithMaxRetries 设置新请求的最大重试次数。
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithServiceClock 替换时钟，仅用于测试。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService 构造队列服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		producer:   producer,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        logger.Named("sponsorship"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue 创建代付请求并投递到队列。携带相同 paymentHash 的重复提交返回原请求。
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (EnqueueResult, error) {
	if s.store == nil || s.producer == nil {
		return EnqueueResult{}, xerrors.New(xerrors.CodeInitializationFailure, "代付队列未初始化")
	}
	if err := s.normalize(&in); err != nil {
		return EnqueueResult{}, err
	}

	// 校验支付凭证。
	if in.PaymentProof != nil {
		if err := s.verify(ctx, &in); err != nil {
			return EnqueueResult{}, err
		}
	}

	req := &Request{
		ID:               NewID(),
		AgentAddress:     in.AgentAddress,
		ProtocolID:       in.ProtocolID,
		Source:           in.Source,
		EstimatedCostUSD: in.EstimatedCostUSD,
		TargetContract:   in.TargetContract,
		MaxGasLimit:      in.MaxGasLimit,
		Signature:        in.Signature,
		PaymentHash:      in.PaymentHash,
		Status:           StatusPending,
		MaxRetries:       s.maxRetries,
		RequestedAt:      s.now().UnixMilli(),
	}

	// 先登记支付记录，同一个 paymentHash 只有一个请求能够通过。
	if req.PaymentHash != "" && s.payments != nil {
		record, duplicate, err := s.payments.Register(ctx, &payment.Record{
			PaymentHash: req.PaymentHash,
			ProtocolID:  req.ProtocolID,
			Amount:      req.EstimatedCostUSD,
			Currency:    "USD",
			Status:      payment.StatusPending,
			ExecutionID: req.ID,
		})
		if err != nil {
			return EnqueueResult{}, err
		}
		if duplicate {
			return s.duplicateOf(ctx, record.ExecutionID, req.PaymentHash)
		}
	}

	if err := s.store.Create(ctx, req); err != nil {
		if stdErrors.Is(err, ErrConflict) && req.PaymentHash != "" {
			return s.duplicateOf(ctx, "", req.PaymentHash)
		}
		s.releasePayment(ctx, req.PaymentHash)
		return EnqueueResult{}, err
	}

	if err := s.producer.Publish(ctx, req.ID); err != nil {
		s.log.Error("代付请求入队失败", slog.Any("error", err), slog.String("request_id", req.ID))
		wrapped := xerrors.Wrap(CodeRequestPublish, err, "发布代付请求到队列失败")
		_ = s.store.Reject(context.WithoutCancel(ctx), req.ID, string(CodeRequestPublish), wrapped.Error())
		s.releasePayment(ctx, req.PaymentHash)
		return EnqueueResult{}, wrapped
	}
	metrics.ObserveRequestStatus(string(StatusPending))

	position, err := s.store.Position(ctx, req.ID)
	if err != nil {
		s.log.Warn("计算排队位置失败", slog.Any("error", err), slog.String("request_id", req.ID))
	}
	logger.Audit().Info("代付请求入队成功",
		slog.String("request_id", req.ID),
		slog.String("agent", req.AgentAddress),
		slog.String("protocol_id", req.ProtocolID),
		slog.String("source", string(req.Source)),
		slog.Float64("estimated_cost_usd", req.EstimatedCostUSD),
		slog.Int("position", position),
	)
	return EnqueueResult{RequestID: req.ID, Position: position, Status: StatusPending}, nil
}

func (s *Service) normalize(in *EnqueueInput) error {
	in.AgentAddress = strings.TrimSpace(in.AgentAddress)
	in.ProtocolID = strings.TrimSpace(in.ProtocolID)
	in.TargetContract = strings.TrimSpace(in.TargetContract)
	in.PaymentHash = strings.TrimSpace(in.PaymentHash)
	if in.Source == "" {
		in.Source = SourceAPI
	}
	switch {
	case !common.IsHexAddress(in.AgentAddress):
		return xerrors.New(CodeRequestValidation, "agentAddress 不是合法的地址")
	case in.ProtocolID == "":
		return xerrors.New(CodeRequestValidation, "protocolId 不能为空")
	case in.EstimatedCostUSD <= 0:
		return xerrors.New(CodeRequestValidation, "estimatedCostUSD 必须大于 0")
	case in.TargetContract != "" && !common.IsHexAddress(in.TargetContract):
		return xerrors.New(CodeRequestValidation, "targetContract 不是合法的地址")
	case !in.Source.Valid():
		return xerrors.New(CodeRequestValidation, "不支持的请求来源: "+string(in.Source))
	}
	return nil
}

func (s *Service) verify(ctx context.Context, in *EnqueueInput) error {
	if s.facilitator == nil {
		return xerrors.New(CodeRequestValidation, "未配置支付校验服务，无法接受 paymentProof")
	}
	verify := func(ctx context.Context) (payment.Verification, error) {
		return s.facilitator.Verify(ctx, *in.PaymentProof)
	}
	var (
		result payment.Verification
		err    error
	)
	if s.verifyBreaker != nil {
		result, err = breaker.Do(ctx, s.verifyBreaker, verify)
	} else {
		result, err = verify(ctx)
	}
	if err != nil {
		return err
	}
	if !result.Verified {
		return xerrors.New(CodeRequestValidation, "支付凭证校验失败: "+result.Reason)
	}
	if in.PaymentHash == "" {
		in.PaymentHash = in.PaymentProof.PaymentHash
	}
	return nil
}

// duplicateOf 解析重复提交对应的原请求。
func (s *Service) duplicateOf(ctx context.Context, requestID, paymentHash string) (EnqueueResult, error) {
	var (
		existing *Request
		err      error
	)
	if requestID != "" {
		existing, err = s.store.Get(ctx, requestID)
	} else {
		existing, err = s.store.FindByPaymentHash(ctx, paymentHash)
	}
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) && requestID != "" {
			// 原请求仍在创建中。
			return EnqueueResult{RequestID: requestID, Status: StatusPending, Duplicate: true}, nil
		}
		return EnqueueResult{}, err
	}
	position, err := s.store.Position(ctx, existing.ID)
	if err != nil {
		s.log.Warn("计算排队位置失败", slog.Any("error", err), slog.String("request_id", existing.ID))
	}
	s.log.Info("重复的代付请求", slog.String("request_id", existing.ID), slog.String("payment_hash", paymentHash))
	return EnqueueResult{RequestID: existing.ID, Position: position, Status: existing.Status, Duplicate: true}, nil
}

func (s *Service) releasePayment(ctx context.Context, paymentHash string) {
	if paymentHash == "" || s.payments == nil {
		return
	}
	if err := s.payments.Release(context.WithoutCancel(ctx), paymentHash); err != nil {
		s.log.Warn("释放支付记录失败", slog.Any("error", err), slog.String("payment_hash", paymentHash))
	}
}

// GetStatus 返回请求。不存在或已过期的请求返回 nil 而不是错误。
func (s *Service) GetStatus(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if req.Expired(s.now()) {
		return nil, nil
	}
	return req, nil
}

// Reject 拒绝一个 pending 请求。处理中或已终结的请求返回冲突。
func (s *Service) Reject(ctx context.Context, id, reason string) error {
	return s.reject(ctx, id, CodeRequestRejected, reason)
}

// Cancel 由请求方取消尚未开始处理的请求。
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.reject(ctx, id, CodeRequestCancelled, "cancelled by requester")
}

func (s *Service) reject(ctx context.Context, id string, code xerrors.Code, reason string) error {
	req, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrNotFound
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected"
	}
	if err := s.store.Reject(ctx, req.ID, string(code), reason); err != nil {
		return err
	}
	s.releasePayment(ctx, req.PaymentHash)
	metrics.ObserveRequestStatus(string(StatusRejected))
	logger.Audit().Info("代付请求已拒绝",
		slog.String("request_id", req.ID),
		slog.String("code", string(code)),
		slog.String("reason", reason),
	)
	return nil
}

// Stats 返回队列统计，完成与失败数量按最近 24 小时计算。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now().Add(-RequestTTL))
}

// AgentHistory 返回请求方的代付历史，供策略校验使用。
func (s *Service) AgentHistory(ctx context.Context, agentAddress string, since time.Time) (int, int, error) {
	return s.store.AgentHistory(ctx, agentAddress, since)
}

// Close 释放存储与生产者。
func (s *Service) Close() error {
	var err error
	if s.producer != nil {
		err = s.producer.Close()
	}
	if s.store != nil {
		err = stdErrors.Join(err, s.store.Close())
	}
	return err
}
