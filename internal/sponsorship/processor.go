package sponsorship

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"Aegis-Treasury/internal/backoff"
	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/reserve"
	"Aegis-Treasury/internal/treasury"
	"Aegis-Treasury/pkg/logger"
)

// Executor 定义了处理器所需的代付执行能力，由 treasury.Executor 实现。
type Executor interface {
	Sponsor(ctx context.Context, requestID string, d decision.Decision, requested policy.ExecutionMode) (treasury.Outcome, error)
}

// ReserveReader 为推理环节提供储备状态。
type ReserveReader interface {
	Get(ctx context.Context) (reserve.State, error)
}

// Processor 负责从队列消费请求并交给执行器。
type Processor struct {
	executor    Executor
	reasoner    decision.Reasoner
	store       Store
	consumer    Consumer
	producer    Producer
	payments    PaymentRegistry
	reserve     ReserveReader
	alerter     alerting.Dispatcher
	retry       backoff.Policy
	workerCount int
	now         func() time.Time
	log         *slog.Logger
	pending     sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithReasoner 替换默认的 RequestReasoner。
func WithReasoner(r decision.Reasoner) ProcessorOption {
	return func(p *Processor) { p.reasoner = r }
}

// WithRetryBackoff 设置重投延迟。
func WithRetryBackoff(policy backoff.Policy) ProcessorOption {
	return func(p *Processor) { p.retry = policy }
}

// WithProcessorPayments 在请求结束时推进或释放支付记录。
func WithProcessorPayments(registry PaymentRegistry) ProcessorOption {
	return func(p *Processor) { p.payments = registry }
}

// WithReserveReader 为推理环节提供储备状态。
func WithReserveReader(r ReserveReader) ProcessorOption {
	return func(p *Processor) { p.reserve = r }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		reasoner:    decision.RequestReasoner{},
		store:       store,
		consumer:    consumer,
		producer:    producer,
		retry:       backoff.Policy{Base: time.Second, Max: time.Minute, MaxJitter: 500 * time.Millisecond},
		workerCount: 1,
		now:         time.Now,
		log:         logger.Named("sponsorship.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。返回前等待所有延迟重投完成。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置请求消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.Handle)
	p.pending.Wait()
	return err
}

// Handle 处理单个请求 ID。已被领取、已终结或不存在的请求直接跳过。
func (p *Processor) Handle(ctx context.Context, requestID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	req, err := p.store.Claim(ctx, requestID)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrConflict) {
			p.log.Debug("跳过请求", slog.String("request_id", requestID), slog.String("reason", err.Error()))
			return nil
		}
		p.log.Error("领取请求失败", slog.Any("error", err), slog.String("request_id", requestID))
		return err
	}
	metrics.ObserveRequestStatus(string(StatusProcessing))

	if req.Expired(p.now()) {
		_, err := p.store.Fail(ctx, req.ID, string(CodeRequestExpired), "request expired before processing", false)
		p.releasePayment(ctx, req)
		return err
	}

	// 生成决策。
	d, err := p.reasoner.Propose(ctx, p.observe(ctx, req))
	if err != nil {
		return p.handleFailure(ctx, req, treasury.Outcome{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "生成代付决策失败"))
	}

	// 执行代付，执行模式由服务端配置决定。
	outcome, err := p.executor.Sponsor(ctx, req.ID, d, "")
	if err != nil {
		return p.handleFailure(ctx, req, outcome, err)
	}

	result := Result{TxHash: outcome.TxHash, UserOpHash: outcome.UserOpHash, ActualCostUSD: outcome.ActualCostUSD}
	if err := p.store.Complete(ctx, req.ID, result); err != nil {
		p.log.Error("标记请求完成失败", slog.Any("error", err), slog.String("request_id", req.ID))
		return err
	}
	p.markPaymentExecuted(ctx, req)
	metrics.ObserveRequestStatus(string(StatusCompleted))
	logger.Audit().Info("代付请求完成",
		slog.String("request_id", req.ID),
		slog.String("protocol_id", req.ProtocolID),
		slog.String("tx_hash", outcome.TxHash),
		slog.Float64("actual_cost_usd", outcome.ActualCostUSD),
		slog.Bool("duplicate", outcome.Duplicate),
	)
	return nil
}

func (p *Processor) observe(ctx context.Context, req *Request) decision.Observations {
	obs := decision.Observations{
		RequestID:        req.ID,
		AgentAddress:     req.AgentAddress,
		ProtocolID:       req.ProtocolID,
		EstimatedCostUSD: req.EstimatedCostUSD,
		TargetContract:   req.TargetContract,
		MaxGasLimit:      req.MaxGasLimit,
	}
	if p.reserve != nil {
		if state, err := p.reserve.Get(ctx); err == nil {
			obs.RunwayDays = state.RunwayDays
			obs.EmergencyMode = state.EmergencyMode
		}
	}
	return obs
}

// handleFailure 对失败分类：可重试的依赖故障回到 pending 并延迟重投，其余成为终态。
func (p *Processor) handleFailure(ctx context.Context, req *Request, outcome treasury.Outcome, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown && stdErrors.Is(cause, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	retry := retryable(cause) && !outcome.Executed

	updated, err := p.store.Fail(context.WithoutCancel(ctx), req.ID, string(code), cause.Error(), retry)
	if err != nil {
		p.log.Error("回写失败状态出错", slog.Any("error", err), slog.String("request_id", req.ID))
		return err
	}

	terminal := updated.Status == StatusFailed
	logger.Audit().Warn("代付请求执行失败",
		slog.String("request_id", req.ID),
		slog.String("error_code", updated.ErrorCode),
		slog.String("error", cause.Error()),
		slog.Bool("terminal", terminal),
		slog.Int("retry_count", updated.RetryCount),
		slog.Int("max_retries", updated.MaxRetries),
	)

	if !terminal {
		p.scheduleRetry(ctx, updated)
		return nil
	}

	metrics.ObserveRequestStatus(string(StatusFailed))
	if outcome.Executed {
		p.markPaymentExecuted(ctx, req)
	} else {
		p.releasePayment(ctx, req)
	}
	if code != xerrors.CodePolicyRejected {
		p.emitAlert(ctx, updated, cause)
	}
	return nil
}

func retryable(err error) bool {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return xerrors.RetryableError(err)
}

// scheduleRetry 按重试次数退避后重新投递请求。
func (p *Processor) scheduleRetry(ctx context.Context, req *Request) {
	delay := p.retry.Delay(req.RetryCount - 1)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// 消费循环已停止，由回收器或下一次启动接管。
			return
		case <-timer.C:
		}
		if err := p.producer.Publish(ctx, req.ID); err != nil {
			p.log.Error("请求重投失败", slog.Any("error", err), slog.String("request_id", req.ID))
			return
		}
		p.log.Debug("请求已重新排队", slog.String("request_id", req.ID), slog.Int("retry_count", req.RetryCount))
	}()
}

func (p *Processor) markPaymentExecuted(ctx context.Context, req *Request) {
	if req.PaymentHash == "" || p.payments == nil {
		return
	}
	if err := p.payments.MarkExecuted(context.WithoutCancel(ctx), req.PaymentHash, req.ID); err != nil {
		p.log.Warn("更新支付记录失败", slog.Any("error", err), slog.String("request_id", req.ID))
	}
}

func (p *Processor) releasePayment(ctx context.Context, req *Request) {
	if req.PaymentHash == "" || p.payments == nil {
		return
	}
	if err := p.payments.Release(context.WithoutCancel(ctx), req.PaymentHash); err != nil {
		p.log.Warn("释放支付记录失败", slog.Any("error", err), slog.String("request_id", req.ID))
	}
}

func (p *Processor) emitAlert(ctx context.Context, req *Request, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError(cause, req.ID)
	event.ProtocolID = req.ProtocolID
	event.Attempts = req.RetryCount
	event.MaxRetries = req.MaxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["error_code"] = req.ErrorCode
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.log.Error("告警通知失败", slog.Any("error", err), slog.String("request_id", req.ID))
	}
}
