package treasury

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"Aegis-Treasury/internal/breaker"
	"Aegis-Treasury/internal/budget"
	"Aegis-Treasury/internal/cache"
	"Aegis-Treasury/internal/chain"
	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/reserve"
	"Aegis-Treasury/internal/walletlock"
	"Aegis-Treasury/pkg/logger"
)

// CodeUserOpReverted 表示 UserOperation 已上链但执行失败，燃料费已经支付。
const CodeUserOpReverted xerrors.Code = "USER_OPERATION_REVERTED"

func init() {
	xerrors.Register(CodeUserOpReverted, xerrors.Attributes{
		Message:   "user operation reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Config 描述执行器的运行参数。TreasuryAddress、ChainID、ETHPriceUSD 与
// ReceiptTimeout 由链配置填充。
type Config struct {
	Policy           policy.Config `yaml:"policy" envPrefix:"POLICY_"`
	PaymasterAndData string        `yaml:"paymaster_and_data" env:"PAYMASTER_AND_DATA"`
	LockTimeout      time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	MarkerTTL        time.Duration `yaml:"marker_ttl" env:"MARKER_TTL"`
	GasCacheTTL      time.Duration `yaml:"gas_cache_ttl" env:"GAS_CACHE_TTL"`
	AgentCacheTTL    time.Duration `yaml:"agent_cache_ttl" env:"AGENT_CACHE_TTL"`

	TreasuryAddress string        `yaml:"-" env:"-"`
	ChainID         int64         `yaml:"-" env:"-"`
	ETHPriceUSD     float64       `yaml:"-" env:"-"`
	ReceiptTimeout  time.Duration `yaml:"-" env:"-"`
}

func (c Config) withDefaults() Config {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 45 * time.Second
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 72 * time.Hour
	}
	if c.GasCacheTTL <= 0 {
		c.GasCacheTTL = 15 * time.Second
	}
	if c.AgentCacheTTL <= 0 {
		c.AgentCacheTTL = cache.DefaultCacheAsideTTL
	}
	return c
}

// Ledger 是执行器需要的预算账本能力。
type Ledger interface {
	Budget(ctx context.Context, protocolID string) (*budget.ProtocolBudget, error)
	Whitelist(ctx context.Context, protocolID string) (*budget.Whitelist, error)
	Debit(ctx context.Context, protocolID string, amountUSD float64) (*budget.ProtocolBudget, error)
}

// Reserve 是执行器需要的储备状态能力。
type Reserve interface {
	Get(ctx context.Context) (reserve.State, error)
	Refresh(ctx context.Context) (reserve.State, error)
	RecordBurn(ctx context.Context, sample reserve.Sample) error
}

// History 提供请求方的代付历史，用于合法性与频率校验。
type History interface {
	AgentHistory(ctx context.Context, agentAddress string, since time.Time) (total int, recent int, err error)
}

// Dependencies 汇总执行器的协作者。History 与 Alerts 可以为空。
type Dependencies struct {
	Ledger    Ledger
	Reserve   Reserve
	Balances  chain.BalanceReader
	GasOracle chain.GasOracle
	TxCounter chain.TxCounter
	Bundler   chain.Bundler
	History   History
	Lock      *walletlock.WalletLock
	Breakers  *breaker.Registry
	Store     kv.Store
	Alerts    alerting.Dispatcher
	Validator *policy.Validator
	Now       func() time.Time
}

// Outcome 汇总一次代付的结果。
type Outcome struct {
	RequestID     string                 `json:"requestId"`
	Action        decision.Action        `json:"action"`
	Policy        policy.Result          `json:"policy"`
	Executed      bool                   `json:"executed"`
	Success       bool                   `json:"success"`
	Duplicate     bool                   `json:"duplicate,omitempty"`
	UserOpHash    string                 `json:"userOpHash,omitempty"`
	TxHash        string                 `json:"txHash,omitempty"`
	GasUsed       uint64                 `json:"gasUsed,omitempty"`
	ActualCostETH float64                `json:"actualCostETH,omitempty"`
	ActualCostUSD float64                `json:"actualCostUSD,omitempty"`
	Budget        *budget.ProtocolBudget `json:"budget,omitempty"`
	CompletedAt   int64                  `json:"completedAt,omitempty"`
}

// Executor 协调策略校验、钱包锁、熔断器与链上提交，是代付流程的业务核心。
type Executor struct {
	cfg         Config
	deps        Dependencies
	validator   *policy.Validator
	invalidator *cache.Invalidator
	gasCache    cache.Strategy[gasQuote]
	agentCache  cache.Strategy[agentProfile]
	now         func() time.Time
	log         *slog.Logger
}

// New 创建执行器，缺少必需的协作者时返回错误。
func New(cfg Config, deps Dependencies) (*Executor, error) {
	// 校验必需组件是否已配置。
	switch {
	case deps.Ledger == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置预算账本")
	case deps.Reserve == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置储备状态")
	case deps.Bundler == nil || deps.GasOracle == nil || deps.TxCounter == nil || deps.Balances == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链上客户端")
	case deps.Lock == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置钱包锁")
	case deps.Breakers == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置熔断器")
	case deps.Store == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置键值存储")
	}

	cfg = cfg.withDefaults()
	validator := deps.Validator
	if validator == nil {
		validator = policy.NewValidator()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		cfg:         cfg,
		deps:        deps,
		validator:   validator,
		invalidator: cache.NewInvalidator(deps.Store),
		gasCache:    cache.NewCacheAside[gasQuote](deps.Store, cache.Options{TTL: cfg.GasCacheTTL, Now: now}),
		agentCache:  cache.NewCacheAside[agentProfile](deps.Store, cache.Options{TTL: cfg.AgentCacheTTL, Now: now}),
		now:         now,
		log:         logger.Named("treasury"),
	}, nil
}

// PolicyConfig 返回当前生效的策略配置。
func (e *Executor) PolicyConfig() policy.Config { return e.cfg.Policy }

// CheckEligibility 只做策略试算：不加锁、不经过熔断器，也不写入任何状态。
func (e *Executor) CheckEligibility(ctx context.Context, d decision.Decision, requested policy.ExecutionMode) (policy.Result, error) {
	pctx, err := e.gather(ctx, d, requested, false)
	if err != nil {
		return policy.Result{}, err
	}
	res := e.validator.Validate(d, e.cfg.Policy, pctx)
	metrics.ObservePolicy(string(d.Action), res.Passed)
	return res, nil
}

// Sponsor 执行一次代付。同一个 requestID 至多产生一次链上效果。
func (e *Executor) Sponsor(ctx context.Context, requestID string, d decision.Decision, requested policy.ExecutionMode) (Outcome, error) {
	out := Outcome{RequestID: requestID, Action: d.Action}
	if strings.TrimSpace(requestID) == "" {
		return out, xerrors.New(xerrors.CodeInvalidArgument, "requestID 不能为空")
	}

	// 副作用之前先检查是否已经执行过。
	if prior, ok, err := e.loadMarker(ctx, requestID); err != nil {
		return out, err
	} else if ok {
		prior.Duplicate = true
		return prior, nil
	}

	// 收集策略上下文并校验。
	pctx, err := e.gather(ctx, d, requested, true)
	if err != nil {
		return out, err
	}
	out.Policy = e.validator.Validate(d, e.cfg.Policy, pctx)
	metrics.ObservePolicy(string(d.Action), out.Policy.Passed)
	if !out.Policy.Passed {
		logger.Audit().Info("代付决策被策略拒绝",
			slog.String("request_id", requestID),
			slog.String("action", string(d.Action)),
			slog.Any("errors", out.Policy.Errors),
		)
		return out, xerrors.New(xerrors.CodePolicyRejected, strings.Join(out.Policy.Errors, "; "))
	}
	if d.Action != decision.ActionSponsor || d.Parameters.Sponsor == nil {
		return out, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("执行器不处理动作 %s", d.Action))
	}
	params := *d.Parameters.Sponsor

	// 持有钱包锁完成链上提交，锁内再次检查幂等标记与预算。
	executed, err := walletlock.Do(ctx, e.deps.Lock, e.cfg.LockTimeout, func(ctx context.Context) (Outcome, error) {
		return e.executeLocked(ctx, out, params, pctx.GasPriceGwei)
	})
	if err != nil {
		if executed.Executed {
			e.afterExecution(ctx, params, executed)
		}
		return executed, err
	}
	if !executed.Duplicate {
		e.afterExecution(ctx, params, executed)
	}
	return executed, nil
}

func (e *Executor) executeLocked(ctx context.Context, out Outcome, p decision.SponsorParams, gasPriceGwei float64) (Outcome, error) {
	if prior, ok, err := e.loadMarker(ctx, out.RequestID); err != nil {
		return out, err
	} else if ok {
		prior.Duplicate = true
		return prior, nil
	}

	current, err := e.deps.Ledger.Budget(ctx, p.ProtocolID)
	if err != nil {
		return out, err
	}
	if current == nil || current.BalanceUSD < p.EstimatedCostUSD {
		return out, xerrors.New(xerrors.CodeInsufficientBudget, fmt.Sprintf("协议 %s 预算不足", p.ProtocolID))
	}

	receipt, err := e.submit(ctx, p, gasPriceGwei)
	if err != nil {
		return out, err
	}

	out.Executed = true
	out.Success = receipt.Success
	out.UserOpHash = receipt.UserOpHash
	out.TxHash = receipt.TxHash
	out.GasUsed = receipt.GasUsed
	out.ActualCostETH = receipt.CostETH()
	out.ActualCostUSD = out.ActualCostETH * e.cfg.ETHPriceUSD
	if out.ActualCostUSD <= 0 {
		out.ActualCostUSD = p.EstimatedCostUSD
	}
	out.CompletedAt = e.now().UnixMilli()

	// 先写幂等标记，保证重投递不会再次提交。
	if err := e.storeMarker(ctx, out); err != nil {
		e.log.Error("写入执行标记失败", slog.String("request_id", out.RequestID), slog.Any("error", err))
	}

	updated, err := e.deps.Ledger.Debit(ctx, p.ProtocolID, out.ActualCostUSD)
	if err != nil {
		e.log.Error("代付已上链但扣减预算失败",
			slog.String("request_id", out.RequestID),
			slog.String("protocol_id", p.ProtocolID),
			slog.Float64("amount_usd", out.ActualCostUSD),
			slog.Any("error", err),
		)
		e.alert(ctx, alerting.FromError(err, out.RequestID), p.ProtocolID)
	} else {
		out.Budget = updated
		if err := e.storeMarker(ctx, out); err != nil {
			e.log.Warn("更新执行标记失败", slog.String("request_id", out.RequestID), slog.Any("error", err))
		}
	}

	if !receipt.Success {
		return out, xerrors.New(CodeUserOpReverted, "UserOperation 执行失败: "+receipt.UserOpHash,
			xerrors.WithMetadata("tx_hash", receipt.TxHash))
	}
	return out, nil
}

// submit 在 gas-sponsorship 熔断器保护下估算、提交并等待 UserOperation 上链。
func (e *Executor) submit(ctx context.Context, p decision.SponsorParams, gasPriceGwei float64) (chain.Receipt, error) {
	callData, err := decodeHex(p.CallData)
	if err != nil {
		return chain.Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "callData 不是合法的十六进制")
	}
	paymaster, err := decodeHex(e.cfg.PaymasterAndData)
	if err != nil {
		return chain.Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "paymasterAndData 配置无效")
	}

	nonce, err := breaker.Do(ctx, e.deps.Breakers.Get(breaker.KeyChainRPC), func(ctx context.Context) (uint64, error) {
		n, err := e.deps.TxCounter.TransactionCount(ctx, e.cfg.TreasuryAddress)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "读取金库 nonce 失败")
		}
		return n, nil
	})
	if err != nil {
		return chain.Receipt{}, err
	}

	op := chain.UserOperation{
		Sender:               p.AgentAddress,
		Nonce:                nonce,
		CallData:             callData,
		MaxFeePerGas:         chain.GweiToWei(gasPriceGwei),
		MaxPriorityFeePerGas: chain.GweiToWei(gasPriceGwei / 10),
		PaymasterAndData:     paymaster,
	}

	// 估算、提交与等待回执作为一次受保护的调用，估算超限不计入依赖失败。
	var limitErr error
	receipt, err := breaker.Do(ctx, e.deps.Breakers.Get(breaker.KeyGasSponsorship), func(ctx context.Context) (chain.Receipt, error) {
		estimate, err := e.deps.Bundler.EstimateGas(ctx, op)
		if err != nil {
			return chain.Receipt{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "估算 UserOperation gas 失败")
		}
		if p.MaxGasLimit > 0 && estimate.Total() > p.MaxGasLimit {
			limitErr = xerrors.New(xerrors.CodePolicyRejected,
				fmt.Sprintf("估算 gas %d 超过请求上限 %d", estimate.Total(), p.MaxGasLimit))
			return chain.Receipt{}, nil
		}
		op.CallGasLimit = estimate.CallGasLimit
		op.VerificationGasLimit = estimate.VerificationGasLimit
		op.PreVerificationGas = estimate.PreVerificationGas

		hash, err := e.deps.Bundler.SubmitUserOperation(ctx, op)
		if err != nil {
			return chain.Receipt{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "提交 UserOperation 失败")
		}
		e.log.Info("UserOperation 已提交", slog.String("user_op_hash", hash), slog.String("agent", p.AgentAddress))
		receipt, err := e.deps.Bundler.WaitForReceipt(ctx, hash, e.cfg.ReceiptTimeout)
		if err != nil {
			return chain.Receipt{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "等待 UserOperation 回执失败",
				xerrors.WithMetadata("user_op_hash", hash))
		}
		if receipt.UserOpHash == "" {
			receipt.UserOpHash = hash
		}
		return receipt, nil
	})
	if err != nil {
		return chain.Receipt{}, err
	}
	if limitErr != nil {
		return chain.Receipt{}, limitErr
	}
	return receipt, nil
}

// afterExecution 记录燃烧、刷新储备状态并失效相关缓存。失败只记录日志。
func (e *Executor) afterExecution(ctx context.Context, p decision.SponsorParams, out Outcome) {
	ctx = context.WithoutCancel(ctx)
	if err := e.deps.Reserve.RecordBurn(ctx, reserve.Sample{
		Timestamp:  out.CompletedAt,
		AmountETH:  out.ActualCostETH,
		ProtocolID: p.ProtocolID,
		RequestID:  out.RequestID,
	}); err != nil {
		e.log.Warn("记录燃烧样本失败", slog.String("request_id", out.RequestID), slog.Any("error", err))
	}
	e.invalidator.Handle(ctx, cache.Event{
		Type:         cache.EventSponsorshipExecuted,
		ProtocolID:   p.ProtocolID,
		AgentAddress: p.AgentAddress,
	})
	if _, err := e.deps.Reserve.Refresh(ctx); err != nil {
		e.log.Warn("刷新储备状态失败", slog.String("request_id", out.RequestID), slog.Any("error", err))
	}
	logger.Audit().Info("代付已执行",
		slog.String("request_id", out.RequestID),
		slog.String("protocol_id", p.ProtocolID),
		slog.String("agent", p.AgentAddress),
		slog.String("user_op_hash", out.UserOpHash),
		slog.String("tx_hash", out.TxHash),
		slog.Bool("success", out.Success),
		slog.Float64("cost_usd", out.ActualCostUSD),
		slog.Float64("cost_eth", out.ActualCostETH),
	)
}

func (e *Executor) alert(ctx context.Context, event alerting.Event, protocolID string) {
	if e.deps.Alerts == nil {
		return
	}
	event.ProtocolID = protocolID
	if err := e.deps.Alerts.Notify(ctx, event); err != nil {
		e.log.Warn("告警发送失败", slog.Any("error", err))
	}
}

// MarkerKey 返回请求执行标记所在的键。
func MarkerKey(requestID string) string { return "treasury:executed:" + requestID }

func (e *Executor) loadMarker(ctx context.Context, requestID string) (Outcome, bool, error) {
	raw, ok, err := e.deps.Store.Get(ctx, MarkerKey(requestID))
	if err != nil {
		return Outcome{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取执行标记失败")
	}
	if !ok {
		return Outcome{}, false, nil
	}
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行标记失败")
	}
	return out, true, nil
}

func (e *Executor) storeMarker(ctx context.Context, out Outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return e.deps.Store.Set(context.WithoutCancel(ctx), MarkerKey(out.RequestID), raw, e.cfg.MarkerTTL)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
