package treasury

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"Aegis-Treasury/internal/breaker"
	"Aegis-Treasury/internal/cache"
	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/policy"
)

type gasQuote struct {
	Gwei float64 `json:"gwei"`
}

type agentProfile struct {
	TxCount    uint64  `json:"txCount"`
	BalanceETH float64 `json:"balanceETH"`
}

// gather 组装策略上下文。guarded 为 false 时不经过熔断器，也不回填缓存。
func (e *Executor) gather(ctx context.Context, d decision.Decision, requested policy.ExecutionMode, guarded bool) (policy.Context, error) {
	pctx := policy.Context{RequestedMode: requested}

	state, err := e.deps.Reserve.Get(ctx)
	if err != nil {
		e.log.Warn("读取储备状态失败", slog.Any("error", err))
	} else {
		pctx.Reserve = &state
	}

	p := d.Parameters.Sponsor
	if d.Action != decision.ActionSponsor || p == nil {
		return pctx, nil
	}

	if strings.TrimSpace(p.ProtocolID) != "" {
		if pctx.Budget, err = e.deps.Ledger.Budget(ctx, p.ProtocolID); err != nil {
			return pctx, err
		}
		if pctx.Whitelist, err = e.deps.Ledger.Whitelist(ctx, p.ProtocolID); err != nil {
			return pctx, err
		}
	}

	if pctx.GasPriceGwei, err = e.gasPrice(ctx, guarded); err != nil {
		return pctx, err
	}

	if p.AgentAddress != "" {
		profile, err := e.agent(ctx, p.AgentAddress, guarded)
		if err != nil {
			return pctx, err
		}
		pctx.AgentTxCount = profile.TxCount
		pctx.AgentBalanceETH = profile.BalanceETH

		if e.deps.History != nil {
			since := e.now().Add(-24 * time.Hour)
			total, recent, err := e.deps.History.AgentHistory(ctx, p.AgentAddress, since)
			if err != nil {
				return pctx, err
			}
			pctx.AgentSuccessfulSponsorships = total
			pctx.AgentSponsorshipsToday = recent
		}
	}
	return pctx, nil
}

func (e *Executor) gasPrice(ctx context.Context, guarded bool) (float64, error) {
	key := cache.GasPriceKey(strconv.FormatInt(e.cfg.ChainID, 10))
	if cached, err := e.gasCache.Get(ctx, key, nil); err == nil && cached != nil {
		return cached.Gwei, nil
	}

	read := func(ctx context.Context) (float64, error) {
		gwei, err := e.deps.GasOracle.GasPriceGwei(ctx)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "读取 gas 价格失败")
		}
		return gwei, nil
	}
	if !guarded {
		return read(ctx)
	}
	gwei, err := breaker.Do(ctx, e.deps.Breakers.Get(breaker.KeyGasOracle), read)
	if err != nil {
		return 0, err
	}
	if err := e.gasCache.Set(ctx, key, &gasQuote{Gwei: gwei}); err != nil {
		e.log.Warn("缓存 gas 价格失败", slog.Any("error", err))
	}
	return gwei, nil
}

func (e *Executor) agent(ctx context.Context, address string, guarded bool) (agentProfile, error) {
	key := cache.AgentKey(strings.ToLower(address), "profile")
	if cached, err := e.agentCache.Get(ctx, key, nil); err == nil && cached != nil {
		return *cached, nil
	}

	read := func(ctx context.Context) (agentProfile, error) {
		count, err := e.deps.TxCounter.TransactionCount(ctx, address)
		if err != nil {
			return agentProfile{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "读取请求方交易数失败")
		}
		balance, err := e.deps.Balances.GetBalance(ctx, address)
		if err != nil {
			return agentProfile{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "读取请求方余额失败")
		}
		return agentProfile{TxCount: count, BalanceETH: balance.ETH}, nil
	}
	if !guarded {
		return read(ctx)
	}
	profile, err := breaker.Do(ctx, e.deps.Breakers.Get(breaker.KeyChainRPC), read)
	if err != nil {
		return agentProfile{}, err
	}
	if err := e.agentCache.Set(ctx, key, &profile); err != nil {
		e.log.Warn("缓存请求方信息失败", slog.Any("error", err))
	}
	return profile, nil
}
