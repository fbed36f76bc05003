package policy

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Treasury/internal/decision"
)

// Rule names, in evaluation order.
const (
	RuleDecisionShape       = "decision_shape"
	RuleConfidence          = "confidence_threshold"
	RuleExecutionMode       = "execution_mode"
	RuleEmergencyMode       = "emergency_mode"
	RuleActionParameters    = "action_parameters"
	RuleContractWhitelist   = "contract_whitelist"
	RuleProtocolBudget      = "protocol_budget"
	RulePerTransactionCap   = "per_transaction_cap"
	RuleRequesterLegitimacy = "requester_legitimacy"
	RuleGasPriceCeiling     = "gas_price_ceiling"
	RuleGasLimit            = "gas_limit"
	RuleAgentRateLimit      = "agent_rate_limit"
	RuleReserveFloor        = "reserve_floor"
	RuleSelfFunding         = "self_funding"
)

// DefaultRules returns the full admission rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleDecisionShape, Check: checkDecisionShape},
		{Name: RuleConfidence, Check: checkConfidence},
		{Name: RuleExecutionMode, Check: checkExecutionMode},
		{Name: RuleEmergencyMode, Check: checkEmergencyMode},
		{Name: RuleActionParameters, Check: checkActionParameters},
		{Name: RuleContractWhitelist, Check: sponsorOnly(checkContractWhitelist)},
		{Name: RuleProtocolBudget, Check: sponsorOnly(checkProtocolBudget)},
		{Name: RulePerTransactionCap, Check: sponsorOnly(checkPerTransactionCap)},
		{Name: RuleRequesterLegitimacy, Check: sponsorOnly(checkRequesterLegitimacy)},
		{Name: RuleGasPriceCeiling, Check: sponsorOnly(checkGasPrice)},
		{Name: RuleGasLimit, Check: sponsorOnly(checkGasLimit)},
		{Name: RuleAgentRateLimit, Check: sponsorOnly(checkAgentRateLimit)},
		{Name: RuleReserveFloor, Check: checkReserveFloor},
		{Name: RuleSelfFunding, Check: sponsorOnly(checkSelfFunding)},
	}
}

func fail(format string, args ...any) Outcome {
	return Outcome{Errors: []string{fmt.Sprintf(format, args...)}}
}

func warn(format string, args ...any) Outcome {
	return Outcome{Warnings: []string{fmt.Sprintf(format, args...)}}
}

var skip = Outcome{Skipped: true}

// sponsorOnly runs check only for well-formed sponsorship decisions.
func sponsorOnly(check func(p *decision.SponsorParams, cfg Config, pctx Context) Outcome) func(decision.Decision, Config, Context) Outcome {
	return func(d decision.Decision, cfg Config, pctx Context) Outcome {
		if d.Action != decision.ActionSponsor || d.Parameters.Sponsor == nil {
			return skip
		}
		return check(d.Parameters.Sponsor, cfg, pctx)
	}
}

func checkDecisionShape(d decision.Decision, _ Config, _ Context) Outcome {
	return Outcome{Errors: decision.Validate(d)}
}

func checkConfidence(d decision.Decision, cfg Config, _ Context) Outcome {
	if d.Confidence < cfg.MinConfidence {
		return fail("confidence %.2f below threshold %.2f", d.Confidence, cfg.MinConfidence)
	}
	return Outcome{}
}

func checkExecutionMode(d decision.Decision, cfg Config, pctx Context) Outcome {
	var out Outcome
	if pctx.RequestedMode == ModeLive {
		out.Errors = append(out.Errors, "mode violation: LIVE execution cannot be requested by a caller")
	}
	if d.Action.Mutating() && cfg.ExecutionMode != ModeLive {
		mode := cfg.ExecutionMode
		if mode == "" {
			mode = ModeReadOnly
		}
		out.Errors = append(out.Errors, fmt.Sprintf("mode violation: %s mode does not permit %s", mode, d.Action))
	}
	return out
}

func checkEmergencyMode(d decision.Decision, _ Config, pctx Context) Outcome {
	if pctx.Reserve == nil {
		if d.Action.Mutating() {
			return warn("reserve state unavailable, emergency mode not evaluated")
		}
		return Outcome{}
	}
	if pctx.Reserve.EmergencyMode && !d.Action.IsAlert() {
		return fail("reserve emergency mode blocks %s (runway %.2f days, health %.1f)",
			d.Action, pctx.Reserve.RunwayDays, pctx.Reserve.HealthScore)
	}
	return Outcome{}
}

func checkActionParameters(d decision.Decision, _ Config, _ Context) Outcome {
	p := d.Parameters
	switch d.Action {
	case decision.ActionSponsor:
		if p.Sponsor == nil {
			return fail("SPONSOR_TRANSACTION requires sponsor parameters")
		}
		var out Outcome
		if strings.TrimSpace(p.Sponsor.ProtocolID) == "" {
			out.Errors = append(out.Errors, "protocolId is required")
		}
		if !common.IsHexAddress(p.Sponsor.AgentAddress) {
			out.Errors = append(out.Errors, fmt.Sprintf("agentAddress %q is not a valid address", p.Sponsor.AgentAddress))
		}
		if p.Sponsor.TargetContract != "" && !common.IsHexAddress(p.Sponsor.TargetContract) {
			out.Errors = append(out.Errors, fmt.Sprintf("targetContract %q is not a valid address", p.Sponsor.TargetContract))
		}
		if p.Sponsor.EstimatedCostUSD <= 0 {
			out.Errors = append(out.Errors, "estimatedCostUSD must be positive")
		}
		return out
	case decision.ActionSwapReserves:
		if p.Swap == nil {
			return fail("SWAP_RESERVES requires swap parameters")
		}
		if p.Swap.FromToken == "" || p.Swap.ToToken == "" || p.Swap.FromToken == p.Swap.ToToken {
			return fail("swap needs two distinct tokens")
		}
		if p.Swap.AmountIn <= 0 {
			return fail("swap amountIn must be positive")
		}
	case decision.ActionReplenishReserves:
		if p.Replenish == nil {
			return fail("REPLENISH_RESERVES requires replenish parameters")
		}
		if p.Replenish.AmountETH <= 0 {
			return fail("replenish amountETH must be positive")
		}
	case decision.ActionAlertHuman, decision.ActionAlertProtocol, decision.ActionAlertLowRunway:
		if p.Alert == nil || strings.TrimSpace(p.Alert.Message) == "" {
			return fail("%s requires an alert message", d.Action)
		}
		if d.Action == decision.ActionAlertProtocol && strings.TrimSpace(p.Alert.ProtocolID) == "" {
			return fail("ALERT_PROTOCOL requires protocolId")
		}
	case decision.ActionWait:
		if p.Wait != nil && p.Wait.Seconds < 0 {
			return fail("wait seconds must not be negative")
		}
	}
	return Outcome{}
}

func checkContractWhitelist(p *decision.SponsorParams, _ Config, pctx Context) Outcome {
	if p.TargetContract == "" {
		return warn("no target contract given, whitelist not checked")
	}
	if pctx.Whitelist == nil || len(pctx.Whitelist.Contracts) == 0 {
		return fail("protocol %s has no contract whitelist", p.ProtocolID)
	}
	if !pctx.Whitelist.Contains(p.TargetContract) {
		return fail("target contract %s is not whitelisted for protocol %s", p.TargetContract, p.ProtocolID)
	}
	return Outcome{}
}

func checkProtocolBudget(p *decision.SponsorParams, cfg Config, pctx Context) Outcome {
	if pctx.Budget == nil {
		return fail("protocol %s has no budget", p.ProtocolID)
	}
	if p.EstimatedCostUSD > pctx.Budget.BalanceUSD {
		return fail("estimated cost $%.4f exceeds protocol budget $%.4f", p.EstimatedCostUSD, pctx.Budget.BalanceUSD)
	}
	if remaining := pctx.Budget.BalanceUSD - p.EstimatedCostUSD; remaining < cfg.LowBudgetWarningUSD {
		return warn("protocol %s budget will drop to $%.4f", p.ProtocolID, remaining)
	}
	return Outcome{}
}

func checkPerTransactionCap(p *decision.SponsorParams, cfg Config, _ Context) Outcome {
	if cfg.MaxCostPerTxUSD > 0 && p.EstimatedCostUSD > cfg.MaxCostPerTxUSD {
		return fail("estimated cost $%.4f exceeds per-transaction cap $%.4f", p.EstimatedCostUSD, cfg.MaxCostPerTxUSD)
	}
	return Outcome{}
}

func checkRequesterLegitimacy(_ *decision.SponsorParams, cfg Config, pctx Context) Outcome {
	if pctx.AgentTxCount >= cfg.MinTxCount {
		return Outcome{}
	}
	preferential := cfg.PreferentialMinSponsorships > 0 &&
		pctx.AgentSuccessfulSponsorships >= cfg.PreferentialMinSponsorships
	if preferential && pctx.AgentTxCount >= cfg.PreferentialMinTxCount {
		return warn("preferential threshold applied (%d transactions, %d prior sponsorships)",
			pctx.AgentTxCount, pctx.AgentSuccessfulSponsorships)
	}
	return fail("requester has %d transactions, minimum is %d", pctx.AgentTxCount, cfg.MinTxCount)
}

func checkGasPrice(_ *decision.SponsorParams, cfg Config, pctx Context) Outcome {
	if cfg.MaxGasPriceGwei > 0 && pctx.GasPriceGwei > cfg.MaxGasPriceGwei {
		return fail("gas price %.2f gwei above ceiling %.2f gwei", pctx.GasPriceGwei, cfg.MaxGasPriceGwei)
	}
	return Outcome{}
}

func checkGasLimit(p *decision.SponsorParams, cfg Config, _ Context) Outcome {
	if cfg.MaxGasLimit > 0 && p.MaxGasLimit > cfg.MaxGasLimit {
		return fail("gas limit %d above maximum %d", p.MaxGasLimit, cfg.MaxGasLimit)
	}
	return Outcome{}
}

func checkAgentRateLimit(p *decision.SponsorParams, cfg Config, pctx Context) Outcome {
	if cfg.MaxSponsorshipsPerAgentPerDay > 0 && pctx.AgentSponsorshipsToday >= cfg.MaxSponsorshipsPerAgentPerDay {
		return fail("agent %s already sponsored %d times today (limit %d)",
			p.AgentAddress, pctx.AgentSponsorshipsToday, cfg.MaxSponsorshipsPerAgentPerDay)
	}
	return Outcome{}
}

func checkReserveFloor(d decision.Decision, cfg Config, pctx Context) Outcome {
	if d.Action != decision.ActionSponsor && d.Action != decision.ActionSwapReserves {
		return skip
	}
	if pctx.Reserve == nil {
		return skip
	}
	if pctx.Reserve.ETHBalance < cfg.MinReserveETH {
		return fail("reserve %.6f ETH below floor %.6f ETH", pctx.Reserve.ETHBalance, cfg.MinReserveETH)
	}
	return Outcome{}
}

func checkSelfFunding(p *decision.SponsorParams, cfg Config, pctx Context) Outcome {
	if cfg.SelfFundingThresholdETH > 0 && pctx.AgentBalanceETH >= cfg.SelfFundingThresholdETH {
		return warn("agent %s holds %.4f ETH and could pay its own gas", p.AgentAddress, pctx.AgentBalanceETH)
	}
	return Outcome{}
}
