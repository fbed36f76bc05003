// Package policy is the admission-control rule engine. A decision may reach
// the wallet lock only when every rule passes. Rules are pure functions of
// (decision, config, context); none of them reads the clock or the network,
// so identical inputs always give identical results.
package policy

import (
	"strings"

	"Aegis-Treasury/internal/budget"
	"Aegis-Treasury/internal/decision"
	"Aegis-Treasury/internal/reserve"
)

// ExecutionMode gates whether mutating actions may run on chain.
type ExecutionMode string

const (
	ModeReadOnly   ExecutionMode = "READONLY"
	ModeSimulation ExecutionMode = "SIMULATION"
	ModeLive       ExecutionMode = "LIVE"
)

// ParseMode normalises s; unknown values fall back to READONLY.
func ParseMode(s string) ExecutionMode {
	switch ExecutionMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeLive:
		return ModeLive
	case ModeSimulation:
		return ModeSimulation
	default:
		return ModeReadOnly
	}
}

// Config holds the operator-controlled limits.
type Config struct {
	ExecutionMode                 ExecutionMode `yaml:"execution_mode" env:"EXECUTION_MODE"`
	MinConfidence                 float64       `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	MaxCostPerTxUSD               float64       `yaml:"max_cost_per_tx_usd" env:"MAX_COST_PER_TX_USD"`
	LowBudgetWarningUSD           float64       `yaml:"low_budget_warning_usd" env:"LOW_BUDGET_WARNING_USD"`
	MinTxCount                    uint64        `yaml:"min_tx_count" env:"MIN_TX_COUNT"`
	PreferentialMinTxCount        uint64        `yaml:"preferential_min_tx_count" env:"PREFERENTIAL_MIN_TX_COUNT"`
	PreferentialMinSponsorships   int           `yaml:"preferential_min_sponsorships" env:"PREFERENTIAL_MIN_SPONSORSHIPS"`
	MaxGasPriceGwei               float64       `yaml:"max_gas_price_gwei" env:"MAX_GAS_PRICE_GWEI"`
	MaxGasLimit                   uint64        `yaml:"max_gas_limit" env:"MAX_GAS_LIMIT"`
	MaxSponsorshipsPerAgentPerDay int           `yaml:"max_sponsorships_per_agent_per_day" env:"MAX_SPONSORSHIPS_PER_AGENT_PER_DAY"`
	MinReserveETH                 float64       `yaml:"min_reserve_eth" env:"MIN_RESERVE_ETH"`
	SelfFundingThresholdETH       float64       `yaml:"self_funding_threshold_eth" env:"SELF_FUNDING_THRESHOLD_ETH"`
}

// DefaultConfig returns conservative defaults. Execution is READONLY until
// an operator turns LIVE on.
func DefaultConfig() Config {
	return Config{
		ExecutionMode:                 ModeReadOnly,
		MinConfidence:                 0.7,
		MaxCostPerTxUSD:               5,
		LowBudgetWarningUSD:           5,
		MinTxCount:                    5,
		PreferentialMinTxCount:        1,
		PreferentialMinSponsorships:   3,
		MaxGasPriceGwei:               50,
		MaxGasLimit:                   1_000_000,
		MaxSponsorshipsPerAgentPerDay: 10,
		MinReserveETH:                 0.01,
		SelfFundingThresholdETH:       0.1,
	}
}

// Context is everything the rules may look at besides the decision. The
// caller gathers it; rules never fetch anything themselves.
type Context struct {
	// RequestedMode is whatever the external caller asked for. LIVE here is
	// always rejected; only Config.ExecutionMode can enable LIVE.
	RequestedMode               ExecutionMode
	Reserve                     *reserve.State
	Budget                      *budget.ProtocolBudget
	Whitelist                   *budget.Whitelist
	AgentTxCount                uint64
	AgentBalanceETH             float64
	AgentSuccessfulSponsorships int
	AgentSponsorshipsToday      int
	GasPriceGwei                float64
}

// Outcome is one rule's verdict.
type Outcome struct {
	Errors   []string
	Warnings []string
	Skipped  bool
}

// Rule is a named check.
type Rule struct {
	Name  string
	Check func(d decision.Decision, cfg Config, pctx Context) Outcome
}

// Result aggregates every rule outcome.
type Result struct {
	Passed       bool     `json:"passed"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	AppliedRules []string `json:"appliedRules"`
}

// Validator runs an ordered list of rules.
type Validator struct {
	rules []Rule
}

// NewValidator builds a validator over rules, or DefaultRules when none
// are given.
func NewValidator(rules ...Rule) *Validator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Validator{rules: rules}
}

// Rules returns the rule names in evaluation order.
func (v *Validator) Rules() []string {
	names := make([]string, 0, len(v.rules))
	for _, r := range v.rules {
		names = append(names, r.Name)
	}
	return names
}

// Validate runs every rule. It never panics or errors for business
// conditions; all findings land in the Result.
func (v *Validator) Validate(d decision.Decision, cfg Config, pctx Context) Result {
	res := Result{Errors: []string{}, Warnings: []string{}, AppliedRules: []string{}}
	for _, rule := range v.rules {
		out := rule.Check(d, cfg, pctx)
		if out.Skipped {
			continue
		}
		res.AppliedRules = append(res.AppliedRules, rule.Name)
		for _, msg := range out.Errors {
			res.Errors = append(res.Errors, rule.Name+": "+msg)
		}
		for _, msg := range out.Warnings {
			res.Warnings = append(res.Warnings, rule.Name+": "+msg)
		}
	}
	res.Passed = len(res.Errors) == 0
	return res
}

var defaultValidator = NewValidator()

// Validate runs the default rule set.
func Validate(d decision.Decision, cfg Config, pctx Context) Result {
	return defaultValidator.Validate(d, cfg, pctx)
}
