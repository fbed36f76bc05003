package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"Aegis-Treasury/internal/budget"
	"Aegis-Treasury/internal/decision"
	"Aegis-Treasury/internal/reserve"
)

const (
	agentAddr  = "0x1111111111111111111111111111111111111111"
	targetAddr = "0x2222222222222222222222222222222222222222"
)

func liveConfig() Config {
	cfg := DefaultConfig()
	cfg.ExecutionMode = ModeLive
	return cfg
}

func sponsorDecision(cost float64) decision.Decision {
	return decision.Decision{
		Action:     decision.ActionSponsor,
		Confidence: 0.9,
		Reasoning:  "agent has a healthy on-chain history",
		Parameters: decision.Parameters{Sponsor: &decision.SponsorParams{
			AgentAddress:     agentAddr,
			ProtocolID:       "p1",
			EstimatedCostUSD: cost,
			TargetContract:   targetAddr,
			MaxGasLimit:      200_000,
		}},
	}
}

func healthyContext(balanceUSD float64) Context {
	return Context{
		Reserve:      &reserve.State{ETHBalance: 1, RunwayDays: 30, HealthScore: 90},
		Budget:       &budget.ProtocolBudget{ProtocolID: "p1", BalanceUSD: balanceUSD},
		Whitelist:    &budget.Whitelist{ProtocolID: "p1", Contracts: []string{strings.ToUpper(targetAddr)}},
		AgentTxCount: 20,
		GasPriceGwei: 1,
	}
}

func containsMessage(list []string, fragment string) bool {
	for _, msg := range list {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func TestSponsorPassesWithinBudget(t *testing.T) {
	pctx := healthyContext(100)
	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.True(t, res.Passed, "errors: %v", res.Errors)
	require.Empty(t, res.Errors)
	require.Contains(t, res.AppliedRules, RuleProtocolBudget)
	require.Contains(t, res.AppliedRules, RuleContractWhitelist)
}

func TestSponsorExceedingBudgetFails(t *testing.T) {
	pctx := healthyContext(0.01)
	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.False(t, res.Passed)
	require.True(t, containsMessage(res.Errors, "exceeds protocol budget"), "errors: %v", res.Errors)
}

func TestReadOnlyModeRejectsSponsor(t *testing.T) {
	for _, mode := range []ExecutionMode{ModeReadOnly, ModeSimulation} {
		cfg := DefaultConfig()
		cfg.ExecutionMode = mode
		pctx := healthyContext(100)
			res := Validate(sponsorDecision(0.05), cfg, pctx)
		require.False(t, res.Passed)
		require.True(t, containsMessage(res.Errors, "mode violation"), "errors: %v", res.Errors)
	}
}

func TestRequestedLiveIsAlwaysRejected(t *testing.T) {
	pctx := healthyContext(100)
	pctx.RequestedMode = ModeLive
	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.False(t, res.Passed)
	require.True(t, containsMessage(res.Errors, "cannot be requested"))
}

func TestEmergencyModeAllowsOnlyAlerts(t *testing.T) {
	pctx := healthyContext(100)
	pctx.Reserve.EmergencyMode = true

	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.False(t, res.Passed)
	require.True(t, containsMessage(res.Errors, "emergency mode"))

	wait := decision.Decision{Action: decision.ActionWait, Confidence: 0.9, Reasoning: "nothing to do right now"}
	require.False(t, Validate(wait, liveConfig(), pctx).Passed)

	alert := decision.Decision{
		Action:     decision.ActionAlertLowRunway,
		Confidence: 0.9,
		Reasoning:  "runway dropped below three days",
		Parameters: decision.Parameters{Alert: &decision.AlertParams{Severity: "critical", Message: "top up reserves"}},
	}
	res = Validate(alert, liveConfig(), pctx)
	require.True(t, res.Passed, "errors: %v", res.Errors)
	require.NotContains(t, res.AppliedRules, RuleProtocolBudget)
}

func TestWhitelistRules(t *testing.T) {
	pctx := healthyContext(100)
	pctx.Whitelist = nil
	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.True(t, containsMessage(res.Errors, "no contract whitelist"))

	d := sponsorDecision(0.05)
	d.Parameters.Sponsor.TargetContract = ""
	res = Validate(d, liveConfig(), pctx)
	require.True(t, res.Passed, "errors: %v", res.Errors)
	require.True(t, containsMessage(res.Warnings, "no target contract"))

	pctx.Whitelist = &budget.Whitelist{Contracts: []string{"0x3333333333333333333333333333333333333333"}}
	res = Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.True(t, containsMessage(res.Errors, "not whitelisted"))
}

func TestPreferentialThreshold(t *testing.T) {
	pctx := healthyContext(100)
	pctx.AgentTxCount = 2

	res := Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.True(t, containsMessage(res.Errors, "minimum is 5"))

	pctx.AgentSuccessfulSponsorships = 3
	res = Validate(sponsorDecision(0.05), liveConfig(), pctx)
	require.True(t, res.Passed, "errors: %v", res.Errors)
	require.True(t, containsMessage(res.Warnings, "preferential threshold applied"))
}

func TestLimitsAndWarnings(t *testing.T) {
	cfg := liveConfig()
	pctx := healthyContext(100)
	pctx.GasPriceGwei = 80
	pctx.AgentSponsorshipsToday = cfg.MaxSponsorshipsPerAgentPerDay
	pctx.Reserve.ETHBalance = 0.001
	pctx.AgentBalanceETH = 5

	d := sponsorDecision(6)
	d.Parameters.Sponsor.MaxGasLimit = 5_000_000
	res := Validate(d, cfg, pctx)
	require.False(t, res.Passed)
	for _, fragment := range []string{"per-transaction cap", "gas price", "gas limit", "sponsored 10 times", "below floor"} {
		require.True(t, containsMessage(res.Errors, fragment), "missing %q in %v", fragment, res.Errors)
	}
	require.True(t, containsMessage(res.Warnings, "could pay its own gas"))
}

func TestMalformedDecision(t *testing.T) {
	d := decision.Decision{Action: "LAUNCH", Confidence: 1.5, Reasoning: "short"}
	res := Validate(d, liveConfig(), Context{})
	require.False(t, res.Passed)
	require.GreaterOrEqual(t, len(res.Errors), 3)

	d = sponsorDecision(0)
	d.Parameters.Sponsor.AgentAddress = "not-an-address"
	d.Parameters.Sponsor.ProtocolID = ""
	res = Validate(d, liveConfig(), healthyContext(100))
	require.True(t, containsMessage(res.Errors, "not a valid address"))
	require.True(t, containsMessage(res.Errors, "protocolId is required"))
	require.True(t, containsMessage(res.Errors, "must be positive"))
}

func TestValidateIsDeterministic(t *testing.T) {
	pctx := healthyContext(3)
	d := sponsorDecision(0.05)
	first := Validate(d, liveConfig(), pctx)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Validate(d, liveConfig(), pctx))
	}
}

func TestCustomRuleOrder(t *testing.T) {
	v := NewValidator(
		Rule{Name: "always", Check: func(decision.Decision, Config, Context) Outcome { return Outcome{} }},
		Rule{Name: "skipped", Check: func(decision.Decision, Config, Context) Outcome { return Outcome{Skipped: true} }},
		Rule{Name: "failing", Check: func(decision.Decision, Config, Context) Outcome { return fail("nope") }},
	)
	res := v.Validate(decision.Decision{}, Config{}, Context{})
	require.Equal(t, []string{"always", "failing"}, res.AppliedRules)
	require.Equal(t, []string{"failing: nope"}, res.Errors)
	require.Equal(t, []string{"always", "skipped", "failing"}, v.Rules())
}

func TestParseMode(t *testing.T) {
	require.Equal(t, ModeLive, ParseMode(" live "))
	require.Equal(t, ModeSimulation, ParseMode("simulation"))
	require.Equal(t, ModeReadOnly, ParseMode("bogus"))
}
