// Package reserve tracks the treasury's spendable reserves: balances, the
// rolling burn rate, runway and a composite health score that drives
// emergency mode.
package reserve

import (
	"math"
	"sort"
	"time"

	"Aegis-Treasury/internal/budget"
)

// Sample is one sponsorship's ETH spend.
type Sample struct {
	Timestamp  int64   `json:"timestamp"`
	AmountETH  float64 `json:"amountETH"`
	ProtocolID string  `json:"protocolId,omitempty"`
	RequestID  string  `json:"requestId,omitempty"`
}

// State is the reserve snapshot. Scalars are last-write-wins; the burn
// history lives in an append-only list and is only mirrored here.
type State struct {
	ETHBalance           float64                 `json:"ethBalance"`
	USDCBalance          float64                 `json:"usdcBalance"`
	ChainID              int64                   `json:"chainId"`
	DailyBurnRateETH     float64                 `json:"dailyBurnRateETH"`
	SponsorshipsLast24h  int                     `json:"sponsorshipsLast24h"`
	RunwayDays           float64                 `json:"runwayDays"`
	ForecastedBurnRate7d float64                 `json:"forecastedBurnRate7d"`
	ForecastedRunwayDays float64                 `json:"forecastedRunwayDays"`
	HealthScore          float64                 `json:"healthScore"`
	EmergencyMode        bool                    `json:"emergencyMode"`
	RecoveringSince      int64                   `json:"recoveringSince,omitempty"`
	ProtocolBudgets      []budget.ProtocolBudget `json:"protocolBudgets"`
	BurnRateHistory      []Sample                `json:"burnRateHistory"`
	LastFarcasterPost    int64                   `json:"lastFarcasterPost,omitempty"`
	LastUpdated          int64                   `json:"lastUpdated"`
}

// Patch merges into a State. Nil fields are left untouched.
type Patch struct {
	ETHBalance        *float64
	USDCBalance       *float64
	EmergencyMode     *bool
	LastFarcasterPost *int64
}

// Apply merges p into s.
func (p Patch) Apply(s *State) {
	if p.ETHBalance != nil {
		s.ETHBalance = *p.ETHBalance
	}
	if p.USDCBalance != nil {
		s.USDCBalance = *p.USDCBalance
	}
	if p.EmergencyMode != nil {
		s.EmergencyMode = *p.EmergencyMode
		s.RecoveringSince = 0
	}
	if p.LastFarcasterPost != nil {
		s.LastFarcasterPost = *p.LastFarcasterPost
	}
}

// Thresholds parameterise the health computation.
type Thresholds struct {
	EmergencyRunwayDays  float64       `yaml:"emergency_runway_days" env:"EMERGENCY_RUNWAY_DAYS"`
	EmergencyHealthScore float64       `yaml:"emergency_health_score" env:"EMERGENCY_HEALTH_SCORE"`
	RecoveryDebounce     time.Duration `yaml:"recovery_debounce" env:"RECOVERY_DEBOUNCE"`
	TargetRunwayDays     float64       `yaml:"target_runway_days" env:"TARGET_RUNWAY_DAYS"`
	LowBudgetUSD         float64       `yaml:"low_budget_usd" env:"LOW_BUDGET_USD"`
	MaxRunwayDays        float64       `yaml:"max_runway_days" env:"MAX_RUNWAY_DAYS"`
	HistoryInState       int           `yaml:"history_in_state" env:"HISTORY_IN_STATE"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EmergencyRunwayDays:  3,
		EmergencyHealthScore: 25,
		RecoveryDebounce:     10 * time.Minute,
		TargetRunwayDays:     30,
		LowBudgetUSD:         10,
		MaxRunwayDays:        365,
		HistoryInState:       50,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.EmergencyRunwayDays <= 0 {
		t.EmergencyRunwayDays = def.EmergencyRunwayDays
	}
	if t.EmergencyHealthScore <= 0 {
		t.EmergencyHealthScore = def.EmergencyHealthScore
	}
	if t.RecoveryDebounce <= 0 {
		t.RecoveryDebounce = def.RecoveryDebounce
	}
	if t.TargetRunwayDays <= 0 {
		t.TargetRunwayDays = def.TargetRunwayDays
	}
	if t.LowBudgetUSD <= 0 {
		t.LowBudgetUSD = def.LowBudgetUSD
	}
	if t.MaxRunwayDays <= 0 {
		t.MaxRunwayDays = def.MaxRunwayDays
	}
	if t.HistoryInState <= 0 {
		t.HistoryInState = def.HistoryInState
	}
	return t
}

// Inputs are the raw observations a snapshot is computed from.
type Inputs struct {
	ETHBalance  float64
	USDCBalance float64
	ChainID     int64
	Budgets     []budget.ProtocolBudget
	Samples     []Sample
}

const day = 24 * time.Hour

// DailyBurn sums the samples of the 24h ending at now.
func DailyBurn(samples []Sample, now time.Time) (float64, int) {
	cutoff := now.Add(-day).UnixMilli()
	var total float64
	var count int
	for _, s := range samples {
		if s.Timestamp > cutoff && s.Timestamp <= now.UnixMilli() {
			total += s.AmountETH
			count++
		}
	}
	return total, count
}

// ForecastBurn7d is a linearly weighted average of the last seven daily
// totals; the most recent day weighs 7, the oldest 1.
func ForecastBurn7d(samples []Sample, now time.Time) float64 {
	var daily [7]float64
	end := now.UnixMilli()
	for _, s := range samples {
		if s.Timestamp > end {
			continue
		}
		idx := int((end - s.Timestamp) / day.Milliseconds())
		if idx >= 0 && idx < len(daily) {
			daily[idx] += s.AmountETH
		}
	}
	var weighted, weights float64
	for i, total := range daily {
		w := float64(len(daily) - i)
		weighted += w * total
		weights += w
	}
	return weighted / weights
}

// Runway is balance / burn in days, capped at maxDays.
func Runway(balance, burnPerDay, maxDays float64) float64 {
	if balance <= 0 {
		return 0
	}
	if burnPerDay <= 0 {
		return maxDays
	}
	return math.Min(balance/burnPerDay, maxDays)
}

// HealthScore is 60 points of runway coverage plus 40 points of budget
// coverage, bounded to [0, 100].
func HealthScore(runwayDays float64, budgets []budget.ProtocolBudget, t Thresholds) float64 {
	runwayCoverage := math.Min(1, math.Max(0, runwayDays/t.TargetRunwayDays))
	budgetCoverage := 1.0
	if len(budgets) > 0 {
		funded := 0
		for _, b := range budgets {
			if b.BalanceUSD >= t.LowBudgetUSD {
				funded++
			}
		}
		budgetCoverage = float64(funded) / float64(len(budgets))
	}
	score := 60*runwayCoverage + 40*budgetCoverage
	return math.Round(math.Min(100, math.Max(0, score))*10) / 10
}

// Compute derives a new snapshot from in. prev carries the emergency flag
// and debounce bookkeeping across refreshes.
func Compute(in Inputs, prev State, t Thresholds, now time.Time) State {
	t = t.withDefaults()
	burn, count := DailyBurn(in.Samples, now)
	forecast := ForecastBurn7d(in.Samples, now)
	runway := Runway(in.ETHBalance, burn, t.MaxRunwayDays)

	s := State{
		ETHBalance:           in.ETHBalance,
		USDCBalance:          in.USDCBalance,
		ChainID:              in.ChainID,
		DailyBurnRateETH:     burn,
		SponsorshipsLast24h:  count,
		RunwayDays:           runway,
		ForecastedBurnRate7d: forecast,
		ForecastedRunwayDays: Runway(in.ETHBalance, forecast, t.MaxRunwayDays),
		HealthScore:          HealthScore(runway, in.Budgets, t),
		ProtocolBudgets:      in.Budgets,
		BurnRateHistory:      recent(in.Samples, t.HistoryInState),
		LastFarcasterPost:    prev.LastFarcasterPost,
		LastUpdated:          now.UnixMilli(),
	}

	degraded := s.RunwayDays < t.EmergencyRunwayDays || s.HealthScore < t.EmergencyHealthScore
	switch {
	case degraded:
		s.EmergencyMode = true
	case prev.EmergencyMode:
		since := prev.RecoveringSince
		if since == 0 {
			since = now.UnixMilli()
		}
		if now.Sub(time.UnixMilli(since)) >= t.RecoveryDebounce {
			s.EmergencyMode = false
		} else {
			s.EmergencyMode = true
			s.RecoveringSince = since
		}
	}
	return s
}

func recent(samples []Sample, n int) []Sample {
	out := append([]Sample(nil), samples...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
