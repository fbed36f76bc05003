// Package decision 定义推理环节产出的决策数据契约。决策一经创建即不可修改，
// 策略校验器与执行器只读取其字段。
package decision

import (
	"fmt"
	"strings"
)

// Action 是推理环节给出的动作。
type Action string

const (
	ActionWait              Action = "WAIT"
	ActionSponsor           Action = "SPONSOR_TRANSACTION"
	ActionAlertHuman        Action = "ALERT_HUMAN"
	ActionAlertProtocol     Action = "ALERT_PROTOCOL"
	ActionSwapReserves      Action = "SWAP_RESERVES"
	ActionReplenishReserves Action = "REPLENISH_RESERVES"
	ActionAlertLowRunway    Action = "ALERT_LOW_RUNWAY"
)

// MinReasoningLength 是推理说明的最小长度。
const MinReasoningLength = 10

// Valid 判断动作是否合法。
func (a Action) Valid() bool {
	switch a {
	case ActionWait, ActionSponsor, ActionAlertHuman, ActionAlertProtocol,
		ActionSwapReserves, ActionReplenishReserves, ActionAlertLowRunway:
		return true
	}
	return false
}

// IsAlert 判断是否为告警类动作，紧急模式下只放行这类动作。
func (a Action) IsAlert() bool {
	return strings.HasPrefix(string(a), "ALERT_")
}

// Mutating 判断动作是否会产生链上写入或资金变动。
func (a Action) Mutating() bool {
	switch a {
	case ActionSponsor, ActionSwapReserves, ActionReplenishReserves:
		return true
	}
	return false
}

// SponsorParams 描述一次代付请求。
type SponsorParams struct {
	AgentAddress     string  `json:"agentAddress"`
	ProtocolID       string  `json:"protocolId"`
	EstimatedCostUSD float64 `json:"estimatedCostUSD"`
	TargetContract   string  `json:"targetContract,omitempty"`
	MaxGasLimit      uint64  `json:"maxGasLimit,omitempty"`
	CallData         string  `json:"callData,omitempty"`
}

// SwapParams 描述储备资产之间的兑换。
type SwapParams struct {
	FromToken    string  `json:"fromToken"`
	ToToken      string  `json:"toToken"`
	AmountIn     float64 `json:"amountIn"`
	MinAmountOut float64 `json:"minAmountOut"`
}

// ReplenishParams 描述储备补充。
type ReplenishParams struct {
	Token     string  `json:"token"`
	AmountETH float64 `json:"amountETH"`
}

// AlertParams 描述告警内容。
type AlertParams struct {
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	ProtocolID string `json:"protocolId,omitempty"`
}

// WaitParams 描述等待动作。
type WaitParams struct {
	Seconds int    `json:"seconds,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Parameters 按动作类型携带参数，同一时刻只应填写与动作对应的一项。
type Parameters struct {
	Sponsor   *SponsorParams   `json:"sponsor,omitempty"`
	Swap      *SwapParams      `json:"swap,omitempty"`
	Replenish *ReplenishParams `json:"replenish,omitempty"`
	Alert     *AlertParams     `json:"alert,omitempty"`
	Wait      *WaitParams      `json:"wait,omitempty"`
}

// Decision 是推理环节产出的结构化决策。
type Decision struct {
	Action     Action     `json:"action"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Parameters Parameters `json:"parameters"`
}

// Validate 校验决策的基本形态，返回所有发现的问题。
func Validate(d Decision) []string {
	var problems []string
	if !d.Action.Valid() {
		problems = append(problems, fmt.Sprintf("unknown action %q", d.Action))
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %.2f outside [0,1]", d.Confidence))
	}
	if len(strings.TrimSpace(d.Reasoning)) < MinReasoningLength {
		problems = append(problems, fmt.Sprintf("reasoning must be at least %d characters", MinReasoningLength))
	}
	return problems
}
