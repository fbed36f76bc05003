package decision

import (
	"context"
	"fmt"
)

// Observations 是推理环节可见的输入。
type Observations struct {
	RequestID        string
	AgentAddress     string
	ProtocolID       string
	EstimatedCostUSD float64
	TargetContract   string
	MaxGasLimit      uint64
	RunwayDays       float64
	EmergencyMode    bool
}

// Reasoner 根据观察结果提出决策，通常由外部的大模型推理服务实现。
type Reasoner interface {
	Propose(ctx context.Context, obs Observations) (Decision, error)
}

// RequestReasoner 把排队的代付请求直接转换为代付决策。
// 请求方已经明确给出了金额与目标合约，无需额外推理。
type RequestReasoner struct {
	Confidence float64
}

// Propose 实现 Reasoner。
func (r RequestReasoner) Propose(_ context.Context, obs Observations) (Decision, error) {
	confidence := r.Confidence
	if confidence <= 0 {
		confidence = 0.9
	}
	return Decision{
		Action:     ActionSponsor,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("queued sponsorship request %s for agent %s", obs.RequestID, obs.AgentAddress),
		Parameters: Parameters{Sponsor: &SponsorParams{
			AgentAddress:     obs.AgentAddress,
			ProtocolID:       obs.ProtocolID,
			EstimatedCostUSD: obs.EstimatedCostUSD,
			TargetContract:   obs.TargetContract,
			MaxGasLimit:      obs.MaxGasLimit,
		}},
	}, nil
}
