package decision

import (
	"context"
	"testing"
)

func TestValidate(t *testing.T) {
	d := Decision{Action: ActionSponsor, Confidence: 0.9, Reasoning: "agent has history"}
	if problems := Validate(d); len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}

	bad := Decision{Action: "BURN", Confidence: 1.4, Reasoning: "short"}
	if problems := Validate(bad); len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", problems)
	}
}

func TestActionClasses(t *testing.T) {
	if !ActionAlertLowRunway.IsAlert() || ActionWait.IsAlert() {
		t.Fatal("alert classification mismatch")
	}
	if !ActionSponsor.Mutating() || ActionAlertHuman.Mutating() {
		t.Fatal("mutating classification mismatch")
	}
}

func TestRequestReasoner(t *testing.T) {
	d, err := RequestReasoner{}.Propose(context.Background(), Observations{
		RequestID:        "req_1",
		AgentAddress:     "0x1111111111111111111111111111111111111111",
		ProtocolID:       "p1",
		EstimatedCostUSD: 0.05,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Action != ActionSponsor || d.Parameters.Sponsor == nil || d.Parameters.Sponsor.ProtocolID != "p1" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if problems := Validate(d); len(problems) != 0 {
		t.Fatalf("proposed decision invalid: %v", problems)
	}
}
