package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/payment"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/sponsorship"
)

const agentAddr = "0x1111111111111111111111111111111111111111"

type stubEligibility struct {
	requested policy.ExecutionMode
	decision  decision.Decision
}

func (s *stubEligibility) CheckEligibility(_ context.Context, d decision.Decision, requested policy.ExecutionMode) (policy.Result, error) {
	s.requested = requested
	s.decision = d
	if requested == policy.ModeLive {
		return policy.Result{Passed: false, Errors: []string{"LIVE execution cannot be requested"}}, nil
	}
	return policy.Result{Passed: true, AppliedRules: []string{"decision_shape"}}, nil
}

type stubCredits struct{ calls int }

func (s *stubCredits) CreditProtocol(_ context.Context, protocolID string, amountUSD float64, paymentID string) (payment.CreditResult, error) {
	s.calls++
	if amountUSD <= 0 {
		return payment.CreditResult{}, xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须大于 0")
	}
	return payment.CreditResult{ProtocolID: protocolID, BalanceUSD: 100 + amountUSD, Credited: amountUSD}, nil
}

func newTestServer(t *testing.T) (*Server, *sponsorship.MemoryStore, *stubEligibility) {
	t.Helper()
	store := sponsorship.NewMemoryStore()
	svc := sponsorship.NewService(store, sponsorship.NewMemoryQueue(16))
	eligibility := &stubEligibility{}
	server := NewServer(Config{ServeMetrics: true}, Dependencies{
		Sponsorships: svc,
		Eligibility:  eligibility,
		Credits:      &stubCredits{},
	})
	return server, store, eligibility
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetSponsorship(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/sponsorships", map[string]any{
		"agentAddress":     agentAddr,
		"protocolId":       "p1",
		"estimatedCostUSD": 0.05,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var created sponsorship.EnqueueResult
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Position != 1 || created.Status != sponsorship.StatusPending {
		t.Fatalf("unexpected enqueue result: %+v", created)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/sponsorships/"+created.RequestID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got sponsorship.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != created.RequestID || got.ProtocolID != "p1" {
		t.Fatalf("unexpected request: %+v", got)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/sponsorships/stats", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending":1`) {
		t.Fatalf("unexpected stats response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSponsorshipErrors(t *testing.T) {
	server, store, _ := newTestServer(t)

	t.Run("not found", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/sponsorships/req_missing", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sponsorships", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("validation", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/sponsorships", map[string]any{"agentAddress": "nope", "protocolId": "p1", "estimatedCostUSD": 1})
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), string(sponsorship.CodeRequestValidation)) {
			t.Fatalf("expected validation error, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("live mode", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/sponsorships", map[string]any{
			"agentAddress": agentAddr, "protocolId": "p1", "estimatedCostUSD": 1, "mode": "live",
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
		}
	})

	t.Run("cancel processing conflicts", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/sponsorships", map[string]any{
			"agentAddress": agentAddr, "protocolId": "p1", "estimatedCostUSD": 1,
		})
		var created sponsorship.EnqueueResult
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if _, err := store.Claim(context.Background(), created.RequestID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		rec = do(t, server, http.MethodDelete, "/api/v1/sponsorships/"+created.RequestID, nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})
}

func TestCancelSponsorship(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/sponsorships", map[string]any{
		"agentAddress": agentAddr, "protocolId": "p1", "estimatedCostUSD": 1,
	})
	var created sponsorship.EnqueueResult
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	rec = do(t, server, http.MethodDelete, "/api/v1/sponsorships/"+created.RequestID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	rec = do(t, server, http.MethodGet, "/api/v1/sponsorships/"+created.RequestID, nil)
	if !strings.Contains(rec.Body.String(), string(sponsorship.StatusRejected)) {
		t.Fatalf("cancelled request should be rejected: %s", rec.Body.String())
	}
}

func TestEligibilityForcesServerMode(t *testing.T) {
	server, _, eligibility := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/eligibility", map[string]any{
		"agentAddress": agentAddr, "protocolId": "p1", "estimatedCostUSD": 0.05, "mode": "SIMULATION",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if eligibility.requested != "" {
		t.Fatalf("non-LIVE client modes must defer to server config, got %q", eligibility.requested)
	}
	if eligibility.decision.Action != decision.ActionSponsor || eligibility.decision.Parameters.Sponsor.ProtocolID != "p1" {
		t.Fatalf("unexpected decision: %+v", eligibility.decision)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/eligibility", map[string]any{
		"agentAddress": agentAddr, "protocolId": "p1", "estimatedCostUSD": 0.05, "mode": "LIVE",
	})
	var result policy.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if eligibility.requested != policy.ModeLive || result.Passed {
		t.Fatalf("LIVE request must reach the policy and fail: %+v", result)
	}
}

func TestCreditAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/protocols/p1/credit", map[string]any{"amountUSD": 25, "paymentId": "0xpay"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d %s", rec.Code, rec.Body.String())
	}
	var credit payment.CreditResult
	if err := json.Unmarshal(rec.Body.Bytes(), &credit); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if credit.ProtocolID != "p1" || credit.BalanceUSD != 125 {
		t.Fatalf("unexpected credit result: %+v", credit)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/protocols/p1/credit", map[string]any{"amountUSD": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = do(t, server, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "treasury_http_requests_total") {
		t.Fatalf("metrics endpoint should expose http counters")
	}
}
