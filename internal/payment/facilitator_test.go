package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
)

func TestNewHTTPFacilitatorValidation(t *testing.T) {
	if _, err := NewHTTPFacilitator(FacilitatorConfig{}); err == nil {
		t.Fatalf("expected error when url is missing")
	}
}

func TestVerifySuccess(t *testing.T) {
	var authorization string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		authorization = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"isValid": true,
			"payment": map[string]any{"protocolId": "p1", "amount": 1.5, "currency": "USDC", "chainId": "8453"},
		})
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL + "/", APIKey: "k", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.httpClient = srv.Client()

	v, err := f.Verify(context.Background(), Proof{PaymentHash: "0xabc", Scheme: "exact"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Verified || v.Payment.PaymentHash != "0xabc" || v.Payment.Amount != 1.5 || v.Payment.Status != StatusConfirmed {
		t.Fatalf("unexpected verification %+v", v)
	}
	if authorization != "Bearer k" || body["paymentHash"] != "0xabc" {
		t.Fatalf("request not forwarded correctly: %q %v", authorization, body)
	}
}

func TestVerifyClassifiesFailures(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad proof", status)
	}))
	defer srv.Close()

	f, _ := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL})
	f.httpClient = srv.Client()

	v, err := f.Verify(context.Background(), Proof{PaymentHash: "0x1"})
	if err != nil || v.Verified {
		t.Fatalf("4xx 应视为校验不通过: %+v %v", v, err)
	}

	status = http.StatusBadGateway
	if _, err := f.Verify(context.Background(), Proof{PaymentHash: "0x1"}); !xerrors.HasCode(err, xerrors.CodeDependencyFailure) {
		t.Fatalf("5xx 应视为依赖失败, got %v", err)
	}
}
