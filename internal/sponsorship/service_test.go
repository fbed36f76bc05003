package sponsorship

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/payment"
)

const agentAddr = "0x1111111111111111111111111111111111111111"

func newInput() EnqueueInput {
	return EnqueueInput{AgentAddress: agentAddr, ProtocolID: "p1", EstimatedCostUSD: 0.05}
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore, *MemoryQueue, payment.Store) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	payments := payment.NewMemoryStore()
	opts = append([]ServiceOption{WithPayments(payment.NewService(payments, nil))}, opts...)
	return NewService(store, queue, opts...), store, queue, payments
}

func TestEnqueueAssignsIDAndPosition(t *testing.T) {
	svc, _, queue, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, newInput())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(first.RequestID) != len("req_")+32 || first.RequestID[:4] != "req_" {
		t.Fatalf("unexpected request id %q", first.RequestID)
	}
	second, err := svc.Enqueue(ctx, newInput())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Position != 1 || second.Position != 2 {
		t.Fatalf("expected positions 1 and 2, got %d and %d", first.Position, second.Position)
	}
	if queue.Len() != 2 {
		t.Fatalf("expected two queued messages, got %d", queue.Len())
	}
}

func TestEnqueueValidatesInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	cases := map[string]func(*EnqueueInput){
		"bad agent":   func(in *EnqueueInput) { in.AgentAddress = "not-an-address" },
		"no protocol": func(in *EnqueueInput) { in.ProtocolID = " " },
		"zero cost":   func(in *EnqueueInput) { in.EstimatedCostUSD = 0 },
		"bad target":  func(in *EnqueueInput) { in.TargetContract = "0x12" },
		"bad source":  func(in *EnqueueInput) { in.Source = "email" },
	}
	for name, mutate := range cases {
		in := newInput()
		mutate(&in)
		if _, err := svc.Enqueue(context.Background(), in); !xerrors.HasCode(err, CodeRequestValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestConcurrentEnqueueWithSamePaymentHash(t *testing.T) {
	svc, store, _, payments := newTestService(t)
	ctx := context.Background()

	const callers = 2
	results := make([]EnqueueResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := newInput()
			in.PaymentHash = "0xpay"
			results[i], errs[i] = svc.Enqueue(ctx, in)
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("enqueue %d: %v", i, errs[i])
		}
		if results[i].Duplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Fatalf("expected exactly one duplicate, got %d", duplicates)
	}
	if results[0].RequestID != results[1].RequestID {
		t.Fatalf("duplicate must resolve to the original request: %s vs %s", results[0].RequestID, results[1].RequestID)
	}

	record, err := payments.Get(ctx, "0xpay")
	if err != nil || record == nil {
		t.Fatalf("expected one payment record, got %v %v", record, err)
	}
	stats, _ := store.Stats(ctx, time.Now().Add(-time.Hour))
	if stats.Pending != 1 {
		t.Fatalf("expected one pending request, got %+v", stats)
	}
}

func TestGetStatusHidesUnknownAndExpired(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store := NewMemoryStore().WithClock(clock.Now)
	svc := NewService(store, NewMemoryQueue(4), WithServiceClock(clock.Now))
	ctx := context.Background()

	if req, err := svc.GetStatus(ctx, "req_missing"); req != nil || err != nil {
		t.Fatalf("unknown id must resolve to nil, got %v %v", req, err)
	}

	res, err := svc.Enqueue(ctx, newInput())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if req, _ := svc.GetStatus(ctx, res.RequestID); req == nil || req.Status != StatusPending {
		t.Fatalf("expected pending request, got %+v", req)
	}

	clock.Advance(25 * time.Hour)
	if req, err := svc.GetStatus(ctx, res.RequestID); req != nil || err != nil {
		t.Fatalf("expired request must resolve to nil, got %v %v", req, err)
	}
}

func TestRejectOnlyFromPending(t *testing.T) {
	svc, store, _, payments := newTestService(t)
	ctx := context.Background()

	in := newInput()
	in.PaymentHash = "0xpay"
	res, err := svc.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Cancel(ctx, res.RequestID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req, _ := svc.GetStatus(ctx, res.RequestID)
	if req.Status != StatusRejected || req.ErrorCode != string(CodeRequestCancelled) {
		t.Fatalf("unexpected rejected request: %+v", req)
	}
	if record, _ := payments.Get(ctx, "0xpay"); record != nil {
		t.Fatalf("cancelled request must release its payment hash")
	}

	other, err := svc.Enqueue(ctx, newInput())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, other.RequestID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := svc.Reject(ctx, other.RequestID, "operator"); !errors.Is(err, ErrConflict) {
		t.Fatalf("rejecting a processing request must conflict, got %v", err)
	}
	if err := svc.Reject(ctx, "req_missing", "operator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type stubFacilitator struct {
	verified bool
	err      error
	calls    int
}

func (f *stubFacilitator) Verify(_ context.Context, proof payment.Proof) (payment.Verification, error) {
	f.calls++
	if f.err != nil {
		return payment.Verification{}, f.err
	}
	return payment.Verification{Verified: f.verified, Reason: "bad signature"}, nil
}

func TestEnqueueVerifiesPaymentProof(t *testing.T) {
	facilitator := &stubFacilitator{verified: false}
	svc, _, _, _ := newTestService(t, WithFacilitator(facilitator, nil))
	ctx := context.Background()

	in := newInput()
	in.PaymentProof = &payment.Proof{PaymentHash: "0xproof"}
	if _, err := svc.Enqueue(ctx, in); !xerrors.HasCode(err, CodeRequestValidation) {
		t.Fatalf("expected rejected proof, got %v", err)
	}

	facilitator.verified = true
	res, err := svc.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("enqueue with valid proof: %v", err)
	}
	req, _ := svc.GetStatus(ctx, res.RequestID)
	if req.PaymentHash != "0xproof" {
		t.Fatalf("payment hash should come from the proof, got %q", req.PaymentHash)
	}
}
