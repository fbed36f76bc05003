package sponsorship

import (
	"context"
	"sync"
	"testing"
	"time"

	"Aegis-Treasury/internal/backoff"
	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/treasury"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	outcome treasury.Outcome
	errs    []error
}

func (f *fakeExecutor) Sponsor(_ context.Context, requestID string, d decision.Decision, _ policy.ExecutionMode) (treasury.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if d.Action != decision.ActionSponsor {
		return treasury.Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "unexpected action")
	}
	out := f.outcome
	out.RequestID = requestID
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return out, err
	}
	return out, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func fastRetry() ProcessorOption {
	return WithRetryBackoff(backoff.Policy{Base: time.Millisecond, Max: time.Millisecond})
}

func seedRequest(t *testing.T, store *MemoryStore, id string, maxRetries int) {
	t.Helper()
	req := newRequest(id)
	req.MaxRetries = maxRetries
	if err := store.Create(context.Background(), req); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessorCompletesRequest(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{outcome: treasury.Outcome{Executed: true, Success: true, TxHash: "0xtx", UserOpHash: "0xop", ActualCostUSD: 0.04}}
	proc := NewProcessor(exec, store, queue, queue, fastRetry())
	seedRequest(t, store, "req_ok", 3)

	if err := proc.Handle(context.Background(), "req_ok"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := store.Get(context.Background(), "req_ok")
	if req.Status != StatusCompleted || req.TxHash != "0xtx" || req.ActualCostUSD != 0.04 {
		t.Fatalf("unexpected request after completion: %+v", req)
	}

	// 已终结的请求再次投递时直接跳过。
	if err := proc.Handle(context.Background(), "req_ok"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected a single execution, got %d", exec.calls)
	}
}

func TestProcessorRetriesDependencyFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodeDependencyFailure, "bundler unavailable")}}
	proc := NewProcessor(exec, store, queue, queue, fastRetry())
	seedRequest(t, store, "req_retry", 3)

	if err := proc.Handle(context.Background(), "req_retry"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := store.Get(context.Background(), "req_retry")
	if req.Status != StatusPending || req.RetryCount != 1 {
		t.Fatalf("expected pending retry, got %+v", req)
	}
	waitFor(t, func() bool { return queue.Len() == 1 })
	proc.pending.Wait()

	if err := proc.Handle(context.Background(), "req_retry"); err != nil {
		t.Fatalf("retry handle: %v", err)
	}
	req, _ = store.Get(context.Background(), "req_retry")
	if req.Status != StatusCompleted {
		t.Fatalf("expected completion on retry, got %+v", req)
	}
}

func TestProcessorPolicyRejectionIsTerminalWithoutAlert(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingDispatcher{}
	exec := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodePolicyRejected, "agent not eligible")}}
	proc := NewProcessor(exec, store, queue, queue, fastRetry(), WithAlertDispatcher(alerts))
	seedRequest(t, store, "req_policy", 3)

	if err := proc.Handle(context.Background(), "req_policy"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := store.Get(context.Background(), "req_policy")
	if req.Status != StatusFailed || req.ErrorCode != string(xerrors.CodePolicyRejected) || req.RetryCount != 0 {
		t.Fatalf("expected terminal policy failure, got %+v", req)
	}
	if queue.Len() != 0 || alerts.count() != 0 {
		t.Fatalf("policy rejection must not requeue or alert")
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingDispatcher{}
	exec := &fakeExecutor{errs: []error{
		xerrors.New(xerrors.CodeDependencyFailure, "rpc down"),
		xerrors.New(xerrors.CodeDependencyFailure, "rpc down"),
	}}
	proc := NewProcessor(exec, store, queue, queue, fastRetry(), WithAlertDispatcher(alerts))
	seedRequest(t, store, "req_exhaust", 1)

	if err := proc.Handle(context.Background(), "req_exhaust"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	waitFor(t, func() bool { return queue.Len() == 1 })
	proc.pending.Wait()
	if err := proc.Handle(context.Background(), "req_exhaust"); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	req, _ := store.Get(context.Background(), "req_exhaust")
	if req.Status != StatusFailed || req.ErrorCode != string(CodeRetriesExhausted) {
		t.Fatalf("expected exhausted retries, got %+v", req)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.count())
	}
}

func TestProcessorExecutedFailureIsNotRetried(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{
		outcome: treasury.Outcome{Executed: true, TxHash: "0xtx"},
		errs:    []error{xerrors.New(xerrors.CodeDependencyFailure, "debit failed")},
	}
	proc := NewProcessor(exec, store, queue, queue, fastRetry())
	seedRequest(t, store, "req_exec", 3)

	if err := proc.Handle(context.Background(), "req_exec"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := store.Get(context.Background(), "req_exec")
	if req.Status != StatusFailed || req.RetryCount != 0 {
		t.Fatalf("an executed sponsorship must not be retried, got %+v", req)
	}
}
