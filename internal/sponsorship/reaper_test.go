package sponsorship

import (
	"context"
	"testing"
	"time"
)

func TestReaperRequeuesStaleProcessing(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store := NewMemoryStore().WithClock(clock.Now)
	queue := NewMemoryQueue(8)
	ctx := context.Background()

	seedRequest(t, store, "req_stale", 3)
	if _, err := store.Claim(ctx, "req_stale"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reaper := NewReaper(store, queue, ReaperConfig{ProcessingTimeout: 5 * time.Minute}, clock.Now)
	clock.Advance(time.Minute)
	result, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Requeued != 0 || queue.Len() != 0 {
		t.Fatalf("fresh processing request must be left alone: %+v", result)
	}

	clock.Advance(5 * time.Minute)
	result, err = reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Requeued != 1 || queue.Len() != 1 {
		t.Fatalf("expected one requeued request, got %+v (queue %d)", result, queue.Len())
	}
	req, _ := store.Get(ctx, "req_stale")
	if req.Status != StatusPending || req.RetryCount != 1 || req.ErrorCode != string(CodeProcessingTimeout) {
		t.Fatalf("unexpected reclaimed request: %+v", req)
	}
}

func TestReaperFailsStaleRequestWithoutRetries(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store := NewMemoryStore().WithClock(clock.Now)
	queue := NewMemoryQueue(8)
	ctx := context.Background()

	seedRequest(t, store, "req_stale", 0)
	if _, err := store.Claim(ctx, "req_stale"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(10 * time.Minute)

	result, err := NewReaper(store, queue, ReaperConfig{}, clock.Now).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || queue.Len() != 0 {
		t.Fatalf("expected one terminal failure, got %+v", result)
	}
	req, _ := store.Get(ctx, "req_stale")
	if req.Status != StatusFailed || req.ErrorCode != string(CodeProcessingTimeout) {
		t.Fatalf("unexpected request: %+v", req)
	}
}
