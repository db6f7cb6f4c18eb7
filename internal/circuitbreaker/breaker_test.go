package circuitbreaker

import (
	"testing"
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/testutil"
)

const hook = "https://hooks.example.edu/lifecycle"

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	return New(threshold, cooldown).WithClock(clock.Now), clock
}

func tripOpen(cb *CircuitBreaker, key string, n int) {
	for i := 0; i < n; i++ {
		cb.RecordFailure(key)
	}
}

func TestAllow_UnknownEndpoint_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := cb.State(hook); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	tripOpen(cb, hook, 2)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	tripOpen(cb, hook, 3)
	if err := cb.Allow(hook); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := cb.State(hook); got != StateOpen {
		t.Errorf("State = %s, want open", got)
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, hook, 3)

	clock.Advance(9 * time.Second)
	if err := cb.Allow(hook); err == nil {
		t.Fatal("expected ErrCircuitOpen before cooldown")
	}

	clock.Advance(time.Second)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil (probe allowed), got %v", err)
	}
	if err := cb.Allow(hook); err == nil {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
	if got := cb.State(hook); got != StateHalfOpen {
		t.Errorf("State = %s, want half_open", got)
	}
}

func TestRecordSuccess_ResetsToClosed(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, hook, 3)
	clock.Advance(10 * time.Second)
	_ = cb.Allow(hook)

	cb.RecordSuccess(hook)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}

	// The failure count starts over.
	tripOpen(cb, hook, 2)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil below threshold after reset, got %v", err)
	}
}

func TestRecordFailure_HalfOpenReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, hook, 3)
	clock.Advance(10 * time.Second)
	_ = cb.Allow(hook)

	cb.RecordFailure(hook)
	if err := cb.Allow(hook); err == nil {
		t.Fatal("expected ErrCircuitOpen after probe failure re-open")
	}

	// The new cooldown runs from the probe failure.
	clock.Advance(10 * time.Second)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected a second probe after cooldown, got %v", err)
	}
}

func TestRecordSuccess_ClosedState_NoOp(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	cb.RecordSuccess(hook)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIndependentEndpoints(t *testing.T) {
	cb, _ := newTestBreaker(2, 5*time.Second)
	other := "https://backup.example.edu/lifecycle"
	tripOpen(cb, hook, 2)
	if err := cb.Allow(hook); err == nil {
		t.Fatal("expected first endpoint open")
	}
	if err := cb.Allow(other); err != nil {
		t.Fatalf("expected second endpoint allowed, got %v", err)
	}
}
