package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/derivation"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/store/memory"
	"github.com/djlord-it/campus-lifecycle/internal/testutil"
)

type mockMetrics struct {
	mu       sync.Mutex
	overdue  int
	resynced int
}

func (m *mockMetrics) OverdueTriggersUpdate(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overdue = count
}

func (m *mockMetrics) EventsResynced(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resynced += count
}

// failingSyncer fails for one event and delegates the rest.
type failingSyncer struct {
	inner  Syncer
	failID string
}

func (s *failingSyncer) Sync(ctx context.Context, ev domain.Event) (derivation.Result, error) {
	if ev.ID.String() == s.failID {
		return derivation.Result{}, errors.New("queue unavailable")
	}
	return s.inner.Sync(ctx, ev)
}

type failingLister struct{}

func (failingLister) ListActiveEvents(ctx context.Context, limit, offset int) ([]domain.Event, error) {
	return nil, errors.New("connection refused")
}

func newReconciler(t *testing.T, cfg Config, events EventLister, triggers OverdueCounter, syncer Syncer, clock *testutil.FakeClock) *Reconciler {
	t.Helper()
	r, err := New(cfg, events, triggers, syncer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r.WithClock(clock.Now)
}

// seed stores n events without deriving their triggers, as if the process
// died right after each event write.
func seed(t *testing.T, store *memory.Store, n int) []domain.Event {
	t.Helper()
	ctx := testutil.TestContext(t)
	var out []domain.Event
	for i := 0; i < n; i++ {
		ev := testutil.NewEvent(testutil.Epoch.Add(time.Duration(i) * time.Minute))
		if err := store.CreateEvent(ctx, ev); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestSweep_RepairsMissingTriggers(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New().WithClock(clock.Now)
	der := derivation.New(store, store).WithClock(clock.Now)
	events := seed(t, store, 3)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	m := &mockMetrics{}
	r := newReconciler(t, cfg, store, store, der, clock).WithMetrics(m)
	ctx := testutil.TestContext(t)

	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Scanned != 3 || res.Resynced != 3 {
		t.Fatalf("expected 3 scanned and resynced, got %+v", res)
	}
	for _, ev := range events {
		active, err := store.ActiveForEvent(ctx, ev.ID)
		if err != nil {
			t.Fatalf("ActiveForEvent: %v", err)
		}
		if len(active) != 4 {
			t.Errorf("event %s: expected 4 triggers, got %d", ev.ID, len(active))
		}
	}

	// A second sweep finds nothing to repair.
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Resynced != 0 {
		t.Errorf("expected idempotent sweep, got %+v", res)
	}
	if m.resynced != 3 {
		t.Errorf("expected resynced metric 3, got %d", m.resynced)
	}
}

func TestSweep_ReportsOverdue(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New().WithClock(clock.Now)
	der := derivation.New(store, store).WithClock(clock.Now)
	seed(t, store, 1)

	m := &mockMetrics{}
	r := newReconciler(t, DefaultConfig(), store, store, der, clock).WithMetrics(m)
	ctx := testutil.TestContext(t)

	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if m.overdue != 0 {
		t.Fatalf("expected no overdue triggers, got %d", m.overdue)
	}

	// No scheduler is running, so registration_open stays pending.
	clock.Advance(2 * time.Hour)
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Overdue != 1 || m.overdue != 1 {
		t.Errorf("expected 1 overdue trigger, got result=%d gauge=%d", res.Overdue, m.overdue)
	}
}

func TestSweep_SyncFailureIsCounted(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New().WithClock(clock.Now)
	der := derivation.New(store, store).WithClock(clock.Now)
	events := seed(t, store, 2)

	syncer := &failingSyncer{inner: der, failID: events[0].ID.String()}
	r := newReconciler(t, DefaultConfig(), store, store, syncer, clock)

	res, err := r.Sweep(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Failed != 1 || res.Resynced != 1 {
		t.Errorf("expected 1 failed 1 resynced, got %+v", res)
	}
}

func TestSweep_ListErrorAborts(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New()
	r := newReconciler(t, DefaultConfig(), failingLister{}, store, derivation.New(store, store), clock)

	if _, err := r.Sweep(testutil.TestContext(t)); err == nil {
		t.Fatal("expected list error")
	}
}

func TestSweep_SkipsTerminalEvents(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New().WithClock(clock.Now)
	ctx := testutil.TestContext(t)

	ev := testutil.NewEvent(testutil.Epoch)
	ev.Status = domain.EventStatusCompleted
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	r := newReconciler(t, DefaultConfig(), store, store, derivation.New(store, store), clock)
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Scanned != 0 {
		t.Errorf("expected completed event to be ignored, got %+v", res)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.Schedule = "every now and then"
	if _, err := New(cfg, store, store, derivation.New(store, store)); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := memory.New()
	r, err := New(DefaultConfig(), store, store, derivation.New(store, store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
