package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/cache"
	"github.com/djlord-it/campus-lifecycle/internal/derivation"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/store/memory"
	"github.com/djlord-it/campus-lifecycle/internal/testutil"
)

type mockScheduler struct {
	running bool
	last    time.Time
}

func (m *mockScheduler) LastTick() time.Time { return m.last }
func (m *mockScheduler) Running() bool       { return m.running }

type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte)}
}

func (m *mockCache) Get(ctx context.Context, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[name]
	return v, ok
}

func (m *mockCache) Set(ctx context.Context, name string, val []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = val
	m.sets++
}

func (m *mockCache) Invalidate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, cache.SnapshotKey)
}

type mockMetrics struct {
	mu     sync.Mutex
	hits   int
	misses int
}

func (m *mockMetrics) StatusCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func setup(t *testing.T) (*Service, *memory.Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(testutil.Epoch)
	store := memory.New().WithClock(clock.Now)
	der := derivation.New(store, store).WithClock(clock.Now)

	ctx := testutil.TestContext(t)
	ev := testutil.NewEvent(testutil.Epoch)
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, err := der.Sync(ctx, ev); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	svc := New(DefaultConfig(), store, store, store).WithClock(clock.Now)
	return svc, store, clock
}

func TestSchedulerStatus_CountsQueue(t *testing.T) {
	svc, _, clock := setup(t)
	ctx := testutil.TestContext(t)

	st, err := svc.SchedulerStatus(ctx)
	if err != nil {
		t.Fatalf("SchedulerStatus: %v", err)
	}
	if st.QueueDepth != 4 || st.Due != 0 {
		t.Fatalf("expected depth 4 due 0, got %+v", st)
	}
	if st.Running || st.LastTick != nil {
		t.Fatalf("expected no local scheduler, got %+v", st)
	}

	clock.Advance(3 * time.Hour)
	svc.WithScheduler(&mockScheduler{running: true, last: clock.Now()})

	st, err = svc.SchedulerStatus(ctx)
	if err != nil {
		t.Fatalf("SchedulerStatus: %v", err)
	}
	if st.Due != 1 {
		t.Errorf("expected 1 due trigger, got %d", st.Due)
	}
	if !st.Running || st.LastTick == nil || !st.LastTick.Equal(clock.Now()) {
		t.Errorf("expected running with last tick, got %+v", st)
	}
}

func TestScheduledTriggers_WindowAndOverdue(t *testing.T) {
	svc, _, clock := setup(t)
	ctx := testutil.TestContext(t)

	sched, err := svc.ScheduledTriggers(ctx)
	if err != nil {
		t.Fatalf("ScheduledTriggers: %v", err)
	}
	if len(sched.Upcoming) != 2 {
		t.Fatalf("expected 2 triggers within 24h, got %d", len(sched.Upcoming))
	}
	if sched.Upcoming[0].TriggerType != domain.TriggerRegistrationOpen {
		t.Errorf("expected registration_open first, got %s", sched.Upcoming[0].TriggerType)
	}
	if sched.Upcoming[0].IsPastDue {
		t.Error("future trigger reported past due")
	}
	if sched.Upcoming[0].TimeUntilFormatted != "1 hour from now" {
		t.Errorf("unexpected time_until_formatted %q", sched.Upcoming[0].TimeUntilFormatted)
	}
	if len(sched.Overdue) != 0 {
		t.Errorf("expected nothing overdue, got %d", len(sched.Overdue))
	}

	clock.Advance(3 * time.Hour)

	sched, err = svc.ScheduledTriggers(ctx)
	if err != nil {
		t.Fatalf("ScheduledTriggers: %v", err)
	}
	if len(sched.Overdue) != 1 {
		t.Fatalf("expected 1 overdue trigger, got %d", len(sched.Overdue))
	}
	o := sched.Overdue[0]
	if !o.IsPastDue || o.TimeUntilFormatted != "2 hours ago" {
		t.Errorf("unexpected overdue entry %+v", o)
	}
}

func TestScheduledTriggers_WithinGraceIsListedAsDue(t *testing.T) {
	svc, _, clock := setup(t)
	clock.Advance(time.Hour + 30*time.Second)

	sched, err := svc.ScheduledTriggers(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("ScheduledTriggers: %v", err)
	}
	if len(sched.Overdue) != 0 {
		t.Errorf("trigger inside catch-up grace reported overdue")
	}
	if len(sched.Due) != 1 {
		t.Fatalf("expected the fired trigger under due, got %+v", sched.Due)
	}
	d := sched.Due[0]
	if d.TriggerType != domain.TriggerRegistrationOpen || !d.IsPastDue {
		t.Errorf("unexpected due entry %+v", d)
	}
	for _, u := range sched.Upcoming {
		if u.TriggerID == d.TriggerID {
			t.Errorf("due trigger also listed as upcoming")
		}
	}
}

func TestScheduledTriggers_FireTimeEqualToNowIsDue(t *testing.T) {
	svc, _, clock := setup(t)
	clock.Advance(time.Hour)

	sched, err := svc.ScheduledTriggers(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("ScheduledTriggers: %v", err)
	}
	if len(sched.Due) != 1 || sched.Due[0].TriggerType != domain.TriggerRegistrationOpen {
		t.Errorf("expected registration_open due at its fire time, got %+v", sched.Due)
	}
}

func TestRecentActivity_TimeAgo(t *testing.T) {
	svc, store, clock := setup(t)
	ctx := testutil.TestContext(t)

	_, err := store.Append(ctx, domain.AuditRecord{
		EventID:     testutil.MustParseUUID("6f1c1f1e-3c55-4c8e-9e1f-6a7b8c9d0e1f"),
		TriggerType: domain.TriggerRegistrationOpen,
		OldStatus:   string(domain.RegistrationNotOpen),
		NewStatus:   string(domain.RegistrationOpen),
		ExecutedAt:  clock.Now(),
		Mode:        domain.ExecutionModeAutomatic,
		Outcome:     domain.OutcomeTransitioned,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	clock.Advance(5 * time.Minute)

	acts, err := svc.RecentActivity(ctx, 0)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("expected 1 record, got %d", len(acts))
	}
	if acts[0].TimeAgo != "5 minutes ago" {
		t.Errorf("unexpected time_ago %q", acts[0].TimeAgo)
	}
	if acts[0].NewStatus != string(domain.RegistrationOpen) {
		t.Errorf("unexpected new status %q", acts[0].NewStatus)
	}
}

func TestSnapshot_Aggregates(t *testing.T) {
	svc, _, _ := setup(t)
	svc.WithScheduler(&mockScheduler{running: true})

	snap, err := svc.Snapshot(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ActiveEventsCount != 1 || snap.UpcomingEvents != 1 || snap.OngoingEvents != 0 {
		t.Errorf("unexpected event counts %+v", snap)
	}
	if snap.TriggersQueued != 4 || snap.PendingJobs != 0 {
		t.Errorf("unexpected trigger counts queued=%d pending=%d", snap.TriggersQueued, snap.PendingJobs)
	}
	if !snap.SchedulerRunning {
		t.Error("expected scheduler_running")
	}
	if len(snap.UpcomingTriggers) != 2 {
		t.Errorf("expected 2 upcoming triggers, got %d", len(snap.UpcomingTriggers))
	}
}

func TestSnapshot_ListsPastDueTriggers(t *testing.T) {
	svc, _, clock := setup(t)
	ctx := testutil.TestContext(t)

	tests := []struct {
		name    string
		advance time.Duration
		pending int
	}{
		{"inside grace", time.Hour + 30*time.Second, 1},
		{"beyond grace", 2 * time.Hour, 1},
		{"two fired", 30 * time.Hour, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Set(testutil.Epoch.Add(tt.advance))

			snap, err := svc.Snapshot(ctx)
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if snap.PendingJobs != tt.pending {
				t.Fatalf("pending_jobs = %d, want %d", snap.PendingJobs, tt.pending)
			}
			pastDue := 0
			for _, st := range snap.UpcomingTriggers {
				if st.IsPastDue {
					pastDue++
				}
			}
			if pastDue != snap.PendingJobs {
				t.Errorf("listed %d past-due triggers, pending_jobs = %d", pastDue, snap.PendingJobs)
			}
			if !snap.UpcomingTriggers[0].IsPastDue {
				t.Errorf("past-due triggers should lead the list, got %+v", snap.UpcomingTriggers[0])
			}
		})
	}
}

func TestSnapshot_ServedFromCache(t *testing.T) {
	svc, store, clock := setup(t)
	c := newMockCache()
	m := &mockMetrics{}
	svc.WithCache(c).WithMetrics(m)
	ctx := testutil.TestContext(t)

	first, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if c.sets != 1 {
		t.Fatalf("expected snapshot to be cached, sets=%d", c.sets)
	}

	// A new event is invisible until the cache is invalidated.
	ev := testutil.NewEvent(clock.Now())
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	second, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if second.ActiveEventsCount != first.ActiveEventsCount {
		t.Errorf("expected cached count %d, got %d", first.ActiveEventsCount, second.ActiveEventsCount)
	}

	c.Invalidate(ctx)
	third, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if third.ActiveEventsCount != 2 {
		t.Errorf("expected fresh count 2, got %d", third.ActiveEventsCount)
	}

	if m.hits != 1 || m.misses != 2 {
		t.Errorf("expected 1 hit 2 misses, got %d/%d", m.hits, m.misses)
	}
}

func TestSnapshot_CorruptCacheEntryIsRebuilt(t *testing.T) {
	svc, _, _ := setup(t)
	c := newMockCache()
	c.data[cache.SnapshotKey] = []byte("{not json")
	svc.WithCache(c)

	snap, err := svc.Snapshot(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ActiveEventsCount != 1 {
		t.Errorf("expected rebuilt snapshot, got %+v", snap)
	}
}
