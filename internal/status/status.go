// Package status is the read-only query surface over the scheduler: queue
// depth, upcoming and overdue triggers, recent activity, and the combined
// dashboard snapshot.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/cache"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// EventCounter reports how many events sit in each lifecycle phase.
type EventCounter interface {
	CountEvents(ctx context.Context) (domain.EventCounts, error)
}

// TriggerReader is the read side of the trigger queue.
type TriggerReader interface {
	Counts(ctx context.Context, now time.Time) (domain.TriggerCounts, error)
	Upcoming(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.Trigger, error)
	Overdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Trigger, error)
}

// AuditReader returns the newest audit records first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error)
}

// SchedulerState is the local scheduler loop, if this process runs one.
type SchedulerState interface {
	LastTick() time.Time
	Running() bool
}

// Cache stores the encoded snapshot between requests.
type Cache interface {
	Get(ctx context.Context, name string) ([]byte, bool)
	Set(ctx context.Context, name string, val []byte)
}

// MetricsSink records snapshot cache hits and misses.
type MetricsSink interface {
	StatusCacheLookup(hit bool)
}

// Config bounds the listings. CatchUpGrace separates triggers that are
// merely due from overdue ones.
type Config struct {
	UpcomingWindow time.Duration
	CatchUpGrace   time.Duration
	ListLimit      int
	ActivityLimit  int
}

// DefaultConfig lists a day ahead with a one-minute grace.
func DefaultConfig() Config {
	return Config{
		UpcomingWindow: 24 * time.Hour,
		CatchUpGrace:   time.Minute,
		ListLimit:      50,
		ActivityLimit:  20,
	}
}

// Service answers status queries. It never writes to the stores.
type Service struct {
	config    Config
	events    EventCounter
	triggers  TriggerReader
	audit     AuditReader
	scheduler SchedulerState // optional, nil = not running here
	cache     Cache          // optional, nil = disabled
	metrics   MetricsSink    // optional, nil = disabled
	clock     func() time.Time
	log       zerolog.Logger
}

// New returns a Service with no local scheduler, cache or metrics attached.
func New(config Config, events EventCounter, triggers TriggerReader, audit AuditReader) *Service {
	return &Service{
		config:   config,
		events:   events,
		triggers: triggers,
		audit:    audit,
		clock:    time.Now,
		log:      log.Logger.With().Str("component", "status").Logger(),
	}
}

// WithScheduler reports the running state of the scheduler in this process.
func (s *Service) WithScheduler(st SchedulerState) *Service {
	s.scheduler = st
	return s
}

// WithCache serves snapshots from c until it is invalidated.
func (s *Service) WithCache(c Cache) *Service {
	s.cache = c
	return s
}

// WithMetrics records snapshot cache hits and misses on m.
func (s *Service) WithMetrics(m MetricsSink) *Service {
	s.metrics = m
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// SchedulerStatus summarises the trigger queue. Due counts active triggers
// whose fire time has passed.
type SchedulerStatus struct {
	Running    bool       `json:"running"`
	LastTick   *time.Time `json:"last_tick,omitempty"`
	QueueDepth int        `json:"queue_depth"`
	Due        int        `json:"due"`
}

// ScheduledTrigger is one active trigger as shown to operators.
type ScheduledTrigger struct {
	TriggerID          uuid.UUID           `json:"trigger_id"`
	EventID            uuid.UUID           `json:"event_id"`
	TriggerType        domain.TriggerType  `json:"trigger_type"`
	TriggerTime        time.Time           `json:"trigger_time"`
	TimeUntilFormatted string              `json:"time_until_formatted"`
	IsPastDue          bool                `json:"is_past_due"`
	State              domain.TriggerState `json:"state"`
	Attempts           int                 `json:"attempts,omitempty"`
}

// Schedule groups active triggers by how their fire time relates to now.
// Due holds past-due triggers still inside the catch-up grace, Overdue those
// beyond it.
type Schedule struct {
	Upcoming []ScheduledTrigger `json:"upcoming"`
	Due      []ScheduledTrigger `json:"due"`
	Overdue  []ScheduledTrigger `json:"overdue"`
}

// Activity is an audit record with a relative timestamp.
type Activity struct {
	EventID     uuid.UUID            `json:"event_id"`
	OldStatus   string               `json:"old_status"`
	NewStatus   string               `json:"new_status"`
	TriggerType domain.TriggerType   `json:"trigger_type"`
	Mode        domain.ExecutionMode `json:"mode"`
	Outcome     domain.AuditOutcome  `json:"outcome"`
	Escalated   bool                 `json:"escalated,omitempty"`
	Note        string               `json:"note,omitempty"`
	ExecutedAt  time.Time            `json:"executed_at"`
	TimeAgo     string               `json:"time_ago"`
}

// Snapshot is the dashboard payload.
type Snapshot struct {
	ActiveEventsCount int                `json:"active_events_count"`
	UpcomingEvents    int                `json:"upcoming_events"`
	OngoingEvents     int                `json:"ongoing_events"`
	PendingJobs       int                `json:"pending_jobs"`
	TriggersQueued    int                `json:"triggers_queued"`
	SchedulerRunning  bool               `json:"scheduler_running"`
	UpcomingTriggers  []ScheduledTrigger `json:"upcoming_triggers"`
	RecentActivity    []Activity         `json:"recent_activity"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// SchedulerStatus reports queue depth and, when a local scheduler is
// attached, whether it is running and when it last ticked.
func (s *Service) SchedulerStatus(ctx context.Context) (SchedulerStatus, error) {
	counts, err := s.triggers.Counts(ctx, s.clock().UTC())
	if err != nil {
		return SchedulerStatus{}, fmt.Errorf("count triggers: %w", err)
	}
	st := SchedulerStatus{QueueDepth: counts.Queued, Due: counts.Due}
	if s.scheduler != nil {
		st.Running = s.scheduler.Running()
		if last := s.scheduler.LastTick(); !last.IsZero() {
			st.LastTick = &last
		}
	}
	return st, nil
}

// ScheduledTriggers lists every active trigger whose fire time has passed,
// split at the catch-up grace, and those firing within the upcoming window.
func (s *Service) ScheduledTriggers(ctx context.Context) (Schedule, error) {
	now := s.clock().UTC()

	pastDue, upcoming, err := s.listTriggers(ctx, now)
	if err != nil {
		return Schedule{}, err
	}

	cutoff := now.Add(-s.config.CatchUpGrace)
	sched := Schedule{
		Upcoming: scheduled(upcoming, now),
		Due:      []ScheduledTrigger{},
		Overdue:  []ScheduledTrigger{},
	}
	for _, st := range scheduled(pastDue, now) {
		if st.TriggerTime.After(cutoff) {
			sched.Due = append(sched.Due, st)
		} else {
			sched.Overdue = append(sched.Overdue, st)
		}
	}
	return sched, nil
}

// listTriggers returns active triggers at or before now and those inside the
// upcoming window, each capped at ListLimit.
func (s *Service) listTriggers(ctx context.Context, now time.Time) (pastDue, upcoming []domain.Trigger, err error) {
	pastDue, err = s.triggers.Overdue(ctx, now, 0, s.config.ListLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("list past-due triggers: %w", err)
	}
	upcoming, err = s.triggers.Upcoming(ctx, now, s.config.UpcomingWindow, s.config.ListLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("list upcoming triggers: %w", err)
	}
	return pastDue, upcoming, nil
}

// RecentActivity returns the newest audit records, ActivityLimit of them
// when limit is not positive.
func (s *Service) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = s.config.ActivityLimit
	}
	recs, err := s.audit.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}

	now := s.clock().UTC()
	out := make([]Activity, 0, len(recs))
	for _, r := range recs {
		out = append(out, Activity{
			EventID:     r.EventID,
			OldStatus:   r.OldStatus,
			NewStatus:   r.NewStatus,
			TriggerType: r.TriggerType,
			Mode:        r.Mode,
			Outcome:     r.Outcome,
			Escalated:   r.Escalated,
			Note:        r.Note,
			ExecutedAt:  r.ExecutedAt,
			TimeAgo:     humanize.RelTime(r.ExecutedAt, now, "ago", "from now"),
		})
	}
	return out, nil
}

// Snapshot assembles the dashboard payload, serving it from the cache when
// one is configured and warm.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cache.SnapshotKey); ok {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				s.cacheLookup(true)
				return snap, nil
			}
			s.log.Warn().Msg("discarding undecodable cached snapshot")
		}
		s.cacheLookup(false)
	}

	snap, err := s.build(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(snap); err == nil {
			s.cache.Set(ctx, cache.SnapshotKey, raw)
		}
	}
	return snap, nil
}

func (s *Service) build(ctx context.Context) (Snapshot, error) {
	now := s.clock().UTC()

	events, err := s.events.CountEvents(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count events: %w", err)
	}
	counts, err := s.triggers.Counts(ctx, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count triggers: %w", err)
	}
	pastDue, upcoming, err := s.listTriggers(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	listed := append(pastDue, upcoming...)
	if s.config.ListLimit > 0 && len(listed) > s.config.ListLimit {
		listed = listed[:s.config.ListLimit]
	}
	activity, err := s.RecentActivity(ctx, s.config.ActivityLimit)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ActiveEventsCount: events.Active(),
		UpcomingEvents:    events.Upcoming,
		OngoingEvents:     events.Ongoing,
		PendingJobs:       counts.Due,
		TriggersQueued:    counts.Queued,
		UpcomingTriggers:  scheduled(listed, now),
		RecentActivity:    activity,
		GeneratedAt:       now,
	}
	if s.scheduler != nil {
		snap.SchedulerRunning = s.scheduler.Running()
	}
	return snap, nil
}

func (s *Service) cacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.StatusCacheLookup(hit)
	}
}

func scheduled(triggers []domain.Trigger, now time.Time) []ScheduledTrigger {
	out := make([]ScheduledTrigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, ScheduledTrigger{
			TriggerID:          t.ID,
			EventID:            t.EventID,
			TriggerType:        t.Type,
			TriggerTime:        t.FireAt,
			TimeUntilFormatted: humanize.RelTime(t.FireAt, now, "ago", "from now"),
			IsPastDue:          !t.FireAt.After(now),
			State:              t.State,
			Attempts:           t.Attempts,
		})
	}
	return out
}
