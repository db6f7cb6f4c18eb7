package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// Queue is the trigger queue as the executor sees it. Every write after
// Claim is conditional on the claim token still being current; a stale
// token yields domain.ErrClaimExpired.
type Queue interface {
	Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
	Claim(ctx context.Context, id, token uuid.UUID, now, expiresAt time.Time) error
	Release(ctx context.Context, id, token uuid.UUID, now time.Time) error
	RecordFailure(ctx context.Context, id, token uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error
	MarkExecuted(ctx context.Context, id, token uuid.UUID, now time.Time) error
	MarkSkipped(ctx context.Context, id, token uuid.UUID, reason domain.SkipReason, escalated bool, lastErr string, now time.Time) error
	ActiveForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error)
}

// EventStore is the executor's view of events: a read and the
// version-checked write every transition goes through.
type EventStore interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.EventPatch) (domain.Event, error)
}

// AuditLog receives one record per executed, skipped or escalated trigger.
type AuditLog interface {
	Append(ctx context.Context, record domain.AuditRecord) (uuid.UUID, error)
}

// Notifier receives committed transitions. Implementations must return
// promptly; a returned error is logged and never affects the transition.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// CacheInvalidator drops any cached status snapshot after a transition.
type CacheInvalidator interface {
	Invalidate(ctx context.Context)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, executed int, err error)
	TickDrift(drift time.Duration)
	TriggerOutcome(outcome string)
	CatchUp()
	TransitionLag(lag time.Duration)
}

// Trigger outcomes, also used as metric label values.
const (
	OutcomeExecuted      = "executed"
	OutcomeSkipped       = "skipped"
	OutcomeClaimConflict = "claim_conflict"
	OutcomeVersionRetry  = "version_conflict"
	OutcomeDeferred      = "deferred"
	OutcomeRetry         = "retry"
	OutcomeEscalated     = "escalated"
)

// Config tunes the tick loop. MaxAttempts counts transient failures before a
// trigger is escalated; backoff doubles from BackoffBase up to BackoffMax.
type Config struct {
	TickInterval time.Duration

	// BatchSize bounds how many due triggers one tick looks at, so a
	// backlog after downtime drains over several ticks.
	BatchSize int

	// ClaimTTL is how long a claim protects a trigger from other executors.
	ClaimTTL time.Duration

	// CatchUpGrace separates "due" from "overdue" for logging and metrics.
	CatchUpGrace time.Duration

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ClaimRate limits claims per second across a tick. 0 means unlimited.
	ClaimRate float64

	// OpTimeout bounds the processing of a single trigger. 0 disables it.
	OpTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		BatchSize:    100,
		ClaimTTL:     5 * time.Minute,
		CatchUpGrace: time.Minute,
		MaxAttempts:  5,
		BackoffBase:  30 * time.Second,
		BackoffMax:   10 * time.Minute,
		ClaimRate:    50,
		OpTimeout:    30 * time.Second,
	}
}

// TickResult counts what one tick did.
type TickResult struct {
	Due       int
	Executed  int
	Skipped   int
	Conflicts int
	Deferred  int
	Retried   int
	Escalated int
	CaughtUp  int
}

// Scheduler claims and executes due triggers. It holds no state that other
// instances need: any number of schedulers may share one queue.
type Scheduler struct {
	config   Config
	queue    Queue
	events   EventStore
	audit    AuditLog
	notifier Notifier         // optional, nil = disabled
	cache    CacheInvalidator // optional, nil = disabled
	metrics  MetricsSink      // optional, nil = disabled
	limiter  *rate.Limiter
	clock    func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	lastTick time.Time
	running  bool
}

// New builds a scheduler over the given queue, event store and audit log.
// ClaimRate 0 disables claim pacing.
func New(config Config, queue Queue, events EventStore, audit AuditLog) *Scheduler {
	limit := rate.Inf
	burst := 1
	if config.ClaimRate > 0 {
		limit = rate.Limit(config.ClaimRate)
		burst = int(config.ClaimRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &Scheduler{
		config:  config,
		queue:   queue,
		events:  events,
		audit:   audit,
		limiter: rate.NewLimiter(limit, burst),
		clock:   time.Now,
		log:     log.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// WithNotifier attaches the hook that hears about committed transitions.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithCacheInvalidator drops the status snapshot after each transition.
func (s *Scheduler) WithCacheInvalidator(c CacheInvalidator) *Scheduler {
	s.cache = c
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// LastTick returns when the most recent tick started (zero before the first).
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run ticks immediately, so overdue triggers are caught up right after a
// restart, then every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.setRunning(true)
	defer s.setRunning(false)

	s.log.Info().Dur("tick", s.config.TickInterval).Int("batch", s.config.BatchSize).
		Dur("claim_ttl", s.config.ClaimTTL).Msg("started")

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("tick error")
	}
}

// Tick runs one pass over the due triggers.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	start := s.clock()
	now := start.UTC()

	s.mu.Lock()
	prev := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TickStarted()
		if !prev.IsZero() {
			s.metrics.TickDrift(now.Sub(prev) - s.config.TickInterval)
		}
	}

	res, err := s.tick(ctx, now)

	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), res.Executed, err)
	}
	if err == nil && res.Due > 0 {
		s.log.Info().
			Int("due", res.Due).
			Int("executed", res.Executed).
			Int("skipped", res.Skipped).
			Int("conflicts", res.Conflicts).
			Int("deferred", res.Deferred).
			Int("retried", res.Retried).
			Int("escalated", res.Escalated).
			Int("caught_up", res.CaughtUp).
			Msg("tick complete")
	}
	return res, err
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult

	due, err := s.queue.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("query due triggers: %w", err)
	}
	res.Due = len(due)

	for _, t := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}

		if t.FireAt.Before(now.Add(-s.config.CatchUpGrace)) {
			res.CaughtUp++
			if s.metrics != nil {
				s.metrics.CatchUp()
			}
		}

		outcome := s.process(ctx, t, now)
		switch outcome {
		case OutcomeExecuted:
			res.Executed++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeClaimConflict, OutcomeVersionRetry:
			res.Conflicts++
		case OutcomeDeferred:
			res.Deferred++
		case OutcomeRetry:
			res.Retried++
		case OutcomeEscalated:
			res.Escalated++
		}
		if s.metrics != nil && outcome != "" {
			s.metrics.TriggerOutcome(outcome)
		}
	}
	return res, nil
}

// process claims and executes one trigger and returns its outcome. An
// empty outcome means the claim itself failed and nothing is held.
func (s *Scheduler) process(ctx context.Context, t domain.Trigger, now time.Time) string {
	if s.config.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.OpTimeout)
		defer cancel()
	}

	lg := s.log.With().
		Str("trigger_id", t.ID.String()).
		Str("event_id", t.EventID.String()).
		Str("trigger_type", string(t.Type)).
		Logger()

	token := uuid.New()
	if err := s.queue.Claim(ctx, t.ID, token, now, now.Add(s.config.ClaimTTL)); err != nil {
		if errors.Is(err, domain.ErrClaimConflict) || errors.Is(err, domain.ErrTriggerNotFound) {
			lg.Debug().Msg("claimed elsewhere, skipping")
			return OutcomeClaimConflict
		}
		lg.Error().Err(err).Msg("claim failed")
		return ""
	}
	if t.State == domain.TriggerStateClaimed {
		lg.Warn().Time("claim_expired_at", *t.ClaimExpiresAt).Msg("reclaimed expired claim")
	}
	if t.FireAt.Before(now.Add(-s.config.CatchUpGrace)) {
		lg.Info().Time("fire_at", t.FireAt).Dur("late", now.Sub(t.FireAt)).Msg("catching up overdue trigger")
	}

	tr, err := domain.TransitionFor(t.Type)
	if err != nil {
		return s.skip(ctx, lg, t, token, domain.SkipNotApplicable, err.Error(), now)
	}

	event, err := s.events.GetEvent(ctx, t.EventID)
	if errors.Is(err, domain.ErrEventNotFound) {
		return s.skip(ctx, lg, t, token, domain.SkipEventDeleted, "event no longer exists", now)
	}
	if err != nil {
		return s.fail(ctx, lg, t, token, domain.Transient("get event", err), now)
	}

	// Cancellation already retired the event's triggers and audited the
	// override; leftovers are dropped without a further record.
	if event.Status == domain.EventStatusCancelled {
		if err := s.queue.MarkSkipped(ctx, t.ID, token, domain.SkipCancelled, false, "", now); err != nil {
			lg.Warn().Err(err).Msg("could not skip trigger of cancelled event")
			return OutcomeClaimConflict
		}
		lg.Info().Msg("event cancelled, trigger skipped")
		return OutcomeSkipped
	}

	// A timing edit supersedes this trigger; the derivation that does so
	// may not have landed yet.
	if want := t.Type.FireAt(event.Timing); !want.Equal(t.FireAt) {
		return s.skip(ctx, lg, t, token, domain.SkipSuperseded,
			fmt.Sprintf("fire time %s no longer matches event timing %s", t.FireAt.Format(time.RFC3339), want.UTC().Format(time.RFC3339)), now)
	}
	// Transitions of one event fire in type order. An earlier trigger that
	// is backing off, was released or is held elsewhere goes first.
	blocker, err := s.earlierActive(ctx, t)
	if err != nil {
		return s.fail(ctx, lg, t, token, domain.Transient("list event triggers", err), now)
	}
	if blocker != nil {
		if err := s.queue.Release(ctx, t.ID, token, now); err != nil {
			lg.Warn().Err(err).Msg("release failed, claim will expire")
		}
		lg.Debug().Str("waiting_for", string(blocker.Type)).Str("blocker_state", string(blocker.State)).Msg("deferred behind earlier trigger")
		return OutcomeDeferred
	}

	if !tr.Holds(event) {
		return s.skip(ctx, lg, t, token, domain.SkipStale,
			fmt.Sprintf("precondition no longer holds (status=%s, registration_status=%s)", event.Status, event.RegistrationStatus), now)
	}

	if _, err := s.events.CompareAndUpdate(ctx, event.ID, event.Version, tr.Patch()); err != nil {
		switch {
		case errors.Is(err, domain.ErrVersionConflict):
			lg.Info().Int64("version", event.Version).Msg("event changed concurrently, releasing claim")
			if err := s.queue.Release(ctx, t.ID, token, now); err != nil {
				lg.Warn().Err(err).Msg("release failed, claim will expire")
			}
			return OutcomeVersionRetry
		case errors.Is(err, domain.ErrEventNotFound):
			return s.skip(ctx, lg, t, token, domain.SkipEventDeleted, "event deleted before transition", now)
		default:
			return s.fail(ctx, lg, t, token, domain.Transient("update event", err), now)
		}
	}

	// The transition is committed. Nothing below may undo it.
	triggerID := t.ID
	rec := domain.AuditRecord{
		ID:          uuid.New(),
		EventID:     t.EventID,
		TriggerID:   &triggerID,
		TriggerType: t.Type,
		OldStatus:   tr.Current(event),
		NewStatus:   tr.Target(),
		ExecutedAt:  now,
		Mode:        domain.ExecutionModeAutomatic,
		Outcome:     domain.OutcomeTransitioned,
	}
	if _, err := s.audit.Append(ctx, rec); err != nil {
		lg.Error().Err(err).Str("old_status", rec.OldStatus).Str("new_status", rec.NewStatus).
			Time("executed_at", now).Msg("transition committed but audit append failed")
	}

	if err := s.queue.MarkExecuted(ctx, t.ID, token, now); err != nil {
		lg.Warn().Err(err).Msg("transition committed but trigger not marked executed")
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	if s.metrics != nil {
		s.metrics.TransitionLag(now.Sub(t.FireAt))
	}
	s.notify(ctx, lg, domain.Notification{
		EventID:     t.EventID,
		TriggerID:   t.ID,
		TriggerType: t.Type,
		OldStatus:   rec.OldStatus,
		NewStatus:   rec.NewStatus,
		ExecutedAt:  now,
	})

	lg.Info().Str("old_status", rec.OldStatus).Str("new_status", rec.NewStatus).Msg("transition executed")
	return OutcomeExecuted
}

// earlierActive returns an active trigger of the same event whose type
// precedes t's, or nil.
func (s *Scheduler) earlierActive(ctx context.Context, t domain.Trigger) (*domain.Trigger, error) {
	active, err := s.queue.ActiveForEvent(ctx, t.EventID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].ID != t.ID && active[i].Type.Precedes(t.Type) {
			return &active[i], nil
		}
	}
	return nil, nil
}

func (s *Scheduler) notify(ctx context.Context, lg zerolog.Logger, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		lg.Warn().Err(fmt.Errorf("%w: %v", domain.ErrDownstreamNotify, err)).Msg("notify failed")
	}
}

// skip retires a claimed trigger and records why.
func (s *Scheduler) skip(ctx context.Context, lg zerolog.Logger, t domain.Trigger, token uuid.UUID, reason domain.SkipReason, note string, now time.Time) string {
	if err := s.queue.MarkSkipped(ctx, t.ID, token, reason, false, "", now); err != nil {
		lg.Warn().Err(err).Str("reason", string(reason)).Msg("could not mark skipped")
		return OutcomeClaimConflict
	}
	s.appendNote(ctx, lg, t, domain.OutcomeSkipped, false, note, now)
	lg.Info().Str("reason", string(reason)).Msg(note)
	return OutcomeSkipped
}

// fail counts a transient failure against the trigger's attempt budget.
func (s *Scheduler) fail(ctx context.Context, lg zerolog.Logger, t domain.Trigger, token uuid.UUID, cause error, now time.Time) string {
	attempts := t.Attempts + 1

	if attempts >= s.config.MaxAttempts {
		msg := fmt.Sprintf("%v after %d attempts: %v", domain.ErrAttemptsExceeded, attempts, cause)
		if err := s.queue.MarkSkipped(ctx, t.ID, token, domain.SkipAttemptsExceeded, true, cause.Error(), now); err != nil {
			lg.Error().Err(err).Msg("could not escalate trigger, claim will expire")
			return OutcomeRetry
		}
		s.appendNote(ctx, lg, t, domain.OutcomeEscalated, true, msg, now)
		lg.Error().Err(cause).Int("attempts", attempts).Msg("trigger escalated")
		return OutcomeEscalated
	}

	next := now.Add(s.backoff(attempts))
	if err := s.queue.RecordFailure(ctx, t.ID, token, attempts, next, cause.Error(), now); err != nil {
		lg.Error().Err(err).Msg("could not record failure, claim will expire")
	}
	lg.Warn().Err(cause).Int("attempts", attempts).Time("next_attempt_at", next).Msg("trigger failed, will retry")
	return OutcomeRetry
}

func (s *Scheduler) appendNote(ctx context.Context, lg zerolog.Logger, t domain.Trigger, outcome domain.AuditOutcome, escalated bool, note string, now time.Time) {
	triggerID := t.ID
	rec := domain.AuditRecord{
		ID:          uuid.New(),
		EventID:     t.EventID,
		TriggerID:   &triggerID,
		TriggerType: t.Type,
		ExecutedAt:  now,
		Mode:        domain.ExecutionModeAutomatic,
		Outcome:     outcome,
		Note:        note,
		Escalated:   escalated,
	}
	if _, err := s.audit.Append(ctx, rec); err != nil {
		lg.Error().Err(err).Str("outcome", string(outcome)).Str("note", note).Msg("audit append failed")
	}
}

// backoff doubles from BackoffBase per attempt, capped at BackoffMax.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.config.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if s.config.BackoffMax > 0 && d >= s.config.BackoffMax {
			return s.config.BackoffMax
		}
	}
	if s.config.BackoffMax > 0 && d > s.config.BackoffMax {
		return s.config.BackoffMax
	}
	return d
}
