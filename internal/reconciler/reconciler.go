// Package reconciler repairs trigger sets that drifted from their events.
//
// Derivation runs synchronously after every event write, but a crash between
// the event commit and the trigger writes leaves an event with missing or
// stale triggers. On a cron schedule the reconciler re-runs Sync for every
// non-terminal event. Sync is idempotent, so a healthy event costs one read.
// Each sweep also publishes how many active triggers are overdue.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/cron"
	"github.com/djlord-it/campus-lifecycle/internal/derivation"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// EventLister pages through upcoming and ongoing events.
type EventLister interface {
	ListActiveEvents(ctx context.Context, limit, offset int) ([]domain.Event, error)
}

type OverdueCounter interface {
	Overdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Trigger, error)
}

type Syncer interface {
	Sync(ctx context.Context, event domain.Event) (derivation.Result, error)
}

type MetricsSink interface {
	OverdueTriggersUpdate(count int)
	EventsResynced(count int)
}

type Config struct {
	// Schedule is a cron expression or descriptor. Default: "@every 5m".
	Schedule string

	// Timezone the schedule is evaluated in. Empty means UTC.
	Timezone string

	// BatchSize is the page size used when listing events.
	BatchSize int

	// CatchUpGrace matches the scheduler's grace so the overdue gauge agrees
	// with what the scheduler counts as a catch-up.
	CatchUpGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Schedule:     "@every 5m",
		BatchSize:    100,
		CatchUpGrace: time.Minute,
	}
}

// SweepResult is what one pass did.
type SweepResult struct {
	Scanned  int
	Resynced int
	Failed   int
	Overdue  int
}

type Reconciler struct {
	config   Config
	schedule cron.Schedule
	events   EventLister
	triggers OverdueCounter
	syncer   Syncer
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	log      zerolog.Logger
}

// New fails when the schedule does not parse.
func New(config Config, events EventLister, triggers OverdueCounter, syncer Syncer) (*Reconciler, error) {
	sched, err := cron.NewParser().Parse(config.Schedule, config.Timezone)
	if err != nil {
		return nil, err
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		config:   config,
		schedule: sched,
		events:   events,
		triggers: triggers,
		syncer:   syncer,
		clock:    time.Now,
		log:      log.Logger.With().Str("component", "reconciler").Logger(),
	}, nil
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run sweeps once immediately, then at every schedule activation until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info().Str("schedule", r.config.Schedule).Int("batch", r.config.BatchSize).Msg("started")

	r.sweepAndLog(ctx)

	for {
		next := r.schedule.Next(r.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Msg("stopped")
			return
		case <-timer.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if res.Resynced > 0 || res.Failed > 0 || res.Overdue > 0 {
		r.log.Info().
			Int("scanned", res.Scanned).
			Int("resynced", res.Resynced).
			Int("failed", res.Failed).
			Int("overdue", res.Overdue).
			Msg("sweep complete")
	}
}

// Sweep re-derives every active event and refreshes the overdue gauge.
// A single event failing to sync is logged and counted; listing failures
// abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	for offset := 0; ; offset += r.config.BatchSize {
		events, err := r.events.ListActiveEvents(ctx, r.config.BatchSize, offset)
		if err != nil {
			return res, fmt.Errorf("list active events: %w", err)
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Scanned++

			out, err := r.syncer.Sync(ctx, ev)
			if err != nil {
				r.log.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("resync failed")
				res.Failed++
				continue
			}
			if out.Inserted+out.Superseded+out.Dropped > 0 {
				res.Resynced++
			}
		}

		if len(events) < r.config.BatchSize {
			break
		}
	}

	overdue, err := r.triggers.Overdue(ctx, r.clock().UTC(), r.config.CatchUpGrace, 0)
	if err != nil {
		return res, fmt.Errorf("count overdue triggers: %w", err)
	}
	res.Overdue = len(overdue)

	if r.metrics != nil {
		r.metrics.OverdueTriggersUpdate(res.Overdue)
		r.metrics.EventsResynced(res.Resynced)
	}
	return res, nil
}
