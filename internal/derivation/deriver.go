package derivation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// Queue is the slice of the trigger queue that derivation writes to.
type Queue interface {
	ActiveForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error)
	Insert(ctx context.Context, trigger domain.Trigger) error
	// Supersede atomically marks the active trigger oldID skipped and, when
	// replacement is non-nil, inserts it. Returns domain.ErrTriggerNotFound
	// if oldID is no longer active.
	Supersede(ctx context.Context, oldID uuid.UUID, reason domain.SkipReason, replacement *domain.Trigger, now time.Time) error
	SkipActiveForEvent(ctx context.Context, eventID uuid.UUID, reason domain.SkipReason, now time.Time) (int, error)
}

type AuditLog interface {
	Append(ctx context.Context, record domain.AuditRecord) (uuid.UUID, error)
}

// Result summarises what one Sync changed.
type Result struct {
	Inserted   int
	Superseded int
	Dropped    int
	Kept       int
	Cancelled  int
}

type Deriver struct {
	queue Queue
	audit AuditLog
	clock func() time.Time
	log   zerolog.Logger
}

func New(queue Queue, audit AuditLog) *Deriver {
	return &Deriver{
		queue: queue,
		audit: audit,
		clock: time.Now,
		log:   log.Logger.With().Str("component", "derivation").Logger(),
	}
}

// WithClock replaces the wall clock, for tests and replay tooling.
func (d *Deriver) WithClock(clock func() time.Time) *Deriver {
	d.clock = clock
	return d
}

// OnEventChange adapts Sync to the lifecycle observer signature.
func (d *Deriver) OnEventChange(ctx context.Context, event domain.Event) error {
	_, err := d.Sync(ctx, event)
	return err
}

// Sync brings the event's active triggers in line with Plan. It is
// idempotent: running it twice for the same event version changes nothing
// the second time.
func (d *Deriver) Sync(ctx context.Context, event domain.Event) (Result, error) {
	now := d.clock().UTC()
	var res Result

	if event.Status == domain.EventStatusCancelled {
		n, err := d.queue.SkipActiveForEvent(ctx, event.ID, domain.SkipCancelled, now)
		if err != nil {
			return res, fmt.Errorf("skip cancelled triggers: %w", err)
		}
		res.Cancelled = n
		if n > 0 {
			d.log.Info().Str("event_id", event.ID.String()).Int("skipped", n).Msg("event cancelled, triggers skipped")
		}
		return res, nil
	}

	planned, err := Plan(event, now)
	if err != nil {
		return res, err
	}

	active, err := d.queue.ActiveForEvent(ctx, event.ID)
	if err != nil {
		return res, fmt.Errorf("list active triggers: %w", err)
	}

	existing := make(map[domain.TriggerType]domain.Trigger, len(active))
	for _, t := range active {
		existing[t.Type] = t
	}
	wanted := make(map[domain.TriggerType]Planned, len(planned))
	for _, p := range planned {
		wanted[p.Type] = p
	}

	for _, typ := range domain.TriggerTypes {
		p, want := wanted[typ]
		old, has := existing[typ]

		switch {
		case want && !has:
			if err := d.insert(ctx, event, p, now); err != nil {
				return res, err
			}
			res.Inserted++

		case want && has && old.FireAt.Equal(p.FireAt):
			res.Kept++

		case want && has:
			replacement := newTrigger(event.ID, p, now)
			if err := d.queue.Supersede(ctx, old.ID, domain.SkipSuperseded, &replacement, now); err != nil {
				if errors.Is(err, domain.ErrTriggerNotFound) || errors.Is(err, domain.ErrDuplicateTrigger) {
					d.log.Debug().Str("trigger_id", old.ID.String()).Msg("trigger changed concurrently, leaving as is")
					continue
				}
				return res, fmt.Errorf("supersede %s: %w", typ, err)
			}
			d.note(ctx, old, domain.OutcomeSuperseded,
				fmt.Sprintf("rescheduled from %s to %s", old.FireAt.Format(time.RFC3339), p.FireAt.Format(time.RFC3339)), now)
			res.Superseded++

		case has:
			if err := d.queue.Supersede(ctx, old.ID, domain.SkipNotApplicable, nil, now); err != nil {
				if errors.Is(err, domain.ErrTriggerNotFound) {
					continue
				}
				return res, fmt.Errorf("drop %s: %w", typ, err)
			}
			d.note(ctx, old, domain.OutcomeSkipped,
				fmt.Sprintf("no longer applicable (status=%s, registration_status=%s)", event.Status, event.RegistrationStatus), now)
			res.Dropped++
		}
	}

	if res.Inserted+res.Superseded+res.Dropped > 0 {
		d.log.Info().
			Str("event_id", event.ID.String()).
			Int64("version", event.Version).
			Int("inserted", res.Inserted).
			Int("superseded", res.Superseded).
			Int("dropped", res.Dropped).
			Msg("triggers derived")
	}
	return res, nil
}

func (d *Deriver) insert(ctx context.Context, event domain.Event, p Planned, now time.Time) error {
	err := d.queue.Insert(ctx, newTrigger(event.ID, p, now))
	if errors.Is(err, domain.ErrDuplicateTrigger) {
		// A concurrent Sync for the same event got there first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", p.Type, err)
	}
	if p.Overdue {
		d.log.Info().Str("event_id", event.ID.String()).Str("trigger_type", string(p.Type)).
			Time("fire_at", p.FireAt).Msg("planned overdue trigger, next tick will catch up")
	}
	return nil
}

// note appends an audit entry for a trigger that derivation retired. Audit
// failures are logged; the queue change already committed.
func (d *Deriver) note(ctx context.Context, old domain.Trigger, outcome domain.AuditOutcome, msg string, now time.Time) {
	id := old.ID
	rec := domain.AuditRecord{
		ID:          uuid.New(),
		EventID:     old.EventID,
		TriggerID:   &id,
		TriggerType: old.Type,
		ExecutedAt:  now,
		Mode:        domain.ExecutionModeAutomatic,
		Outcome:     outcome,
		Note:        msg,
	}
	if _, err := d.audit.Append(ctx, rec); err != nil {
		d.log.Error().Err(err).Str("trigger_id", old.ID.String()).Msg("failed to append derivation audit note")
	}
}

func newTrigger(eventID uuid.UUID, p Planned, now time.Time) domain.Trigger {
	return domain.Trigger{
		ID:        uuid.New(),
		EventID:   eventID,
		Type:      p.Type,
		FireAt:    p.FireAt,
		State:     domain.TriggerStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
