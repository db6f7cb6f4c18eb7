// Package lifecycle is the event write path. Every change goes through the
// version-checked CompareAndUpdate primitive and is followed, in the same
// call, by the registered change callbacks (trigger derivation in
// production).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// ErrInvalidStatus rejects a status or registration status the write path
// does not accept.
var ErrInvalidStatus = errors.New("invalid status")

// EventStore is the event persistence the write path needs.
type EventStore interface {
	CreateEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.EventPatch) (domain.Event, error)
	DeleteEvent(ctx context.Context, id uuid.UUID) error
}

// TriggerCanceller retires the active triggers of a cancelled or deleted
// event.
type TriggerCanceller interface {
	SkipActiveForEvent(ctx context.Context, eventID uuid.UUID, reason domain.SkipReason, now time.Time) (int, error)
}

// AuditLog records manual overrides.
type AuditLog interface {
	Append(ctx context.Context, record domain.AuditRecord) (uuid.UUID, error)
}

// CacheInvalidator drops the cached status snapshot after a write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context)
}

// ChangeFunc is called synchronously with the committed event after every
// create and update.
type ChangeFunc func(ctx context.Context, event domain.Event) error

// Service validates and applies event writes, then notifies the change
// callbacks.
type Service struct {
	events    EventStore
	triggers  TriggerCanceller
	audit     AuditLog
	cache     CacheInvalidator // optional, nil = disabled
	callbacks []ChangeFunc
	clock     func() time.Time
	log       zerolog.Logger
}

// New builds a Service. Register derivation with OnEventChange before use.
func New(events EventStore, triggers TriggerCanceller, audit AuditLog) *Service {
	return &Service{
		events:   events,
		triggers: triggers,
		audit:    audit,
		clock:    time.Now,
		log:      log.Logger.With().Str("component", "lifecycle").Logger(),
	}
}

// OnEventChange registers fn to run after every committed create or update.
// Must be called before the service is shared.
func (s *Service) OnEventChange(fn ChangeFunc) *Service {
	s.callbacks = append(s.callbacks, fn)
	return s
}

// WithCacheInvalidator sets the snapshot cache dropped after every write.
func (s *Service) WithCacheInvalidator(c CacheInvalidator) *Service {
	s.cache = c
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateInput is a new event before it has an id or version.
type CreateInput struct {
	Title              string
	Timing             domain.Timing
	Status             domain.EventStatus        // default upcoming
	RegistrationStatus domain.RegistrationStatus // default not_open
}

// Create stores a new event at version 1 and derives its triggers.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Event, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Event{}, &domain.ConfigurationError{Field: "title", Message: "is required"}
	}
	if err := in.Timing.Validate(); err != nil {
		return domain.Event{}, err
	}

	status := in.Status
	if status == "" {
		status = domain.EventStatusUpcoming
	}
	if status != domain.EventStatusDraft && status != domain.EventStatusUpcoming {
		return domain.Event{}, fmt.Errorf("%w: new events must be draft or upcoming, got %q", ErrInvalidStatus, status)
	}
	reg := in.RegistrationStatus
	if reg == "" {
		reg = domain.RegistrationNotOpen
	}
	if !reg.Valid() {
		return domain.Event{}, fmt.Errorf("%w: registration_status %q", ErrInvalidStatus, reg)
	}

	now := s.clock().UTC()
	e := domain.Event{
		ID:                 uuid.New(),
		Title:              strings.TrimSpace(in.Title),
		Timing:             utcTiming(in.Timing),
		Status:             status,
		RegistrationStatus: reg,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.events.CreateEvent(ctx, e); err != nil {
		return domain.Event{}, fmt.Errorf("create event: %w", err)
	}

	s.log.Info().Str("event_id", e.ID.String()).Str("status", string(e.Status)).Msg("event created")
	s.changed(ctx, e)
	return e, nil
}

// UpdateTiming replaces the four timing fields. Triggers whose fire time
// moved are superseded by the change callbacks.
func (s *Service) UpdateTiming(ctx context.Context, id uuid.UUID, expectedVersion int64, timing domain.Timing) (domain.Event, error) {
	if err := timing.Validate(); err != nil {
		return domain.Event{}, err
	}
	timing = utcTiming(timing)

	e, err := s.events.CompareAndUpdate(ctx, id, expectedVersion, domain.EventPatch{Timing: &timing})
	if err != nil {
		return domain.Event{}, err
	}

	s.log.Info().Str("event_id", id.String()).Int64("version", e.Version).Msg("event timing updated")
	s.changed(ctx, e)
	return e, nil
}

// Override is an operator setting status fields directly. Each changed
// field gets a manual audit record naming the actor.
type Override struct {
	Status             *domain.EventStatus
	RegistrationStatus *domain.RegistrationStatus
	Actor              string
	Reason             string
}

// Override applies o if expectedVersion is current, writes the manual audit
// records and re-derives triggers.
func (s *Service) Override(ctx context.Context, id uuid.UUID, expectedVersion int64, o Override) (domain.Event, error) {
	if o.Status == nil && o.RegistrationStatus == nil {
		return domain.Event{}, fmt.Errorf("%w: nothing to change", ErrInvalidStatus)
	}
	if o.Status != nil && !o.Status.Valid() {
		return domain.Event{}, fmt.Errorf("%w: status %q", ErrInvalidStatus, *o.Status)
	}
	if o.RegistrationStatus != nil && !o.RegistrationStatus.Valid() {
		return domain.Event{}, fmt.Errorf("%w: registration_status %q", ErrInvalidStatus, *o.RegistrationStatus)
	}

	before, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return domain.Event{}, err
	}
	if before.Version != expectedVersion {
		return domain.Event{}, domain.ErrVersionConflict
	}

	after, err := s.events.CompareAndUpdate(ctx, id, expectedVersion, domain.EventPatch{
		Status:             o.Status,
		RegistrationStatus: o.RegistrationStatus,
	})
	if err != nil {
		return domain.Event{}, err
	}

	now := s.clock().UTC()
	var retireErr error
	if after.Status == domain.EventStatusCancelled && before.Status != domain.EventStatusCancelled {
		if _, err := s.triggers.SkipActiveForEvent(ctx, id, domain.SkipCancelled, now); err != nil {
			retireErr = domain.Transient("skip triggers of cancelled event", err)
		}
	}
	if before.Status != after.Status {
		s.record(ctx, after.ID, string(before.Status), string(after.Status), o, now)
	}
	if before.RegistrationStatus != after.RegistrationStatus {
		s.record(ctx, after.ID, string(before.RegistrationStatus), string(after.RegistrationStatus), o, now)
	}

	s.log.Info().
		Str("event_id", id.String()).
		Str("actor", o.Actor).
		Str("status", string(after.Status)).
		Str("registration_status", string(after.RegistrationStatus)).
		Msg("manual override")
	s.changed(ctx, after)
	if retireErr != nil {
		// The cancellation itself is committed and audited.
		return after, retireErr
	}
	return after, nil
}

// Cancel is an Override to cancelled. The event's active triggers are
// skipped in the same call; if that fails the committed event is returned
// together with the error.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, actor, reason string) (domain.Event, error) {
	cancelled := domain.EventStatusCancelled
	return s.Override(ctx, id, expectedVersion, Override{Status: &cancelled, Actor: actor, Reason: reason})
}

// Delete removes the event and retires its active triggers.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.events.DeleteEvent(ctx, id); err != nil {
		return err
	}

	n, err := s.triggers.SkipActiveForEvent(ctx, id, domain.SkipEventDeleted, s.clock().UTC())
	if err != nil {
		// The executor skips triggers of missing events on its own.
		s.log.Warn().Err(err).Str("event_id", id.String()).Msg("could not skip triggers of deleted event")
	}

	s.log.Info().Str("event_id", id.String()).Int("triggers_skipped", n).Msg("event deleted")
	s.invalidate(ctx)
	return nil
}

// Get returns the current event or domain.ErrEventNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return s.events.GetEvent(ctx, id)
}

func (s *Service) record(ctx context.Context, eventID uuid.UUID, oldStatus, newStatus string, o Override, now time.Time) {
	actor := o.Actor
	rec := domain.AuditRecord{
		ID:         uuid.New(),
		EventID:    eventID,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		ExecutedAt: now,
		Mode:       domain.ExecutionModeManual,
		Actor:      &actor,
		Outcome:    domain.OutcomeOverridden,
		Note:       o.Reason,
	}
	if _, err := s.audit.Append(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID.String()).Str("actor", actor).Msg("override committed but audit append failed")
	}
}

// changed runs the callbacks. A callback failure is logged, not returned:
// the event write is committed and the reconciler repairs the trigger set.
func (s *Service) changed(ctx context.Context, e domain.Event) {
	for _, fn := range s.callbacks {
		if err := fn(ctx, e); err != nil {
			s.log.Error().Err(err).Str("event_id", e.ID.String()).Int64("version", e.Version).Msg("change callback failed")
		}
	}
	s.invalidate(ctx)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}

func utcTiming(t domain.Timing) domain.Timing {
	return domain.Timing{
		RegistrationStart: t.RegistrationStart.UTC(),
		RegistrationEnd:   t.RegistrationEnd.UTC(),
		StartAt:           t.StartAt.UTC(),
		EndAt:             t.EndAt.UTC(),
	}
}
