// Package memory is an in-process implementation of the event store, the
// trigger queue and the audit log. It keeps the same invariants as the SQL
// stores (version-checked writes, one active trigger per event and type,
// CAS claims) and backs the scheduler tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

type activeKey struct {
	eventID uuid.UUID
	typ     domain.TriggerType
}

// Store is safe for concurrent use. A single mutex plays the role of the
// database's row locks.
type Store struct {
	mu sync.Mutex

	events   map[uuid.UUID]domain.Event
	triggers map[uuid.UUID]domain.Trigger
	active   map[activeKey]uuid.UUID
	audit    []domain.AuditRecord

	clock func() time.Time
}

func New() *Store {
	return &Store{
		events:   make(map[uuid.UUID]domain.Event),
		triggers: make(map[uuid.UUID]domain.Trigger),
		active:   make(map[activeKey]uuid.UUID),
		clock:    time.Now,
	}
}

// WithClock sets the clock used for UpdatedAt stamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Events

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return domain.ErrVersionConflict
	}
	if e.Version == 0 {
		e.Version = 1
	}
	s.events[e.ID] = e
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, nil
}

func (s *Store) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.EventPatch) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if e.Version != expectedVersion {
		return domain.Event{}, domain.ErrVersionConflict
	}
	e = patch.Apply(e)
	e.Version++
	e.UpdatedAt = s.clock().UTC()
	s.events[id] = e
	return e, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return domain.ErrEventNotFound
	}
	delete(s.events, id)
	return nil
}

// ListActiveEvents returns upcoming and ongoing events ordered by start.
func (s *Store) ListActiveEvents(ctx context.Context, limit, offset int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, e := range s.events {
		if e.Status == domain.EventStatusUpcoming || e.Status == domain.EventStatusOngoing {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return page(out, limit, offset), nil
}

func (s *Store) CountEvents(ctx context.Context) (domain.EventCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c domain.EventCounts
	for _, e := range s.events {
		switch e.Status {
		case domain.EventStatusUpcoming:
			c.Upcoming++
		case domain.EventStatusOngoing:
			c.Ongoing++
		}
	}
	return c, nil
}

// Triggers

func (s *Store) Insert(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t)
}

func (s *Store) insertLocked(t domain.Trigger) error {
	if t.State.Active() {
		key := activeKey{t.EventID, t.Type}
		if _, exists := s.active[key]; exists {
			return domain.ErrDuplicateTrigger
		}
		s.active[key] = t.ID
	}
	s.triggers[t.ID] = cloneTrigger(t)
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return cloneTrigger(t), nil
}

func (s *Store) ActiveForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(t domain.Trigger) bool {
		return t.EventID == eventID && t.State.Active()
	}), nil
}

// ListForEvent returns every trigger ever created for the event, any state.
func (s *Store) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(t domain.Trigger) bool {
		return t.EventID == eventID
	}), nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterLocked(func(t domain.Trigger) bool {
		return t.IsDue(now)
	})
	return page(out, limit, 0), nil
}

func (s *Store) Upcoming(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := now.Add(window)
	out := s.filterLocked(func(t domain.Trigger) bool {
		return t.State.Active() && t.FireAt.After(now) && !t.FireAt.After(horizon)
	})
	return page(out, limit, 0), nil
}

// Overdue lists active triggers whose fire_at is at or before now-grace.
func (s *Store) Overdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-grace)
	out := s.filterLocked(func(t domain.Trigger) bool {
		return t.State.Active() && !t.FireAt.After(cutoff)
	})
	return page(out, limit, 0), nil
}

func (s *Store) Counts(ctx context.Context, now time.Time) (domain.TriggerCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c domain.TriggerCounts
	for _, t := range s.triggers {
		if !t.State.Active() {
			continue
		}
		c.Queued++
		if !t.FireAt.After(now) {
			c.Due++
		}
	}
	return c, nil
}

func (s *Store) Claim(ctx context.Context, id, token uuid.UUID, now, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	if !t.IsDue(now) {
		return domain.ErrClaimConflict
	}
	t.State = domain.TriggerStateClaimed
	t.ClaimToken = token
	t.ClaimExpiresAt = &expiresAt
	t.UpdatedAt = now
	s.triggers[id] = t
	return nil
}

// heldLocked returns the trigger if token still holds its claim.
func (s *Store) heldLocked(id, token uuid.UUID) (domain.Trigger, error) {
	t, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	if t.State != domain.TriggerStateClaimed || t.ClaimToken != token {
		return domain.Trigger{}, domain.ErrClaimExpired
	}
	return t, nil
}

func (s *Store) Release(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldLocked(id, token)
	if err != nil {
		return err
	}
	t.State = domain.TriggerStatePending
	t.ClaimToken = uuid.Nil
	t.ClaimExpiresAt = nil
	t.UpdatedAt = now
	s.triggers[id] = t
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, id, token uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldLocked(id, token)
	if err != nil {
		return err
	}
	t.State = domain.TriggerStatePending
	t.ClaimToken = uuid.Nil
	t.ClaimExpiresAt = nil
	t.Attempts = attempts
	t.NextAttemptAt = &nextAttemptAt
	t.LastError = lastErr
	t.UpdatedAt = now
	s.triggers[id] = t
	return nil
}

func (s *Store) MarkExecuted(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldLocked(id, token)
	if err != nil {
		return err
	}
	t.State = domain.TriggerStateExecuted
	t.ClaimExpiresAt = nil
	t.UpdatedAt = now
	s.triggers[id] = t
	delete(s.active, activeKey{t.EventID, t.Type})
	return nil
}

func (s *Store) MarkSkipped(ctx context.Context, id, token uuid.UUID, reason domain.SkipReason, escalated bool, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldLocked(id, token)
	if err != nil {
		return err
	}
	t.ClaimExpiresAt = nil
	t.Escalated = escalated
	if lastErr != "" {
		t.LastError = lastErr
	}
	s.skipLocked(t, reason, now)
	return nil
}

func (s *Store) skipLocked(t domain.Trigger, reason domain.SkipReason, now time.Time) {
	t.State = domain.TriggerStateSkipped
	t.SkipReason = reason
	t.UpdatedAt = now
	s.triggers[t.ID] = t
	delete(s.active, activeKey{t.EventID, t.Type})
}

func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, reason domain.SkipReason, replacement *domain.Trigger, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.triggers[oldID]
	if !ok || !old.State.Active() {
		return domain.ErrTriggerNotFound
	}
	s.skipLocked(old, reason, now)
	if replacement == nil {
		return nil
	}
	return s.insertLocked(*replacement)
}

func (s *Store) SkipActiveForEvent(ctx context.Context, eventID uuid.UUID, reason domain.SkipReason, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.triggers {
		if t.EventID == eventID && t.State.Active() {
			s.skipLocked(t, reason, now)
			n++
		}
	}
	return n, nil
}

// filterLocked returns matching triggers ordered by fire_at, then id.
func (s *Store) filterLocked(keep func(domain.Trigger) bool) []domain.Trigger {
	var out []domain.Trigger
	for _, t := range s.triggers {
		if keep(t) {
			out = append(out, cloneTrigger(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Type.Precedes(out[j].Type) ||
				(out[i].Type == out[j].Type && out[i].ID.String() < out[j].ID.String())
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Audit log

func (s *Store) Append(ctx context.Context, rec domain.AuditRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s.audit = append(s.audit, rec)
	return rec.ID, nil
}

// Query returns matching records oldest first.
func (s *Store) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditRecord
	for _, r := range s.audit {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// Recent returns the newest records first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditRecord, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	return page(out, limit, 0), nil
}

func page[T any](items []T, limit, offset int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneTrigger(t domain.Trigger) domain.Trigger {
	if t.ClaimExpiresAt != nil {
		v := *t.ClaimExpiresAt
		t.ClaimExpiresAt = &v
	}
	if t.NextAttemptAt != nil {
		v := *t.NextAttemptAt
		t.NextAttemptAt = &v
	}
	return t
}
