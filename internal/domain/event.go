package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusDraft     EventStatus = "draft"
	EventStatusUpcoming  EventStatus = "upcoming"
	EventStatusOngoing   EventStatus = "ongoing"
	EventStatusCompleted EventStatus = "completed"
	EventStatusCancelled EventStatus = "cancelled"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusDraft, EventStatusUpcoming, EventStatusOngoing, EventStatusCompleted, EventStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition can leave this status.
func (s EventStatus) Terminal() bool {
	return s == EventStatusCompleted || s == EventStatusCancelled
}

type RegistrationStatus string

const (
	RegistrationNotOpen RegistrationStatus = "not_open"
	RegistrationOpen    RegistrationStatus = "open"
	RegistrationClosed  RegistrationStatus = "closed"
)

func (s RegistrationStatus) Valid() bool {
	switch s {
	case RegistrationNotOpen, RegistrationOpen, RegistrationClosed:
		return true
	}
	return false
}

// Timing holds the four wall-clock fields that drive trigger derivation.
type Timing struct {
	RegistrationStart time.Time
	RegistrationEnd   time.Time
	StartAt           time.Time
	EndAt             time.Time
}

// Validate enforces registration_start <= registration_end <= start <= end.
func (t Timing) Validate() error {
	switch {
	case t.RegistrationStart.IsZero() || t.RegistrationEnd.IsZero() || t.StartAt.IsZero() || t.EndAt.IsZero():
		return &ConfigurationError{Field: "timing", Message: "all four timestamps are required"}
	case t.RegistrationEnd.Before(t.RegistrationStart):
		return &ConfigurationError{Field: "registration_end", Message: "must not be before registration_start"}
	case t.StartAt.Before(t.RegistrationEnd):
		return &ConfigurationError{Field: "start_datetime", Message: "must not be before registration_end"}
	case t.EndAt.Before(t.StartAt):
		return &ConfigurationError{Field: "end_datetime", Message: "must not be before start_datetime"}
	}
	return nil
}

// Event is the shared event document. The scheduler only ever writes
// Status, RegistrationStatus and Version (through CompareAndUpdate).
type Event struct {
	ID    uuid.UUID
	Title string

	Timing

	Status             EventStatus
	RegistrationStatus RegistrationStatus
	Version            int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventPatch is the set of fields a version-checked write may change.
// Nil fields are left untouched.
type EventPatch struct {
	Status             *EventStatus
	RegistrationStatus *RegistrationStatus
	Timing             *Timing
}

func (p EventPatch) Empty() bool {
	return p.Status == nil && p.RegistrationStatus == nil && p.Timing == nil
}

// Apply returns a copy of e with the patch applied. Version is not touched.
func (p EventPatch) Apply(e Event) Event {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.RegistrationStatus != nil {
		e.RegistrationStatus = *p.RegistrationStatus
	}
	if p.Timing != nil {
		e.Timing = *p.Timing
	}
	return e
}

// EventCounts is the per-status breakdown shown on the status surface.
type EventCounts struct {
	Upcoming int
	Ongoing  int
}

// Active is the number of events that have not reached a terminal status.
func (c EventCounts) Active() int {
	return c.Upcoming + c.Ongoing
}
