package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerRegistrationOpen  TriggerType = "registration_open"
	TriggerRegistrationClose TriggerType = "registration_close"
	TriggerEventStart        TriggerType = "event_start"
	TriggerEventEnd          TriggerType = "event_end"
)

// TriggerTypes lists every trigger type in firing order.
var TriggerTypes = []TriggerType{
	TriggerRegistrationOpen,
	TriggerRegistrationClose,
	TriggerEventStart,
	TriggerEventEnd,
}

func (t TriggerType) Valid() bool {
	for _, tt := range TriggerTypes {
		if t == tt {
			return true
		}
	}
	return false
}

// Rank is the position of t in TriggerTypes; unknown types sort last.
func (t TriggerType) Rank() int {
	for i, tt := range TriggerTypes {
		if t == tt {
			return i
		}
	}
	return len(TriggerTypes)
}

// Precedes reports whether t must fire before o for the same event.
func (t TriggerType) Precedes(o TriggerType) bool {
	return t.Rank() < o.Rank()
}

// FireAt returns the timing field that schedules this trigger type.
func (t TriggerType) FireAt(timing Timing) time.Time {
	switch t {
	case TriggerRegistrationOpen:
		return timing.RegistrationStart
	case TriggerRegistrationClose:
		return timing.RegistrationEnd
	case TriggerEventStart:
		return timing.StartAt
	case TriggerEventEnd:
		return timing.EndAt
	}
	return time.Time{}
}

type TriggerState string

const (
	TriggerStatePending  TriggerState = "pending"
	TriggerStateClaimed  TriggerState = "claimed"
	TriggerStateExecuted TriggerState = "executed"
	TriggerStateSkipped  TriggerState = "skipped"
)

// Active reports whether the trigger still counts toward the
// one-per-(event, type) invariant.
func (s TriggerState) Active() bool {
	return s == TriggerStatePending || s == TriggerStateClaimed
}

type SkipReason string

const (
	SkipSuperseded       SkipReason = "superseded"
	SkipNotApplicable    SkipReason = "not_applicable"
	SkipStale            SkipReason = "stale_precondition"
	SkipCancelled        SkipReason = "cancelled"
	SkipEventDeleted     SkipReason = "event_deleted"
	SkipAttemptsExceeded SkipReason = "attempts_exceeded"
)

// Trigger is a scheduled intent to move one event through one transition.
type Trigger struct {
	ID      uuid.UUID
	EventID uuid.UUID
	Type    TriggerType

	FireAt time.Time
	State  TriggerState

	ClaimToken     uuid.UUID // uuid.Nil when unclaimed
	ClaimExpiresAt *time.Time

	Attempts      int
	NextAttemptAt *time.Time // backoff gate after a transient failure
	LastError     string

	SkipReason SkipReason
	Escalated  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimExpired reports whether a claimed trigger may be reclaimed at now.
func (t Trigger) ClaimExpired(now time.Time) bool {
	return t.State == TriggerStateClaimed && t.ClaimExpiresAt != nil && !t.ClaimExpiresAt.After(now)
}

// IsDue reports whether a tick at now should try to claim the trigger.
func (t Trigger) IsDue(now time.Time) bool {
	switch t.State {
	case TriggerStatePending:
		if t.FireAt.After(now) {
			return false
		}
		return t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
	case TriggerStateClaimed:
		return t.ClaimExpired(now)
	}
	return false
}

// Claim identifies a held reservation on a trigger.
type Claim struct {
	TriggerID uuid.UUID
	Token     uuid.UUID
	ExpiresAt time.Time
}

// TriggerCounts summarises the active queue.
type TriggerCounts struct {
	Queued int // all pending/claimed triggers
	Due    int // active triggers with fire_at <= now
}
