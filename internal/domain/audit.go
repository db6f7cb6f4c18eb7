package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionMode string

const (
	ExecutionModeAutomatic ExecutionMode = "automatic"
	ExecutionModeManual    ExecutionMode = "manual"
)

type AuditOutcome string

const (
	OutcomeTransitioned AuditOutcome = "transitioned"
	OutcomeOverridden   AuditOutcome = "overridden"
	OutcomeSkipped      AuditOutcome = "skipped"
	OutcomeSuperseded   AuditOutcome = "superseded"
	OutcomeEscalated    AuditOutcome = "escalated"
)

// AuditRecord is an append-only ledger entry. Records are never updated;
// corrections are new records.
type AuditRecord struct {
	ID uuid.UUID

	EventID     uuid.UUID
	TriggerID   *uuid.UUID
	TriggerType TriggerType // empty for manual overrides

	OldStatus string
	NewStatus string

	ExecutedAt time.Time
	Mode       ExecutionMode
	Actor      *string

	Outcome   AuditOutcome
	Note      string
	Escalated bool
}

// AuditFilter narrows Query results. Zero values mean "any". Offset skips
// that many matching records in execution order before Limit applies.
type AuditFilter struct {
	EventID *uuid.UUID
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// Matches reports whether r passes the filter (Limit and Offset are not
// considered).
func (f AuditFilter) Matches(r AuditRecord) bool {
	if f.EventID != nil && r.EventID != *f.EventID {
		return false
	}
	if f.From != nil && r.ExecutedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.ExecutedAt.After(*f.To) {
		return false
	}
	return true
}
