package api

import (
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/status"
)

type TimingRequest struct {
	RegistrationStart time.Time `json:"registration_start"`
	RegistrationEnd   time.Time `json:"registration_end"`
	StartDatetime     time.Time `json:"start_datetime"`
	EndDatetime       time.Time `json:"end_datetime"`
}

func (t TimingRequest) timing() domain.Timing {
	return domain.Timing{
		RegistrationStart: t.RegistrationStart,
		RegistrationEnd:   t.RegistrationEnd,
		StartAt:           t.StartDatetime,
		EndAt:             t.EndDatetime,
	}
}

type CreateEventRequest struct {
	Title              string `json:"title"`
	Status             string `json:"status,omitempty"`              // default upcoming
	RegistrationStatus string `json:"registration_status,omitempty"` // default not_open
	TimingRequest
}

type UpdateTimingRequest struct {
	Version int64 `json:"version"`
	TimingRequest
}

// StatusRequest is a manual override. At least one of Status and
// RegistrationStatus must be set.
type StatusRequest struct {
	Version            int64  `json:"version"`
	Status             string `json:"status,omitempty"`
	RegistrationStatus string `json:"registration_status,omitempty"`
	Actor              string `json:"actor"`
	Reason             string `json:"reason,omitempty"`
}

type EventResponse struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Status             string `json:"status"`
	RegistrationStatus string `json:"registration_status"`
	RegistrationStart  string `json:"registration_start"`
	RegistrationEnd    string `json:"registration_end"`
	StartDatetime      string `json:"start_datetime"`
	EndDatetime        string `json:"end_datetime"`
	Version            int64  `json:"version"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:                 e.ID.String(),
		Title:              e.Title,
		Status:             string(e.Status),
		RegistrationStatus: string(e.RegistrationStatus),
		RegistrationStart:  formatTime(e.RegistrationStart),
		RegistrationEnd:    formatTime(e.RegistrationEnd),
		StartDatetime:      formatTime(e.StartAt),
		EndDatetime:        formatTime(e.EndAt),
		Version:            e.Version,
		CreatedAt:          formatTime(e.CreatedAt),
		UpdatedAt:          formatTime(e.UpdatedAt),
	}
}

type AuditRecordResponse struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	TriggerID   string `json:"trigger_id,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	ExecutedAt  string `json:"executed_at"`
	Mode        string `json:"mode"`
	Actor       string `json:"actor,omitempty"`
	Outcome     string `json:"outcome"`
	Note        string `json:"note,omitempty"`
	Escalated   bool   `json:"escalated,omitempty"`
}

func auditRecordResponse(r domain.AuditRecord) AuditRecordResponse {
	resp := AuditRecordResponse{
		ID:          r.ID.String(),
		EventID:     r.EventID.String(),
		TriggerType: string(r.TriggerType),
		OldStatus:   r.OldStatus,
		NewStatus:   r.NewStatus,
		ExecutedAt:  formatTime(r.ExecutedAt),
		Mode:        string(r.Mode),
		Outcome:     string(r.Outcome),
		Note:        r.Note,
		Escalated:   r.Escalated,
	}
	if r.TriggerID != nil {
		resp.TriggerID = r.TriggerID.String()
	}
	if r.Actor != nil {
		resp.Actor = *r.Actor
	}
	return resp
}

type ListAuditResponse struct {
	Records []AuditRecordResponse `json:"records"`
}

type ActivityResponse struct {
	Activity []status.Activity `json:"activity"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
