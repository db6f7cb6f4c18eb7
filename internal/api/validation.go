package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/lifecycle"
)

const maxTitleLength = 200

func validateCreateEvent(req CreateEventRequest) (lifecycle.CreateInput, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return lifecycle.CreateInput{}, fmt.Errorf("title is required")
	}
	if len(title) > maxTitleLength {
		return lifecycle.CreateInput{}, fmt.Errorf("title must be at most %d characters", maxTitleLength)
	}

	in := lifecycle.CreateInput{
		Title:              title,
		Timing:             req.timing(),
		Status:             domain.EventStatus(req.Status),
		RegistrationStatus: domain.RegistrationStatus(req.RegistrationStatus),
	}
	if req.Status != "" && !in.Status.Valid() {
		return lifecycle.CreateInput{}, fmt.Errorf("invalid status %q", req.Status)
	}
	if req.RegistrationStatus != "" && !in.RegistrationStatus.Valid() {
		return lifecycle.CreateInput{}, fmt.Errorf("invalid registration_status %q", req.RegistrationStatus)
	}
	return in, nil
}

func validateVersion(v int64) error {
	if v <= 0 {
		return fmt.Errorf("version is required")
	}
	return nil
}

func validateStatusRequest(req StatusRequest) (lifecycle.Override, error) {
	if err := validateVersion(req.Version); err != nil {
		return lifecycle.Override{}, err
	}
	if strings.TrimSpace(req.Actor) == "" {
		return lifecycle.Override{}, fmt.Errorf("actor is required")
	}
	if req.Status == "" && req.RegistrationStatus == "" {
		return lifecycle.Override{}, fmt.Errorf("status or registration_status is required")
	}

	o := lifecycle.Override{
		Actor:  strings.TrimSpace(req.Actor),
		Reason: req.Reason,
	}
	if req.Status != "" {
		s := domain.EventStatus(req.Status)
		if !s.Valid() {
			return lifecycle.Override{}, fmt.Errorf("invalid status %q", req.Status)
		}
		o.Status = &s
	}
	if req.RegistrationStatus != "" {
		rs := domain.RegistrationStatus(req.RegistrationStatus)
		if !rs.Valid() {
			return lifecycle.Override{}, fmt.Errorf("invalid registration_status %q", req.RegistrationStatus)
		}
		o.RegistrationStatus = &rs
	}
	return o, nil
}

// parseAuditFilter reads the event_id, from and to query parameters.
func parseAuditFilter(q url.Values, limit, offset int) (domain.AuditFilter, error) {
	f := domain.AuditFilter{Limit: limit, Offset: offset}
	if s := q.Get("event_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return f, fmt.Errorf("invalid event_id")
		}
		f.EventID = &id
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("invalid from: must be RFC 3339")
		}
		f.From = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("invalid to: must be RFC 3339")
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, fmt.Errorf("to must not be before from")
	}
	return f, nil
}
