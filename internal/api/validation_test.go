package api

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/testutil"
)

func validCreateRequest() CreateEventRequest {
	tm := testutil.TimingFrom(testutil.Epoch)
	return CreateEventRequest{
		Title: "Spring Career Fair",
		TimingRequest: TimingRequest{
			RegistrationStart: tm.RegistrationStart,
			RegistrationEnd:   tm.RegistrationEnd,
			StartDatetime:     tm.StartAt,
			EndDatetime:       tm.EndAt,
		},
	}
}

func TestValidateCreateEvent_ValidRequest(t *testing.T) {
	in, err := validateCreateEvent(validCreateRequest())
	if err != nil {
		t.Fatalf("valid request should not return error, got: %v", err)
	}
	if in.Title != "Spring Career Fair" {
		t.Errorf("Title = %q", in.Title)
	}
	if !in.Timing.StartAt.Equal(testutil.Epoch.Add(48 * time.Hour)) {
		t.Errorf("StartAt = %v", in.Timing.StartAt)
	}
	if in.Status != "" || in.RegistrationStatus != "" {
		t.Error("omitted statuses should be left for the service to default")
	}
}

func TestValidateCreateEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(r *CreateEventRequest)
		wantErr string
	}{
		{
			name:    "missing title",
			modify:  func(r *CreateEventRequest) { r.Title = "" },
			wantErr: "title is required",
		},
		{
			name:    "blank title",
			modify:  func(r *CreateEventRequest) { r.Title = "   " },
			wantErr: "title is required",
		},
		{
			name:    "title too long",
			modify:  func(r *CreateEventRequest) { r.Title = strings.Repeat("x", maxTitleLength+1) },
			wantErr: "at most 200 characters",
		},
		{
			name:    "unknown status",
			modify:  func(r *CreateEventRequest) { r.Status = "live" },
			wantErr: "invalid status",
		},
		{
			name:    "unknown registration status",
			modify:  func(r *CreateEventRequest) { r.RegistrationStatus = "waitlist" },
			wantErr: "invalid registration_status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.modify(&req)
			_, err := validateCreateEvent(req)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateStatusRequest(t *testing.T) {
	in, err := validateStatusRequest(StatusRequest{
		Version:            3,
		RegistrationStatus: "closed",
		Actor:              " registrar ",
		Reason:             "capacity reached",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Status != nil {
		t.Error("Status should be nil when not requested")
	}
	if in.RegistrationStatus == nil || *in.RegistrationStatus != domain.RegistrationClosed {
		t.Errorf("RegistrationStatus = %v", in.RegistrationStatus)
	}
	if in.Actor != "registrar" {
		t.Errorf("Actor = %q, want trimmed", in.Actor)
	}
}

func TestValidateVersion(t *testing.T) {
	for _, v := range []int64{0, -1} {
		if err := validateVersion(v); err == nil {
			t.Errorf("validateVersion(%d) should fail", v)
		}
	}
	if err := validateVersion(1); err != nil {
		t.Errorf("validateVersion(1) = %v", err)
	}
}

func TestParseAuditFilter(t *testing.T) {
	id := testutil.MustParseUUID("9b2e4c1a-3f5d-4e6b-8a7c-1d2e3f4a5b6c")
	q := url.Values{
		"event_id": {id.String()},
		"from":     {"2025-03-10T00:00:00Z"},
		"to":       {"2025-03-11T00:00:00Z"},
	}

	f, err := parseAuditFilter(q, 25, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.EventID == nil || *f.EventID != id {
		t.Errorf("EventID = %v", f.EventID)
	}
	if f.From == nil || !f.From.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("From = %v", f.From)
	}
	if f.To == nil || f.Limit != 25 || f.Offset != 50 {
		t.Errorf("To = %v, Limit = %d, Offset = %d", f.To, f.Limit, f.Offset)
	}

	empty, err := parseAuditFilter(url.Values{}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.EventID != nil || empty.From != nil || empty.To != nil {
		t.Errorf("empty query should give an open filter, got %+v", empty)
	}
}
