package cron

import (
	"testing"
	"time"
)

func TestParser_AcceptsSweepSchedules(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every 5 minutes", "*/5 * * * *"},
		{"hourly at quarter past", "15 * * * *"},
		{"nightly", "30 2 * * *"},
		{"term weekdays", "0 7-19 * * 1-5"},
		{"descriptor hourly", "@hourly"},
		{"descriptor every", "@every 10m"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "")
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.expr, err)
			}
			if sched == nil {
				t.Fatalf("Parse(%q) returned nil schedule", tt.expr)
			}
		})
	}
}

func TestParser_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"four fields", "* * * *"},
		{"seconds field", "0 * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"unknown descriptor", "@fortnightly"},
		{"bad every", "@every soon"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Validate(tt.expr); err == nil {
				t.Errorf("Validate(%q) should fail", tt.expr)
			}
		})
	}
}

func TestParser_EmptyTimezoneIsUTC(t *testing.T) {
	sched, err := NewParser().Parse("0 3 * * *", "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	after := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)
	if got := sched.Next(after); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", after, got, want)
	}
}

func TestParser_InvalidTimezone(t *testing.T) {
	if _, err := NewParser().Parse("@hourly", "Campus/Nowhere"); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestParser_NextInTimezone(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("0 6 * * *", "Europe/Paris")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// 06:00 CEST is 04:00 UTC in June.
	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, 6, 15, 4, 0, 0, 0, time.UTC)
	if got := sched.Next(ref); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", ref, got.UTC(), want)
	}
}

func TestParser_EveryDescriptorSpacing(t *testing.T) {
	sched, err := NewParser().Parse("@every 10m", "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	first := sched.Next(ref)
	second := sched.Next(first)
	if got := second.Sub(first); got != 10*time.Minute {
		t.Errorf("expected 10m between runs, got %s", got)
	}
}
