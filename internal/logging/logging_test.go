package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWriter_JSON(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	lg := log.Logger.With().Str("component", "scheduler").Logger()
	lg.Info().Int("executed", 2).Msg("tick complete")
	log.Logger.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (debug filtered), got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "scheduler" || entry["message"] != "tick complete" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["executed"] != float64(2) {
		t.Errorf("executed = %v, want 2", entry["executed"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestSetupWriter_Console(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "console")
	log.Logger.Debug().Str("event_id", "abc").Msg("claim lost")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "claim lost") || !strings.Contains(out, "event_id") || !strings.Contains(out, "abc") {
		t.Errorf("console output missing message or field: %q", out)
	}
}
