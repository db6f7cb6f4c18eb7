// Package testutil provides shared test helpers for the lifecycle service.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// Epoch is the fixed "now" most tests start from.
var Epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses s or panics. Test fixtures only.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// TimingFrom lays out a well-formed timing starting at base: registration
// opens after 1h, closes after 24h, the event starts after 48h and ends
// two hours later.
func TimingFrom(base time.Time) domain.Timing {
	return domain.Timing{
		RegistrationStart: base.Add(time.Hour),
		RegistrationEnd:   base.Add(24 * time.Hour),
		StartAt:           base.Add(48 * time.Hour),
		EndAt:             base.Add(50 * time.Hour),
	}
}

// NewEvent returns an upcoming event with registration not yet open and
// TimingFrom(base).
func NewEvent(base time.Time) domain.Event {
	return domain.Event{
		ID:                 uuid.New(),
		Title:              "Orientation Week Kickoff",
		Timing:             TimingFrom(base),
		Status:             domain.EventStatusUpcoming,
		RegistrationStatus: domain.RegistrationNotOpen,
		Version:            1,
		CreatedAt:          base,
		UpdatedAt:          base,
	}
}
