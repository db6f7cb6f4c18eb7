package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/campus-lifecycle/internal/circuitbreaker"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/testutil"
	"github.com/djlord-it/campus-lifecycle/internal/transport/channel"
)

// mockSender simulates webhook delivery with configurable results.
type mockSender struct {
	mu       sync.Mutex
	results  []WebhookResult
	index    int
	requests []WebhookRequest
}

func (s *mockSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.index < len(s.results) {
		result := s.results[s.index]
		s.index++
		return result
	}
	// Default: success
	return WebhookResult{StatusCode: 200, Duration: 10 * time.Millisecond}
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type mockNotifierMetrics struct {
	mu       sync.Mutex
	attempts []string
	outcomes []string
	retries  int
	inFlight int
}

func (m *mockNotifierMetrics) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, statusClass)
}

func (m *mockNotifierMetrics) DeliveryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockNotifierMetrics) RetryAttempt(retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockNotifierMetrics) NotificationsInFlightIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *mockNotifierMetrics) NotificationsInFlightDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

func testNotification() domain.Notification {
	return domain.Notification{
		EventID:     uuid.New(),
		TriggerID:   uuid.New(),
		TriggerType: domain.TriggerRegistrationOpen,
		OldStatus:   "not_open",
		NewStatus:   "open",
		ExecutedAt:  testutil.Epoch,
	}
}

func newTestDispatcher(sender WebhookSender) *Dispatcher {
	d := New(Config{URL: "https://hooks.example.edu/lifecycle", Secret: "s3cret"}, sender)
	d.backoff = []time.Duration{0, 0, 0, 0}
	return d
}

func TestDispatcher_SuccessOnFirstAttempt(t *testing.T) {
	sender := &mockSender{}
	m := &mockNotifierMetrics{}
	d := newTestDispatcher(sender).WithMetrics(m)
	n := testNotification()

	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected 1 send, got %d", sender.callCount())
	}

	req := sender.requests[0]
	if req.Payload.EventID != n.EventID.String() || req.Payload.TriggerID != n.TriggerID.String() {
		t.Errorf("payload ids = %s/%s, want %s/%s", req.Payload.EventID, req.Payload.TriggerID, n.EventID, n.TriggerID)
	}
	if req.Payload.ExecutedAt != "2025-03-10T09:00:00Z" {
		t.Errorf("ExecutedAt = %q", req.Payload.ExecutedAt)
	}
	if req.Secret != "s3cret" || req.DeliveryID == "" {
		t.Errorf("request secret=%q delivery_id=%q", req.Secret, req.DeliveryID)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "success" {
		t.Errorf("outcomes = %v, want [success]", m.outcomes)
	}
	if m.inFlight != 0 {
		t.Errorf("in-flight = %d after dispatch, want 0", m.inFlight)
	}
}

func TestDispatcher_RetryBounded(t *testing.T) {
	sender := &mockSender{results: []WebhookResult{
		{StatusCode: 503}, {StatusCode: 503}, {StatusCode: 503}, {StatusCode: 503}, {StatusCode: 503},
	}}
	m := &mockNotifierMetrics{}
	d := newTestDispatcher(sender).WithMetrics(m)

	err := d.Dispatch(context.Background(), testNotification())
	if !errors.Is(err, domain.ErrDownstreamNotify) {
		t.Fatalf("expected ErrDownstreamNotify, got %v", err)
	}
	if sender.callCount() != maxAttempts {
		t.Errorf("sent %d times, want %d", sender.callCount(), maxAttempts)
	}
	if m.retries != maxAttempts-1 {
		t.Errorf("retries = %d, want %d", m.retries, maxAttempts-1)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "failed" {
		t.Errorf("outcomes = %v, want [failed]", m.outcomes)
	}
}

func TestDispatcher_NonRetryableStopsImmediately(t *testing.T) {
	sender := &mockSender{results: []WebhookResult{{StatusCode: 400}}}
	d := newTestDispatcher(sender)

	if err := d.Dispatch(context.Background(), testNotification()); err == nil {
		t.Fatal("expected error for 400")
	}
	if sender.callCount() != 1 {
		t.Errorf("sent %d times, want 1", sender.callCount())
	}
}

func TestDispatcher_RecoversAfterTransientFailure(t *testing.T) {
	sender := &mockSender{results: []WebhookResult{
		{Error: errors.New("connection refused")},
		{StatusCode: 429},
		{StatusCode: 204},
	}}
	d := newTestDispatcher(sender)

	if err := d.Dispatch(context.Background(), testNotification()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sender.callCount() != 3 {
		t.Errorf("sent %d times, want 3", sender.callCount())
	}
}

func TestDispatcher_NoURLIsNoOp(t *testing.T) {
	sender := &mockSender{}
	d := New(Config{}, sender)

	if err := d.Dispatch(context.Background(), testNotification()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sender.callCount() != 0 {
		t.Errorf("sent %d times with no URL configured", sender.callCount())
	}
}

func TestDispatcher_CircuitOpenSkipsSend(t *testing.T) {
	failing := make([]WebhookResult, 8)
	for i := range failing {
		failing[i] = WebhookResult{StatusCode: 500}
	}
	sender := &mockSender{results: failing}
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := circuitbreaker.New(2, time.Minute).WithClock(clock.Now)
	m := &mockNotifierMetrics{}
	d := newTestDispatcher(sender).WithCircuitBreaker(cb).WithMetrics(m)

	for i := 0; i < 2; i++ {
		_ = d.Dispatch(context.Background(), testNotification())
	}
	sent := sender.callCount()

	err := d.Dispatch(context.Background(), testNotification())
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if sender.callCount() != sent {
		t.Errorf("sent while circuit open")
	}
	if last := m.outcomes[len(m.outcomes)-1]; last != "circuit_open" {
		t.Errorf("last outcome = %s, want circuit_open", last)
	}

	clock.Advance(time.Minute)
	sender.mu.Lock()
	sender.results = nil
	sender.mu.Unlock()
	if err := d.Dispatch(context.Background(), testNotification()); err != nil {
		t.Fatalf("probe after cooldown: %v", err)
	}
	if cb.State("https://hooks.example.edu/lifecycle") != circuitbreaker.StateClosed {
		t.Errorf("breaker not closed after successful probe")
	}
}

func TestDispatcher_RunDeliversAndDrains(t *testing.T) {
	sender := &mockSender{}
	d := newTestDispatcher(sender)
	bus := channel.NewEventBus(10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, bus.Channel(), time.Second)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		if err := bus.Notify(ctx, testNotification()); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for sender.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("delivered %d of 3", sender.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestDispatcher_BackoffSchedule verifies the default backoff values.
func TestDispatcher_BackoffSchedule(t *testing.T) {
	expected := []time.Duration{0, 5 * time.Second, 30 * time.Second, 2 * time.Minute}

	if len(defaultBackoff) != len(expected) {
		t.Fatalf("defaultBackoff length = %d, want %d", len(defaultBackoff), len(expected))
	}
	for i, want := range expected {
		if defaultBackoff[i] != want {
			t.Errorf("defaultBackoff[%d] = %v, want %v", i, defaultBackoff[i], want)
		}
	}
}

// TestWebhookResult_IsSuccess verifies success classification.
func TestWebhookResult_IsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		result WebhookResult
		want   bool
	}{
		{"200 OK", WebhookResult{StatusCode: 200}, true},
		{"204 No Content", WebhookResult{StatusCode: 204}, true},
		{"299 boundary", WebhookResult{StatusCode: 299}, true},
		{"300 redirect", WebhookResult{StatusCode: 300}, false},
		{"400 client error", WebhookResult{StatusCode: 400}, false},
		{"500 server error", WebhookResult{StatusCode: 500}, false},
		{"with error", WebhookResult{StatusCode: 200, Error: errors.New("err")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsSuccess(); got != tt.want {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestWebhookResult_IsRetryable verifies retryable classification.
func TestWebhookResult_IsRetryable(t *testing.T) {
	tests := []struct {
		name   string
		result WebhookResult
		want   bool
	}{
		{"500 server error", WebhookResult{StatusCode: 500}, true},
		{"503 unavailable", WebhookResult{StatusCode: 503}, true},
		{"429 rate limit", WebhookResult{StatusCode: 429}, true},
		{"network error", WebhookResult{Error: errors.New("connection refused")}, true},
		{"200 success", WebhookResult{StatusCode: 200}, false},
		{"400 client error", WebhookResult{StatusCode: 400}, false},
		{"404 not found", WebhookResult{StatusCode: 404}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
