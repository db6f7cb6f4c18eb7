package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, executed int, err error)
	TickDrift(drift time.Duration)
	TriggerOutcome(outcome string)
	CatchUp()
	TransitionLag(lag time.Duration)

	// Notifier metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	NotificationsInFlightIncr()
	NotificationsInFlightDecr()

	// Notification bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler metrics
	OverdueTriggersUpdate(count int)
	EventsResynced(count int)

	// Status cache metrics
	StatusCacheLookup(hit bool)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus buckets one webhook attempt. A transport error takes
// precedence over statusCode.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}
	switch statusCode / 100 {
	case 2:
		return StatusClass2xx
	case 4:
		return StatusClass4xx
	case 5:
		return StatusClass5xx
	}
	return StatusClassOtherError
}

func classifyError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if (errors.As(err, &opErr) && opErr.Op == "dial") || errors.As(err, &dnsErr) {
		return StatusClassConnectionError
	}

	// Wrapped transport errors often reach us only as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
		return StatusClassConnectionError
	}
	return StatusClassOtherError
}
