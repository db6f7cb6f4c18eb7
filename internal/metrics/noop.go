package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                              {}
func (n *NoopSink) TickCompleted(duration time.Duration, executed int, err error)             {}
func (n *NoopSink) TickDrift(drift time.Duration)                                             {}
func (n *NoopSink) TriggerOutcome(outcome string)                                             {}
func (n *NoopSink) CatchUp()                                                                  {}
func (n *NoopSink) TransitionLag(lag time.Duration)                                           {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) NotificationsInFlightIncr()                                                {}
func (n *NoopSink) NotificationsInFlightDecr()                                                {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) OverdueTriggersUpdate(count int)                                           {}
func (n *NoopSink) EventsResynced(count int)                                                  {}
func (n *NoopSink) StatusCacheLookup(hit bool)                                                {}
