// Package channel carries committed-transition notifications from the
// scheduler to the webhook notifier over a bounded in-process buffer.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
)

// ErrBufferFull is returned when a notification could not be queued within
// the emit timeout. The notification is dropped.
var ErrBufferFull = errors.New("notification buffer full")

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink defines the interface for recording bus metrics.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout sets how long Emit waits for buffer space. Zero makes
// Emit fail immediately when the buffer is full.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = m
	}
}

type EventBus struct {
	ch          chan domain.Notification
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.Notification, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit queues n, waiting at most the emit timeout for space.
func (b *EventBus) Emit(ctx context.Context, n domain.Notification) error {
	select {
	case b.ch <- n:
		b.updateSize()
		return nil
	default:
	}

	if b.emitTimeout <= 0 {
		b.emitFailed()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- n:
		b.updateSize()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.emitFailed()
		return ErrBufferFull
	}
}

// Notify makes the bus usable as the scheduler's notifier.
func (b *EventBus) Notify(ctx context.Context, n domain.Notification) error {
	return b.Emit(ctx, n)
}

func (b *EventBus) Channel() <-chan domain.Notification {
	return b.ch
}

// Len returns the number of buffered notifications.
func (b *EventBus) Len() int {
	return len(b.ch)
}

// Close stops the bus. Emit must not be called afterwards.
func (b *EventBus) Close() {
	close(b.ch)
}

func (b *EventBus) updateSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

func (b *EventBus) emitFailed() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
