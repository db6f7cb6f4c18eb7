// Package notifier delivers committed event transitions to an external
// webhook. Delivery is best effort: it runs off the scheduler's path and a
// failed delivery never affects the transition it reports.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/circuitbreaker"
	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/metrics"
)

var defaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

const maxAttempts = 4

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

// MetricsSink defines the interface for recording notifier metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	NotificationsInFlightIncr()
	NotificationsInFlightDecr()
}

type WebhookRequest struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	Payload    WebhookPayload
	DeliveryID string
}

type WebhookPayload struct {
	EventID     string `json:"event_id"`
	TriggerID   string `json:"trigger_id"`
	TriggerType string `json:"trigger_type"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	ExecutedAt  string `json:"executed_at"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

// Config is the webhook endpoint notifications go to.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type Dispatcher struct {
	config  Config
	sender  WebhookSender
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
	sink    MetricsSink                    // optional, nil = disabled
	backoff []time.Duration
	log     zerolog.Logger
}

func New(config Config, sender WebhookSender) *Dispatcher {
	return &Dispatcher{
		config:  config,
		sender:  sender,
		backoff: defaultBackoff,
		log:     log.Logger.With().Str("component", "notifier").Logger(),
	}
}

func (d *Dispatcher) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.sink = sink
	return d
}

// Run delivers notifications from the channel until ctx is cancelled, then
// drains what is still buffered for at most drainTimeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.Notification, drainTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch, drainTimeout)
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, n); err != nil && ctx.Err() == nil {
				d.log.Warn().Err(err).Str("trigger_id", n.TriggerID.String()).Msg("delivery failed")
			}
		}
	}
}

// drain processes remaining notifications in the buffer after shutdown.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.Notification, timeout time.Duration) {
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.log.Warn().Int("processed", count).Msg("drain timeout")
			}
			return
		case n, ok := <-ch:
			if !ok {
				d.log.Info().Int("processed", count).Msg("drain complete")
				return
			}
			if err := d.Dispatch(drainCtx, n); err != nil {
				d.log.Warn().Err(err).Msg("drain delivery failed")
			}
			count++
		default:
			if count > 0 {
				d.log.Info().Int("processed", count).Msg("drain complete")
			}
			return
		}
	}
}

// Dispatch delivers one notification, retrying transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	if d.config.URL == "" {
		return nil
	}

	if d.sink != nil {
		d.sink.NotificationsInFlightIncr()
		defer d.sink.NotificationsInFlightDecr()
	}

	lg := d.log.With().
		Str("event_id", n.EventID.String()).
		Str("trigger_id", n.TriggerID.String()).
		Logger()

	if d.breaker != nil {
		if err := d.breaker.Allow(d.config.URL); err != nil {
			if d.sink != nil {
				d.sink.DeliveryOutcome(metrics.OutcomeCircuitOpen)
			}
			return fmt.Errorf("%w: %w", domain.ErrDownstreamNotify, err)
		}
	}

	req := WebhookRequest{
		URL:     d.config.URL,
		Secret:  d.config.Secret,
		Timeout: d.config.Timeout,
		Payload: WebhookPayload{
			EventID:     n.EventID.String(),
			TriggerID:   n.TriggerID.String(),
			TriggerType: string(n.TriggerType),
			OldStatus:   n.OldStatus,
			NewStatus:   n.NewStatus,
			ExecutedAt:  n.ExecutedAt.UTC().Format(time.RFC3339),
		},
	}

	var lastResult WebhookResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.sink != nil {
				d.sink.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			lg.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		req.DeliveryID = uuid.New().String()
		result := d.sender.Send(ctx, req)
		lastResult = result

		if d.sink != nil {
			d.sink.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			lg.Debug().Int("attempt", attempt).Msg("delivered")
			if d.breaker != nil {
				d.breaker.RecordSuccess(d.config.URL)
			}
			if d.sink != nil {
				d.sink.DeliveryOutcome(metrics.OutcomeSuccess)
			}
			return nil
		}

		if !result.IsRetryable() {
			lg.Warn().Int("status", result.StatusCode).Msg("non-retryable response")
			break
		}

		lg.Debug().Int("attempt", attempt).Int("status", result.StatusCode).AnErr("send_error", result.Error).Msg("attempt failed")
	}

	if d.breaker != nil {
		d.breaker.RecordFailure(d.config.URL)
	}
	if d.sink != nil {
		d.sink.DeliveryOutcome(metrics.OutcomeFailed)
	}
	if lastResult.Error != nil {
		return fmt.Errorf("%w: %w", domain.ErrDownstreamNotify, lastResult.Error)
	}
	return fmt.Errorf("%w: status %d", domain.ErrDownstreamNotify, lastResult.StatusCode)
}
