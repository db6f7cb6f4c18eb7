// Package circuitbreaker stops the notifier from hammering a webhook
// endpoint that keeps failing. Each endpoint has its own breaker; after
// threshold consecutive failures it opens for the cooldown, then lets a
// single probe through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type endpoint struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	log       zerolog.Logger
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		log:       log.Logger.With().Str("component", "circuitbreaker").Logger(),
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow returns ErrCircuitOpen if key must not be called right now. A nil
// return while open-after-cooldown reserves the half-open probe.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[key]
	if !ok {
		return nil
	}

	switch e.state {
	case StateOpen:
		if cb.clock().Sub(e.openedAt) >= cb.cooldown {
			e.state = StateHalfOpen
			cb.log.Info().Str("endpoint", key).Msg("half-open, sending probe")
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[key]
	if !ok {
		return
	}
	if e.state != StateClosed {
		cb.log.Info().Str("endpoint", key).Msg("closed")
	}
	e.state = StateClosed
	e.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[key]
	if !ok {
		e = &endpoint{state: StateClosed}
		cb.endpoints[key] = e
	}

	e.consecutiveFailures++
	if e.state == StateHalfOpen || e.consecutiveFailures >= cb.threshold {
		if e.state != StateOpen {
			cb.log.Warn().Str("endpoint", key).Int("failures", e.consecutiveFailures).
				Dur("cooldown", cb.cooldown).Msg("opened")
		}
		e.state = StateOpen
		e.openedAt = cb.clock()
	}
}

// State reports the breaker state for key without changing it.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[key]
	if !ok {
		return StateClosed
	}
	return e.state
}
