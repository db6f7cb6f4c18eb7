package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	executedTotal   prometheus.Counter
	tickDuration    prometheus.Histogram
	tickDrift       prometheus.Histogram
	triggersTotal   *prometheus.CounterVec
	catchUpTotal    prometheus.Counter
	transitionLag   prometheus.Histogram

	// Notifier metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	inFlight              prometheus.Gauge

	// Bus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	overdueTriggers prometheus.Gauge
	resyncedTotal   prometheus.Counter

	// Status cache metrics
	cacheLookupsTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register still accept observations; they are just
// not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initNotifierMetrics(reg)
	s.initBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.executedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_scheduler_transitions_executed_total",
		Help: "Total number of event transitions committed by the scheduler.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.triggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_scheduler_triggers_total",
		Help: "Total number of due triggers processed, by outcome.",
	}, []string{"outcome"})
	s.catchUpTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_scheduler_catchup_total",
		Help: "Total number of triggers processed after their catch-up grace period.",
	})
	s.transitionLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_scheduler_transition_lag_seconds",
		Help:    "Delay between a trigger's fire time and its committed transition.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
	})

	s.register(reg, s.ticksTotal, "lifecycle_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "lifecycle_scheduler_tick_errors_total")
	s.register(reg, s.executedTotal, "lifecycle_scheduler_transitions_executed_total")
	s.register(reg, s.tickDuration, "lifecycle_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "lifecycle_scheduler_tick_drift_seconds")
	s.register(reg, s.triggersTotal, "lifecycle_scheduler_triggers_total")
	s.register(reg, s.catchUpTotal, "lifecycle_scheduler_catchup_total")
	s.register(reg, s.transitionLag, "lifecycle_scheduler_transition_lag_seconds")
}

func (s *PrometheusSink) initNotifierMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_notifier_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_notifier_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per notification.",
	}, []string{"outcome"})

	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_notifier_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_notifier_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_notifier_in_flight",
		Help: "Number of notifications currently being delivered.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "lifecycle_notifier_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "lifecycle_notifier_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "lifecycle_notifier_webhook_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "lifecycle_notifier_retry_attempts_total")
	s.register(reg, s.inFlight, "lifecycle_notifier_in_flight")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_notifier_buffer_size",
		Help: "Current number of notifications waiting in the buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_notifier_buffer_capacity",
		Help: "Configured capacity of the notification buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_notifier_emit_errors_total",
		Help: "Total number of notifications dropped because the buffer was full.",
	})

	s.register(reg, s.bufferSize, "lifecycle_notifier_buffer_size")
	s.register(reg, s.bufferCapacity, "lifecycle_notifier_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "lifecycle_notifier_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.overdueTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_reconciler_overdue_triggers",
		Help: "Active triggers past their fire time plus the catch-up grace at the last sweep.",
	})
	s.resyncedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_reconciler_resynced_events_total",
		Help: "Total number of events whose trigger set a sweep had to repair.",
	})
	s.cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_status_cache_lookups_total",
		Help: "Status snapshot cache lookups, by result.",
	}, []string{"result"})

	s.register(reg, s.overdueTriggers, "lifecycle_reconciler_overdue_triggers")
	s.register(reg, s.resyncedTotal, "lifecycle_reconciler_resynced_events_total")
	s.register(reg, s.cacheLookupsTotal, "lifecycle_status_cache_lookups_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("component", "metrics").Str("metric", name).Msg("failed to register")
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, executed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.executedTotal.Add(float64(executed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Record absolute drift value
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) TriggerOutcome(outcome string) {
	s.triggersTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) CatchUp() {
	s.catchUpTotal.Inc()
}

func (s *PrometheusSink) TransitionLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	s.transitionLag.Observe(lag.Seconds())
}

// Notifier metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) NotificationsInFlightIncr() {
	s.inFlight.Inc()
}

func (s *PrometheusSink) NotificationsInFlightDecr() {
	s.inFlight.Dec()
}

// Bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OverdueTriggersUpdate(count int) {
	s.overdueTriggers.Set(float64(count))
}

func (s *PrometheusSink) EventsResynced(count int) {
	s.resyncedTotal.Add(float64(count))
}

func (s *PrometheusSink) StatusCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	s.cacheLookupsTotal.WithLabelValues(result).Inc()
}
