package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/campus-lifecycle/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs.add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			errs.add("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	case DriverMemory:
	default:
		errs.add("STORE_DRIVER", "must be 'postgres', 'sqlite' or 'memory', got %q", cfg.StoreDriver)
	}

	parsed := make(map[string]time.Duration)
	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.str)
		if err != nil {
			errs.add(d.env, "invalid duration: %v", err)
			continue
		}
		if v < 0 || (v == 0 && d.env != "CATCHUP_GRACE") {
			errs.add(d.env, "must be positive")
			continue
		}
		parsed[d.env] = v
	}

	base, okBase := parsed["RETRY_BACKOFF_BASE"]
	ceiling, okMax := parsed["RETRY_BACKOFF_MAX"]
	if okBase && okMax && ceiling < base {
		errs.add("RETRY_BACKOFF_MAX", "must not be less than RETRY_BACKOFF_BASE")
	}
	ttl, okTTL := parsed["CLAIM_TTL"]
	op, okOp := parsed["DB_OP_TIMEOUT"]
	if okTTL && okOp && ttl <= op {
		errs.add("CLAIM_TTL", "must exceed DB_OP_TIMEOUT")
	}

	positive := []struct {
		field string
		value int
	}{
		{"TICK_BATCH_SIZE", cfg.TickBatchSize},
		{"MAX_ATTEMPTS", cfg.MaxAttempts},
		{"NOTIFY_BUFFER_SIZE", cfg.NotifyBufferSize},
		{"RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs.add(p.field, "must be a positive integer, got %d", p.value)
		}
	}
	if cfg.CircuitBreakerThreshold < 0 {
		errs.add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.ClaimRate < 0 {
		errs.add("CLAIM_RATE", "must not be negative")
	}

	if cfg.NotifyWebhookURL != "" {
		u, err := url.Parse(cfg.NotifyWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.add("NOTIFY_WEBHOOK_URL", "must be an absolute http(s) URL")
		}
	}

	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		errs.add("METRICS_PATH", "must start with '/'")
	}

	if cfg.ReconcileEnabled {
		if err := cron.NewParser().Validate(cfg.ReconcileSchedule); err != nil {
			errs.add("RECONCILE_SCHEDULE", "%v", err)
		}
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		errs.add("LOG_LEVEL", "unknown level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		errs.add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
