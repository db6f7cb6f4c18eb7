// Package config loads service settings from an optional YAML file and
// environment variables. Environment values win over the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all configuration for lifecycled. Durations are kept in
// their string form for the file and env layers and parsed at the end of
// Load; Validate reports strings that do not parse.
type Config struct {
	StoreDriver string `yaml:"store_driver" json:"store_driver"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
	HTTPAddr    string `yaml:"http_addr" json:"http_addr"`

	RedisAddr         string        `yaml:"redis_addr" json:"redis_addr,omitempty"`
	StatusCacheTTL    time.Duration `yaml:"-" json:"-"`
	StatusCacheTTLStr string        `yaml:"status_cache_ttl" json:"status_cache_ttl"`

	TickInterval    time.Duration `yaml:"-" json:"-"`
	TickIntervalStr string        `yaml:"tick_interval" json:"tick_interval"`
	TickBatchSize   int           `yaml:"tick_batch_size" json:"tick_batch_size"`
	ClaimTTL        time.Duration `yaml:"-" json:"-"`
	ClaimTTLStr     string        `yaml:"claim_ttl" json:"claim_ttl"`
	CatchUpGrace    time.Duration `yaml:"-" json:"-"`
	CatchUpGraceStr string        `yaml:"catchup_grace" json:"catchup_grace"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`

	RetryBackoffBase    time.Duration `yaml:"-" json:"-"`
	RetryBackoffBaseStr string        `yaml:"retry_backoff_base" json:"retry_backoff_base"`
	RetryBackoffMax     time.Duration `yaml:"-" json:"-"`
	RetryBackoffMaxStr  string        `yaml:"retry_backoff_max" json:"retry_backoff_max"`

	// ClaimRate caps claims per second within a tick; 0 disables pacing.
	ClaimRate float64 `yaml:"claim_rate" json:"claim_rate"`

	DBOpTimeout          time.Duration `yaml:"-" json:"-"`
	DBOpTimeoutStr       string        `yaml:"db_op_timeout" json:"db_op_timeout"`
	DBMaxOpenConns       int           `yaml:"db_max_open_conns" json:"db_max_open_conns"`
	DBMaxIdleConns       int           `yaml:"db_max_idle_conns" json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `yaml:"-" json:"-"`
	DBConnMaxLifetimeStr string        `yaml:"db_conn_max_lifetime" json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `yaml:"-" json:"-"`
	DBConnMaxIdleTimeStr string        `yaml:"db_conn_max_idle_time" json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `yaml:"-" json:"-"`
	HTTPShutdownTimeoutStr string        `yaml:"http_shutdown_timeout" json:"http_shutdown_timeout"`

	NotifyWebhookURL      string        `yaml:"notify_webhook_url" json:"notify_webhook_url,omitempty"`
	NotifyWebhookSecret   string        `yaml:"notify_webhook_secret" json:"-"`
	NotifyTimeout         time.Duration `yaml:"-" json:"-"`
	NotifyTimeoutStr      string        `yaml:"notify_timeout" json:"notify_timeout"`
	NotifyBufferSize      int           `yaml:"notify_buffer_size" json:"notify_buffer_size"`
	NotifyDrainTimeout    time.Duration `yaml:"-" json:"-"`
	NotifyDrainTimeoutStr string        `yaml:"notify_drain_timeout" json:"notify_drain_timeout"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `yaml:"-" json:"-"`
	CircuitBreakerCooldownStr string        `yaml:"circuit_breaker_cooldown" json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path" json:"metrics_path"`
	// MetricsPort serves metrics on a separate listener; empty shares HTTPAddr.
	MetricsPort string `yaml:"metrics_port" json:"metrics_port,omitempty"`

	ReconcileEnabled   bool   `yaml:"reconcile_enabled" json:"reconcile_enabled"`
	ReconcileSchedule  string `yaml:"reconcile_schedule" json:"reconcile_schedule"`
	ReconcileBatchSize int    `yaml:"reconcile_batch_size" json:"reconcile_batch_size"`

	UpcomingWindow    time.Duration `yaml:"-" json:"-"`
	UpcomingWindowStr string        `yaml:"upcoming_window" json:"upcoming_window"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		StoreDriver:               DriverPostgres,
		SQLitePath:                "data/lifecycle.db",
		HTTPAddr:                  ":8080",
		StatusCacheTTLStr:         "15s",
		TickIntervalStr:           "30s",
		TickBatchSize:             100,
		ClaimTTLStr:               "5m",
		CatchUpGraceStr:           "1m",
		MaxAttempts:               5,
		RetryBackoffBaseStr:       "30s",
		RetryBackoffMaxStr:        "10m",
		ClaimRate:                 50,
		DBOpTimeoutStr:            "5s",
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		DBConnMaxLifetimeStr:      "30m",
		DBConnMaxIdleTimeStr:      "5m",
		HTTPShutdownTimeoutStr:    "10s",
		NotifyTimeoutStr:          "10s",
		NotifyBufferSize:          100,
		NotifyDrainTimeoutStr:     "30s",
		CircuitBreakerThreshold:   5,
		CircuitBreakerCooldownStr: "2m",
		MetricsPath:               "/metrics",
		ReconcileSchedule:         "@every 5m",
		ReconcileBatchSize:        100,
		UpcomingWindowStr:         "24h",
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.applyEnv()
	cfg.parseDurations()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString(&c.StoreDriver, "STORE_DRIVER")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.SQLitePath, "SQLITE_PATH")
	envString(&c.RedisAddr, "REDIS_ADDR")
	envString(&c.StatusCacheTTLStr, "STATUS_CACHE_TTL")

	// Support PORT as a fallback for HTTP_ADDR, as most PaaS hosts set it.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		c.HTTPAddr = ":" + port
	}
	envString(&c.HTTPAddr, "HTTP_ADDR")

	envString(&c.TickIntervalStr, "TICK_INTERVAL")
	envInt(&c.TickBatchSize, "TICK_BATCH_SIZE")
	envString(&c.ClaimTTLStr, "CLAIM_TTL")
	envString(&c.CatchUpGraceStr, "CATCHUP_GRACE")
	envInt(&c.MaxAttempts, "MAX_ATTEMPTS")
	envString(&c.RetryBackoffBaseStr, "RETRY_BACKOFF_BASE")
	envString(&c.RetryBackoffMaxStr, "RETRY_BACKOFF_MAX")
	envFloat(&c.ClaimRate, "CLAIM_RATE")

	envString(&c.DBOpTimeoutStr, "DB_OP_TIMEOUT")
	envInt(&c.DBMaxOpenConns, "DB_MAX_OPEN_CONNS")
	envInt(&c.DBMaxIdleConns, "DB_MAX_IDLE_CONNS")
	envString(&c.DBConnMaxLifetimeStr, "DB_CONN_MAX_LIFETIME")
	envString(&c.DBConnMaxIdleTimeStr, "DB_CONN_MAX_IDLE_TIME")
	envString(&c.HTTPShutdownTimeoutStr, "HTTP_SHUTDOWN_TIMEOUT")

	envString(&c.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	envString(&c.NotifyWebhookSecret, "NOTIFY_WEBHOOK_SECRET")
	envString(&c.NotifyTimeoutStr, "NOTIFY_TIMEOUT")
	envInt(&c.NotifyBufferSize, "NOTIFY_BUFFER_SIZE")
	envString(&c.NotifyDrainTimeoutStr, "NOTIFY_DRAIN_TIMEOUT")
	envInt(&c.CircuitBreakerThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	envString(&c.CircuitBreakerCooldownStr, "CIRCUIT_BREAKER_COOLDOWN")

	envBool(&c.MetricsEnabled, "METRICS_ENABLED")
	envString(&c.MetricsPath, "METRICS_PATH")
	envString(&c.MetricsPort, "METRICS_PORT")

	envBool(&c.ReconcileEnabled, "RECONCILE_ENABLED")
	envString(&c.ReconcileSchedule, "RECONCILE_SCHEDULE")
	envInt(&c.ReconcileBatchSize, "RECONCILE_BATCH_SIZE")

	envString(&c.UpcomingWindowStr, "UPCOMING_WINDOW")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.LogFormat, "LOG_FORMAT")
}

// parseDurations fills the typed fields; validation is handled separately
// by Validate.
func (c *Config) parseDurations() {
	for _, d := range c.durations() {
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dst = v
		}
	}
}

type durationField struct {
	env string
	str *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"STATUS_CACHE_TTL", &c.StatusCacheTTLStr, &c.StatusCacheTTL},
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval},
		{"CLAIM_TTL", &c.ClaimTTLStr, &c.ClaimTTL},
		{"CATCHUP_GRACE", &c.CatchUpGraceStr, &c.CatchUpGrace},
		{"RETRY_BACKOFF_BASE", &c.RetryBackoffBaseStr, &c.RetryBackoffBase},
		{"RETRY_BACKOFF_MAX", &c.RetryBackoffMaxStr, &c.RetryBackoffMax},
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"NOTIFY_TIMEOUT", &c.NotifyTimeoutStr, &c.NotifyTimeout},
		{"NOTIFY_DRAIN_TIMEOUT", &c.NotifyDrainTimeoutStr, &c.NotifyDrainTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"UPCOMING_WINDOW", &c.UpcomingWindowStr, &c.UpcomingWindow},
	}
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("component", "config").Str("var", name).Str("value", v).Int("default", *dst).Msg("invalid integer, using default")
		return
	}
	*dst = n
}

func envFloat(dst *float64, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn().Str("component", "config").Str("var", name).Str("value", v).Float64("default", *dst).Msg("invalid number, using default")
		return
	}
	*dst = f
}

func envBool(dst *bool, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("component", "config").Str("var", name).Str("value", v).Msg("invalid boolean, ignoring")
		return
	}
	*dst = b
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RedisAddr = maskUserinfo(c.RedisAddr)
	masked.NotifyWebhookURL = maskUserinfo(c.NotifyWebhookURL)

	out := struct {
		Config
		WebhookSecretSet bool `json:"notify_webhook_secret_set"`
	}{masked, c.NotifyWebhookSecret != ""}
	return json.MarshalIndent(out, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}

// maskUserinfo hides credentials embedded before '@' in an address or URL.
func maskUserinfo(s string) string {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	prefix := ""
	if i := strings.Index(s, "://"); i >= 0 && i < at {
		prefix = s[:i+3]
	}
	return prefix + "***" + s[at:]
}
