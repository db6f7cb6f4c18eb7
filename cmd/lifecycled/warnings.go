package main

import (
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/config"
)

// logConfigWarnings flags settings that are valid but risky in production.
// P0 warnings can lose transitions; P1 warnings lose visibility.
func logConfigWarnings(cfg *config.Config) {
	logger := log.Logger.With().Str("component", "lifecycled").Logger()

	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("WARNING [P0]: STORE_DRIVER=memory; events, triggers and audit records are lost on restart")
	}

	if !cfg.ReconcileEnabled {
		logger.Warn().Msg("WARNING [P0]: RECONCILE_ENABLED=false; triggers missed when a write crashes before derivation are never repaired")
	}

	if !cfg.MetricsEnabled {
		logger.Warn().Msg("WARNING [P1]: METRICS_ENABLED=false; overdue triggers and escalations are only visible in logs")
	}

	if cfg.ClaimTTL > 0 && cfg.TickInterval > 0 && cfg.ClaimTTL < cfg.TickInterval {
		logger.Warn().
			Dur("claim_ttl", cfg.ClaimTTL).
			Dur("tick_interval", cfg.TickInterval).
			Msg("WARNING [P1]: CLAIM_TTL shorter than TICK_INTERVAL; slow ticks may see their own claims expire")
	}

	if cfg.StoreDriver == config.DriverSQLite {
		logger.Info().Msg("INFO: STORE_DRIVER=sqlite supports a single lifecycled process per database file")
	}

	if cfg.NotifyWebhookURL != "" && cfg.NotifyWebhookSecret == "" {
		logger.Info().Msg("INFO: NOTIFY_WEBHOOK_SECRET not set; webhook deliveries are unsigned")
	}
}
