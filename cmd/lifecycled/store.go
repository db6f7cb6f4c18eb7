package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/api"
	"github.com/djlord-it/campus-lifecycle/internal/config"
	"github.com/djlord-it/campus-lifecycle/internal/derivation"
	"github.com/djlord-it/campus-lifecycle/internal/lifecycle"
	"github.com/djlord-it/campus-lifecycle/internal/reconciler"
	"github.com/djlord-it/campus-lifecycle/internal/scheduler"
	"github.com/djlord-it/campus-lifecycle/internal/status"
	"github.com/djlord-it/campus-lifecycle/internal/store/memory"
	"github.com/djlord-it/campus-lifecycle/internal/store/postgres"
	"github.com/djlord-it/campus-lifecycle/internal/store/sqlite"

	_ "github.com/lib/pq"
)

// backend is everything the service needs from one store: events, the
// trigger queue and the audit log.
type backend interface {
	scheduler.Queue
	scheduler.EventStore
	scheduler.AuditLog
	lifecycle.EventStore
	lifecycle.TriggerCanceller
	derivation.Queue
	status.EventCounter
	status.TriggerReader
	status.AuditReader
	reconciler.EventLister
	api.AuditQuerier
}

var (
	_ backend = (*memory.Store)(nil)
	_ backend = (*postgres.Store)(nil)
	_ backend = (*sqlite.Store)(nil)
)

// openedStore bundles a backend with its health check and cleanup.
type openedStore struct {
	backend
	health api.HealthChecker // nil for the memory driver
	close  func() error
}

func openStore(ctx context.Context, cfg config.Config) (*openedStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s := postgres.New(db, cfg.DBOpTimeout)
		return &openedStore{backend: s, health: s, close: db.Close}, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLitePath,
			BusyTimeout: 5 * time.Second,
			OpTimeout:   cfg.DBOpTimeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("component", "lifecycled").Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return &openedStore{backend: s, health: s, close: s.Close}, nil

	case config.DriverMemory:
		log.Warn().Str("component", "lifecycled").Msg("memory store in use; state is lost on restart")
		return &openedStore{backend: memory.New(), close: func() error { return nil }}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Info().
		Str("component", "lifecycled").
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Dur("max_idle_time", cfg.DBConnMaxIdleTime).
		Msg("db pool configured")

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}
