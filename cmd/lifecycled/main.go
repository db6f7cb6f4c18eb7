package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/api"
	"github.com/djlord-it/campus-lifecycle/internal/cache"
	"github.com/djlord-it/campus-lifecycle/internal/calendar"
	"github.com/djlord-it/campus-lifecycle/internal/circuitbreaker"
	"github.com/djlord-it/campus-lifecycle/internal/config"
	"github.com/djlord-it/campus-lifecycle/internal/derivation"
	"github.com/djlord-it/campus-lifecycle/internal/lifecycle"
	"github.com/djlord-it/campus-lifecycle/internal/logging"
	"github.com/djlord-it/campus-lifecycle/internal/metrics"
	"github.com/djlord-it/campus-lifecycle/internal/notifier"
	"github.com/djlord-it/campus-lifecycle/internal/reconciler"
	"github.com/djlord-it/campus-lifecycle/internal/scheduler"
	"github.com/djlord-it/campus-lifecycle/internal/status"
	"github.com/djlord-it/campus-lifecycle/internal/store/postgres"
	"github.com/djlord-it/campus-lifecycle/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// calendarLimit caps the number of triggers in the iCalendar feed.
const calendarLimit = 500

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`lifecycled - campus event lifecycle scheduler

Usage:
  lifecycled <command>

Commands:
  serve      Start the scheduler, notifier and HTTP API
  migrate    Apply the store schema and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  CONFIG_FILE               Optional YAML file; environment values win over it
  STORE_DRIVER              postgres, sqlite or memory (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (postgres driver)
  SQLITE_PATH               SQLite database file (default: "data/lifecycle.db")
  REDIS_ADDR                Redis address for the status cache (optional)
  STATUS_CACHE_TTL          Status snapshot cache TTL (default: "15s")
  HTTP_ADDR                 HTTP server address (default: ":8080")

  TICK_INTERVAL             Scheduler tick interval (default: "30s")
  TICK_BATCH_SIZE           Max due triggers per tick (default: "100")
  CLAIM_TTL                 How long a claim protects a trigger (default: "5m")
  CATCHUP_GRACE             Lateness before a trigger counts as overdue (default: "1m")
  MAX_ATTEMPTS              Failures before a trigger is escalated (default: "5")
  RETRY_BACKOFF_BASE        First retry delay (default: "30s")
  RETRY_BACKOFF_MAX         Retry delay ceiling (default: "10m")
  CLAIM_RATE                Claims per second within a tick, 0 = unlimited (default: "50")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  NOTIFY_WEBHOOK_URL        Transition webhook (optional)
  NOTIFY_WEBHOOK_SECRET     HMAC secret for the webhook signature (optional)
  NOTIFY_TIMEOUT            Webhook request timeout (default: "10s")
  NOTIFY_BUFFER_SIZE        Buffered notifications (default: "100")
  NOTIFY_DRAIN_TIMEOUT      Notification drain timeout on shutdown (default: "30s")
  CIRCUIT_BREAKER_THRESHOLD Failures before the webhook circuit opens, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open circuit cooldown (default: "2m")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Separate metrics port (default: served on HTTP_ADDR)

  RECONCILE_ENABLED         Enable the trigger reconciler (default: "false")
  RECONCILE_SCHEDULE        Cron schedule for reconcile sweeps (default: "@every 5m")
  RECONCILE_BATCH_SIZE      Events per reconcile page (default: "100")

  UPCOMING_WINDOW           Status and calendar look-ahead (default: "24h")
  LOG_LEVEL                 trace, debug, info, warn or error (default: "info")
  LOG_FORMAT                json or console (default: "json")`)
}

func loadConfig() (config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	return cfg, exitSuccess
}

func runServe() int {
	cfg, code := loadConfig()
	if code != exitSuccess {
		return code
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := log.Logger.With().Str("component", "lifecycled").Logger()
	logConfigWarnings(&cfg)

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return exitRuntimeError
	}
	defer func() {
		if err := store.close(); err != nil {
			logger.Warn().Err(err).Msg("store close error")
		}
	}()

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		logger.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("metrics enabled")

		if cfg.MetricsPort != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{
				Addr:              ":" + cfg.MetricsPort,
				Handler:           metricsMux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server error")
				}
			}()
		}
	} else {
		logger.Info().Msg("METRICS_ENABLED not set; metrics disabled")
	}

	// Status cache (optional)
	var statusCache *cache.RedisCache
	if cfg.RedisAddr != "" {
		client, err := newRedisClient(cfg.RedisAddr)
		if err != nil {
			logger.Error().Err(err).Msg("invalid REDIS_ADDR")
			return exitRuntimeError
		}
		defer client.Close()
		statusCache = cache.NewRedisCache(client, cfg.StatusCacheTTL)
		logger.Info().Dur("ttl", cfg.StatusCacheTTL).Msg("status cache enabled")
	} else {
		logger.Info().Msg("REDIS_ADDR not set; status cache disabled")
	}

	// Write path: every committed event change re-derives its triggers.
	deriver := derivation.New(store, store)
	events := lifecycle.New(store, store, store).OnEventChange(deriver.OnEventChange)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = cfg.TickInterval
	schedCfg.BatchSize = cfg.TickBatchSize
	schedCfg.ClaimTTL = cfg.ClaimTTL
	schedCfg.CatchUpGrace = cfg.CatchUpGrace
	schedCfg.MaxAttempts = cfg.MaxAttempts
	schedCfg.BackoffBase = cfg.RetryBackoffBase
	schedCfg.BackoffMax = cfg.RetryBackoffMax
	schedCfg.ClaimRate = cfg.ClaimRate
	if half := cfg.ClaimTTL / 2; schedCfg.OpTimeout > half {
		schedCfg.OpTimeout = half
	}
	sched := scheduler.New(schedCfg, store, store, store)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}
	if statusCache != nil {
		sched = sched.WithCacheInvalidator(statusCache)
		events = events.WithCacheInvalidator(statusCache)
	}

	// Notifications (optional)
	var bus *channel.EventBus
	var notify *notifier.Dispatcher
	if cfg.NotifyWebhookURL != "" {
		var busOpts []channel.Option
		if metricsSink != nil {
			busOpts = append(busOpts, channel.WithMetrics(metricsSink))
		}
		bus = channel.NewEventBus(cfg.NotifyBufferSize, busOpts...)
		sched = sched.WithNotifier(bus)

		notify = notifier.New(notifier.Config{
			URL:     cfg.NotifyWebhookURL,
			Secret:  cfg.NotifyWebhookSecret,
			Timeout: cfg.NotifyTimeout,
		}, notifier.NewHTTPWebhookSender(notifier.WithUserAgent("campus-lifecycle/"+version)))
		if cfg.CircuitBreakerThreshold > 0 {
			notify = notify.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		}
		if metricsSink != nil {
			notify = notify.WithMetrics(metricsSink)
		}
		logger.Info().Int("buffer", cfg.NotifyBufferSize).Msg("webhook notifications enabled")
	} else {
		logger.Info().Msg("NOTIFY_WEBHOOK_URL not set; notifications disabled")
	}

	// Read side
	statuses := status.New(status.Config{
		UpcomingWindow: cfg.UpcomingWindow,
		CatchUpGrace:   cfg.CatchUpGrace,
		ListLimit:      status.DefaultConfig().ListLimit,
		ActivityLimit:  status.DefaultConfig().ActivityLimit,
	}, store, store, store).WithScheduler(sched)
	if statusCache != nil {
		statuses = statuses.WithCache(statusCache)
		if metricsSink != nil {
			statuses = statuses.WithMetrics(metricsSink)
		}
	}
	feed := calendar.New(store, store, cfg.UpcomingWindow, calendarLimit)

	apiHandler := api.NewHandler(events, statuses, store).WithCalendar(feed)
	if store.health != nil {
		apiHandler = apiHandler.WithHealthChecker("database", store.health)
	}
	if statusCache != nil {
		apiHandler = apiHandler.WithHealthChecker("cache", statusCache)
	}

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)
	if metricsSink != nil && cfg.MetricsPort == "" {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// Separate contexts for scheduler, notifier and reconciler enable ordered shutdown.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	defer cancelNotifier()

	var schedulerWg sync.WaitGroup
	var notifierWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		if err := sched.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	if notify != nil {
		notifierWg.Add(1)
		go func() {
			defer notifierWg.Done()
			notify.Run(notifierCtx, bus.Channel(), cfg.NotifyDrainTimeout)
		}()
	}

	// Start reconciler if enabled
	if cfg.ReconcileEnabled {
		recon, err := reconciler.New(reconciler.Config{
			Schedule:     cfg.ReconcileSchedule,
			BatchSize:    cfg.ReconcileBatchSize,
			CatchUpGrace: cfg.CatchUpGrace,
		}, store, store, deriver)
		if err != nil {
			logger.Error().Err(err).Msg("invalid reconcile schedule")
			cancelScheduler()
			schedulerWg.Wait()
			return exitInvalidConfig
		}
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}

		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		logger.Info().
			Str("schedule", cfg.ReconcileSchedule).
			Int("batch", cfg.ReconcileBatchSize).
			Msg("reconciler enabled")
	} else {
		logger.Info().Msg("RECONCILE_ENABLED not set; reconciler disabled")
	}

	logger.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Dur("tick", cfg.TickInterval).
		Str("http", cfg.HTTPAddr).
		Msg("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: Stop scheduler (no new transitions or notifications)
	logger.Info().Msg("stopping scheduler")
	cancelScheduler()
	schedulerWg.Wait()
	logger.Info().Msg("scheduler stopped")

	// Phase 2: Stop reconciler (no new trigger repairs)
	if cancelReconciler != nil {
		logger.Info().Msg("stopping reconciler")
		cancelReconciler()
		reconcilerWg.Wait()
		logger.Info().Msg("reconciler stopped")
	}

	// Phase 3: Stop notifier (drains buffered notifications before returning)
	if notify != nil {
		logger.Info().Msg("stopping notifier (draining)")
		cancelNotifier()
		notifierWg.Wait()
		bus.Close()
		logger.Info().Msg("notifier stopped")
	}

	// Phase 4: Stop HTTP server with graceful shutdown
	logger.Info().Msg("stopping http server")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("http server stopped")

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		logger.Info().Msg("stopping metrics server")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown error")
		}
		logger.Info().Msg("metrics server stopped")
	}

	logger.Info().Msg("stopped")
	return exitSuccess
}

// newRedisClient accepts either a bare host:port or a redis:// URL.
func newRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func runMigrate() int {
	cfg, code := loadConfig()
	if code != exitSuccess {
		return code
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			return exitRuntimeError
		}
	case config.DriverSQLite:
		// Opening applies the schema.
		store, err := openStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		_ = store.close()
	default:
		fmt.Printf("store driver %q has no schema\n", cfg.StoreDriver)
		return exitSuccess
	}

	fmt.Println("schema up to date")
	return exitSuccess
}

func runValidate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("lifecycled version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
