package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/analytics"
	"github.com/djlord-it/surveycron/internal/api"
	"github.com/djlord-it/surveycron/internal/circuitbreaker"
	"github.com/djlord-it/surveycron/internal/config"
	"github.com/djlord-it/surveycron/internal/cron"
	"github.com/djlord-it/surveycron/internal/delivery"
	"github.com/djlord-it/surveycron/internal/executor"
	"github.com/djlord-it/surveycron/internal/leaderelection"
	"github.com/djlord-it/surveycron/internal/lease"
	"github.com/djlord-it/surveycron/internal/logx"
	"github.com/djlord-it/surveycron/internal/metrics"
	"github.com/djlord-it/surveycron/internal/schedule"
	"github.com/djlord-it/surveycron/internal/scheduler"
	"github.com/djlord-it/surveycron/internal/store/postgres"
	"github.com/djlord-it/surveycron/internal/sweeper"
	"github.com/djlord-it/surveycron/internal/transport/channel"
	"github.com/djlord-it/surveycron/internal/worker"

	_ "github.com/lib/pq"
)

type serveOptions struct {
	api     bool // HTTP API on HTTP_ADDR
	sweeper bool // leader election + lease sweeper
	migrate bool // apply schema.sql before starting
}

// schemaProbeQuery fails when the schedule table is missing.
const schemaProbeQuery = "SELECT id FROM survey_schedules LIMIT 1"

func runServe(cfg config.Config, opts serveOptions) error {
	logger := logx.New(logx.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logx.Component(logger, "main")
	logConfigWarnings(log, cfg)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return withCode(exitRuntimeError, fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Dur("max_idle_time", cfg.DBConnMaxIdleTime).
		Msg("main: db pool configured")

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	defer cancelStart()
	if err := db.PingContext(startCtx); err != nil {
		return withCode(exitRuntimeError, fmt.Errorf("connect to database: %w", err))
	}

	store := postgres.New(db, cfg.DBOpTimeout)
	if opts.migrate {
		if err := store.Migrate(startCtx); err != nil {
			return withCode(exitRuntimeError, err)
		}
		log.Info().Msg("main: schema applied")
	} else if err := probeSchema(startCtx, db); err != nil {
		return withCode(exitRuntimeError, fmt.Errorf("schema check (run 'surveycron serve' once to migrate): %w", err))
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logx.Component(logger, "metrics"))
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go listen(log, "metrics", metricsServer)
	}

	evaluator := cron.NewEvaluator(time.UTC)

	exec := executor.New(
		executor.Config{DeliveryTimeout: cfg.DeliveryTimeout},
		store,
		store,
		newSender(cfg, sink, logger),
		evaluator,
	).WithMetrics(sink).WithLogger(logx.Component(logger, "executor"))

	var redisClient *redis.Client
	var outcomes *analytics.RedisSink
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		outcomes = analytics.NewRedisSink(redisClient, analytics.DefaultRetention)
		exec = exec.WithAnalytics(outcomes)
		log.Info().Str("redis", cfg.RedisAddr).Msg("main: analytics enabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	coordinator := lease.NewCoordinator(store).
		WithMetrics(sink).
		WithLogger(logx.Component(logger, "lease"))

	sched := scheduler.New(
		scheduler.Config{
			TickInterval:  cfg.TickInterval,
			BatchSize:     cfg.PollBatchSize,
			LeaseDuration: cfg.LeaseDuration,
			HolderID:      cfg.WorkerID,
		},
		store,
		coordinator,
		bus,
	).WithMetrics(sink).WithLogger(logx.Component(logger, "scheduler"))

	pool := worker.New(
		worker.Config{
			Workers:           cfg.WorkerCount,
			DrainTimeout:      cfg.WorkerDrainTimeout,
			MinLeaseRemaining: cfg.DeliveryTimeout,
		},
		exec,
		coordinator,
	).WithLogger(logx.Component(logger, "worker"))

	var httpServer *http.Server
	if opts.api {
		service := schedule.New(store, evaluator).WithLogger(logx.Component(logger, "schedule"))
		handler := api.NewHandler(service).
			WithHealthChecker("database", db).
			WithLogger(logx.Component(logger, "api"))
		if redisClient != nil {
			handler = handler.
				WithHealthChecker("redis", api.PingFunc(func(ctx context.Context) error {
					return redisClient.Ping(ctx).Err()
				})).
				WithOutcomeCounter(outcomes)
		}
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go listen(log, "http", httpServer)
	}

	// Separate contexts so shutdown can stop producers before consumers.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	poolCtx, cancelPool := context.WithCancel(context.Background())
	electionCtx, cancelElection := context.WithCancel(context.Background())
	defer cancelScheduler()
	defer cancelPool()
	defer cancelElection()

	var schedulerWg, poolWg, electionWg sync.WaitGroup

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		if err := sched.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("main: scheduler exited")
		}
	}()

	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		pool.Run(poolCtx, bus.Channel())
	}()

	if opts.sweeper {
		sw := sweeper.New(
			sweeper.Config{
				Interval:  cfg.SweepInterval,
				Grace:     cfg.LeaseDuration,
				BatchSize: cfg.SweepBatchSize,
			},
			store,
		).WithMetrics(sink).WithLogger(logx.Component(logger, "sweeper"))

		elector := newSweeperElector(db, cfg, sw, sink, logx.Component(logger, "leader"))
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
	}

	log.Info().
		Str("holder", sched.HolderID()).
		Dur("tick", cfg.TickInterval).
		Int("workers", cfg.WorkerCount).
		Bool("api", opts.api).
		Bool("sweeper", opts.sweeper).
		Msg("main: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("main: shutting down")

	// Phase 1: no new claims.
	cancelScheduler()
	schedulerWg.Wait()
	log.Info().Msg("main: scheduler stopped")

	// Phase 2: finish or release everything already claimed.
	cancelPool()
	poolWg.Wait()
	log.Info().Msg("main: workers stopped")

	// Phase 3: give up leadership (stops the sweeper, unlocks).
	cancelElection()
	electionWg.Wait()

	// Phase 4: HTTP servers.
	shutdown(log, "http", httpServer, cfg.HTTPShutdownTimeout)
	shutdown(log, "metrics", metricsServer, cfg.HTTPShutdownTimeout)

	log.Info().Msg("main: stopped")
	return nil
}

// newSender picks the gateway sender, or a logging sender when no gateway is configured.
func newSender(cfg config.Config, sink metrics.Sink, logger zerolog.Logger) executor.Sender {
	if cfg.DeliveryURL == "" {
		return delivery.NewLogSender(logx.Component(logger, "delivery"))
	}
	sender := delivery.NewHTTPSender(cfg.DeliveryURL, cfg.DeliverySecret).
		WithClient(&http.Client{Timeout: cfg.DeliveryTimeout}).
		WithRateLimit(cfg.DeliveryRatePerSec, int(cfg.DeliveryRatePerSec)+1).
		WithMetrics(sink).
		WithLogger(logx.Component(logger, "delivery"))
	if cfg.CircuitBreakerThreshold > 0 {
		sender = sender.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	return sender
}

// newSweeperElector runs the sweeper only while this process holds the advisory lock.
func newSweeperElector(db *sql.DB, cfg config.Config, sw *sweeper.Sweeper, sink metrics.Sink, log zerolog.Logger) *leaderelection.Elector {
	var mu sync.Mutex
	var done chan struct{}

	onElected := func(ctx context.Context) {
		finished := make(chan struct{})
		mu.Lock()
		done = finished
		mu.Unlock()
		defer close(finished)
		sw.Run(ctx)
	}
	onDemoted := func() {
		mu.Lock()
		finished := done
		done = nil
		mu.Unlock()
		if finished != nil {
			<-finished
		}
	}

	return leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		onElected,
		onDemoted,
	).WithMetrics(sink).WithLogger(log)
}

// probeSchema checks that the schedule table exists without migrating.
func probeSchema(ctx context.Context, db *sql.DB) error {
	var id string
	err := db.QueryRowContext(ctx, schemaProbeQuery).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}

func listen(log zerolog.Logger, name string, srv *http.Server) {
	log.Info().Str("addr", srv.Addr).Msgf("main: %s server listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msgf("main: %s server error", name)
	}
}

func shutdown(log zerolog.Logger, name string, srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msgf("main: %s server shutdown error", name)
		return
	}
	log.Info().Msgf("main: %s server stopped", name)
}
