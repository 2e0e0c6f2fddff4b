package main

import (
	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/config"
)

// logConfigWarnings reports ignored values from Load and settings that are
// valid but risky in production.
func logConfigWarnings(log zerolog.Logger, cfg config.Config) {
	for _, w := range cfg.Warnings {
		log.Warn().Msg("config: " + w)
	}

	if cfg.DeliveryURL == "" {
		log.Warn().Msg("config: DELIVERY_URL not set; surveys are logged, not delivered")
	} else if cfg.DeliverySecret == "" {
		log.Warn().Msg("config: DELIVERY_SECRET not set; gateway requests are unsigned")
	}

	if !cfg.MetricsEnabled {
		log.Warn().Msg("config: METRICS_ENABLED=false; lease loss and delivery failures are only visible in logs")
	}

	if !cfg.SweepEnabled {
		log.Info().Msg("config: SWEEP_ENABLED=false; expired leases are reclaimed on expiry but their fields stay until then")
	}

	if cfg.RedisAddr == "" {
		log.Info().Msg("config: REDIS_ADDR not set; outcome analytics disabled")
	}

	// Each in-flight firing can hold a connection for its advancing write.
	if cfg.WorkerCount > cfg.DBMaxOpenConns {
		log.Warn().
			Int("workers", cfg.WorkerCount).
			Int("max_open_conns", cfg.DBMaxOpenConns).
			Msg("config: WORKER_COUNT exceeds DB_MAX_OPEN_CONNS; workers will queue on the pool")
	}
}
