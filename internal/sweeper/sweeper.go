// Package sweeper clears lease fields left behind by workers that died
// mid-firing.
//
// Correctness never depends on the sweeper: an expired lease already permits
// another holder to claim the record. Sweeping keeps the stored state honest
// for operators and admin queries, which would otherwise show dead holders.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/lease"
	"github.com/djlord-it/surveycron/internal/metrics"
)

type Store interface {
	ListExpiredLeases(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRecord, error)
	ConditionalUpdate(ctx context.Context, id string, cond domain.Precondition, mutate domain.Mutation) (domain.ScheduleRecord, error)
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often the sweeper runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Grace is how long past expiry a lease must be before it is swept.
	// Default: one lease duration (2 minutes).
	Grace time.Duration

	// BatchSize is the maximum number of leases cleared per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Grace:     2 * time.Minute,
		BatchSize: 100,
	}
}

type Sweeper struct {
	config  Config
	store   Store
	clock   func() time.Time
	metrics metrics.Sink
	logger  zerolog.Logger
}

func New(config Config, store Store) *Sweeper {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Sweeper{
		config:  config,
		store:   store,
		clock:   time.Now,
		metrics: metrics.NewNoopSink(),
		logger:  zerolog.Nop(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

func (s *Sweeper) WithMetrics(sink metrics.Sink) *Sweeper {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

func (s *Sweeper) WithLogger(logger zerolog.Logger) *Sweeper {
	s.logger = logger
	return s
}

// Run sweeps once on startup and then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("grace", s.config.Grace).
		Int("batch", s.config.BatchSize).
		Msg("sweeper: started")

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper: stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle clears up to BatchSize stale leases and returns how many it cleared.
func (s *Sweeper) runCycle(ctx context.Context) int {
	now := s.clock().UTC()

	stale, err := s.store.ListExpiredLeases(ctx, now.Add(-s.config.Grace), s.config.BatchSize)
	if err != nil {
		// Retried next interval.
		s.logger.Error().Err(err).Msg("sweeper: failed to list expired leases")
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	cleared := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}

		_, err := s.store.ConditionalUpdate(ctx, rec.ID, sameLease(rec), func(r *domain.ScheduleRecord) {
			lease.Clear(r)
			r.UpdatedAt = now
		})
		switch {
		case err == nil:
			cleared++
			s.logger.Info().
				Str("schedule_id", rec.ID).
				Str("holder", rec.LeaseHolder).
				Dur("expired_for", now.Sub(rec.LeaseExpiresAt).Round(time.Second)).
				Msg("sweeper: cleared stale lease")
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			// Reclaimed or advanced since the listing.
		default:
			s.logger.Warn().Err(err).Str("schedule_id", rec.ID).Msg("sweeper: clear failed")
		}
	}

	s.metrics.ExpiredLeasesSwept(cleared)
	s.logger.Info().Int("found", len(stale)).Int("cleared", cleared).Msg("sweeper: cycle complete")
	return cleared
}

// sameLease holds when the record still carries exactly the stale lease that
// was listed, so a fresh claim made since then is never cleared.
func sameLease(stale domain.ScheduleRecord) domain.Precondition {
	held := lease.HeldBy(stale.LeaseHolder)
	return func(cur domain.ScheduleRecord) bool {
		return held(cur) && cur.LeaseExpiresAt.Equal(stale.LeaseExpiresAt)
	}
}
