// Package scheduler polls the schedule store for due records, claims each one
// with a lease and hands the claimed firing to the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/lease"
	"github.com/djlord-it/surveycron/internal/metrics"
)

const (
	DefaultBatchSize     = 100
	DefaultLeaseDuration = 2 * time.Minute
)

type Store interface {
	QueryDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleRecord, error)
}

type Claimer interface {
	TryClaim(ctx context.Context, id, holder string, duration time.Duration) (domain.ScheduleRecord, error)
	Release(ctx context.Context, id, holder string) error
}

type EventEmitter interface {
	Emit(ctx context.Context, f domain.Firing) error
}

type Config struct {
	TickInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	// HolderID identifies this process. Every claim gets its own holder
	// token under it, see ClaimToken. Generated when empty.
	HolderID string
}

type Scheduler struct {
	config   Config
	store    Store
	claimer  Claimer
	emitter  EventEmitter
	clock    func() time.Time
	metrics  metrics.Sink
	logger   zerolog.Logger
	lastTick time.Time
}

func New(config Config, store Store, claimer Claimer, emitter EventEmitter) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultLeaseDuration
	}
	if config.HolderID == "" {
		config.HolderID = "worker-" + uuid.NewString()
	}
	return &Scheduler{
		config:  config,
		store:   store,
		claimer: claimer,
		emitter: emitter,
		clock:   time.Now,
		metrics: metrics.NewNoopSink(),
		logger:  zerolog.Nop(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

func (s *Scheduler) WithLogger(logger zerolog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// HolderID is the process identity this scheduler claims under.
func (s *Scheduler) HolderID() string {
	return s.config.HolderID
}

// ClaimToken returns a lease holder unique to one claim. Two claims on the
// same record by the same process must not be able to release or advance
// each other's lease.
func ClaimToken(holderID string) string {
	return holderID + "/" + uuid.NewString()
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("tick", s.config.TickInterval).
		Int("batch_size", s.config.BatchSize).
		Str("holder", s.config.HolderID).
		Msg("scheduler: started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.processTick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler: tick error")
			}
		}
	}
}

// Tick runs a single poll outside the ticker loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.processTick(ctx)
}

// processTick runs one poll. A store error aborts the tick; the next tick
// starts fresh.
func (s *Scheduler) processTick(ctx context.Context) error {
	start := s.clock().UTC()
	s.metrics.TickStarted()

	if !s.lastTick.IsZero() {
		if drift := start.Sub(s.lastTick) - s.config.TickInterval; drift > 0 {
			s.metrics.TickDrift(drift)
		}
	}
	s.lastTick = start

	claimed, err := s.poll(ctx, start)
	s.metrics.TickCompleted(s.clock().Sub(start), claimed, err)
	return err
}

func (s *Scheduler) poll(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.QueryDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query due: %w", err)
	}
	s.metrics.DueRecordsSeen(len(due))

	claimed := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if s.claimAndEmit(ctx, rec.ID, now) {
			claimed++
		}
	}

	if claimed > 0 {
		s.logger.Debug().Int("due", len(due)).Int("claimed", claimed).Msg("scheduler: tick")
	}
	return claimed, nil
}

func (s *Scheduler) claimAndEmit(ctx context.Context, id string, now time.Time) bool {
	holder := ClaimToken(s.config.HolderID)
	log := s.logger.With().Str("schedule_id", id).Str("holder", holder).Logger()

	rec, err := s.claimer.TryClaim(ctx, id, holder, s.config.LeaseDuration)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrAlreadyLeased), errors.Is(err, domain.ErrNotFound):
		// Another scheduler won, or the record moved on since the poll.
		return false
	default:
		log.Warn().Err(err).Msg("scheduler: claim failed")
		return false
	}

	firing := domain.Firing{Record: rec, Holder: holder, ClaimedAt: now}
	if err := s.emitter.Emit(ctx, firing); err != nil {
		log.Warn().Err(err).Msg("scheduler: emit failed, releasing claim")
		if rerr := s.claimer.Release(context.WithoutCancel(ctx), id, holder); rerr != nil {
			log.Warn().Err(rerr).Msg("scheduler: release failed, lease will expire")
		}
		return false
	}
	return true
}
