// Package worker runs claimed firings on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/lease"
)

const (
	DefaultWorkers      = 4
	DefaultDrainTimeout = 30 * time.Second
)

type Executor interface {
	Execute(ctx context.Context, rec domain.ScheduleRecord) domain.FiringOutcome
}

type Releaser interface {
	Release(ctx context.Context, id, holder string) error
}

type Config struct {
	Workers      int
	DrainTimeout time.Duration
	// MinLeaseRemaining is the lease a firing must still have when a worker
	// picks it up, normally the delivery timeout. A firing with less is
	// released instead of run, since its lease could lapse mid-delivery.
	MinLeaseRemaining time.Duration
}

type Pool struct {
	config   Config
	executor Executor
	releaser Releaser
	clock    func() time.Time
	logger   zerolog.Logger
}

func New(config Config, executor Executor, releaser Releaser) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	return &Pool{
		config:   config,
		executor: executor,
		releaser: releaser,
		clock:    time.Now,
		logger:   zerolog.Nop(),
	}
}

// WithClock overrides the time source. Used in tests.
func (p *Pool) WithClock(clock func() time.Time) *Pool {
	p.clock = clock
	return p
}

func (p *Pool) WithLogger(logger zerolog.Logger) *Pool {
	p.logger = logger
	return p
}

// Run consumes firings until ctx is cancelled or ch is closed. After
// cancellation it drains the buffer for up to DrainTimeout; firings still
// buffered after that are released so another process can claim them.
func (p *Pool) Run(ctx context.Context, ch <-chan domain.Firing) {
	p.logger.Info().Int("workers", p.config.Workers).Msg("worker: pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-ch:
					if !ok {
						return
					}
					p.fire(ctx, f)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		p.drain(ch)
	}
	p.logger.Info().Msg("worker: pool stopped")
}

func (p *Pool) drain(ch <-chan domain.Firing) {
	drainCtx, cancel := context.WithTimeout(context.Background(), p.config.DrainTimeout)
	defer cancel()

	var executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for drainCtx.Err() == nil {
				select {
				case f, ok := <-ch:
					if !ok {
						return
					}
					p.fire(drainCtx, f)
					executed.Add(1)
				default:
					return
				}
			}
		}()
	}
	wg.Wait()

	released := 0
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				p.logDrain(executed.Load(), released)
				return
			}
			p.release(f)
			released++
		default:
			p.logDrain(executed.Load(), released)
			return
		}
	}
}

func (p *Pool) logDrain(executed int64, released int) {
	if executed == 0 && released == 0 {
		return
	}
	p.logger.Info().
		Int64("executed", executed).
		Int("released", released).
		Msg("worker: drain complete")
}

// fire runs one firing. Shutdown does not interrupt a firing that has
// started; the executor bounds delivery with its own timeout.
func (p *Pool) fire(ctx context.Context, f domain.Firing) {
	rec := f.Record
	rec.LeaseHolder = f.Holder

	if !rec.LeaseExpiresAt.IsZero() {
		if remaining := rec.LeaseExpiresAt.Sub(p.clock()); remaining <= 0 || remaining < p.config.MinLeaseRemaining {
			p.logger.Warn().
				Str("schedule_id", rec.ID).
				Str("holder", f.Holder).
				Time("lease_expires_at", rec.LeaseExpiresAt).
				Dur("remaining", remaining).
				Msg("worker: lease too short to fire, releasing")
			p.release(f)
			return
		}
	}

	p.executor.Execute(context.WithoutCancel(ctx), rec)
}

func (p *Pool) release(f domain.Firing) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.releaser.Release(ctx, f.Record.ID, f.Holder)
	if err != nil && !errors.Is(err, lease.ErrNotHolder) {
		p.logger.Warn().Err(err).Str("schedule_id", f.Record.ID).Msg("worker: release failed, lease will expire")
	}
}
