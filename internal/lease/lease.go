// Package lease grants time-bounded exclusive claims on schedule records.
//
// A lease is two fields on the record itself (holder and expiry) written with
// the store's single-record conditional update, so any number of scheduler
// processes can contend for the same record without a lock service.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/metrics"
)

var (
	// ErrAlreadyLeased is returned by TryClaim when the record is held by a
	// live lease, is no longer due, or has completed.
	ErrAlreadyLeased = errors.New("lease: already leased")

	// ErrNotHolder is returned by Release when the caller does not hold the lease.
	ErrNotHolder = errors.New("lease: not holder")
)

// Store is the conditional-write primitive leases are built on.
type Store interface {
	ConditionalUpdate(ctx context.Context, id string, cond domain.Precondition, mutate domain.Mutation) (domain.ScheduleRecord, error)
}

type Coordinator struct {
	store   Store
	clock   func() time.Time
	metrics metrics.Sink
	logger  zerolog.Logger
}

func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		store:   store,
		clock:   time.Now,
		metrics: metrics.NewNoopSink(),
		logger:  zerolog.Nop(),
	}
}

// WithClock overrides the time source. Used in tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

func (c *Coordinator) WithMetrics(sink metrics.Sink) *Coordinator {
	if sink != nil {
		c.metrics = sink
	}
	return c
}

func (c *Coordinator) WithLogger(logger zerolog.Logger) *Coordinator {
	c.logger = logger
	return c
}

// Claimable holds when the record is active, due at now, and either
// unleased or holding an expired lease.
func Claimable(now time.Time) domain.Precondition {
	return func(cur domain.ScheduleRecord) bool {
		return cur.IsDue(now) && !cur.IsLeased(now)
	}
}

// HeldBy holds when holder is the recorded lease holder. Expiry is not
// checked: a holder whose lease lapsed still owns the record until someone
// else claims it.
func HeldBy(holder string) domain.Precondition {
	return func(cur domain.ScheduleRecord) bool {
		return holder != "" && cur.LeaseHolder == holder
	}
}

// TryClaim leases the record to holder for duration.
//
// Returns ErrAlreadyLeased if another holder has a live lease or the record
// is no longer due, domain.ErrNotFound if it does not exist.
func (c *Coordinator) TryClaim(ctx context.Context, id, holder string, duration time.Duration) (domain.ScheduleRecord, error) {
	now := c.clock().UTC()

	rec, err := c.store.ConditionalUpdate(ctx, id, Claimable(now), func(r *domain.ScheduleRecord) {
		r.LeaseHolder = holder
		r.LeaseExpiresAt = now.Add(duration)
		r.UpdatedAt = now
	})
	switch {
	case err == nil:
		c.metrics.ClaimAttempt(metrics.ClaimClaimed)
		c.logger.Debug().
			Str("schedule_id", id).
			Str("holder", holder).
			Time("expires_at", rec.LeaseExpiresAt).
			Msg("lease: claimed")
		return rec, nil
	case errors.Is(err, domain.ErrConflict):
		c.metrics.ClaimAttempt(metrics.ClaimAlreadyLeased)
		return domain.ScheduleRecord{}, ErrAlreadyLeased
	default:
		c.metrics.ClaimAttempt(metrics.ClaimError)
		return domain.ScheduleRecord{}, err
	}
}

// Release clears the lease if holder still owns it.
// Returns ErrNotHolder otherwise.
func (c *Coordinator) Release(ctx context.Context, id, holder string) error {
	now := c.clock().UTC()

	_, err := c.store.ConditionalUpdate(ctx, id, HeldBy(holder), func(r *domain.ScheduleRecord) {
		Clear(r)
		r.UpdatedAt = now
	})
	switch {
	case err == nil:
		c.metrics.LeaseReleased(metrics.ReleaseOK)
		return nil
	case errors.Is(err, domain.ErrConflict):
		c.metrics.LeaseReleased(metrics.ReleaseNotHolder)
		return ErrNotHolder
	default:
		c.metrics.LeaseReleased(metrics.ReleaseError)
		return err
	}
}

// Clear drops the lease fields from r. Mutations that advance a record use
// it to release the lease in the same write.
func Clear(r *domain.ScheduleRecord) {
	r.LeaseHolder = ""
	r.LeaseExpiresAt = time.Time{}
}
