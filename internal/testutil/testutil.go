// Package testutil provides shared test helpers for surveycron.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/surveycron/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context that expires after five seconds or when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// RecurringRecord returns an active, unleased recurring record due at next.
func RecurringRecord(id, expr string, next time.Time) domain.ScheduleRecord {
	return domain.ScheduleRecord{
		ID:             id,
		ProjectID:      "proj-1",
		StrategyID:     "strat-1",
		FrequencyID:    "freq-1",
		PatientID:      "pat-1",
		Kind:           domain.KindRecurring,
		CronExpression: expr,
		NextExecution:  next,
		Offset:         1,
		Status:         domain.StatusActive,
		CreatedAt:      next.Add(-24 * time.Hour),
		UpdatedAt:      next.Add(-24 * time.Hour),
	}
}

// ImmediateRecord returns an active one-off record due at next.
func ImmediateRecord(id string, next time.Time) domain.ScheduleRecord {
	rec := RecurringRecord(id, "", next)
	rec.Kind = domain.KindImmediate
	return rec
}

// WithLease returns rec as held by holder until expires.
func WithLease(rec domain.ScheduleRecord, holder string, expires time.Time) domain.ScheduleRecord {
	rec.LeaseHolder = holder
	rec.LeaseExpiresAt = expires
	return rec
}
