// Package channel is the in-process hand-off between the scheduler, which
// claims due records, and the worker pool, which fires them.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/surveycron/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when no buffer space freed up within the emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink is the subset of metrics the bus reports.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		if d > 0 {
			b.emitTimeout = d
		}
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = m
	}
}

// EventBus carries claimed firings. Every firing on the bus holds a lease;
// a firing that cannot be emitted must be released by the caller.
type EventBus struct {
	ch          chan domain.Firing
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.Firing, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBus) Emit(ctx context.Context, f domain.Firing) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- f:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	case <-ctx.Done():
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.Firing {
	return b.ch
}

// Len is the number of firings waiting for a worker.
func (b *EventBus) Len() int {
	return len(b.ch)
}

// Close stops the bus. Only the producer may call it, after its last Emit.
func (b *EventBus) Close() {
	close(b.ch)
}
