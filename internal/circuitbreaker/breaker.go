// Package circuitbreaker stops outbound calls to a gateway after repeated
// failures and lets a single probe through once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// circuit is the state of one gateway key.
type circuit struct {
	state    string
	failures int // consecutive
	openedAt time.Time
	probeAt  time.Time
}

// Breaker tracks circuits per gateway key. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(key, from, to string)
}

// New returns a breaker that opens after threshold consecutive failures and
// stays open for cooldown. threshold <= 0 disables it.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnStateChange registers fn to run on every transition. It is called with
// the breaker's lock held and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(key, from, to string)) *Breaker {
	b.onChange = fn
	return b
}

// Allow returns ErrCircuitOpen if calls to key should be skipped. The first
// call after cooldown is the half-open probe; others wait for its verdict.
// A probe that never reports back is given up after another cooldown and the
// next call becomes the probe.
func (b *Breaker) Allow(key string) error {
	if b.threshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return nil
	}
	switch c.state {
	case StateOpen:
		if b.clock().Sub(c.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		c.probeAt = b.clock()
		b.move(key, c, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if now := b.clock(); now.Sub(c.probeAt) >= b.cooldown {
			c.probeAt = now
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		c.failures = 0
		b.move(key, c, StateClosed)
	}
}

func (b *Breaker) Failure(key string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.clock()
		b.move(key, c, StateOpen)
	}
}

// State reports StateClosed, StateOpen or StateHalfOpen for key.
func (b *Breaker) State(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) move(key string, c *circuit, to string) {
	from := c.state
	c.state = to
	if from != to && b.onChange != nil {
		b.onChange(key, from, to)
	}
}
