package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/djlord-it/surveycron/internal/testutil"
)

const gateway = "https://gateway.example.com/surveys"

type transition struct{ from, to string }

func newBreaker(threshold int, cooldown time.Duration) (*Breaker, *testutil.FakeClock, *[]transition) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	var seen []transition
	b := New(threshold, cooldown).
		WithClock(clock.Now).
		OnStateChange(func(_, from, to string) { seen = append(seen, transition{from, to}) })
	return b, clock, &seen
}

func fail(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Failure(gateway)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, seen := newBreaker(3, 5*time.Second)

	assert.NoError(t, b.Allow(gateway), "unknown gateway is allowed")
	fail(b, 2)
	assert.NoError(t, b.Allow(gateway))
	assert.Equal(t, StateClosed, b.State(gateway))

	fail(b, 1)
	assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State(gateway))
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *seen)
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	b, clock, _ := newBreaker(3, 10*time.Second)
	fail(b, 3)

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.NoError(t, b.Allow(gateway), "half-open trial")
	assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen, "only one trial call in flight")
	assert.Equal(t, StateHalfOpen, b.State(gateway))
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes and resets the count", func(t *testing.T) {
		b, clock, seen := newBreaker(3, 10*time.Second)
		fail(b, 3)
		clock.Advance(10 * time.Second)
		_ = b.Allow(gateway)

		b.Success(gateway)
		fail(b, 1)

		assert.NoError(t, b.Allow(gateway))
		assert.Equal(t, []transition{
			{StateClosed, StateOpen},
			{StateOpen, StateHalfOpen},
			{StateHalfOpen, StateClosed},
		}, *seen)
	})

	t.Run("failure reopens and restarts the cooldown", func(t *testing.T) {
		b, clock, _ := newBreaker(3, 10*time.Second)
		fail(b, 3)
		clock.Advance(10 * time.Second)
		_ = b.Allow(gateway)

		b.Failure(gateway)
		clock.Advance(9 * time.Second)

		assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen)
		assert.Equal(t, StateOpen, b.State(gateway))
	})
}

func TestBreaker_SuccessWhileClosedIsQuiet(t *testing.T) {
	b, _, seen := newBreaker(3, time.Second)
	fail(b, 1)
	b.Success(gateway)
	assert.Empty(t, *seen)
}

func TestBreaker_Disabled(t *testing.T) {
	b, _, seen := newBreaker(0, time.Second)
	fail(b, 100)
	assert.NoError(t, b.Allow(gateway))
	assert.Empty(t, *seen)
}

func TestBreaker_GatewaysAreIndependent(t *testing.T) {
	b, _, _ := newBreaker(2, 5*time.Second)
	other := "https://backup.example.com/surveys"

	fail(b, 2)

	assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen)
	assert.NoError(t, b.Allow(other))
}

func TestBreaker_AbandonedProbeIsReplaced(t *testing.T) {
	b, clock, _ := newBreaker(1, 10*time.Second)
	fail(b, 1)
	clock.Advance(10 * time.Second)
	assert.NoError(t, b.Allow(gateway), "trial call that never reports back")

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(gateway), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.NoError(t, b.Allow(gateway), "a fresh trial call after another cooldown")
	b.Success(gateway)
	assert.Equal(t, StateClosed, b.State(gateway))
}
