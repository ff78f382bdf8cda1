package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Threshold: threshold, Cooldown: time.Minute, Now: clock.Now}), clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -1})

	for range 4 {
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State(), "default threshold is 5")

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, 3, b.Failures())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1)

	b.RecordFailure()
	require.False(t, b.Allow())

	clock.Advance(time.Minute)
	assert.True(t, b.Allow(), "first call after cooldown probes")
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller waits for the probe")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1)

	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")
	notCountable := errors.New("client error")
	countable := func(err error) bool { return !errors.Is(err, notCountable) }

	require.NoError(t, b.Do(func() error { return nil }, countable))

	require.ErrorIs(t, b.Do(func() error { return notCountable }, countable), notCountable)
	assert.Equal(t, 0, b.Failures())

	require.ErrorIs(t, b.Do(func() error { return boom }, countable), boom)
	require.ErrorIs(t, b.Do(func() error { return boom }, countable), boom)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil }, countable)
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1})

	a := r.Get("cdn.example.com")
	assert.Same(t, a, r.Get("cdn.example.com"))
	b := r.Get("other.example.com")
	assert.NotSame(t, a, b)

	assert.Empty(t, r.OpenKeys())

	a.RecordFailure()
	assert.Equal(t, Stats{Total: 2, Open: 1, Closed: 1}, r.Stats())
	assert.Equal(t, []string{"cdn.example.com"}, r.OpenKeys())
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig())

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Get("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Stats().Total)
}
