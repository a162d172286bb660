package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	b, err := New(cfg, clock, nil)
	require.NoError(t, err)
	return b, clock
}

var errProbe = errors.New("probe blew up")

func failing(context.Context) error    { return errProbe }
func succeeding(context.Context) error { return nil }

func TestBreakerConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{FailureThreshold: 0, SuccessThreshold: 1}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{FailureThreshold: 1, SuccessThreshold: 0}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: -time.Second}, nil, nil)
	require.Error(t, err)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(ctx, failing), errProbe)
		require.Equal(t, StateClosed, b.GetState().State)
	}
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)

	snap := b.GetState()
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, 3, snap.Failures)
	require.Equal(t, errProbe.Error(), snap.LastError)
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)

	invocations := 0
	err := b.Do(ctx, func(context.Context) error {
		invocations++
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.Zero(t, invocations)
	// Rejection itself is not a failure.
	require.Equal(t, 1, b.GetState().Failures)
	require.Equal(t, clock.Now().Add(time.Minute), b.GetState().NextAttempt)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Do(ctx, succeeding))
	snap := b.GetState()
	require.Equal(t, StateHalfOpen, snap.State)
	require.Equal(t, 1, snap.Successes)

	require.NoError(t, b.Do(ctx, succeeding))
	snap = b.GetState()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.Failures)
	require.Zero(t, snap.Successes)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	clock.Advance(2 * time.Minute)

	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	snap := b.GetState()
	require.Equal(t, StateOpen, snap.State)
	require.Zero(t, snap.Successes)
	require.Equal(t, clock.Now().Add(time.Minute), snap.NextAttempt)
}

func TestBreakerHalfOpenFailurePreservesFailureCount(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	clock.Advance(2 * time.Minute)
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)

	// The failure history survives the HALF_OPEN -> OPEN trip.
	require.Equal(t, 2, b.GetState().Failures)
}

func TestBreakerZeroTimeoutRetriesImmediately(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.NoError(t, b.Do(ctx, succeeding))
	require.Equal(t, StateClosed, b.GetState().State)
}

func TestBreakerSuccessResetsClosedFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.NoError(t, b.Do(ctx, succeeding))

	snap := b.GetState()
	require.Zero(t, snap.Failures)
	require.Equal(t, 1, snap.Successes)

	// Counter restarted, so two more failures do not open the circuit.
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.ErrorIs(t, b.Do(ctx, failing), errProbe)
	require.Equal(t, StateClosed, b.GetState().State)
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	require.ErrorIs(t, b.Do(context.Background(), failing), errProbe)
	require.Equal(t, StateOpen, b.GetState().State)

	b.Reset()
	snap := b.GetState()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.Failures)
	require.Zero(t, snap.Successes)
	require.Empty(t, snap.LastError)
	require.True(t, snap.NextAttempt.IsZero())
}

func TestBreakerScenario(t *testing.T) {
	t.Parallel()

	// failureThreshold=2, successThreshold=2, timeout=100ms.
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	b, err := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 100 * time.Millisecond}, clock, nil)
	require.NoError(t, err)
	ctx := context.Background()

	invocations := 0
	fail := func(context.Context) error { invocations++; return errProbe }
	ok := func(context.Context) error { invocations++; return nil }

	require.ErrorIs(t, b.Do(ctx, fail), errProbe)
	require.ErrorIs(t, b.Do(ctx, fail), errProbe)
	require.Equal(t, StateOpen, b.GetState().State)

	require.ErrorIs(t, b.Do(ctx, ok), ErrOpen)
	require.Equal(t, 2, invocations)

	clock.Advance(150 * time.Millisecond)
	require.NoError(t, b.Do(ctx, ok))
	require.Equal(t, StateHalfOpen, b.GetState().State)
	require.NoError(t, b.Do(ctx, ok))
	require.Equal(t, StateClosed, b.GetState().State)
}

func TestBreakerConcurrentFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(ctx, failing) //nolint:errcheck
		}()
	}
	wg.Wait()

	snap := b.GetState()
	require.Equal(t, StateOpen, snap.State)
	// No lost increments before the trip and no negative drift after it.
	require.GreaterOrEqual(t, snap.Failures, 5)
	require.Zero(t, snap.Successes)
}
