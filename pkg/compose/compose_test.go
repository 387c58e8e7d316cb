package compose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/pkg/limiter"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

func newTestStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestComposer_PlainCall(t *testing.T) {
	calls := 0
	err := NewComposer("job", newTestStore(t)).Call(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestComposer_LimitThrottles(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		Limit(1, time.Minute, limiter.FixedWindow)

	require.NoError(t, c.Call(context.Background(), func() error { return nil }))

	calls := 0
	err := c.Call(context.Background(), func() error { calls++; return nil })
	assert.True(t, IsThrottled(err))
	assert.Equal(t, 0, calls, "rejected call must not run the user fn")
}

func TestComposer_ConfigErrorSurfacesFromCall(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		Limit(1, time.Minute, limiter.Algorithm("bogus"))

	err := c.Call(context.Background(), func() error { return nil })
	var ce *limiter.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestComposer_RetriesTransientFailures(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		RetryOnFailure(3, time.Millisecond, 10*time.Millisecond, 0)

	calls := 0
	err := c.Call(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestComposer_RetriesExhausted(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		RetryOnFailure(2, time.Millisecond, 10*time.Millisecond, 0)

	err := c.Call(context.Background(), func() error { return errors.New("boom") })
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

// A throttle rejection is permanent: the retry layer must pass it through
// without burning attempts.
func TestComposer_ThrottledNotRetried(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		Limit(0, time.Minute, limiter.FixedWindow).
		RetryOnFailure(5, time.Millisecond, 10*time.Millisecond, 0)

	calls := 0
	err := c.Call(context.Background(), func() error { calls++; return nil })

	assert.True(t, IsThrottled(err))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 0, calls)
}

func TestComposer_BreakerOpens(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		BreakOn(2, time.Minute, 5*time.Minute)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := c.Call(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	calls := 0
	err := c.Call(context.Background(), func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

// Retry sits outside the breaker: attempts that trip the circuit turn
// into ErrCircuitOpen on the remaining tries, and the final failure keeps
// both markers on the chain.
func TestComposer_WrapOrder(t *testing.T) {
	c := NewComposer("job", newTestStore(t)).
		BreakOn(1, time.Minute, 5*time.Minute).
		RetryOnFailure(3, time.Millisecond, 10*time.Millisecond, 0)

	calls := 0
	err := c.Call(context.Background(), func() error {
		calls++
		return errors.New("boom")
	})

	// First attempt runs the fn and trips the breaker; later attempts
	// are rejected by the open circuit without reaching the fn.
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestComposer_LimiterInsideBreaker(t *testing.T) {
	// A throttled rejection passes through the breaker as a failure but
	// must still surface as Throttled to the caller.
	c := NewComposer("job", newTestStore(t)).
		Limit(0, time.Minute, limiter.FixedWindow).
		BreakOn(10, time.Minute, 5*time.Minute)

	err := c.Call(context.Background(), func() error { return nil })
	assert.True(t, IsThrottled(err))
}
