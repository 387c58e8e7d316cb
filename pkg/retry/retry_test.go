package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	policy := New(3, time.Millisecond, 10*time.Millisecond, 0)

	calls := 0
	err := policy.Call(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_Exhausted(t *testing.T) {
	policy := New(3, time.Millisecond, 10*time.Millisecond, 0)

	boom := errors.New("boom")
	calls := 0
	err := policy.Call(context.Background(), func() error {
		calls++
		return boom
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)
}

func TestPolicy_PermanentStopsRetrying(t *testing.T) {
	policy := New(5, time.Millisecond, 10*time.Millisecond, 0)

	fatal := errors.New("fatal")
	calls := 0
	err := policy.Call(context.Background(), func() error {
		calls++
		return Permanent(fatal)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestPolicy_ContextCanceledDuringBackoff(t *testing.T) {
	policy := New(5, time.Hour, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Call(ctx, func() error {
		calls++
		return errors.New("transient")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	policy := New(10, time.Second, 4*time.Second, 0)

	assert.Equal(t, time.Second, policy.delay(1))
	assert.Equal(t, 2*time.Second, policy.delay(2))
	assert.Equal(t, 4*time.Second, policy.delay(3))
	assert.Equal(t, 4*time.Second, policy.delay(7))
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	policy := New(10, time.Second, 10*time.Second, 0.5)

	for i := 0; i < 100; i++ {
		d := policy.delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestPermanent_NilStaysNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
