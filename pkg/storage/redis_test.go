package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisStore(client, opts...)
	require.NoError(t, err)
	return store, server
}

func TestRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	assert.Error(t, err)
}

func TestRedisStore_FixedWindow(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := store.IncrementCounter(ctx, "user", time.Minute, 1)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := store.GetCounter(ctx, "user", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	ttl, err := store.CounterTTL(ctx, "user", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	// The TTL is anchored to the first increment, not refreshed.
	server.FastForward(40 * time.Second)
	_, err = store.IncrementCounter(ctx, "user", time.Minute, 1)
	require.NoError(t, err)
	ttl, err = store.CounterTTL(ctx, "user", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, ttl)

	// Expiry starts a fresh window.
	server.FastForward(21 * time.Second)
	count, err = store.GetCounter(ctx, "user", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = store.IncrementCounter(ctx, "user", time.Minute, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStore_KeyNamespace(t *testing.T) {
	store, server := newTestRedisStore(t, WithPrefix("custom:"))
	ctx := context.Background()

	_, err := store.IncrementCounter(ctx, "user", time.Minute, 1)
	require.NoError(t, err)

	assert.True(t, server.Exists("custom:user:60"))
}

func TestRedisStore_ResetCounter(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.IncrementCounter(ctx, "user", time.Minute, 5)
	require.NoError(t, err)
	require.NoError(t, store.ResetCounter(ctx, "user", time.Minute))

	count, err := store.GetCounter(ctx, "user", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRedisStore_GCRA(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)
	emission := time.Second

	res, err := store.CheckGCRA(ctx, "user", emission, 0, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.WithinDuration(t, now.Add(emission), res.TAT, time.Millisecond)

	res, err = store.CheckGCRA(ctx, "user", emission, 0, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, emission.Seconds(), res.RetryAfter.Seconds(), 0.001)

	res, err = store.CheckGCRA(ctx, "user", emission, 0, time.Minute, now.Add(emission))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_PeekGCRA_DoesNotMutate(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		res, err := store.PeekGCRA(ctx, "user", time.Second, 0, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	_, err := store.CheckGCRA(ctx, "user", time.Second, 0, time.Minute, now)
	require.NoError(t, err)

	res, err := store.PeekGCRA(ctx, "user", time.Second, 0, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 1.0, res.RetryAfter.Seconds(), 0.001)
}

func TestRedisStore_TokenBucket(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res, err := store.CheckTokenBucket(ctx, "user", 3, 1, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "take %d", i)
		assert.Equal(t, int64(2-i), res.Remaining)
	}

	res, err := store.CheckTokenBucket(ctx, "user", 3, 1, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 1.0, res.RetryAfter.Seconds(), 0.001)

	res, err = store.CheckTokenBucket(ctx, "user", 3, 1, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_PeekTokenBucket_DoesNotMutate(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)

	_, err := store.CheckTokenBucket(ctx, "user", 1, 1, time.Minute, now)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res, err := store.PeekTokenBucket(ctx, "user", 1, 1, now)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 1.0, res.RetryAfter.Seconds(), 0.001)
	}
}

func TestRedisStore_Clear(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)

	_, err := store.IncrementCounter(ctx, "req/ip:1.2.3.4", time.Minute, 1)
	require.NoError(t, err)
	_, err = store.IncrementCounter(ctx, "req/token:abc", time.Minute, 1)
	require.NoError(t, err)
	_, err = store.CheckGCRA(ctx, "req/ip:1.2.3.4", time.Second, 0, time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx, "req/ip:*"))

	assert.False(t, server.Exists("throttle:req/ip:1.2.3.4:60"))
	assert.False(t, server.Exists("throttle:req/ip:1.2.3.4"))
	assert.True(t, server.Exists("throttle:req/token:abc:60"))

	require.NoError(t, store.Clear(ctx, ""))
	assert.False(t, server.Exists("throttle:req/token:abc:60"))
}

func TestRedisStore_Healthy(t *testing.T) {
	store, server := newTestRedisStore(t)
	assert.True(t, store.Healthy(context.Background()))

	server.Close()
	assert.False(t, store.Healthy(context.Background()))
}

// Both backends must yield the same accept/reject sequence for any
// deterministic call trace.
func TestBackends_EquivalentDecisions(t *testing.T) {
	base := time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)
	offsets := []time.Duration{
		0, 0, 0, 0, 0, 0,
		300 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		1500 * time.Millisecond,
		3 * time.Second,
		3100 * time.Millisecond,
		10 * time.Second,
	}

	run := func(t *testing.T, check func(s Storage, now time.Time) bool) {
		now := base
		mem := newTestMemoryStore(&now)
		defer mem.Close()
		rds, server := newTestRedisStore(t)

		prev := time.Duration(0)
		for i, off := range offsets {
			now = base.Add(off)
			// Keep the redis TTL clock in step with the fake clock.
			server.FastForward(off - prev)
			prev = off

			memAllowed := check(mem, now)
			rdsAllowed := check(rds, now)
			assert.Equal(t, memAllowed, rdsAllowed, "call %d at +%s", i, off)
		}
	}

	t.Run("fixed_window", func(t *testing.T) {
		run(t, func(s Storage, now time.Time) bool {
			count, err := s.IncrementCounter(context.Background(), "eq", 5*time.Second, 1)
			require.NoError(t, err)
			return count <= 5
		})
	})

	t.Run("gcra", func(t *testing.T) {
		run(t, func(s Storage, now time.Time) bool {
			res, err := s.CheckGCRA(context.Background(), "eq", time.Second, 0, time.Minute, now)
			require.NoError(t, err)
			return res.Allowed
		})
	})

	t.Run("token_bucket", func(t *testing.T) {
		run(t, func(s Storage, now time.Time) bool {
			res, err := s.CheckTokenBucket(context.Background(), "eq", 3, 1, time.Minute, now)
			require.NoError(t, err)
			return res.Allowed
		})
	})
}
