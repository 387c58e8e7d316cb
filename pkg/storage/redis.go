package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/log"
)

//go:embed scripts/fixed_window.lua
var fixedWindowSrc string

//go:embed scripts/gcra.lua
var gcraSrc string

//go:embed scripts/token_bucket.lua
var tokenBucketSrc string

// redis.Script runs EVALSHA first and transparently falls back to EVAL on
// NOSCRIPT, so a flushed script cache heals on the next call.
var (
	fixedWindowScript = redis.NewScript(fixedWindowSrc)
	gcraScript        = redis.NewScript(gcraSrc)
	tokenBucketScript = redis.NewScript(tokenBucketSrc)
)

const (
	defaultPrefix  = "throttle:"
	defaultTimeout = 5 * time.Second
	scanBatch      = 256
)

// RedisStore is the shared backend. All check-and-consume operations run
// as server-side Lua scripts, making them atomic across every process
// pointing at the same Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace, default "throttle:".
func WithPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// WithTimeout bounds every Redis round trip, default 5s.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisLogger overrides the logger used for Clear's debug summary.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(s *RedisStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewRedisStore wraps an existing client. The client is pinged once so a
// misconfigured address fails at construction rather than on first use.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("storage: redis client is required")
	}
	s := &RedisStore{
		client:  client,
		prefix:  defaultPrefix,
		timeout: defaultTimeout,
		logger:  log.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapErr("ping", "", err)
	}
	return s, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) counterRedisKey(key string, window time.Duration) string {
	return s.prefix + counterKey(key, window)
}

func (s *RedisStore) stateKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) IncrementCounter(ctx context.Context, key string, window time.Duration, amount int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rk := s.counterRedisKey(key, window)
	res, err := fixedWindowScript.Run(ctx, s.client, []string{rk},
		amount, int64(window.Seconds())).Int64()
	if err != nil {
		return 0, wrapErr("increment", key, err)
	}
	return res, nil
}

func (s *RedisStore) GetCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.counterRedisKey(key, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("get", key, err)
	}
	return val, nil
}

func (s *RedisStore) CounterTTL(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.TTL(ctx, s.counterRedisKey(key, window)).Result()
	if err != nil {
		return 0, wrapErr("ttl", key, err)
	}
	// -1 (no expiry) and -2 (missing key) both read as no remaining window.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) ResetCounter(ctx context.Context, key string, window time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.counterRedisKey(key, window)).Err(); err != nil {
		return wrapErr("reset", key, err)
	}
	return nil
}

func (s *RedisStore) CheckGCRA(ctx context.Context, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time) (GCRAResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := gcraScript.Run(ctx, s.client, []string{s.stateKey(key)},
		emissionInterval.Seconds(),
		delayTolerance.Seconds(),
		ttlSeconds(ttl),
		epochSeconds(now),
	).Result()
	if err != nil {
		return GCRAResult{}, wrapErr("check_gcra", key, err)
	}
	return parseGCRAReply(key, res)
}

func (s *RedisStore) PeekGCRA(ctx context.Context, key string, emissionInterval, delayTolerance time.Duration, now time.Time) (GCRAResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored, err := s.client.Get(ctx, s.stateKey(key)).Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return GCRAResult{}, wrapErr("peek_gcra", key, err)
	}

	tat := now
	if t := timeFromEpoch(stored); t.After(now) {
		tat = t
	}
	if tat.Sub(now) <= delayTolerance {
		return GCRAResult{Allowed: true, TAT: tat}, nil
	}
	return GCRAResult{
		Allowed:    false,
		RetryAfter: tat.Sub(now) - delayTolerance,
		TAT:        tat,
	}, nil
}

func (s *RedisStore) CheckTokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time) (TokenBucketResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.stateKey(key)},
		capacity,
		refillRate,
		ttlSeconds(ttl),
		epochSeconds(now),
	).Result()
	if err != nil {
		return TokenBucketResult{}, wrapErr("check_token_bucket", key, err)
	}
	return parseBucketReply(key, res)
}

func (s *RedisStore) PeekTokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, now time.Time) (TokenBucketResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := s.client.HGetAll(ctx, s.stateKey(key)).Result()
	if err != nil {
		return TokenBucketResult{}, wrapErr("peek_token_bucket", key, err)
	}

	tokens := float64(capacity)
	last := now
	if raw, ok := vals["tokens"]; ok {
		if t, err := strconv.ParseFloat(raw, 64); err == nil {
			tokens = t
		}
		if raw, ok := vals["last_refill"]; ok {
			if ts, err := strconv.ParseFloat(raw, 64); err == nil {
				last = timeFromEpoch(ts)
			}
		}
	}
	tokens = refill(tokens, last, now, capacity, refillRate)

	if tokens >= 1 {
		return TokenBucketResult{Allowed: true, Remaining: int64(tokens)}, nil
	}
	return TokenBucketResult{
		Allowed:    false,
		RetryAfter: tokenWait(tokens, refillRate),
		Remaining:  int64(tokens),
	}, nil
}

// Clear walks keys with SCAN and deletes them in batches. A blocking KEYS
// sweep is never issued.
func (s *RedisStore) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = "*"
	}
	match := s.prefix + pattern

	var cursor uint64
	var dropped int
	for {
		scanCtx, cancel := s.withTimeout(ctx)
		keys, next, err := s.client.Scan(scanCtx, cursor, match, scanBatch).Result()
		cancel()
		if err != nil {
			return wrapErr("clear", pattern, err)
		}
		if len(keys) > 0 {
			delCtx, cancel := s.withTimeout(ctx)
			err = s.client.Del(delCtx, keys...).Err()
			cancel()
			if err != nil {
				return wrapErr("clear", pattern, err)
			}
			dropped += len(keys)
		}
		cursor = next
		if cursor == 0 {
			s.logger.Debug("cleared rate limit state",
				zap.String("pattern", match), zap.Int("keys", dropped))
			return nil
		}
	}
}

func (s *RedisStore) Healthy(ctx context.Context) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Close releases nothing beyond the client handle, which the caller owns.
func (s *RedisStore) Close() error { return nil }

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func timeFromEpoch(sec float64) time.Time {
	return time.UnixMicro(int64(sec * 1e6))
}

func ttlSeconds(ttl time.Duration) int64 {
	sec := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		sec++
	}
	if sec < 1 {
		sec = 1
	}
	return sec
}

func parseGCRAReply(key string, res any) (GCRAResult, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return GCRAResult{}, wrapErr("check_gcra", key, fmt.Errorf("unexpected script reply %T", res))
	}
	allowed, _ := vals[0].(int64)
	return GCRAResult{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(replyFloat(vals[1]) * float64(time.Second)),
		TAT:        timeFromEpoch(replyFloat(vals[2])),
	}, nil
}

func parseBucketReply(key string, res any) (TokenBucketResult, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return TokenBucketResult{}, wrapErr("check_token_bucket", key, fmt.Errorf("unexpected script reply %T", res))
	}
	allowed, _ := vals[0].(int64)
	return TokenBucketResult{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(replyFloat(vals[1]) * float64(time.Second)),
		Remaining:  int64(replyFloat(vals[2])),
	}, nil
}

func replyFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
