// Package limiter exposes an algorithm-agnostic rate limiting façade over
// a storage backend. A Limiter is cheap to construct; state lives in the
// backend, keyed by the limiter key, so many Limiter values may share the
// same key and observe the same budget.
package limiter

import (
	"context"
	"time"

	"github.com/gatehouse/gatehouse/pkg/instrument"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

// Algorithm selects the admission algorithm backing a Limiter.
type Algorithm string

const (
	FixedWindow Algorithm = "fixed_window"
	GCRA        Algorithm = "gcra"
	TokenBucket Algorithm = "token_bucket"
)

func (a Algorithm) valid() bool {
	switch a {
	case FixedWindow, GCRA, TokenBucket:
		return true
	}
	return false
}

// Limiter admits up to limit consumptions per period for its key.
type Limiter struct {
	key       string
	limit     int64
	period    time.Duration
	algorithm Algorithm
	store     storage.Storage
	clock     func() time.Time
	sink      instrument.Instrumenter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source used for GCRA and token bucket math.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.clock = now
		}
	}
}

// WithInstrumenter sets the event sink, default instrument.Null.
func WithInstrumenter(s instrument.Instrumenter) Option {
	return func(l *Limiter) {
		if s != nil {
			l.sink = s
		}
	}
}

// New validates the configuration eagerly; a bad algorithm, period or
// store is a construction-time *ConfigError, never a runtime surprise.
func New(key string, limit int64, period time.Duration, algorithm Algorithm, store storage.Storage, opts ...Option) (*Limiter, error) {
	if key == "" {
		return nil, &ConfigError{Reason: "key must not be empty"}
	}
	if limit < 0 {
		return nil, &ConfigError{Reason: "limit must not be negative"}
	}
	if period <= 0 {
		return nil, &ConfigError{Reason: "period must be positive"}
	}
	if !algorithm.valid() {
		return nil, &ConfigError{Reason: "unknown algorithm " + string(algorithm)}
	}
	if store == nil {
		return nil, &ConfigError{Reason: "storage is required"}
	}
	l := &Limiter{
		key:       key,
		limit:     limit,
		period:    period,
		algorithm: algorithm,
		store:     store,
		clock:     time.Now,
		sink:      instrument.Null{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) Key() string          { return l.key }
func (l *Limiter) Limit() int64         { return l.limit }
func (l *Limiter) Period() time.Duration { return l.period }
func (l *Limiter) Algorithm() Algorithm { return l.algorithm }

// emissionInterval is the minimum spacing between admitted events under
// GCRA with zero tolerance.
func (l *Limiter) emissionInterval() time.Duration {
	return l.period / time.Duration(l.limit)
}

func (l *Limiter) refillRate() float64 {
	return float64(l.limit) / l.period.Seconds()
}

func (l *Limiter) payload(extra map[string]any) map[string]any {
	p := map[string]any{
		"key":       l.key,
		"limit":     l.limit,
		"period":    l.period.Seconds(),
		"algorithm": string(l.algorithm),
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// Allow reports whether a consume at this instant would succeed. It never
// consumes. Emits rate_limit.checked; Throttle does not re-emit it.
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	allowed, remaining, _, err := l.peek(ctx)
	if err != nil {
		return false, err
	}
	l.sink.Instrument(instrument.EventRateLimitChecked, l.payload(map[string]any{
		"allowed":   allowed,
		"remaining": remaining,
	}))
	return allowed, nil
}

// Remaining is a best-effort count of further allowances. For GCRA it is
// an availability flag in {0, 1}, not a real count.
func (l *Limiter) Remaining(ctx context.Context) (int64, error) {
	_, remaining, _, err := l.peek(ctx)
	return remaining, err
}

// RetryAfter reports how long until at least one unit becomes available.
// Zero whenever Allow would return true.
func (l *Limiter) RetryAfter(ctx context.Context) (time.Duration, error) {
	_, _, retryAfter, err := l.peek(ctx)
	return retryAfter, err
}

func (l *Limiter) peek(ctx context.Context) (allowed bool, remaining int64, retryAfter time.Duration, err error) {
	if l.limit == 0 {
		return false, 0, l.period, nil
	}
	now := l.clock()
	switch l.algorithm {
	case FixedWindow:
		count, err := l.store.GetCounter(ctx, l.key, l.period)
		if err != nil {
			return false, 0, 0, err
		}
		remaining := l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		if count < l.limit {
			return true, remaining, 0, nil
		}
		ttl, err := l.store.CounterTTL(ctx, l.key, l.period)
		if err != nil {
			return false, 0, 0, err
		}
		return false, 0, ttl, nil
	case GCRA:
		res, err := l.store.PeekGCRA(ctx, l.key, l.emissionInterval(), 0, now)
		if err != nil {
			return false, 0, 0, err
		}
		if res.Allowed {
			return true, 1, 0, nil
		}
		return false, 0, res.RetryAfter, nil
	default: // TokenBucket
		res, err := l.store.PeekTokenBucket(ctx, l.key, l.limit, l.refillRate(), now)
		if err != nil {
			return false, 0, 0, err
		}
		return res.Allowed, res.Remaining, res.RetryAfter, nil
	}
}

// Throttle consumes one unit. A rejection surfaces as *ThrottledError;
// storage failures propagate unchanged, so the caller never fails open by
// accident. Emits rate_limit.allowed or rate_limit.throttled.
func (l *Limiter) Throttle(ctx context.Context) error {
	if l.limit == 0 {
		return l.throttled(l.period)
	}
	now := l.clock()
	switch l.algorithm {
	case FixedWindow:
		count, err := l.store.IncrementCounter(ctx, l.key, l.period, 1)
		if err != nil {
			return err
		}
		if count > l.limit {
			ttl, err := l.store.CounterTTL(ctx, l.key, l.period)
			if err != nil {
				return err
			}
			return l.throttled(ttl)
		}
		l.allowed(l.limit - count)
		return nil
	case GCRA:
		res, err := l.store.CheckGCRA(ctx, l.key, l.emissionInterval(), 0, l.stateTTL(), now)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return l.throttled(res.RetryAfter)
		}
		var remaining int64
		if !res.TAT.After(now) {
			remaining = 1
		}
		l.allowed(remaining)
		return nil
	default: // TokenBucket
		res, err := l.store.CheckTokenBucket(ctx, l.key, l.limit, l.refillRate(), l.stateTTL(), now)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return l.throttled(res.RetryAfter)
		}
		l.allowed(res.Remaining)
		return nil
	}
}

// ThrottleFn consumes one unit and runs fn only on admission.
func (l *Limiter) ThrottleFn(ctx context.Context, fn func() error) error {
	if err := l.Throttle(ctx); err != nil {
		return err
	}
	return fn()
}

// Reset returns the key to its initial state: Allow true, RetryAfter 0.
func (l *Limiter) Reset(ctx context.Context) error {
	if l.algorithm == FixedWindow {
		return l.store.ResetCounter(ctx, l.key, l.period)
	}
	return l.store.Clear(ctx, l.key)
}

// stateTTL bounds GCRA and token bucket entries. After a full period with
// no traffic the stored state is indistinguishable from a fresh one, so
// the period itself is a safe lifetime.
func (l *Limiter) stateTTL() time.Duration {
	if l.period < time.Second {
		return time.Second
	}
	return l.period
}

func (l *Limiter) allowed(remaining int64) {
	l.sink.Instrument(instrument.EventRateLimitAllowed, l.payload(map[string]any{
		"remaining": remaining,
	}))
}

func (l *Limiter) throttled(retryAfter time.Duration) error {
	l.sink.Instrument(instrument.EventRateLimitThrottled, l.payload(map[string]any{
		"retry_after": retryAfter.Seconds(),
	}))
	return &ThrottledError{Limiter: l, RetryAfter: retryAfter}
}
