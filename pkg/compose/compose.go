// Package compose chains a rate limiter, a circuit breaker and a retry
// policy around a user operation. The wrapping order is fixed: retry is
// outermost, then the breaker, then the limiter, then the user function,
// so transient failures below the limiter may be repeated while throttle
// rejections never are.
package compose

import (
	"context"
	"time"

	"github.com/gatehouse/gatehouse/pkg/breaker"
	"github.com/gatehouse/gatehouse/pkg/instrument"
	"github.com/gatehouse/gatehouse/pkg/limiter"
	"github.com/gatehouse/gatehouse/pkg/retry"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

// Stable re-exports so callers can match collaborator failures without
// importing the collaborator packages directly.
var (
	ErrCircuitOpen      = breaker.ErrOpen
	ErrRetriesExhausted = retry.ErrExhausted
)

// IsThrottled reports whether err is a rate limit rejection.
func IsThrottled(err error) bool { return limiter.IsThrottled(err) }

// Composer binds a key to an optional limit, breaker and retry policy.
// Every wrap is optional; an empty composer just runs the function.
type Composer struct {
	key   string
	store storage.Storage
	sink  instrument.Instrumenter

	lim    *limiter.Limiter
	limErr error
	br     *breaker.Breaker
	pol    *retry.Policy
}

// NewComposer starts a builder for key. The store backs the limiter when
// Limit is configured.
func NewComposer(key string, store storage.Storage) *Composer {
	return &Composer{key: key, store: store, sink: instrument.Null{}}
}

// Instrument sets the event sink handed to the limiter built by a later
// Limit call; a limiter already built keeps the sink it was given.
func (c *Composer) Instrument(sink instrument.Instrumenter) *Composer {
	if sink != nil {
		c.sink = sink
	}
	return c
}

// Limit admits at most rate consumptions per period using algorithm.
// Configuration problems surface from Call.
func (c *Composer) Limit(rate int64, per time.Duration, algorithm limiter.Algorithm) *Composer {
	c.lim, c.limErr = limiter.New(c.key, rate, per, algorithm, c.store,
		limiter.WithInstrumenter(c.sink))
	return c
}

// BreakOn opens the circuit after failures failures within the window,
// for timeout.
func (c *Composer) BreakOn(failures int, within, timeout time.Duration) *Composer {
	c.br = breaker.New(c.key, failures, within, timeout)
	return c
}

// RetryOnFailure retries the wrapped call up to times total attempts with
// capped exponential backoff.
func (c *Composer) RetryOnFailure(times int, baseDelay, maxDelay time.Duration, jitterFactor float64) *Composer {
	c.pol = retry.New(times, baseDelay, maxDelay, jitterFactor)
	return c
}

// Call executes fn under the configured wraps. Throttle rejections are
// marked permanent so the retry layer propagates them untouched.
func (c *Composer) Call(ctx context.Context, fn func() error) error {
	if c.limErr != nil {
		return c.limErr
	}

	wrapped := fn
	if c.lim != nil {
		inner := wrapped
		lim := c.lim
		wrapped = func() error {
			return lim.ThrottleFn(ctx, inner)
		}
	}
	if c.br != nil {
		inner := wrapped
		br := c.br
		wrapped = func() error {
			return br.Call(ctx, inner)
		}
	}
	if c.pol == nil {
		return wrapped()
	}

	return c.pol.Call(ctx, func() error {
		err := wrapped()
		if limiter.IsThrottled(err) {
			return retry.Permanent(err)
		}
		return err
	})
}
