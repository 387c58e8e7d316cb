// Package breaker implements the circuit-breaker collaborator the
// fail2ban rules and the composer consume. A breaker trips after
// failureThreshold failures inside failureWindow and stays open for
// resetTimeout; the first call after that probes half-open.
//
// Breaker state is process-local and deliberately lives outside the rate
// limit store.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker is safe for concurrent use.
type Breaker struct {
	key              string
	failureThreshold int
	failureWindow    time.Duration
	resetTimeout     time.Duration
	clock            func() time.Time

	mu       sync.Mutex
	st       state
	failures []time.Time
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.clock = now
		}
	}
}

// New creates a breaker for key. failureThreshold failures within
// failureWindow open the circuit for resetTimeout.
func New(key string, failureThreshold int, failureWindow, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		key:              key,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		resetTimeout:     resetTimeout,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Key() string { return b.key }

// Open reports whether the circuit currently rejects calls. An open
// circuit whose reset timeout has elapsed moves to half-open and reports
// false; it keeps reporting false, for every caller, until a recorded
// success closes the circuit or a recorded failure opens it again.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(b.clock())
}

func (b *Breaker) openLocked(now time.Time) bool {
	if b.st == open {
		if now.Sub(b.openedAt) >= b.resetTimeout {
			b.st = halfOpen
			return false
		}
		return true
	}
	return false
}

// Call runs fn when the circuit admits it, recording the outcome. While
// open it returns ErrOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Open() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordFailure pushes one failure into the window. Reaching the
// threshold, or failing a half-open probe, opens the circuit.
func (b *Breaker) RecordFailure() {
	now := b.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.trip(now)
		return
	}
	b.pruneLocked(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.failureThreshold {
		b.trip(now)
	}
}

// RecordSuccess closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.st = closed
		b.failures = b.failures[:0]
	}
}

// Reset hard-resets the breaker to closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.st = closed
	b.failures = b.failures[:0]
	b.openedAt = time.Time{}
}

// Failures counts failures still inside the window.
func (b *Breaker) Failures() int {
	now := b.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(now)
	return len(b.failures)
}

// TimeUntilReset reports how long the circuit stays open; zero when the
// circuit is not open.
func (b *Breaker) TimeUntilReset() time.Duration {
	now := b.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st != open {
		return 0
	}
	left := b.resetTimeout - now.Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (b *Breaker) trip(now time.Time) {
	b.st = open
	b.openedAt = now
	b.failures = b.failures[:0]
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.failureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}
