package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// MatchType tags which rule category produced the decisive match.
type MatchType string

const (
	MatchSafelist  MatchType = "safelist"
	MatchBlocklist MatchType = "blocklist"
	MatchThrottle  MatchType = "throttle"
	MatchTrack     MatchType = "track"
	MatchFail2Ban  MatchType = "fail2ban"
)

type ctxKey int

const (
	enteredKey ctxKey = iota
	annotationKey
)

// Annotation is the request-scoped metadata the pipeline and its rules
// accumulate. Downstream handlers and event sinks read it through
// FromRequest.
type Annotation struct {
	mu sync.Mutex

	// TraceID is a per-request uuid stamped when the request enters the
	// pipeline.
	TraceID string

	// MatchedRule, MatchType and Discriminator describe the decisive
	// match, when one occurred.
	MatchedRule   string
	MatchType     MatchType
	Discriminator string

	// MatchData carries the numeric details of the decisive match:
	// count/limit/period/retry_after for throttles,
	// maxretry/findtime/bantime/failures/time_until_unban for fail2bans.
	MatchData map[string]any

	// ThrottleData holds the per-rule bookkeeping every evaluated
	// throttle records, matched or not, keyed by rule name.
	ThrottleData map[string]map[string]any
}

func (a *Annotation) setMatch(rule string, mt MatchType, discriminator string, data map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.MatchedRule = rule
	a.MatchType = mt
	a.Discriminator = discriminator
	a.MatchData = data
}

func (a *Annotation) setThrottleData(rule string, data map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ThrottleData == nil {
		a.ThrottleData = make(map[string]map[string]any)
	}
	a.ThrottleData[rule] = data
}

// Matched reports whether a decisive rule matched this request.
func (a *Annotation) Matched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.MatchedRule != ""
}

// RetryAfter extracts the retry hint from the decisive match data, zero
// when absent.
func (a *Annotation) RetryAfter() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.MatchData["retry_after"].(time.Duration); ok {
		return v
	}
	return 0
}

// FromRequest returns the pipeline annotation attached to r, if the
// request passed through the middleware.
func FromRequest(r *http.Request) (*Annotation, bool) {
	a, ok := r.Context().Value(annotationKey).(*Annotation)
	return a, ok
}

func withAnnotation(ctx context.Context, a *Annotation) context.Context {
	return context.WithValue(ctx, annotationKey, a)
}

func entered(ctx context.Context) bool {
	v, _ := ctx.Value(enteredKey).(bool)
	return v
}

func markEntered(ctx context.Context) context.Context {
	return context.WithValue(ctx, enteredKey, true)
}
