package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/pkg/breaker"
	"github.com/gatehouse/gatehouse/pkg/instrument"
	"github.com/gatehouse/gatehouse/pkg/limiter"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

// Predicate decides whether a safelist or blocklist applies to a request.
type Predicate func(r *http.Request) bool

// LimitFunc and PeriodFunc resolve dynamic throttle parameters against
// the request. They are re-evaluated on every request, never cached.
type (
	LimitFunc  func(r *http.Request) int64
	PeriodFunc func(r *http.Request) time.Duration
)

type safelistRule struct {
	name string
	pred Predicate
}

func (s *safelistRule) matches(r *http.Request, ann *Annotation) bool {
	if !s.pred(r) {
		return false
	}
	ann.setMatch(s.name, MatchSafelist, "", nil)
	return true
}

type blocklistRule struct {
	name string
	pred Predicate
}

func (b *blocklistRule) matches(r *http.Request, ann *Annotation) bool {
	if !b.pred(r) {
		return false
	}
	ann.setMatch(b.name, MatchBlocklist, "", nil)
	return true
}

type throttleRule struct {
	name      string
	limit     int64
	period    time.Duration
	limitFn   LimitFunc
	periodFn  PeriodFunc
	algorithm limiter.Algorithm
	extractor Extractor
	store     storage.Storage
	sink      instrument.Instrumenter
	clock     func() time.Time
}

func (t *throttleRule) resolve(r *http.Request) (int64, time.Duration) {
	limit, period := t.limit, t.period
	if t.limitFn != nil {
		limit = t.limitFn(r)
	}
	if t.periodFn != nil {
		period = t.periodFn(r)
	}
	return limit, period
}

// matches consumes one unit from the rule's budget for the request's
// fingerprint. The throttle annotates the request whether or not it
// rejected, so downstream handlers can expose usage numbers.
func (t *throttleRule) matches(r *http.Request, ann *Annotation) (bool, error) {
	fp := t.extractor(r)
	if fp == "" {
		return false, nil
	}
	limit, period := t.resolve(r)
	key := t.name + ":" + fp

	lim, err := limiter.New(key, limit, period, t.algorithm, t.store,
		limiter.WithClock(t.clock), limiter.WithInstrumenter(t.sink))
	if err != nil {
		return false, err
	}

	var (
		matched    bool
		retryAfter time.Duration
	)
	throttleErr := lim.Throttle(r.Context())
	if te, ok := limiter.AsThrottled(throttleErr); ok {
		matched = true
		retryAfter = te.RetryAfter
	} else if throttleErr != nil {
		return false, throttleErr
	}

	remaining, err := lim.Remaining(r.Context())
	if err != nil {
		return false, err
	}
	count := limit - remaining
	if count < 0 {
		count = 0
	}

	data := map[string]any{
		"discriminator": fp,
		"count":         count,
		"limit":         limit,
		"period":        period,
		"retry_after":   retryAfter,
	}
	ann.setThrottleData(t.name, data)
	if matched {
		ann.setMatch(t.name, MatchThrottle, fp, data)
	}
	return matched, nil
}

type trackRule struct {
	name      string
	limit     int64
	period    time.Duration
	extractor Extractor
	store     storage.Storage
	sink      instrument.Instrumenter
}

// matches annotates and, when the track carries limit/period parameters,
// peeks at the counter. A track never produces a decisive match.
func (t *trackRule) matches(r *http.Request, ann *Annotation) error {
	fp := t.extractor(r)
	if fp == "" {
		return nil
	}
	data := map[string]any{"discriminator": fp}
	if t.limit > 0 && t.period > 0 {
		count, err := t.store.GetCounter(r.Context(), t.name+":"+fp, t.period)
		if err != nil {
			return err
		}
		data["count"] = count
		data["limit"] = t.limit
		data["period"] = t.period
	}
	ann.setThrottleData(t.name, data)
	t.sink.Instrument(instrument.EventRequestTracked, map[string]any{
		"rule":          t.name,
		"discriminator": fp,
	})
	return nil
}

// breakerSet lazily creates one breaker per (rule, fingerprint) pair. It
// is shared by the fail2ban rules, their CountFailure back-channel and
// the allow2ban reset path.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
	clock    func() time.Time
}

func newBreakerSet(clock func() time.Time) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*breaker.Breaker),
		clock:    clock,
	}
}

func (s *breakerSet) get(key string, maxretry int, findtime, bantime time.Duration) *breaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[key]; ok {
		return br
	}
	br := breaker.New(key, maxretry, findtime, bantime, breaker.WithClock(s.clock))
	s.breakers[key] = br
	return br
}

func (s *breakerSet) lookup(key string) (*breaker.Breaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breakers[key]
	return br, ok
}

type fail2BanRule struct {
	name      string
	maxretry  int
	findtime  time.Duration
	bantime   time.Duration
	extractor Extractor
	breakers  *breakerSet
	sink      instrument.Instrumenter
}

func (f *fail2BanRule) breakerFor(fp string) *breaker.Breaker {
	return f.breakers.get(f.name+":"+fp, f.maxretry, f.findtime, f.bantime)
}

// matches reports banned when the fingerprint's breaker is open. Failures
// are pushed in through count, not here.
func (f *fail2BanRule) matches(r *http.Request, ann *Annotation) bool {
	fp := f.extractor(r)
	if fp == "" {
		return false
	}
	br := f.breakerFor(fp)
	if !br.Open() {
		return false
	}
	ann.setMatch(f.name, MatchFail2Ban, fp, map[string]any{
		"discriminator":    fp,
		"maxretry":         f.maxretry,
		"findtime":         f.findtime,
		"bantime":          f.bantime,
		"failures":         br.Failures(),
		"time_until_unban": br.TimeUntilReset(),
	})
	f.sink.Instrument(instrument.EventRequestBanned, map[string]any{
		"rule":          f.name,
		"discriminator": fp,
	})
	return true
}

// count is the host back-channel: invoked after the application observed
// the request outcome (e.g. a 404 probing for admin pages).
func (f *fail2BanRule) count(r *http.Request, didFail bool) {
	fp := f.extractor(r)
	if fp == "" {
		return
	}
	br := f.breakerFor(fp)
	if didFail {
		br.RecordFailure()
		return
	}
	br.RecordSuccess()
}

type allow2BanRule struct {
	name      string
	maxretry  int
	findtime  time.Duration
	bantime   time.Duration
	extractor Extractor
	store     storage.Storage
	breakers  *breakerSet
}

// observe counts a passing request. Reaching maxretry successes within
// findtime resets the paired fail2ban breaker of the same name and
// starts a fresh window. Allow2bans never block.
func (a *allow2BanRule) observe(r *http.Request) error {
	fp := a.extractor(r)
	if fp == "" {
		return nil
	}
	key := "allow2ban:" + a.name + ":" + fp
	count, err := a.store.IncrementCounter(r.Context(), key, a.findtime, 1)
	if err != nil {
		return err
	}
	if count < int64(a.maxretry) {
		return nil
	}
	if br, ok := a.breakers.lookup(a.name + ":" + fp); ok {
		br.Reset()
	}
	return a.store.ResetCounter(r.Context(), key, a.findtime)
}
