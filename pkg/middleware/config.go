package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/pkg/instrument"
	"github.com/gatehouse/gatehouse/pkg/limiter"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

// Responder renders a canned response for a decided request. The request
// carries the pipeline annotation (see FromRequest).
type Responder func(w http.ResponseWriter, r *http.Request)

// Config is the owned rule set a Handler evaluates. It is mutable and
// safe for concurrent use; rule changes apply to subsequent requests
// (copy-on-write snapshots, no ambient globals).
type Config struct {
	store    storage.Storage
	sink     instrument.Instrumenter
	clock    func() time.Time
	breakers *breakerSet

	snap atomicSnapshot
}

// snapshot is the immutable rule set one request is evaluated against.
type snapshot struct {
	enabled              bool
	safelists            []*safelistRule
	blocklists           []*blocklistRule
	throttles            []*throttleRule
	tracks               []*trackRule
	fail2bans            []*fail2BanRule
	allow2bans           []*allow2BanRule
	throttledResponder   Responder
	blocklistedResponder Responder
}

// ConfigOption configures a Config.
type ConfigOption func(*Config)

// WithInstrumenter sets the event sink shared by every rule.
func WithInstrumenter(s instrument.Instrumenter) ConfigOption {
	return func(c *Config) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithClock injects the time source used by throttles and ban windows.
func WithClock(now func() time.Time) ConfigOption {
	return func(c *Config) {
		if now != nil {
			c.clock = now
		}
	}
}

// NewConfig creates an empty, enabled rule set backed by store.
func NewConfig(store storage.Storage, opts ...ConfigOption) *Config {
	c := &Config{
		store: store,
		sink:  instrument.Null{},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breakers = newBreakerSet(c.clock)
	c.snap.store(&snapshot{
		enabled:              true,
		throttledResponder:   ThrottledResponder,
		blocklistedResponder: BlocklistedResponder,
	})
	return c
}

func (c *Config) mutate(fn func(*snapshot)) {
	c.snap.mutate(fn)
}

// SetEnabled turns the whole pipeline on or off. A disabled pipeline
// delegates every request untouched.
func (c *Config) SetEnabled(enabled bool) {
	c.mutate(func(s *snapshot) { s.enabled = enabled })
}

// Safelist admits matching requests unconditionally, before any other
// rule runs.
func (c *Config) Safelist(name string, pred Predicate) {
	rule := &safelistRule{name: name, pred: pred}
	c.mutate(func(s *snapshot) { s.safelists = append(s.safelists, rule) })
}

// Blocklist rejects matching requests with the blocklisted response.
func (c *Config) Blocklist(name string, pred Predicate) {
	rule := &blocklistRule{name: name, pred: pred}
	c.mutate(func(s *snapshot) { s.blocklists = append(s.blocklists, rule) })
}

// SafelistIP safelists one or more IPs or CIDR ranges.
func (c *Config) SafelistIP(name string, cidrs ...string) error {
	pred, err := ipPredicate(cidrs)
	if err != nil {
		return err
	}
	c.Safelist(name, pred)
	return nil
}

// BlocklistIP blocklists one or more IPs or CIDR ranges.
func (c *Config) BlocklistIP(name string, cidrs ...string) error {
	pred, err := ipPredicate(cidrs)
	if err != nil {
		return err
	}
	c.Blocklist(name, pred)
	return nil
}

// Throttle limits requests per fingerprint to limit per period using the
// given algorithm. Invalid parameters surface here, not on first request.
func (c *Config) Throttle(name string, limit int64, period time.Duration, algorithm limiter.Algorithm, extractor Extractor) error {
	// Validate eagerly with a probe limiter; per-request limiters reuse
	// the same parameters.
	if _, err := limiter.New(name, limit, period, algorithm, c.store); err != nil {
		return err
	}
	rule := &throttleRule{
		name:      name,
		limit:     limit,
		period:    period,
		algorithm: algorithm,
		extractor: extractor,
		store:     c.store,
		sink:      c.sink,
		clock:     c.clock,
	}
	c.mutate(func(s *snapshot) { s.throttles = append(s.throttles, rule) })
	return nil
}

// ThrottleDynamic is Throttle with limit and period resolved per request.
func (c *Config) ThrottleDynamic(name string, limitFn LimitFunc, periodFn PeriodFunc, algorithm limiter.Algorithm, extractor Extractor) error {
	if limitFn == nil || periodFn == nil {
		return &limiter.ConfigError{Reason: "dynamic throttle needs limit and period functions"}
	}
	// Algorithm validity cannot depend on the request; check it now.
	if _, err := limiter.New(name, 1, time.Second, algorithm, c.store); err != nil {
		return err
	}
	rule := &throttleRule{
		name:      name,
		limitFn:   limitFn,
		periodFn:  periodFn,
		algorithm: algorithm,
		extractor: extractor,
		store:     c.store,
		sink:      c.sink,
		clock:     c.clock,
	}
	c.mutate(func(s *snapshot) { s.throttles = append(s.throttles, rule) })
	return nil
}

// Track annotates matching requests without ever blocking them.
func (c *Config) Track(name string, extractor Extractor) {
	c.TrackWithLimit(name, 0, 0, extractor)
}

// TrackWithLimit additionally peeks at the named counter and records the
// count, limit and period in the request annotation (ThrottleData). The
// tracked event carries only the rule name and discriminator.
func (c *Config) TrackWithLimit(name string, limit int64, period time.Duration, extractor Extractor) {
	rule := &trackRule{
		name:      name,
		limit:     limit,
		period:    period,
		extractor: extractor,
		store:     c.store,
		sink:      c.sink,
	}
	c.mutate(func(s *snapshot) { s.tracks = append(s.tracks, rule) })
}

// Fail2Ban bans a fingerprint after maxretry host-reported failures
// within findtime, for bantime. Banned requests take the blocklist
// branch. Failures are reported through CountFailure.
func (c *Config) Fail2Ban(name string, maxretry int, findtime, bantime time.Duration, extractor Extractor) error {
	if maxretry < 1 || findtime <= 0 || bantime <= 0 {
		return &limiter.ConfigError{Reason: "fail2ban needs maxretry >= 1 and positive findtime/bantime"}
	}
	rule := &fail2BanRule{
		name:      name,
		maxretry:  maxretry,
		findtime:  findtime,
		bantime:   bantime,
		extractor: extractor,
		breakers:  c.breakers,
		sink:      c.sink,
	}
	c.mutate(func(s *snapshot) { s.fail2bans = append(s.fail2bans, rule) })
	return nil
}

// Allow2Ban lifts the same-named fail2ban once maxretry requests pass
// within findtime. It only ever produces side effects.
func (c *Config) Allow2Ban(name string, maxretry int, findtime, bantime time.Duration, extractor Extractor) error {
	if maxretry < 1 || findtime <= 0 || bantime <= 0 {
		return &limiter.ConfigError{Reason: "allow2ban needs maxretry >= 1 and positive findtime/bantime"}
	}
	rule := &allow2BanRule{
		name:      name,
		maxretry:  maxretry,
		findtime:  findtime,
		bantime:   bantime,
		extractor: extractor,
		store:     c.store,
		breakers:  c.breakers,
	}
	c.mutate(func(s *snapshot) { s.allow2bans = append(s.allow2bans, rule) })
	return nil
}

// CountFailure is the host back-channel into the named fail2ban rule:
// call it after observing the request outcome (e.g. failed equals true
// for a 404 on a honeypot path).
func (c *Config) CountFailure(ruleName string, r *http.Request, failed bool) {
	for _, rule := range c.snap.load().fail2bans {
		if rule.name == ruleName {
			rule.count(r, failed)
			return
		}
	}
}

// SetThrottledResponder overrides the 429 renderer.
func (c *Config) SetThrottledResponder(resp Responder) {
	if resp == nil {
		return
	}
	c.mutate(func(s *snapshot) { s.throttledResponder = resp })
}

// SetBlocklistedResponder overrides the 403 renderer.
func (c *Config) SetBlocklistedResponder(resp Responder) {
	if resp == nil {
		return
	}
	c.mutate(func(s *snapshot) { s.blocklistedResponder = resp })
}

func ipPredicate(cidrs []string) (Predicate, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		cidr := raw
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, &limiter.ConfigError{Reason: "invalid IP or CIDR " + raw}
		}
		nets = append(nets, ipNet)
	}
	return func(r *http.Request) bool {
		ip := net.ParseIP(ClientIP(r, true))
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}, nil
}

// ThrottledResponder is the default 429 renderer: Retry-After plus the
// X-RateLimit family, computed from the matched throttle's annotation.
func ThrottledResponder(w http.ResponseWriter, r *http.Request) {
	retryAfter := time.Duration(0)
	var limit int64
	if ann, ok := FromRequest(r); ok {
		retryAfter = ann.RetryAfter()
		ann.mu.Lock()
		if v, ok := ann.MatchData["limit"].(int64); ok {
			limit = v
		}
		ann.mu.Unlock()
	}
	seconds := int64(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte("Retry later\n"))
}

// BlocklistedResponder is the default 403 renderer.
func BlocklistedResponder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte("Forbidden\n"))
}
