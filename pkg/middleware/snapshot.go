package middleware

import (
	"sync"
	"sync/atomic"
)

// atomicSnapshot publishes rule-set changes with copy-on-write swaps:
// writers clone, mutate and store; requests in flight keep reading the
// snapshot they started with.
type atomicSnapshot struct {
	mu sync.Mutex
	p  atomic.Pointer[snapshot]
}

func (a *atomicSnapshot) load() *snapshot { return a.p.Load() }

func (a *atomicSnapshot) store(s *snapshot) { a.p.Store(s) }

func (a *atomicSnapshot) mutate(fn func(*snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.p.Load().clone()
	fn(next)
	a.p.Store(next)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		enabled:              s.enabled,
		throttledResponder:   s.throttledResponder,
		blocklistedResponder: s.blocklistedResponder,
	}
	next.safelists = append([]*safelistRule(nil), s.safelists...)
	next.blocklists = append([]*blocklistRule(nil), s.blocklists...)
	next.throttles = append([]*throttleRule(nil), s.throttles...)
	next.tracks = append([]*trackRule(nil), s.tracks...)
	next.fail2bans = append([]*fail2BanRule(nil), s.fail2bans...)
	next.allow2bans = append([]*allow2BanRule(nil), s.allow2bans...)
	return next
}
