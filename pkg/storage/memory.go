package storage

import (
	"context"
	"math"
	"path"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/log"
)

const (
	defaultLockCount       = 32
	defaultCleanupInterval = 60 * time.Second
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type gcraEntry struct {
	tat       time.Time
	expiresAt time.Time
}

type bucketEntry struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// shard is one stripe of the store. Its mutex guards the three maps;
// reads (peeks) take the read side, mutations the write side.
type shard struct {
	mu       sync.RWMutex
	counters map[string]*counterEntry
	gcra     map[string]*gcraEntry
	buckets  map[string]*bucketEntry
}

// MemoryStore is the in-process backend. Keys are distributed over a
// fixed pool of striped read-write locks; a background reaper drops
// expired entries so memory stays bounded.
type MemoryStore struct {
	shards  []*shard
	clock   func() time.Time
	logger  *zap.Logger
	cleanup time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	reaped    chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockCount sets the size of the striped lock pool. Values below 1
// fall back to the default of 32.
func WithLockCount(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithCleanupInterval sets how often the reaper wakes. Zero or negative
// disables the reaper entirely.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanup = d }
}

// WithClock injects the time source. Only the counter operations and the
// reaper consult it; the Check/Peek operations receive now explicitly.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithLogger overrides the logger used by the reaper.
func WithLogger(l *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewMemoryStore creates an in-process store and starts its reaper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards:  make([]*shard, defaultLockCount),
		clock:   time.Now,
		logger:  log.Logger(),
		cleanup: defaultCleanupInterval,
		closed:  make(chan struct{}),
		reaped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			counters: make(map[string]*counterEntry),
			gcra:     make(map[string]*gcraEntry),
			buckets:  make(map[string]*bucketEntry),
		}
	}
	if s.cleanup > 0 {
		go s.reap()
	} else {
		close(s.reaped)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *MemoryStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *MemoryStore) IncrementCounter(_ context.Context, key string, window time.Duration, amount int64) (int64, error) {
	if s.isClosed() {
		return 0, wrapErr("increment", key, ErrClosed)
	}
	ck := counterKey(key, window)
	sh := s.shardFor(ck)
	now := s.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.counters[ck]
	if !ok || !ent.expiresAt.After(now) {
		ent = &counterEntry{expiresAt: now.Add(window)}
		sh.counters[ck] = ent
	}
	ent.count += amount
	return ent.count, nil
}

func (s *MemoryStore) GetCounter(_ context.Context, key string, window time.Duration) (int64, error) {
	if s.isClosed() {
		return 0, wrapErr("get", key, ErrClosed)
	}
	ck := counterKey(key, window)
	sh := s.shardFor(ck)
	now := s.clock()

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ent, ok := sh.counters[ck]
	if !ok || !ent.expiresAt.After(now) {
		return 0, nil
	}
	return ent.count, nil
}

func (s *MemoryStore) CounterTTL(_ context.Context, key string, window time.Duration) (time.Duration, error) {
	if s.isClosed() {
		return 0, wrapErr("ttl", key, ErrClosed)
	}
	ck := counterKey(key, window)
	sh := s.shardFor(ck)
	now := s.clock()

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ent, ok := sh.counters[ck]
	if !ok || !ent.expiresAt.After(now) {
		return 0, nil
	}
	return ent.expiresAt.Sub(now), nil
}

func (s *MemoryStore) ResetCounter(_ context.Context, key string, window time.Duration) error {
	if s.isClosed() {
		return wrapErr("reset", key, ErrClosed)
	}
	ck := counterKey(key, window)
	sh := s.shardFor(ck)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.counters, ck)
	return nil
}

func (s *MemoryStore) CheckGCRA(_ context.Context, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time) (GCRAResult, error) {
	if s.isClosed() {
		return GCRAResult{}, wrapErr("check_gcra", key, ErrClosed)
	}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	tat := now
	if ent, ok := sh.gcra[key]; ok && ent.expiresAt.After(now) && ent.tat.After(now) {
		tat = ent.tat
	}
	if tat.Sub(now) <= delayTolerance {
		newTAT := tat.Add(emissionInterval)
		sh.gcra[key] = &gcraEntry{tat: newTAT, expiresAt: now.Add(ttl)}
		return GCRAResult{Allowed: true, TAT: newTAT}, nil
	}
	return GCRAResult{
		Allowed:    false,
		RetryAfter: tat.Sub(now) - delayTolerance,
		TAT:        tat,
	}, nil
}

func (s *MemoryStore) PeekGCRA(_ context.Context, key string, emissionInterval, delayTolerance time.Duration, now time.Time) (GCRAResult, error) {
	if s.isClosed() {
		return GCRAResult{}, wrapErr("peek_gcra", key, ErrClosed)
	}
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	tat := now
	if ent, ok := sh.gcra[key]; ok && ent.expiresAt.After(now) && ent.tat.After(now) {
		tat = ent.tat
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

func (s *MemoryStore) CheckTokenBucket(_ context.Context, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time) (TokenBucketResult, error) {
	if s.isClosed() {
		return TokenBucketResult{}, wrapErr("check_token_bucket", key, ErrClosed)
	}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	tokens := float64(capacity)
	last := now
	if ent, ok := sh.buckets[key]; ok && ent.expiresAt.After(now) {
		tokens = ent.tokens
		last = ent.lastRefill
	}
	tokens = refill(tokens, last, now, capacity, refillRate)

	if tokens >= 1 {
		tokens--
		sh.buckets[key] = &bucketEntry{tokens: tokens, lastRefill: now, expiresAt: now.Add(ttl)}
		return TokenBucketResult{Allowed: true, Remaining: int64(math.Floor(tokens))}, nil
	}
	return TokenBucketResult{
		Allowed:    false,
		RetryAfter: tokenWait(tokens, refillRate),
		Remaining:  int64(math.Floor(tokens)),
	}, nil
}

func (s *MemoryStore) PeekTokenBucket(_ context.Context, key string, capacity int64, refillRate float64, now time.Time) (TokenBucketResult, error) {
	if s.isClosed() {
		return TokenBucketResult{}, wrapErr("peek_token_bucket", key, ErrClosed)
	}
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	tokens := float64(capacity)
	last := now
	if ent, ok := sh.buckets[key]; ok && ent.expiresAt.After(now) {
		tokens = ent.tokens
		last = ent.lastRefill
	}
	tokens = refill(tokens, last, now, capacity, refillRate)

	if tokens >= 1 {
		return TokenBucketResult{Allowed: true, Remaining: int64(math.Floor(tokens))}, nil
	}
	return TokenBucketResult{
		Allowed:    false,
		RetryAfter: tokenWait(tokens, refillRate),
		Remaining:  int64(math.Floor(tokens)),
	}, nil
}

func refill(tokens float64, last, now time.Time, capacity int64, rate float64) float64 {
	elapsed := now.Sub(last)
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed.Seconds() * rate
	if tokens > float64(capacity) {
		tokens = float64(capacity)
	}
	return tokens
}

func tokenWait(tokens, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / rate * float64(time.Second))
}

// Clear drops entries whose key matches the glob pattern. An empty
// pattern drops everything.
func (s *MemoryStore) Clear(_ context.Context, pattern string) error {
	if s.isClosed() {
		return wrapErr("clear", pattern, ErrClosed)
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		clearMatching(sh.counters, pattern)
		clearMatching(sh.gcra, pattern)
		clearMatching(sh.buckets, pattern)
		sh.mu.Unlock()
	}
	return nil
}

func clearMatching[V any](m map[string]V, pattern string) {
	for k := range m {
		if pattern == "" {
			delete(m, k)
			continue
		}
		if ok, err := path.Match(pattern, k); err == nil && ok {
			delete(m, k)
		}
	}
}

func (s *MemoryStore) Healthy(context.Context) bool { return !s.isClosed() }

// Len reports the number of stored entries across all shards, including
// expired entries the reaper has not dropped yet.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.counters) + len(sh.gcra) + len(sh.buckets)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops the reaper and marks the store closed. It waits up to one
// cleanup interval for the reaper to exit.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	grace := s.cleanup
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-s.reaped:
	case <-time.After(grace):
	}
	return nil
}

func (s *MemoryStore) reap() {
	defer close(s.reaped)
	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *MemoryStore) reapOnce() {
	now := s.clock()
	for i, sh := range s.shards {
		s.reapShard(i, sh, now)
	}
}

// reapShard must survive anything a single shard throws at it; the reaper
// logs and moves on to the next shard.
func (s *MemoryStore) reapShard(i int, sh *shard, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reaper: shard cleanup panicked",
				zap.Int("shard", i), zap.Any("panic", r))
		}
	}()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, ent := range sh.counters {
		if !ent.expiresAt.After(now) {
			delete(sh.counters, k)
		}
	}
	for k, ent := range sh.gcra {
		if !ent.expiresAt.After(now) {
			delete(sh.gcra, k)
		}
	}
	for k, ent := range sh.buckets {
		if !ent.expiresAt.After(now) {
			delete(sh.buckets, k)
		}
	}
}
