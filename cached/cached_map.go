package cached

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Func computes the value for key. The context is detached from the caller
// that triggered the computation.
type Func[K comparable, V any] func(ctx context.Context, key K) (V, error)

type row[V any] struct {
	exp     time.Time
	forever bool
	f       *Future[V]
}

func (r *row[V]) expired(now time.Time) bool {
	return !r.forever && !r.exp.After(now)
}

// CachedMap keeps two maps: computations in flight by key, and settled
// results by key with an expiration. Requests for the same key share the
// same future, whichever map it comes from. Successful results live for the
// cache TTL, failures for the (shorter) error TTL.
//
// When the settled map is full, the batch of entries closest to expiring is
// evicted. A single timer sweeps expired entries; it is rescheduled to the
// next earliest expiration and never keeps the process alive.
type CachedMap[K comparable, V any] struct {
	opts options

	mu      sync.Mutex
	cached  map[K]*row[V]
	pending map[K]*Future[V]
	timer   *time.Timer
	timerAt time.Time // zero when no sweep is scheduled
}

// NewCachedMap creates an empty CachedMap.
func NewCachedMap[K comparable, V any](opts ...Option) *CachedMap[K, V] {
	o := defaultOptions("map")
	for _, opt := range opts {
		opt(&o)
	}
	return &CachedMap[K, V]{
		opts:    o,
		cached:  make(map[K]*row[V]),
		pending: make(map[K]*Future[V]),
	}
}

// TTL returns the success TTL.
func (m *CachedMap[K, V]) TTL() time.Duration { return m.opts.cacheTTL }

// Get returns the cached or in-flight value for key, starting fn if there
// is neither. The result is kept for the map's TTL.
func (m *CachedMap[K, V]) Get(ctx context.Context, key K, fn Func[K, V]) (V, error) {
	return m.GetTTL(ctx, key, fn, m.opts.cacheTTL)
}

// GetTTL is Get with an explicit success TTL. A TTL of zero shares the
// computation with concurrent callers but does not keep the result.
func (m *CachedMap[K, V]) GetTTL(ctx context.Context, key K, fn Func[K, V], ttl time.Duration) (V, error) {
	return m.Future(ctx, key, fn, ttl).Wait(ctx)
}

// Future is the non-blocking form of GetTTL.
func (m *CachedMap[K, V]) Future(ctx context.Context, key K, fn Func[K, V], ttl time.Duration) *Future[V] {
	detached := context.WithoutCancel(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.peekLocked(key); f != nil {
		return f
	}
	lookups.WithLabelValues(m.opts.name, "miss").Inc()
	f := Go(func() (V, error) { return fn(detached, key) })
	m.setPendingLocked(key, f, ttl)
	return f
}

// Peek returns the settled or pending future for key, or nil.
func (m *CachedMap[K, V]) Peek(key K) *Future[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peekLocked(key)
}

func (m *CachedMap[K, V]) peekLocked(key K) *Future[V] {
	if f := m.cachedLocked(key); f != nil {
		lookups.WithLabelValues(m.opts.name, "hit").Inc()
		return f
	}
	if f, ok := m.pending[key]; ok {
		lookups.WithLabelValues(m.opts.name, "pending").Inc()
		return f
	}
	return nil
}

// Cached returns the unexpired settled future for key, or nil. Pending
// computations are ignored.
func (m *CachedMap[K, V]) Cached(key K) *Future[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cachedLocked(key)
}

func (m *CachedMap[K, V]) cachedLocked(key K) *Future[V] {
	r, ok := m.cached[key]
	if !ok {
		return nil
	}
	if r.expired(m.opts.now()) {
		delete(m.cached, key)
		return nil
	}
	return r.f
}

// Remaining returns how long the settled entry for key stays valid, zero if
// there is none and Forever if it never expires.
func (m *CachedMap[K, V]) Remaining(key K) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.cached[key]
	if !ok {
		return 0
	}
	if r.forever {
		return Forever
	}
	if rem := r.exp.Sub(m.opts.now()); rem > 0 {
		return rem
	}
	return 0
}

// Set stores a settled value for ttl, replacing any pending or settled
// entry. A TTL of zero or less only removes the key.
func (m *CachedMap[K, V]) Set(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, Resolved(value), ttl)
}

// SetPending registers f as the in-flight computation for key. When f
// settles it is moved to the settled map with ttl (or the error TTL), unless
// another entry replaced it in the meantime.
func (m *CachedMap[K, V]) SetPending(key K, f *Future[V], ttl time.Duration) *Future[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPendingLocked(key, f, ttl)
	return f
}

func (m *CachedMap[K, V]) setPendingLocked(key K, f *Future[V], ttl time.Duration) {
	m.pending[key] = f
	go func() {
		<-f.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[key] != f {
			return
		}
		if _, err, _ := f.Result(); err != nil {
			ttl = m.opts.errorTTL
		}
		m.setLocked(key, f, ttl)
	}()
}

func (m *CachedMap[K, V]) setLocked(key K, f *Future[V], ttl time.Duration) {
	delete(m.cached, key)
	delete(m.pending, key)
	if m.opts.maxCached <= 0 || ttl <= 0 {
		return
	}
	if len(m.cached) >= m.opts.maxCached {
		m.evictLocked((m.opts.maxCached + 15) / 16)
	}
	exp, forever := expiry(m.opts.now(), ttl)
	m.cached[key] = &row[V]{exp: exp, forever: forever, f: f}
	if !forever {
		m.scheduleLocked(exp)
	}
}

// evictLocked drops the n settled entries that expire soonest.
func (m *CachedMap[K, V]) evictLocked(n int) {
	type aged struct {
		key K
		r   *row[V]
	}
	all := make([]aged, 0, len(m.cached))
	for k, r := range m.cached {
		all = append(all, aged{k, r})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].r, all[j].r
		if a.forever != b.forever {
			return b.forever
		}
		return a.exp.Before(b.exp)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(m.cached, e.key)
	}
}

func (m *CachedMap[K, V]) scheduleLocked(exp time.Time) {
	now := m.opts.now()
	at := now.Add(m.opts.slop)
	if exp.After(at) {
		at = exp
	}
	if !m.timerAt.IsZero() && !m.timerAt.After(at) {
		return // an earlier sweep is already pending
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerAt = at
	m.timer = time.AfterFunc(at.Sub(now), m.sweep)
}

func (m *CachedMap[K, V]) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	var next time.Time
	for k, r := range m.cached {
		switch {
		case r.forever:
		case r.expired(now):
			delete(m.cached, k)
		case next.IsZero() || r.exp.Before(next):
			next = r.exp
		}
	}
	m.timer = nil
	m.timerAt = time.Time{}
	if !next.IsZero() {
		m.scheduleLocked(next)
	}
}

// Delete removes key from both maps. A computation already in flight keeps
// running but its result is discarded.
func (m *CachedMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, key)
	delete(m.pending, key)
}

// Clear drops every entry and cancels the sweep.
func (m *CachedMap[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.cached)
	clear(m.pending)
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerAt = time.Time{}
}

// Keys returns the keys of unexpired settled entries.
func (m *CachedMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	keys := make([]K, 0, len(m.cached))
	for k, r := range m.cached {
		if !r.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// PendingSize returns the number of computations in flight.
func (m *CachedMap[K, V]) PendingSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CachedSize returns the number of settled entries, including expired ones
// the sweep has not reached yet.
func (m *CachedMap[K, V]) CachedSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cached)
}

// NextExpiration returns when the next sweep fires, or the zero time.
func (m *CachedMap[K, V]) NextExpiration() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerAt
}
