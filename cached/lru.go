package cached

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLRUSize is the capacity used by NewLRU callers that have no
// better estimate.
const DefaultLRUSize = 8192

var errNegativeSize = errors.New("cached: negative lru size")

// LRU keeps the most recently used futures. Touching, setting or caching a
// key makes it the most recent. A pending future takes a slot like a settled
// one; when it succeeds while still present the key is refreshed, when it
// fails the slot is freed. A future that was replaced or removed while in
// flight never overwrites the newer entry.
type LRU[K comparable, V any] struct {
	mu    sync.Mutex
	max   int
	cache *lru.Cache[K, *Future[V]] // nil when max == 0
}

// NewLRU creates an LRU holding at most max entries. A max of zero stores
// nothing.
func NewLRU[K comparable, V any](max int) (*LRU[K, V], error) {
	l := new(LRU[K, V])
	if err := l.SetMax(max); err != nil {
		return nil, err
	}
	return l, nil
}

// Max returns the capacity.
func (l *LRU[K, V]) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// SetMax changes the capacity, evicting the oldest entries if it shrinks.
func (l *LRU[K, V]) SetMax(n int) error {
	if n < 0 {
		return errNegativeSize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = n
	switch {
	case n == 0:
		l.cache = nil
	case l.cache == nil:
		c, err := lru.New[K, *Future[V]](n)
		if err != nil {
			return err
		}
		l.cache = c
	default:
		l.cache.Resize(n)
	}
	return nil
}

// Len returns the number of entries.
func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		return 0
	}
	return l.cache.Len()
}

// Keys returns the keys from least to most recently used.
func (l *LRU[K, V]) Keys() []K {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		return nil
	}
	return l.cache.Keys()
}

// Peek returns the future for key without refreshing it.
func (l *LRU[K, V]) Peek(key K) *Future[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		return nil
	}
	f, _ := l.cache.Peek(key)
	return f
}

// Touch returns the future for key and marks it most recently used.
func (l *LRU[K, V]) Touch(key K) *Future[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.touchLocked(key)
}

func (l *LRU[K, V]) touchLocked(key K) *Future[V] {
	if l.cache == nil {
		return nil
	}
	if f, ok := l.cache.Get(key); ok {
		lookups.WithLabelValues("lru", "hit").Inc()
		return f
	}
	lookups.WithLabelValues("lru", "miss").Inc()
	return nil
}

// SetValue stores a settled value.
func (l *LRU[K, V]) SetValue(key K, v V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		l.cache.Add(key, Resolved(v))
	}
}

// SetPending stores an in-flight future.
func (l *LRU[K, V]) SetPending(key K, f *Future[V]) *Future[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setPendingLocked(key, f)
	return f
}

func (l *LRU[K, V]) setPendingLocked(key K, f *Future[V]) {
	if l.cache == nil {
		return
	}
	l.cache.Add(key, f)
	go func() {
		<-f.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.cache == nil {
			return
		}
		if cur, ok := l.cache.Peek(key); !ok || cur != f {
			return
		}
		if _, err, _ := f.Result(); err != nil {
			l.cache.Remove(key)
		} else {
			l.cache.Add(key, f)
		}
	}()
}

// Acquire returns the existing future for key, or installs and returns a
// new pending future with created set. The creator must settle it. When the
// LRU stores nothing the new future is returned but not retained.
func (l *LRU[K, V]) Acquire(key K) (f *Future[V], created bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f := l.touchLocked(key); f != nil {
		return f, false
	}
	f = NewFuture[V]()
	l.setPendingLocked(key, f)
	return f, true
}

// Cache returns the future for key, starting fn if absent, and waits for it.
func (l *LRU[K, V]) Cache(ctx context.Context, key K, fn Func[K, V]) (V, error) {
	v, _, err := l.CacheHit(ctx, key, fn)
	return v, err
}

// CacheHit is Cache, also reporting whether key was already present,
// settled or in flight, when it was looked up.
func (l *LRU[K, V]) CacheHit(ctx context.Context, key K, fn Func[K, V]) (v V, hit bool, err error) {
	f, created := l.Acquire(key)
	if created {
		detached := context.WithoutCancel(ctx)
		go func() {
			f.Settle(fn(detached, key))
		}()
	}
	v, err = f.Wait(ctx)
	return v, !created, err
}

// Delete removes key.
func (l *LRU[K, V]) Delete(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		l.cache.Remove(key)
	}
}

// Clear removes every entry.
func (l *LRU[K, V]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		l.cache.Purge()
	}
}
