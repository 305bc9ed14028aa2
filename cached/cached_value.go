package cached

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedValue caches the result of a single generator. Get returns the live
// result while it is unexpired and otherwise re-runs the generator once,
// however many callers are waiting.
type CachedValue[V any] struct {
	fn   func(ctx context.Context) (V, error)
	opts options

	group singleflight.Group

	mu      sync.Mutex
	has     bool
	value   V
	err     error
	exp     time.Time
	forever bool
}

// NewCachedValue wraps fn. Only the TTL, error TTL, name and clock options
// apply.
func NewCachedValue[V any](fn func(ctx context.Context) (V, error), opts ...Option) *CachedValue[V] {
	o := defaultOptions("value")
	for _, opt := range opts {
		opt(&o)
	}
	return &CachedValue[V]{fn: fn, opts: o}
}

// Get returns the cached result or refreshes it.
func (c *CachedValue[V]) Get(ctx context.Context) (V, error) {
	if v, err, ok := c.live(); ok {
		lookups.WithLabelValues(c.opts.name, "hit").Inc()
		return v, err
	}
	lookups.WithLabelValues(c.opts.name, "miss").Inc()
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan("", func() (any, error) {
		if v, err, ok := c.live(); ok {
			return v, err
		}
		v, err := c.fn(detached)
		c.store(v, err)
		return v, err
	})
	select {
	case r := <-ch:
		v, _ := r.Val.(V)
		return v, r.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *CachedValue[V]) live() (V, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.has && (c.forever || c.exp.After(c.opts.now())) {
		return c.value, c.err, true
	}
	var zero V
	return zero, nil, false
}

func (c *CachedValue[V]) store(v V, err error) {
	ttl := c.opts.cacheTTL
	if err != nil {
		ttl = c.opts.errorTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value, c.err, c.has = v, err, true
	c.exp, c.forever = expiry(c.opts.now(), ttl)
}

// Value returns the last successful result whether or not it has expired.
func (c *CachedValue[V]) Value() (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has || c.err != nil {
		var zero V
		return zero, false
	}
	return c.value, true
}

// Set stores v as a fresh successful result.
func (c *CachedValue[V]) Set(v V) {
	c.store(v, nil)
}

// Clear forgets the cached result.
func (c *CachedValue[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.value, c.err, c.has = zero, nil, false
}
