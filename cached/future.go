// Package cached provides single-flight asynchronous caches.
//
// Every primitive here guarantees that, for a given key, at most one
// underlying computation is in flight at a time and that all concurrent
// callers observe the same eventual value or the same eventual error.
// Computations are detached from the context of the caller that started
// them: an abandoned caller stops waiting but the fetch runs to completion
// and its result is still cached.
package cached

import (
	"context"
	"sync"
)

// Future is a value that settles exactly once.
type Future[V any] struct {
	done  chan struct{}
	once  sync.Once
	value V
	err   error
}

// NewFuture returns an unsettled future.
func NewFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[V any](v V) *Future[V] {
	f := NewFuture[V]()
	f.Settle(v, nil)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[V any](err error) *Future[V] {
	f := NewFuture[V]()
	var zero V
	f.Settle(zero, err)
	return f
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go[V any](fn func() (V, error)) *Future[V] {
	f := NewFuture[V]()
	go func() {
		f.Settle(fn())
	}()
	return f
}

// Settle records the outcome. Only the first call has any effect; it
// reports whether this call settled the future.
func (f *Future[V]) Settle(v V, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Resolve settles the future with v.
func (f *Future[V]) Resolve(v V) bool { return f.Settle(v, nil) }

// Reject settles the future with err.
func (f *Future[V]) Reject(err error) bool {
	var zero V
	return f.Settle(zero, err)
}

// Done is closed once the future settles.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[V]) Result() (v V, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return v, nil, false
	}
}

// Wait blocks until the future settles or ctx is done. Giving up on ctx
// does not affect the computation.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
