package cached

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachedMapSingleFlight(t *testing.T) {
	m := NewCachedMap[string, int]()
	var calls atomic.Int32
	gate := make(chan struct{})
	fn := func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		<-gate
		return len(key), nil
	}

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Get(context.Background(), "abcd", fn)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 4, v)
	}
}

func TestCachedMapCachesErrorsForErrorTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewCachedMap[string, int](WithClock(clock.Now), WithErrorTTL(time.Second), WithTTL(time.Hour))
	boom := errors.New("boom")
	var calls atomic.Int32
	fn := func(ctx context.Context, key string) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 42, nil
	}

	_, err := m.Get(context.Background(), "k", fn)
	require.ErrorIs(t, err, boom)
	require.Eventually(t, func() bool { return m.CachedSize() == 1 }, time.Second, time.Millisecond)

	_, err = m.Get(context.Background(), "k", fn)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), calls.Load())

	clock.Advance(2 * time.Second)
	v, err := m.Get(context.Background(), "k", fn)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, int32(2), calls.Load())
}

func TestCachedMapZeroTTLNeverCaches(t *testing.T) {
	m := NewCachedMap[string, int]()
	m.Set("k", 1, 0)
	require.Nil(t, m.Peek("k"))
	m.Set("k", 1, -time.Second)
	require.Nil(t, m.Peek("k"))
	require.Equal(t, 0, m.CachedSize())
}

func TestCachedMapSetThenGet(t *testing.T) {
	m := NewCachedMap[string, int]()
	m.Set("k", 9, time.Minute)
	v, err := m.Get(context.Background(), "k", func(context.Context, string) (int, error) {
		t.Fatal("fn must not run for a cached key")
		return 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, 9, v)
	require.Equal(t, []string{"k"}, m.Keys())
}

func TestCachedMapReplacedPendingDoesNotOverwrite(t *testing.T) {
	m := NewCachedMap[string, int]()
	f := NewFuture[int]()
	m.SetPending("k", f, time.Minute)
	require.Equal(t, 1, m.PendingSize())

	m.Set("k", 2, time.Minute)
	f.Resolve(1)

	// Give the settle watcher a chance to run; it must leave the newer entry.
	time.Sleep(10 * time.Millisecond)
	v, err := m.Peek("k").Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Equal(t, 0, m.PendingSize())
}

func TestCachedMapZeroTTLSharesInFlight(t *testing.T) {
	m := NewCachedMap[int, int]()
	gate := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context, k int) (int, error) {
		calls.Add(1)
		<-gate
		return k * 2, nil
	}
	f1 := m.Future(context.Background(), 3, fn, 0)
	f2 := m.Future(context.Background(), 3, fn, 0)
	require.Same(t, f1, f2)
	close(gate)
	v, err := f1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, v)
	require.Eventually(t, func() bool { return m.PendingSize() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 0, m.CachedSize())
	require.Equal(t, int32(1), calls.Load())
}

func TestCachedMapEvictsSoonestExpiring(t *testing.T) {
	clock := newFakeClock()
	m := NewCachedMap[string, int](WithClock(clock.Now), WithMaxCached(16))
	for i := 0; i < 16; i++ {
		m.Set(fmt.Sprintf("k%d", i), i, time.Duration(i+1)*time.Minute)
	}
	require.Equal(t, 16, m.CachedSize())

	m.Set("new", 99, time.Hour)
	require.Equal(t, 16, m.CachedSize())
	require.Nil(t, m.Peek("k0"), "entry closest to expiry is evicted")
	require.NotNil(t, m.Peek("k15"))
	require.NotNil(t, m.Peek("new"))
}

func TestCachedMapExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewCachedMap[string, int](WithClock(clock.Now))
	m.Set("a", 1, time.Second)
	m.Set("b", 2, Forever)
	require.Equal(t, time.Second, m.Remaining("a"))
	require.Equal(t, Forever, m.Remaining("b"))

	clock.Advance(2 * time.Second)
	require.Nil(t, m.Peek("a"))
	require.Equal(t, time.Duration(0), m.Remaining("a"))
	require.Equal(t, []string{"b"}, m.Keys())
}

func TestCachedMapSweep(t *testing.T) {
	m := NewCachedMap[string, int](WithSlop(time.Millisecond))
	m.Set("a", 1, 5*time.Millisecond)
	m.Set("b", 2, 20*time.Millisecond)
	require.False(t, m.NextExpiration().IsZero())
	require.Eventually(t, func() bool { return m.CachedSize() == 0 }, time.Second, time.Millisecond)
	require.True(t, m.NextExpiration().IsZero())
}

func TestCachedMapAbandonedCallerStillCaches(t *testing.T) {
	m := NewCachedMap[string, string]()
	gate := make(chan struct{})
	fn := func(ctx context.Context, key string) (string, error) {
		<-gate
		require.NoError(t, ctx.Err())
		return "done", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Get(ctx, "k", fn)
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	v, err := m.Get(context.Background(), "k", fn)
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestCachedMapDeleteAndClear(t *testing.T) {
	m := NewCachedMap[string, int]()
	m.Set("a", 1, time.Minute)
	m.Set("b", 2, time.Minute)
	m.Delete("a")
	require.Nil(t, m.Peek("a"))
	m.Clear()
	require.Equal(t, 0, m.CachedSize())
	require.True(t, m.NextExpiration().IsZero())
}
