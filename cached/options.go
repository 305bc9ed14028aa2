package cached

import (
	"math"
	"time"

	"github.com/TateB/evmgateway-v2/metrics"
)

// Forever is a TTL that never expires.
const Forever time.Duration = math.MaxInt64

// Defaults shared by CachedMap and CachedValue.
const (
	DefaultCacheTTL  = time.Minute
	DefaultErrorTTL  = 250 * time.Millisecond
	DefaultSlop      = 50 * time.Millisecond
	DefaultMaxCached = 10000
)

var lookups = metrics.NewCounterVec("cache", "lookups_total",
	"Cache lookups by cache name and result (hit, pending, miss).", "cache", "result")

type options struct {
	name      string
	cacheTTL  time.Duration
	errorTTL  time.Duration
	slop      time.Duration
	maxCached int
	now       func() time.Time
}

func defaultOptions(name string) options {
	return options{
		name:      name,
		cacheTTL:  DefaultCacheTTL,
		errorTTL:  DefaultErrorTTL,
		slop:      DefaultSlop,
		maxCached: DefaultMaxCached,
		now:       time.Now,
	}
}

// Option configures a CachedMap or CachedValue.
type Option func(*options)

// WithName labels the cache in metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTTL sets how long a successful result is kept.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// WithErrorTTL sets how long a failed result is kept. It should be shorter
// than the success TTL so that callers recover once the fault clears.
func WithErrorTTL(d time.Duration) Option {
	return func(o *options) { o.errorTTL = d }
}

// WithSlop sets the precision of the expiration sweep.
func WithSlop(d time.Duration) Option {
	return func(o *options) { o.slop = d }
}

// WithMaxCached bounds the number of settled entries. Zero disables caching
// of settled values; pending computations are still shared.
func WithMaxCached(n int) Option {
	return func(o *options) { o.maxCached = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// expiry returns the expiration for ttl and whether the entry never expires.
func expiry(now time.Time, ttl time.Duration) (time.Time, bool) {
	if ttl >= Forever {
		return time.Time{}, true
	}
	return now.Add(ttl), false
}
