// Package cache provides the process-wide TTL cache that backs the resolver.
//
// Entries expire after their TTL but are only removed when read through Get or
// when a sweep runs. Until then an expired entry still serves as the fallback
// answer for a failed fetch under the same key.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"prbuild-resolver/src/metrics"
)

// DefaultTTL is the lifetime of every entry written by the resolver.
const DefaultTTL = 24 * time.Hour

// DefaultSweepInterval is how often Run removes expired entries.
const DefaultSweepInterval = time.Hour

// Kind discriminates the independent key spaces sharing one store.
type Kind uint8

const (
	// QueryURL keys hold the answer for a caller-supplied status URL.
	QueryURL Kind = iota + 1
	// PullRequest keys hold the answer for a pull-request number.
	PullRequest
	// RemoteURL keys hold decoded responses of individual AppVeyor requests.
	RemoteURL
)

func (k Kind) String() string {
	switch k {
	case QueryURL:
		return "query"
	case PullRequest:
		return "pr"
	case RemoteURL:
		return "remote"
	default:
		return "unknown"
	}
}

// Key identifies one cache entry. Keys of different kinds never collide.
type Key struct {
	Kind  Kind
	Value string
}

func QueryURLKey(u string) Key  { return Key{Kind: QueryURL, Value: u} }
func PullRequestKey(n int) Key  { return Key{Kind: PullRequest, Value: strconv.Itoa(n)} }
func RemoteURLKey(u string) Key { return Key{Kind: RemoteURL, Value: u} }

func (k Key) String() string {
	return k.Kind.String() + ":" + k.Value
}

type entry struct {
	value    any
	inserted time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.inserted) >= e.ttl
}

// Cache is safe for concurrent use. Writes to the same key are last-write-wins.
type Cache struct {
	entries *xsync.MapOf[string, entry]
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: xsync.NewMapOf[entry](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key, replacing whatever was there.
func (c *Cache) Set(key Key, value any, ttl time.Duration) {
	c.entries.Store(key.String(), entry{value: value, inserted: c.now(), ttl: ttl})
}

// Len counts stored entries, expired or not.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// lookup returns the live entry for key, evicting it if it has expired.
func (c *Cache) lookup(key Key) (any, bool) {
	now := c.now()
	evicted := false
	e, ok := c.entries.Compute(key.String(), func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.expired(now) {
			evicted = true
			return old, true
		}
		return old, false
	})
	if evicted {
		c.metrics.Evicted(1)
	}
	if !ok {
		c.metrics.Miss()
		return nil, false
	}
	c.metrics.Hit()
	return e.value, true
}

// peek returns whatever is stored for key, ignoring its TTL.
func (c *Cache) peek(key Key) (any, bool) {
	e, ok := c.entries.Load(key.String())
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Get returns the unexpired value stored under key.
func Get[T any](c *Cache, key Key) (T, bool) {
	var zero T
	v, ok := c.lookup(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Peek returns the unexpired value stored under key. Unlike Get it leaves an
// expired entry in place, so it stays available to Fallback.
func Peek[T any](c *Cache, key Key) (T, bool) {
	var zero T
	e, ok := c.entries.Load(key.String())
	if !ok || e.expired(c.now()) {
		c.metrics.Miss()
		return zero, false
	}
	t, ok := e.value.(T)
	if !ok {
		c.metrics.Miss()
		return zero, false
	}
	c.metrics.Hit()
	return t, true
}

// Fallback returns the value stored under key even if its TTL has elapsed,
// provided no Get or sweep has evicted it yet.
func Fallback[T any](c *Cache, key Key) (T, bool) {
	var zero T
	v, ok := c.peek(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// GetOrFetchWithFallback runs fetch and caches its result under key. When fetch
// fails it returns the previously stored value, if any, together with the fetch
// error so the caller can log it. A cancelled fetch neither writes nor falls back.
func GetOrFetchWithFallback[T any](ctx context.Context, c *Cache, key Key, ttl time.Duration, fetch func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	v, err := fetch(ctx)
	if err == nil {
		c.Set(key, v, ttl)
		return v, true, nil
	}
	if errors.Is(err, context.Canceled) {
		return zero, false, err
	}
	if cached, ok := Fallback[T](c, key); ok {
		c.metrics.Fallback()
		return cached, true, err
	}
	return zero, false, err
}

// Sweep removes every expired entry and reports how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k string, e entry) bool {
		if !e.expired(now) {
			return true
		}
		// Re-check under the bucket lock so a concurrent Set is not dropped.
		c.entries.Compute(k, func(old entry, loaded bool) (entry, bool) {
			if loaded && old.expired(now) {
				removed++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	c.metrics.Evicted(removed)
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
