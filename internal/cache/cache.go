// Package cache provides the TTL key-value cache shared by the admission
// path.
//
// DESIGN: Read-mostly map under an RWMutex: many concurrent readers, a
// single writer populating on miss. Staleness inside the TTL window is the
// consistency model; there is no read-modify-write on the hot path. The
// clock is injectable so TTL behavior is testable without sleeping.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a typed key-value cache with per-cache TTL and background sweeps.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     Clock

	hits   int64
	misses int64

	stop chan struct{}
	once sync.Once
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithClock substitutes the time source.
func WithClock[V any](now Clock) Option[V] {
	return func(c *TTL[V]) { c.now = now }
}

// New creates a TTL cache. sweepInterval <= 0 disables the background sweep;
// expired entries are then dropped lazily on read.
func New[V any](ttl, sweepInterval time.Duration, opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Get returns the cached value if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have replaced
		// the expired entry with a fresh one, which must survive.
		if cur, exists := c.entries[key]; exists && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

// Set stores value under key with the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate removes key immediately. Used by external revocation or budget
// pushes that must not wait out the TTL.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *TTL[V]) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Close stops the background sweep.
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *TTL[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
