// Package cache provides a generic in-memory key/value store with per-entry
// time-to-live, bounded size and hit/miss statistics.
//
// An entry is a hit only while now - writtenAt < TTL, checked on every read.
// The periodic sweep reclaims memory and enforces MaxSize.
package cache

import (
	"strings"
	"sync"
	"time"

	"telenode/internal/clock"

	"go.uber.org/zap"
)

// Policy selects which entry is evicted when the cache is full.
type Policy int

const (
	// EvictOldest evicts the entry with the oldest write time (FIFO by write).
	EvictOldest Policy = iota

	// EvictLRU evicts the entry that was least recently read or written.
	EvictLRU
)

func (p Policy) String() string {
	switch p {
	case EvictOldest:
		return "oldest"
	case EvictLRU:
		return "lru"
	default:
		return "unknown"
	}
}

// Default values applied by New for zero options
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 1000
)

// Options configures a Cache
type Options struct {
	TTL     time.Duration
	MaxSize int
	Policy  Policy

	// SweepInterval is how often Start purges expired entries. Defaults to TTL.
	SweepInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Deletes     uint64  `json:"deletes"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value      V
	writtenAt  time.Time
	lastAccess time.Time
	ttl        time.Duration
}

// Cache is a TTL-bounded key/value store safe for concurrent use
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	ttl     time.Duration
	maxSize int
	policy  Policy
	sweep   time.Duration
	clock   clock.Clock
	logger  *zap.Logger
	stats   Stats
	sweeper clock.Timer
}

// New creates a cache. Zero TTL and MaxSize fall back to the defaults.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.TTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		policy:  opts.Policy,
		sweep:   opts.SweepInterval,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// TTL returns the default time-to-live for entries
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if it was written less than TTL ago
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}

	now := c.clock.Now()
	if c.expired(e, now) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Expirations++
		return zero, false
	}

	e.lastAccess = now
	c.stats.Hits++
	return e.value, true
}

// Has reports whether key holds a live entry without touching statistics
// or recency.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && !c.expired(e, c.clock.Now())
}

// Set stores value under key with the default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a custom TTL
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOneLocked()
	}

	now := c.clock.Now()
	c.entries[key] = &entry[V]{
		value:      value,
		writtenAt:  now,
		lastAccess: now,
		ttl:        ttl,
	}
	c.stats.Sets++
}

// Delete removes key and reports whether it was present
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Deletes++
	return true
}

// DeleteFunc removes every entry whose key satisfies match and returns how many
// were removed.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Deletes += uint64(n)
	return n
}

// Keys returns the keys of all live entries
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]K, 0, len(c.entries))
	for k, e := range c.entries {
		if !c.expired(e, now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Deletes += uint64(len(c.entries))
	c.entries = make(map[K]*entry[V])
}

// Cleanup purges expired entries, then evicts by policy until the cache is
// within MaxSize. It returns the number of entries removed.
func (c *Cache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	expired := 0
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			expired++
		}
	}
	c.stats.Expirations += uint64(expired)

	evicted := 0
	for len(c.entries) > c.maxSize {
		c.evictOneLocked()
		evicted++
	}

	if expired+evicted > 0 {
		c.logger.Debug("Cache sweep",
			zap.Int("expired", expired),
			zap.Int("evicted", evicted),
			zap.Int("size", len(c.entries)))
	}
	return expired + evicted
}

// Start schedules Cleanup every sweep interval. Calling Start twice is a no-op.
func (c *Cache[K, V]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sweeper != nil {
		return
	}
	c.sweeper = clock.Every(c.clock, c.sweep, func() { c.Cleanup() })
}

// Stop cancels the periodic sweep. Safe to call when not started.
func (c *Cache[K, V]) Stop() {
	c.mu.Lock()
	sweeper := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}
}

// Stats returns a snapshot of the cache counters
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.entries)
	s.MaxSize = c.maxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

func (c *Cache[K, V]) expired(e *entry[V], now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// evictOneLocked removes a single entry chosen by policy. Caller holds c.mu.
func (c *Cache[K, V]) evictOneLocked() {
	var (
		victim K
		oldest time.Time
		found  bool
	)
	for k, e := range c.entries {
		ts := e.writtenAt
		if c.policy == EvictLRU {
			ts = e.lastAccess
		}
		if !found || ts.Before(oldest) {
			victim, oldest, found = k, ts, true
		}
	}
	if !found {
		return
	}

	delete(c.entries, victim)
	c.stats.Evictions++
	c.logger.Debug("Cache eviction", zap.Any("key", victim), zap.Stringer("policy", c.policy))
}

// DeletePrefix removes every entry whose string key starts with prefix
func DeletePrefix[V any](c *Cache[string, V], prefix string) int {
	return c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}
