package cache

import (
	"fmt"
	"testing"
	"time"

	"telenode/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestCache(t *testing.T, opts Options) (*Cache[string, int], *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	opts.Clock = mc
	return New[string, int](opts), mc
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache(t, Options{TTL: time.Minute})

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v, "overwrite replaces value")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Sets)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_ExpiresWithoutSweep(t *testing.T) {
	c, mc := newTestCache(t, Options{TTL: 10 * time.Second})

	c.Set("k", 7)
	mc.Advance(9 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "still fresh just before TTL")

	mc.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "an entry exactly TTL old is a miss")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_SetWithTTL(t *testing.T) {
	c, mc := newTestCache(t, Options{TTL: time.Hour})

	c.SetWithTTL("short", 1, time.Second)
	c.Set("long", 2)

	mc.Advance(2 * time.Second)
	assert.False(t, c.Has("short"))
	assert.True(t, c.Has("long"))
}

func TestCache_EvictOldest(t *testing.T) {
	c, mc := newTestCache(t, Options{TTL: time.Hour, MaxSize: 2, Policy: EvictOldest})

	c.Set("first", 1)
	mc.Advance(time.Second)
	c.Set("second", 2)
	mc.Advance(time.Second)

	// Reading "first" does not protect it under FIFO
	_, _ = c.Get("first")
	c.Set("third", 3)

	assert.False(t, c.Has("first"))
	assert.True(t, c.Has("second"))
	assert.True(t, c.Has("third"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_EvictLRU(t *testing.T) {
	c, mc := newTestCache(t, Options{TTL: time.Hour, MaxSize: 2, Policy: EvictLRU})

	c.Set("first", 1)
	mc.Advance(time.Second)
	c.Set("second", 2)
	mc.Advance(time.Second)

	_, _ = c.Get("first")
	mc.Advance(time.Second)
	c.Set("third", 3)

	assert.True(t, c.Has("first"), "recently read entry survives")
	assert.False(t, c.Has("second"))
	assert.True(t, c.Has("third"))
}

func TestCache_OverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, Options{TTL: time.Hour, MaxSize: 2})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_DeleteFuncAndPrefix(t *testing.T) {
	c, _ := newTestCache(t, Options{TTL: time.Hour})

	c.Set("granted:1:10", 1)
	c.Set("granted:1:20", 1)
	c.Set("granted:2:10", 1)
	c.Set("user:1", 1)

	assert.Equal(t, 3, DeletePrefix(c, "granted:"))
	assert.ElementsMatch(t, []string{"user:1"}, c.Keys())

	assert.True(t, c.Delete("user:1"))
	assert.False(t, c.Delete("user:1"))
}

func TestCache_CleanupAndSweep(t *testing.T) {
	c, mc := newTestCache(t, Options{TTL: 30 * time.Second})

	c.Start()
	c.Start()
	defer c.Stop()

	c.Set("old", 1)
	mc.Advance(20 * time.Second)
	c.Set("new", 2)

	// Sweep fires at 30s: "old" is 30s old, "new" only 10s
	mc.Advance(10 * time.Second)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("new"))

	c.Stop()
	c.Stop()
	assert.Equal(t, 0, mc.Pending())
}

func TestCache_ClearAndHitRate(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	assert.Equal(t, DefaultTTL, c.TTL())

	c.Set("a", 1)
	_, _ = c.Get("a")
	_, _ = c.Get("b")
	assert.InDelta(t, 50.0, c.Stats().HitRate, 0.001)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, DefaultMaxSize, c.Stats().MaxSize)
}

// A read is a hit exactly when less than TTL elapsed since the last write.
func TestCache_TTLProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ttlSec := rapid.IntRange(1, 120).Draw(t, "ttl")
		mc := clock.NewMockClock(time.Unix(0, 0))
		c := New[string, int](Options{TTL: time.Duration(ttlSec) * time.Second, Clock: mc})

		written := map[string]time.Time{}
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := fmt.Sprintf("k%d", rapid.IntRange(0, 4).Draw(t, "key"))
			if rapid.Bool().Draw(t, "write") {
				c.Set(key, i)
				written[key] = mc.Now()
			} else {
				_, hit := c.Get(key)
				at, ok := written[key]
				want := ok && mc.Now().Sub(at) < c.TTL()
				if hit != want {
					t.Fatalf("key %s: hit=%v want=%v", key, hit, want)
				}
				if ok && !hit {
					delete(written, key)
				}
			}
			mc.Advance(time.Duration(rapid.IntRange(0, 60).Draw(t, "advance")) * time.Second)
		}
	})
}
