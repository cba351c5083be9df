package plugin

import (
	"sync"
	"time"

	"telenode/internal/clock"
)

const (
	DefaultRateLimitWindow = 60 * time.Second
	DefaultRateLimitMax    = 10
)

// RateLimiter is a per-user sliding window counter. A max of zero or less
// disables limiting.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	clock  clock.Clock
	hits   map[int64][]time.Time
}

// NewRateLimiter creates a limiter allowing max calls per user within window
func NewRateLimiter(window time.Duration, max int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &RateLimiter{
		window: window,
		max:    max,
		clock:  clk,
		hits:   make(map[int64][]time.Time),
	}
}

// Allow records a call for userID and reports whether it fits in the window
func (r *RateLimiter) Allow(userID int64) bool {
	if r.max <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	recent := r.prune(r.hits[userID], now)
	if len(recent) >= r.max {
		r.hits[userID] = recent
		return false
	}
	r.hits[userID] = append(recent, now)
	return true
}

func (r *RateLimiter) prune(hits []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= r.window {
		i++
	}
	if i == len(hits) {
		return hits[:0]
	}
	return hits[i:]
}

// Remaining returns how many calls userID may still make in the current window
func (r *RateLimiter) Remaining(userID int64) int {
	if r.max <= 0 {
		return -1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.prune(r.hits[userID], r.clock.Now())
	r.hits[userID] = recent
	return r.max - len(recent)
}

// Len returns the number of users with ledger entries
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, hits := range r.hits {
		if len(hits) > 0 {
			n++
		}
	}
	return n
}

// Reset clears the ledger
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = make(map[int64][]time.Time)
}
