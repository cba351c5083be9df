// Package clock provides a time abstraction so cache TTLs, rate-limit windows
// and periodic sweeps can be driven by a simulated clock in tests.
// Use RealClock for production and MockClock for testing.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface for time operations, allowing time to be mocked in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration

	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	// It returns a Timer that can be used to cancel the call using its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single scheduled call that can be stopped
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops the timer,
	// false if the timer has already expired or been stopped.
	Stop() bool
}

// Every calls f each time d elapses on c until the returned Timer is stopped.
// The next run is armed only after f returns, so runs never overlap.
func Every(c Clock, d time.Duration, f func()) Timer {
	p := &periodic{clock: c, interval: d, f: f}
	p.mu.Lock()
	p.timer = c.AfterFunc(d, p.fire)
	p.mu.Unlock()
	return p
}

type periodic struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	f        func()
	timer    Timer
	stopped  bool
}

func (p *periodic) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.f()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.timer = p.clock.AfterFunc(p.interval, p.fire)
	}
}

func (p *periodic) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc waits for the duration to elapse and then calls f
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a Clock implementation for testing that allows manual time control.
// Timers fire synchronously from Advance, in deadline order.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the time elapsed since t using the mock current time
func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// AfterFunc schedules f to be called once the mock time reaches now+d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &mockTimer{deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Pending returns the number of timers that have not fired or been stopped
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Advance moves the mock clock forward by d, firing every timer whose deadline
// is reached. Timers armed by fired callbacks are honoured within the same call
// when their deadline also falls inside the advanced window.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		next := c.popDue(target)
		if next == nil {
			break
		}

		next.mu.Lock()
		if next.stopped {
			next.mu.Unlock()
			continue
		}
		next.stopped = true
		f := next.f
		next.mu.Unlock()

		// Fire outside the clock lock so callbacks may re-arm timers
		f()
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// popDue removes and returns the earliest live timer due at or before target,
// moving the clock to its deadline.
func (c *MockClock) popDue(target time.Time) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, t := range c.timers {
		t.mu.Lock()
		due := !t.stopped && !t.deadline.After(target)
		earlier := idx < 0 || t.deadline.Before(c.timers[idx].deadline)
		t.mu.Unlock()
		if due && earlier {
			idx = i
		}
	}

	// Drop stopped timers while holding the lock
	live := c.timers[:0]
	var picked *mockTimer
	for i, t := range c.timers {
		if i == idx {
			picked = t
			continue
		}
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			live = append(live, t)
		}
	}
	c.timers = live

	if picked != nil && picked.deadline.After(c.current) {
		c.current = picked.deadline
	}
	return picked
}

// Set sets the mock clock to a specific time, firing expired timers when moving forward
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	oldTime := c.current
	c.mu.Unlock()

	if t.After(oldTime) {
		c.Advance(t.Sub(oldTime))
		return
	}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Stop prevents the timer from firing
func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
