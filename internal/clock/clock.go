// Package clock provides a mockable time source and timers for testing.
// In production, it wraps the time package. For tests, use MockClock, whose
// timers only fire when the mock time is advanced past their deadline.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Use package-level functions for convenience, or inject a Clock for testing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Every calls f each time d elapses until the returned Timer is stopped.
	Every(d time.Duration, f func()) Timer
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// AfterFunc schedules f to run after d.
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &onceTimer{}
	t.fn = f
	t.stopper = time.AfterFunc(d, t.fire)
	return t
}

// Every schedules f to run periodically.
func (c *RealClock) Every(d time.Duration, f func()) Timer {
	return newPeriodic(c, d, f)
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	seq     uint64
	timers  []*mockTimer
}

type mockTimer struct {
	*onceTimer
	when time.Time
	seq  uint64
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// AfterFunc registers f to run when the mock time reaches now+d.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	mt := &mockTimer{
		onceTimer: &onceTimer{fn: f},
		when:      c.current.Add(d),
		seq:       c.seq,
	}
	mt.stopper = mockStopper{clock: c, timer: mt}
	c.timers = append(c.timers, mt)
	return mt
}

// Every registers a periodic callback driven by Advance.
func (c *MockClock) Every(d time.Duration, f func()) Timer {
	return newPeriodic(c, d, f)
}

// Set sets the mock time without firing timers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d, firing every timer whose deadline is
// reached in deadline order. Callbacks run synchronously on the caller's
// goroutine with Now() equal to their deadline.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.when.After(c.current) {
			c.current = next.when
		}
		c.mu.Unlock()
		next.fire()
	}
}

// Pending returns the number of timers waiting to fire.
func (c *MockClock) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.timers)
}

// popDue removes and returns the earliest timer due at or before target.
// Must be called with c.mu held.
func (c *MockClock) popDue(target time.Time) *mockTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].when.Equal(c.timers[j].when) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].when.Before(c.timers[j].when)
	})
	first := c.timers[0]
	if first.when.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	return first
}

func (c *MockClock) remove(mt *mockTimer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.timers {
		if t == mt {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

type mockStopper struct {
	clock *MockClock
	timer *mockTimer
}

func (s mockStopper) Stop() bool {
	s.clock.remove(s.timer)
	return true
}
