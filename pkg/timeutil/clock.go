package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source injected into services that make time-based decisions
type Clock interface {
	Now() time.Time
}

// Now returns the current time in UTC
func Now() time.Time {
	return time.Now().UTC()
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

// Now returns the current time in UTC
func (SystemClock) Now() time.Time {
	return Now()
}

// FakeClock is a manually advanced Clock for tests
type FakeClock struct {
	now time.Time
	mu  sync.Mutex
}

// NewFakeClock creates a FakeClock frozen at t
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the frozen time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
