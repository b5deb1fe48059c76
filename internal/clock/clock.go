// Package clock provides a time abstraction for testable time-dependent code.
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

	// Sleep pauses the current goroutine for at least the duration d
	Sleep(d time.Duration)

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
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

// Sleep pauses the current goroutine for at least the duration d
func (c *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Since returns the time elapsed since t
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a Clock implementation for testing that allows manual time
// control. Sleep returns immediately but records the requested duration, so
// tests can verify delays without actually waiting.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	slept   []time.Duration
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

// Sleep records the requested duration and advances the mock time by d
// without blocking
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
}

// Since returns the time elapsed since t using the mock current time
func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Sleeps returns the durations passed to Sleep, in order
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// Advance moves the mock clock forward by duration d
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}
