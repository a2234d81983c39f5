package oracle

import (
	"sync"
	"time"
)

// Clock supplies the time used for staleness comparisons.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall time in UTC and never moves backwards, even if the host
// clock is stepped.
type SystemClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystemClock returns a monotonic wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now implements Clock.
func (c *SystemClock) Now() time.Time {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
