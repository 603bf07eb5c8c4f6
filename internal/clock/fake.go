package clock

import (
	"sync"
	"time"
)

// FakeClock is manually advanced clock for tests.
// Params: start time set by NewFakeClock.
// Returns: deterministic time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates fake clock at given time.
// Params: initial time.
// Returns: fake clock in UTC.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves fake time forward.
// Params: duration to add.
// Returns: none.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
