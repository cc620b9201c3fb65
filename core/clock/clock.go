// Package clock provides the node's time sources: an injectable wall clock
// shared by components that evaluate expiry, and per-author Lamport counters
// used to order content items without synchronized wall clocks.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source handed to every component that compares
// timestamps. Tests use NewManual to control time explicitly instead of
// sleeping.
type Clock struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	manual time.Time
	fixed  bool
}

// New creates a Clock backed by the system clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// NewManual creates a Clock pinned at start. It advances only through
// Advance or SetNow.
func NewManual(start time.Time) *Clock {
	return &Clock{manual: start, fixed: true}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed {
		return c.manual
	}
	return c.nowFn()
}

// Unix returns the current time as UNIX seconds.
func (c *Clock) Unix() int64 {
	return c.Now().Unix()
}

// Advance moves a manual clock forward by d. It has no effect on a
// system-backed clock.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed {
		c.manual = c.manual.Add(d)
	}
}

// SetNow pins a manual clock to t. It has no effect on a system-backed clock.
func (c *Clock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed {
		c.manual = t
	}
}
