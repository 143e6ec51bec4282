// Package monotonic provides a monotonic microsecond clock.
// The clock is safe for concurrent use and never returns the same
// value twice, so timestamps taken from it are strictly increasing
// even when the wall clock stalls or steps backwards.
package monotonic

import (
	"sync"
	"time"
)

// Clock generates strictly increasing unix-microsecond timestamps.
type Clock struct {
	lk   sync.Mutex
	last int64
}

// NewClock creates a new Clock.
func NewClock() *Clock {
	return &Clock{}
}

// NowUS returns the current time as unix microseconds.
// Successive calls always return strictly increasing values.
func (c *Clock) NowUS() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()

	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
