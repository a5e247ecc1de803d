// Package clock provides the time bases driving the dispatchers.
package clock

import (
	"sync"
	"time"
)

// Clock provides the notion of "now" for a dispatcher run.
type Clock interface {
	Now() time.Time
}

// Virtual is a controllable clock used during backtests. It starts unset and
// only moves forward.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
	set     bool
}

// NewVirtual initialises an unset virtual clock.
func NewVirtual() *Virtual {
	return &Virtual{}
}

// Now returns the current simulated time. The zero time is returned while the
// clock has not been advanced yet.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set reports whether the clock has been advanced at least once.
func (c *Virtual) Set() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// AdvanceTo moves the clock to ts. The clock never moves backward; an earlier
// ts leaves it untouched.
func (c *Virtual) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if !c.set || ts.After(c.current) {
		c.current = ts.UTC()
		c.set = true
	}
	c.mu.Unlock()
}

// Wall is the realtime clock.
type Wall struct{}

// NewWall returns the wall clock.
func NewWall() *Wall {
	return &Wall{}
}

// Now returns the current wall time in UTC.
func (*Wall) Now() time.Time {
	return time.Now().UTC()
}
