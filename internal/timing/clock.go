package timing

import (
	"math"
	"sync"
	"time"
)

// Duration converts seconds to a time.Duration, rounded to the microsecond.
func Duration(sec float64) time.Duration {
	return time.Duration(math.Round(sec*1e6)) * time.Microsecond
}

// Clock is the time base of the trial loop. Now is measured from an arbitrary
// fixed origin, like a hardware device clock.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

// SystemClock reads the monotonic wall clock.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock returns a clock whose origin is the moment of the call.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now returns the elapsed time since the origin.
func (c *SystemClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Sleep blocks for d.
func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// ManualClock advances only when Sleep or Advance is called. It lets a whole
// run execute instantly while keeping exact timestamps.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManualClock returns a ManualClock starting at zero.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// Now returns the current simulated time.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the simulated time by d.
func (c *ManualClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the simulated time forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
