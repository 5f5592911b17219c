package document

import "sync"

// Clock is a lamport clock stamping local mutations and tracking the
// highest counter observed from any replica.
//
// Local mutations call Tick to obtain a counter strictly greater than
// everything this replica has seen; merging remote state calls Observe so
// later local writes dominate the merged records.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	counter uint64
}

// NewClock creates a clock starting at 0; the first Tick returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a persisted counter.
func NewClockAt(counter uint64) *Clock {
	return &Clock{counter: counter}
}

// Tick increments and returns the counter.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe advances the counter to n if n is greater.
func (c *Clock) Observe(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.counter {
		c.counter = n
	}
}

// Current returns the counter without incrementing.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
