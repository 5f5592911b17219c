// Package testutil provides deterministic time control for tests.
package testutil

import (
	"sync"
	"time"
)

// ManualTimer is a deterministic replacement for time.After. Deadlines
// never fire on their own; the test calls Fire to release exactly the
// waiters registered so far.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualTimer struct {
	mu      sync.Mutex
	waiting []chan time.Time
}

// NewManualTimer creates a timer with no pending deadlines.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

// After registers a deadline and returns its channel. The duration is
// ignored; only Fire releases waiters.
func (m *ManualTimer) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	m.waiting = append(m.waiting, ch)
	m.mu.Unlock()
	return ch
}

// Fire releases every deadline registered so far.
func (m *ManualTimer) Fire() {
	m.mu.Lock()
	waiting := m.waiting
	m.waiting = nil
	m.mu.Unlock()
	now := time.Now()
	for _, ch := range waiting {
		ch <- now
	}
}

// Pending returns the number of unfired deadlines. Tests use it to wait
// until the code under test has actually registered its timeout.
func (m *ManualTimer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}
