package clock

import (
	"context"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu  sync.Mutex
	now Timespec
}

// NewManual constructs a Manual clock starting at the supplied instant.
func NewManual(start Timespec) *Manual {
	return &Manual{now: start.normalize()}
}

// Now returns the current manual time.
func (m *Manual) Now() Timespec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t Timespec) {
	m.mu.Lock()
	m.now = t.normalize()
	m.mu.Unlock()
}

// Advance moves time forward by d and returns the new instant.
func (m *Manual) Advance(d time.Duration) Timespec {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// SleepUntil jumps the clock to t if t is in the future. It never blocks.
func (m *Manual) SleepUntil(ctx context.Context, t Timespec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t.normalize()
	}
	m.mu.Unlock()
	return nil
}
