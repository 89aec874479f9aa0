package rts

import (
	"time"

	"github.com/ChuLiYu/rtsd/internal/clock"
)

// Meter measures the time an activation consumes between Begin and End.
// Budget accounting itself belongs to the OS scheduler; the meter only
// observes. A Meter is used by a single goroutine.
type Meter struct {
	clk     clock.Clock
	start   clock.Timespec
	running bool

	last  time.Duration
	total time.Duration
	count uint64
}

// NewMeter returns a meter reading clk. ThreadCPU measures CPU time of the
// calling OS thread; Monotonic measures elapsed time.
func NewMeter(clk clock.Clock) *Meter {
	return &Meter{clk: clk}
}

// Begin marks the start of a computation. A Begin without End restarts the
// measurement.
func (m *Meter) Begin() {
	m.start = m.clk.Now()
	m.running = true
}

// End closes the computation opened by Begin and returns its consumed time.
// Without a matching Begin it returns zero.
func (m *Meter) End() time.Duration {
	if !m.running {
		return 0
	}
	m.running = false
	m.last = m.clk.Now().Sub(m.start)
	m.total += m.last
	m.count++
	return m.last
}

// Last is the duration of the most recent computation.
func (m *Meter) Last() time.Duration { return m.last }

// Total is the time consumed by all computations.
func (m *Meter) Total() time.Duration { return m.total }

// Count is the number of completed computations.
func (m *Meter) Count() uint64 { return m.count }

// Running reports whether a computation is open.
func (m *Meter) Running() bool { return m.running }
