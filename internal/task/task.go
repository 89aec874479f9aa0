// ============================================================================
// rtsd Task Timer - Real-Time Task Timing Model
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: Per-task timing state and parameter comparators
//
// State machine:
//   Unreleased --CalcAbsValue()--> Active --WaitForPeriod()--> Active ...
//
//   - New binds identity and clock; no timing field is set yet.
//   - CalcAbsValue reads the clock once and sets
//       activation = now + period
//       deadline   = now + relative deadline
//   - WaitForPeriod advances both instants by exactly one period. It does
//     not suspend: the caller sleeps until ActivationTime() on the same
//     clock (see internal/runner).
//   - DeadlineMiss reads the clock and counts a miss when the current time
//     is strictly after the absolute deadline. A miss is not an error; the
//     task keeps running.
//
// Concurrency:
//   A Task belongs to one goroutine. It carries no lock.
//
// ============================================================================

package task

import (
	"github.com/ChuLiYu/rtsd/internal/clock"
	"github.com/ChuLiYu/rtsd/pkg/types"
)

// Task is the timing state of one periodic real-time task.
type Task struct {
	id  int         // task identifier (thread id for attached tasks)
	clk clock.Clock // clock source all instants refer to

	wcet     uint64 // worst-case execution time
	period   uint32 // period (ms)
	deadline uint32 // relative deadline (ms)
	priority uint32 // clamped into [LowPrio, HighPrio]

	at       clock.Timespec // next activation time
	dl       clock.Timespec // current absolute deadline
	dmiss    uint32         // deadline misses observed
	released bool
}

// New binds a task identity to a clock source. The task starts at the
// lowest priority.
func New(id int, clk clock.Clock) *Task {
	return &Task{id: id, clk: clk, priority: types.LowPrio}
}

// FromParams builds an unreleased task from reservation parameters.
func FromParams(id int, clk clock.Clock, p types.Params) *Task {
	t := New(id, clk)
	t.SetWCET(uint64(p.Budget))
	t.SetPeriod(p.Period)
	t.SetDeadline(p.Deadline)
	t.SetPriority(p.Priority)
	return t
}

// Clone returns an independent copy of t bound to the same clock.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// ID returns the task identifier.
func (t *Task) ID() int { return t.id }

// Clock returns the clock source of the task.
func (t *Task) Clock() clock.Clock { return t.clk }

// SetWCET sets the worst-case execution time.
func (t *Task) SetWCET(wcet uint64) { t.wcet = wcet }

// WCET returns the worst-case execution time.
func (t *Task) WCET() uint64 { return t.wcet }

// SetPeriod sets the period in milliseconds.
func (t *Task) SetPeriod(ms uint32) { t.period = ms }

// Period returns the period in milliseconds.
func (t *Task) Period() uint32 { return t.period }

// SetDeadline sets the relative deadline in milliseconds.
func (t *Task) SetDeadline(ms uint32) { t.deadline = ms }

// Deadline returns the relative deadline in milliseconds.
func (t *Task) Deadline() uint32 { return t.deadline }

// SetPriority stores p clamped into [types.LowPrio, types.HighPrio].
func (t *Task) SetPriority(p uint32) { t.priority = types.ClampPriority(p) }

// Priority returns the clamped priority.
func (t *Task) Priority() uint32 { return t.priority }

// DeadlineMisses returns the number of misses counted so far.
func (t *Task) DeadlineMisses() uint32 { return t.dmiss }

// ActivationTime returns the next activation instant.
func (t *Task) ActivationTime() clock.Timespec { return t.at }

// AbsoluteDeadline returns the deadline of the current period.
func (t *Task) AbsoluteDeadline() clock.Timespec { return t.dl }

// Released reports whether CalcAbsValue has been called.
func (t *Task) Released() bool { return t.released }

// CalcAbsValue reads the clock and computes the first activation time and
// absolute deadline.
func (t *Task) CalcAbsValue() {
	now := t.clk.Now()
	t.at = now.AddMs(int64(t.period))
	t.dl = now.AddMs(int64(t.deadline))
	t.released = true
}

// WaitForPeriod advances activation time and absolute deadline by one
// period. Bookkeeping only.
func (t *Task) WaitForPeriod() {
	t.at = t.at.AddMs(int64(t.period))
	t.dl = t.dl.AddMs(int64(t.period))
}

// DeadlineMiss reports whether the clock is past the absolute deadline and
// counts the miss.
func (t *Task) DeadlineMiss() bool {
	if t.clk.Now().Compare(t.dl) > 0 {
		t.dmiss++
		return true
	}
	return false
}
