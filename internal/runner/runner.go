// ============================================================================
// rtsd Runner - Periodic Task Execution Unit
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Function: Drives one periodic real-time task in its own goroutine, locked
//           to one OS thread so the thread can be attached to a reservation
//
// Activation loop:
//   CalcAbsValue()                       release: at = now+T, dl = now+D
//   for each activation:
//     Meter.Begin()
//     Body(ctx, n)
//     Meter.End()                        consumed time of this activation
//     DeadlineMiss()                     counted, never fatal
//     SleepUntil(ActivationTime())       absolute sleep, no drift
//     WaitForPeriod()                    at += T, dl += T
//
// Error Handling:
//   - A Body error is reported in the Result; the task keeps its period
//   - Context cancellation ends the loop between or during sleeps
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"runtime"

	"github.com/ChuLiYu/rtsd/internal/clock"
	"github.com/ChuLiYu/rtsd/pkg/rts"
	"golang.org/x/sys/unix"
)

// ErrNoTask indicates a Spec without timing state or body
var ErrNoTask = errors.New("runner: spec needs a task and a body")

// Runner executes one Spec
type Runner struct {
	id       int
	spec     Spec
	meter    *rts.Meter
	resultCh chan<- Result
}

func newRunner(id int, spec Spec, resultCh chan<- Result) *Runner {
	mclk := spec.Meter
	if mclk == nil {
		mclk = spec.Task.Clock()
	}
	return &Runner{
		id:       id,
		spec:     spec,
		meter:    rts.NewMeter(mclk),
		resultCh: resultCh,
	}
}

// Run is the activation loop. It returns when the configured number of
// activations is reached or ctx is done.
func (r *Runner) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.spec.OnStart != nil {
		r.spec.OnStart(unix.Gettid())
	}

	t := r.spec.Task
	t.CalcAbsValue()

	for n := uint64(1); r.spec.Activations == 0 || n <= r.spec.Activations; n++ {
		if ctx.Err() != nil {
			return
		}

		r.meter.Begin()
		err := r.spec.Body(ctx, n)
		exec := r.meter.End()
		missed := t.DeadlineMiss()

		result := Result{
			Task:       r.spec.Name,
			Activation: n,
			Exec:       exec,
			Missed:     missed,
			Misses:     t.DeadlineMisses(),
			Error:      err,
		}
		select {
		case r.resultCh <- result:
		case <-ctx.Done():
			return
		}

		if r.spec.Activations != 0 && n == r.spec.Activations {
			return
		}
		if err := clock.SleepUntil(ctx, t.Clock(), t.ActivationTime()); err != nil {
			return
		}
		t.WaitForPeriod()
	}
}
