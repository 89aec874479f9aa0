//go:build linux

package clock

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Posix is a clock_gettime(2) source.
type Posix struct {
	ID int32
}

var (
	Monotonic = Posix{ID: unix.CLOCK_MONOTONIC}
	Realtime  = Posix{ID: unix.CLOCK_REALTIME}
	ThreadCPU = Posix{ID: unix.CLOCK_THREAD_CPUTIME_ID}
)

// Now reads the clock. A failing clock_gettime means an invalid clock id,
// which is a programming error.
func (p Posix) Now() Timespec {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.ID, &ts); err != nil {
		panic("clock: clock_gettime: " + err.Error())
	}
	sec, nsec := ts.Unix()
	return Timespec{Sec: sec, Nsec: nsec}
}

// SleepUntil suspends with clock_nanosleep(TIMER_ABSTIME). The wait is cut
// in slices so a cancelled context is noticed within a few milliseconds.
func (p Posix) SleepUntil(ctx context.Context, t Timespec) error {
	const slice = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := p.Now()
		if !t.After(now) {
			return nil
		}
		target := t
		if t.Sub(now) > slice {
			target = now.Add(slice)
		}
		req := unix.NsecToTimespec(target.Duration().Nanoseconds())
		err := unix.ClockNanosleep(p.ID, unix.TIMER_ABSTIME, &req, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
