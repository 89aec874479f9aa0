// Package clock provides the time sources used by task timers: a timespec
// value with millisecond arithmetic, POSIX clocks and a manual clock for
// deterministic tests.
package clock

import (
	"context"
	"time"
)

const nsecPerSec = int64(time.Second)

// Timespec is an instant as seconds plus nanoseconds. A normalized value
// keeps Nsec in [0, 1e9).
type Timespec struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// FromDuration converts a duration since the clock epoch into a Timespec.
func FromDuration(d time.Duration) Timespec {
	return Timespec{Sec: 0, Nsec: int64(d)}.normalize()
}

func (t Timespec) normalize() Timespec {
	t.Sec += t.Nsec / nsecPerSec
	t.Nsec %= nsecPerSec
	if t.Nsec < 0 {
		t.Nsec += nsecPerSec
		t.Sec--
	}
	return t
}

// AddMs returns t advanced by ms milliseconds.
func (t Timespec) AddMs(ms int64) Timespec {
	t.Sec += ms / 1000
	t.Nsec += (ms % 1000) * int64(time.Millisecond)
	return t.normalize()
}

// Add returns t advanced by d.
func (t Timespec) Add(d time.Duration) Timespec {
	t.Nsec += int64(d)
	return t.normalize()
}

// Compare returns -1 if t is before u, 1 if after and 0 if equal. Seconds
// are compared first, then nanoseconds.
func (t Timespec) Compare(u Timespec) int {
	switch {
	case t.Sec > u.Sec:
		return 1
	case t.Sec < u.Sec:
		return -1
	case t.Nsec > u.Nsec:
		return 1
	case t.Nsec < u.Nsec:
		return -1
	default:
		return 0
	}
}

// After reports whether t is strictly later than u.
func (t Timespec) After(u Timespec) bool { return t.Compare(u) > 0 }

// Sub returns t-u.
func (t Timespec) Sub(u Timespec) time.Duration {
	return time.Duration((t.Sec-u.Sec)*nsecPerSec + (t.Nsec - u.Nsec))
}

// Duration returns t as an offset from the clock epoch.
func (t Timespec) Duration() time.Duration {
	return time.Duration(t.Sec*nsecPerSec + t.Nsec)
}

// Time interprets t as a Unix instant. Only meaningful for realtime clocks.
func (t Timespec) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

// Clock reads the current instant of a time source.
type Clock interface {
	Now() Timespec
}

// Sleeper suspends the caller until an absolute instant of its clock.
type Sleeper interface {
	SleepUntil(ctx context.Context, t Timespec) error
}

// SleepUntil suspends until t on c. Clocks that cannot sleep natively are
// polled against a wall-clock timer for the remaining duration.
func SleepUntil(ctx context.Context, c Clock, t Timespec) error {
	if s, ok := c.(Sleeper); ok {
		return s.SleepUntil(ctx, t)
	}
	d := t.Sub(c.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
