package rts

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/rtsd/internal/clock"
	"github.com/ChuLiYu/rtsd/pkg/types"
)

// ErrInvalidParams is returned by Validate for parameters no daemon can admit.
var ErrInvalidParams = errors.New("rts: invalid reservation parameters")

// Params describes a reservation request: timing in milliseconds plus the
// clock the application measures its activations with.
type Params struct {
	types.Params
	Clock clock.Clock
}

// NewParams returns parameters with the lowest priority and the monotonic
// clock.
func NewParams() *Params {
	p := &Params{}
	p.Init()
	return p
}

// Init resets p to its initial state.
func (p *Params) Init() {
	p.Params = types.Params{Priority: types.LowPrio}
	p.Clock = clock.Monotonic
}

// SetPeriod sets the reservation period in milliseconds.
func (p *Params) SetPeriod(ms uint32) { p.Period = ms }

// SetBudget sets the execution budget per period in milliseconds.
func (p *Params) SetBudget(ms uint32) { p.Budget = ms }

// SetDeadline sets the relative deadline in milliseconds. Zero means the
// deadline equals the period.
func (p *Params) SetDeadline(ms uint32) { p.Deadline = ms }

// SetPriority stores prio clamped into [types.LowPrio, types.HighPrio].
func (p *Params) SetPriority(prio uint32) { p.Priority = types.ClampPriority(prio) }

// Cleanup clears p. It must be re-initialized before reuse.
func (p *Params) Cleanup() {
	*p = Params{}
}

// GetClock returns the clock the parameters are bound to.
func (p *Params) GetClock() clock.Clock {
	if p.Clock == nil {
		return clock.Monotonic
	}
	return p.Clock
}

// Wire returns the parameters as sent to the daemon. A zero deadline means
// an implicit deadline equal to the period.
func (p *Params) Wire() types.Params {
	w := p.Params
	if w.Deadline == 0 {
		w.Deadline = w.Period
	}
	w.Priority = types.ClampPriority(w.Priority)
	return w
}

// Validate checks that the budget fits within both period and deadline.
func (p *Params) Validate() error {
	w := p.Wire()
	switch {
	case w.Period == 0:
		return fmt.Errorf("%w: zero period", ErrInvalidParams)
	case w.Budget == 0:
		return fmt.Errorf("%w: zero budget", ErrInvalidParams)
	case w.Budget > w.Period || w.Budget > w.Deadline:
		return fmt.Errorf("%w: budget %dms exceeds period %dms or deadline %dms",
			ErrInvalidParams, w.Budget, w.Period, w.Deadline)
	}
	return nil
}
