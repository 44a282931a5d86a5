//go:build tinygo

package flsqspi

import "runtime/interrupt"

// critical guards the job context by masking interrupts. open is set
// while a section runs so that a handler called from inside one, with
// interrupts already masked, does not re-enter the job context.
type critical struct {
	open bool
}

type critState = interrupt.State

func (c *critical) enter() critState {
	st := interrupt.Disable()
	c.open = true
	return st
}

func (c *critical) tryEnter() (critState, bool) {
	st := interrupt.Disable()
	if c.open {
		interrupt.Restore(st)
		return st, false
	}
	c.open = true
	return st, true
}

func (c *critical) exit(st critState) {
	c.open = false
	interrupt.Restore(st)
}
