package model

import (
	"time"

	"github.com/google/uuid"
)

// Command actions understood by the subsystem bus. Re-issuing an action
// that is already in effect is a no-op downstream.
const (
	ActionEnableTec        = "enable_tec"
	ActionSetTemp          = "set_temp"
	ActionEnableDiode      = "enable_diode"
	ActionSetCurrent       = "set_current"
	ActionSwitchRamp       = "switch_ramp"
	ActionSwitchLock       = "switch_lock"
	ActionSwitchIntegrator = "switch_integrator"
	ActionSetOffset        = "set_offset"
)

// Command is one abstract actuation request. The controller emits ordered
// lists of these per tick; the dispatcher sends them asynchronously and
// tracks acknowledgment deadlines.
type Command struct {
	ID       uuid.UUID   `json:"id"`
	Target   SubsystemID `json:"target"`
	Action   string      `json:"action"`
	Args     []float64   `json:"args,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
	// After delays dispatch relative to the previous command in the same
	// sequence. Zero means immediately.
	After time.Duration `json:"after,omitempty"`
}

// NewCommand builds a command with a fresh ID.
func NewCommand(target SubsystemID, action string, args ...float64) Command {
	return Command{
		ID:     uuid.New(),
		Target: target,
		Action: action,
		Args:   args,
	}
}

// Delayed returns a copy dispatched after d relative to its predecessor.
func (c Command) Delayed(d time.Duration) Command {
	c.After = d
	return c
}

// Stamped returns a copy with IssuedAt set to t.
func (c Command) Stamped(t time.Time) Command {
	c.IssuedAt = t
	return c
}
