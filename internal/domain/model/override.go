package model

import "fmt"

// OverrideMode selects what drives runlevel transitions.
type OverrideMode string

const (
	// OverrideAutomatic lets flight events drive transitions.
	OverrideAutomatic OverrideMode = "automatic"
	// OverrideTimer forces transitions on dwell expiry even when flight
	// telemetry is absent. Safety interlocks still apply.
	OverrideTimer OverrideMode = "timer_override"
	// OverrideManual hands transitions to the operator. Flight events are
	// recorded but ignored; dwell timers freeze and resume on return to
	// automatic.
	OverrideManual OverrideMode = "manual_override"
)

func (m OverrideMode) String() string {
	return string(m)
}

// Known reports whether m is one of the defined modes.
func (m OverrideMode) Known() bool {
	switch m {
	case OverrideAutomatic, OverrideTimer, OverrideManual:
		return true
	}
	return false
}

// ParseOverrideMode resolves a mode by name.
func ParseOverrideMode(s string) (OverrideMode, error) {
	mode := OverrideMode(s)
	if !mode.Known() {
		return "", fmt.Errorf("unknown override mode %q", s)
	}
	return mode, nil
}
