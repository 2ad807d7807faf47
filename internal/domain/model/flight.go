package model

import "time"

// FlightEvents is the latest decoded state of the service-module lines.
type FlightEvents struct {
	// Liftoff is asserted by the launcher at ignition.
	Liftoff bool `json:"liftoff"`
	// MicrogravityGo is asserted once the boost phase has ended.
	MicrogravityGo bool `json:"microgravity_go"`
	// Off requests an orderly shutdown before reentry.
	Off bool `json:"off"`
	// TimerOverride and ManualOverride select the override mode.
	TimerOverride  bool `json:"timer_override"`
	ManualOverride bool `json:"manual_override"`
	// RequestedLevel is the 3-bit level register, when set.
	RequestedLevel *Level    `json:"requested_level,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Shaky reports the boost phase: liftoff has happened but microgravity
// has not. The experiment must not move past Hot while shaking.
func (f FlightEvents) Shaky() bool {
	return f.Liftoff && !f.MicrogravityGo
}

// Mode derives the override mode from the override lines. Manual wins
// over timer when both are asserted.
func (f FlightEvents) Mode() OverrideMode {
	switch {
	case f.ManualOverride:
		return OverrideManual
	case f.TimerOverride:
		return OverrideTimer
	default:
		return OverrideAutomatic
	}
}
