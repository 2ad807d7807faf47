package model

import (
	"fmt"
	"time"
)

// SubsystemHealth is the last reported state of one hardware unit.
// Current and Setpoint carry the diode drive current where the unit has
// one; they stay zero for pure temperature stages.
type SubsystemHealth struct {
	Enabled       bool      `json:"enabled"`
	TemperatureOK bool      `json:"temperature_ok"`
	Current       float64   `json:"current,omitempty"`
	Setpoint      float64   `json:"setpoint,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CurrentInTolerance reports whether the drive current sits within tol
// of its commanded setpoint.
func (h SubsystemHealth) CurrentInTolerance(tol float64) bool {
	d := h.Current - h.Setpoint
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// HealthSnapshot is an immutable per-tick view of all subsystem states.
// The controller never blocks waiting for a fresher one; entries older
// than the staleness bound count as failed.
type HealthSnapshot struct {
	Subsystems map[SubsystemID]SubsystemHealth `json:"subsystems"`
	CapturedAt time.Time                       `json:"captured_at"`
}

// StaleDataError marks an input older than the configured staleness bound.
type StaleDataError struct {
	Source SubsystemID
	Age    time.Duration
	Limit  time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data from %s: age %s exceeds %s", e.Source, e.Age, e.Limit)
}

// Get returns the entry for id, reporting whether one exists.
func (s HealthSnapshot) Get(id SubsystemID) (SubsystemHealth, bool) {
	h, ok := s.Subsystems[id]
	return h, ok
}

// OK reports whether id has a fresh, enabled, temperature-ok entry.
// A missing entry or one older than staleAfter fails the check.
func (s HealthSnapshot) OK(id SubsystemID, now time.Time, staleAfter time.Duration) error {
	h, ok := s.Subsystems[id]
	if !ok {
		return fmt.Errorf("no readings from %s", id)
	}
	if age := now.Sub(h.UpdatedAt); age > staleAfter {
		return &StaleDataError{Source: id, Age: age, Limit: staleAfter}
	}
	if !h.Enabled {
		return fmt.Errorf("%s disabled", id)
	}
	if !h.TemperatureOK {
		return fmt.Errorf("%s temperature out of range", id)
	}
	return nil
}

// Fresh reports only presence and staleness for id, ignoring enable and
// temperature flags. Used where a unit is expected to be reporting but
// not yet at its operating point.
func (s HealthSnapshot) Fresh(id SubsystemID, now time.Time, staleAfter time.Duration) error {
	h, ok := s.Subsystems[id]
	if !ok {
		return fmt.Errorf("no readings from %s", id)
	}
	if age := now.Sub(h.UpdatedAt); age > staleAfter {
		return &StaleDataError{Source: id, Age: age, Limit: staleAfter}
	}
	return nil
}

// Fault returns the first failing check among ids, or nil when all pass.
func (s HealthSnapshot) Fault(ids []SubsystemID, now time.Time, staleAfter time.Duration) error {
	for _, id := range ids {
		if err := s.OK(id, now, staleAfter); err != nil {
			return err
		}
	}
	return nil
}

// Complete reports whether every listed subsystem has reported at least once.
func (s HealthSnapshot) Complete(ids []SubsystemID) bool {
	for _, id := range ids {
		if _, ok := s.Subsystems[id]; !ok {
			return false
		}
	}
	return true
}
