package model

import "time"

// Sweep is one frequency scan of the spectroscopy signal, delivered by
// the lockbox while the ramp is on. Positions are in ramp units and
// need not be evenly spaced; the correlator resamples onto the
// reference grid.
type Sweep struct {
	Positions  []float64 `json:"positions"`
	Amplitudes []float64 `json:"amplitudes"`
	ReceivedAt time.Time `json:"received_at"`
}
