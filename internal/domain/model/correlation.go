package model

import "time"

// CorrelationResult is the outcome of locating a sweep sample within the
// reference spectrum.
type CorrelationResult struct {
	// Offset is the sample index in the reference where the sweep window
	// matches best.
	Offset int `json:"offset"`
	// Confidence is the normalized margin between the correlation peak
	// and the next-highest sidelobe, in [0, 1].
	Confidence float64   `json:"confidence"`
	ComputedAt time.Time `json:"computed_at,omitempty"`
}
