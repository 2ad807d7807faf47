package correlator

import "fmt"

// InsufficientDataError means the sweep sample cannot be correlated:
// too short, longer than the reference, or carrying no signal.
type InsufficientDataError struct {
	SampleLen    int
	ReferenceLen int
	Reason       string
}

func (e *InsufficientDataError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("insufficient sample data: %s (sample=%d reference=%d)", e.Reason, e.SampleLen, e.ReferenceLen)
	}
	return fmt.Sprintf("insufficient sample data: sample=%d reference=%d", e.SampleLen, e.ReferenceLen)
}

// DegenerateReferenceError means the reference spectrum carries no usable
// feature: every window lies within the noise-floor tolerance.
type DegenerateReferenceError struct {
	Tolerance float64
}

func (e *DegenerateReferenceError) Error() string {
	return fmt.Sprintf("reference spectrum is all noise floor (tolerance %g)", e.Tolerance)
}
