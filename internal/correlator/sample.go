package correlator

import (
	"fmt"
	"math"
)

// spacingTolerance is the relative deviation below which two sample
// spacings count as equal, making resampling the identity.
const spacingTolerance = 1e-9

// Sample is one sweep of the tunable element: amplitudes at strictly
// increasing positions on the same axis as the reference spectrum.
type Sample struct {
	Positions  []float64
	Amplitudes []float64
}

// NewSample validates and builds a sweep sample.
func NewSample(positions, amplitudes []float64) (Sample, error) {
	if len(positions) != len(amplitudes) {
		return Sample{}, fmt.Errorf("sample: %d positions vs %d amplitudes", len(positions), len(amplitudes))
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] <= positions[i-1] {
			return Sample{}, fmt.Errorf("sample positions not strictly increasing at index %d", i)
		}
	}
	return Sample{Positions: positions, Amplitudes: amplitudes}, nil
}

// UniformSample builds a sample at uniform spacing starting at start.
func UniformSample(start, spacing float64, amplitudes []float64) Sample {
	positions := make([]float64, len(amplitudes))
	for i := range positions {
		positions[i] = start + float64(i)*spacing
	}
	return Sample{Positions: positions, Amplitudes: amplitudes}
}

// Len returns the number of sweep points.
func (s Sample) Len() int {
	return len(s.Amplitudes)
}

// uniformSpacing returns the sample's spacing when every gap matches the
// first one within tolerance, else ok=false.
func (s Sample) uniformSpacing() (spacing float64, ok bool) {
	if s.Len() < 2 {
		return 0, false
	}
	spacing = s.Positions[1] - s.Positions[0]
	for i := 2; i < len(s.Positions); i++ {
		gap := s.Positions[i] - s.Positions[i-1]
		if math.Abs(gap-spacing) > spacingTolerance*math.Max(math.Abs(gap), math.Abs(spacing)) {
			return 0, false
		}
	}
	return spacing, true
}

// resample interpolates the sweep onto the given spacing. When the sweep
// already has that spacing the amplitudes are returned as-is. The grid
// never extends beyond the sweep's own bounds, so no extrapolation
// happens.
func (s Sample) resample(spacing float64) []float64 {
	if got, ok := s.uniformSpacing(); ok && math.Abs(got-spacing) <= spacingTolerance*math.Max(math.Abs(got), math.Abs(spacing)) {
		return s.Amplitudes
	}

	first := s.Positions[0]
	last := s.Positions[len(s.Positions)-1]
	n := int(math.Floor((last-first)/spacing)) + 1
	if n < 1 {
		n = 1
	}

	out := make([]float64, 0, n)
	seg := 0
	for i := 0; i < n; i++ {
		p := first + float64(i)*spacing
		if p > last {
			break
		}
		for seg < len(s.Positions)-2 && s.Positions[seg+1] < p {
			seg++
		}
		left, right := s.Positions[seg], s.Positions[seg+1]
		t := (p - left) / (right - left)
		out = append(out, s.Amplitudes[seg]+t*(s.Amplitudes[seg+1]-s.Amplitudes[seg]))
	}
	return out
}
