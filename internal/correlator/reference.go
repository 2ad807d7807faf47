package correlator

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Reference is the high-resolution spectrum of the target transition:
// amplitudes at uniform spacing, loaded once and never mutated.
type Reference struct {
	samples  []float64
	spacing  float64
	noiseTol float64
}

// NewReference builds a reference spectrum. spacing is the frequency step
// between adjacent samples; noiseTol is the amplitude below which a value
// counts as noise floor.
func NewReference(samples []float64, spacing, noiseTol float64) (*Reference, error) {
	if len(samples) < 2 {
		return nil, fmt.Errorf("reference needs at least 2 samples, got %d", len(samples))
	}
	if spacing <= 0 {
		return nil, fmt.Errorf("reference spacing must be positive, got %g", spacing)
	}
	if noiseTol < 0 {
		return nil, fmt.Errorf("noise tolerance must be non-negative, got %g", noiseTol)
	}
	for i, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("reference sample %d is not finite", i)
		}
	}
	owned := make([]float64, len(samples))
	copy(owned, samples)
	return &Reference{samples: owned, spacing: spacing, noiseTol: noiseTol}, nil
}

// LoadReference reads a flat little-endian float64 file.
func LoadReference(path string, spacing, noiseTol float64) (*Reference, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", path, err)
	}
	if len(raw) == 0 || len(raw)%8 != 0 {
		return nil, fmt.Errorf("reference %s: %d bytes is not a float64 array", path, len(raw))
	}
	samples := make([]float64, len(raw)/8)
	for i := range samples {
		samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return NewReference(samples, spacing, noiseTol)
}

// Len returns the number of reference samples.
func (r *Reference) Len() int {
	return len(r.samples)
}

// Spacing returns the frequency step between adjacent samples.
func (r *Reference) Spacing() float64 {
	return r.spacing
}

// NoiseTolerance returns the configured noise-floor amplitude.
func (r *Reference) NoiseTolerance() float64 {
	return r.noiseTol
}

// allNoiseFloor reports whether every amplitude sits within the noise
// tolerance of zero.
func (r *Reference) allNoiseFloor() bool {
	for _, v := range r.samples {
		if math.Abs(v) > r.noiseTol {
			return false
		}
	}
	return true
}
