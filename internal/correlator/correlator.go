// Package correlator locates a coarse sweep sample within the
// high-resolution reference spectrum of the target transition. The
// returned offset parks the laser close enough to the line for the
// feedback loop to capture; the confidence gates whether the controller
// trusts the match at all.
package correlator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// flatWindowVariance is the variance below which a reference window is
// treated as featureless and excluded from the search.
const flatWindowVariance = 1e-12

// Locate finds the offset k maximizing the normalized cross-correlation
// of the sweep against reference[k:k+m], plus a confidence score.
// Deterministic and side-effect free; the search is bounded by
// len(reference)*len(sample) multiplies, so a full call fits inside one
// controller tick for flight-sized references.
func (r *Reference) Locate(sample Sample) (model.CorrelationResult, error) {
	if sample.Len() < 2 || sample.Len() > r.Len() {
		return model.CorrelationResult{}, &InsufficientDataError{SampleLen: sample.Len(), ReferenceLen: r.Len()}
	}
	if r.allNoiseFloor() {
		return model.CorrelationResult{}, &DegenerateReferenceError{Tolerance: r.noiseTol}
	}

	resampled := sample.resample(r.spacing)
	m := len(resampled)
	if m < 2 {
		return model.CorrelationResult{}, &InsufficientDataError{
			SampleLen:    m,
			ReferenceLen: r.Len(),
			Reason:       "sweep too short after resampling",
		}
	}
	if m > r.Len() {
		return model.CorrelationResult{}, &InsufficientDataError{
			SampleLen:    m,
			ReferenceLen: r.Len(),
			Reason:       "sweep longer than reference after resampling",
		}
	}

	centered := make([]float64, m)
	copy(centered, resampled)
	floats.AddConst(-floats.Sum(centered)/float64(m), centered)
	sampleEnergy := floats.Dot(centered, centered)
	if sampleEnergy <= flatWindowVariance {
		return model.CorrelationResult{}, &InsufficientDataError{
			SampleLen:    m,
			ReferenceLen: r.Len(),
			Reason:       "sweep has no amplitude variation",
		}
	}

	// Per-element informative flags as prefix sums, so each window's
	// noise-floor check is O(1).
	informative := make([]int, r.Len()+1)
	for i, v := range r.samples {
		flag := 0
		if math.Abs(v) > r.noiseTol {
			flag = 1
		}
		informative[i+1] = informative[i] + flag
	}

	offsets := r.Len() - m + 1
	scores := make([]float64, offsets)
	valid := make([]bool, offsets)

	var winSum, winSumSq float64
	for _, v := range r.samples[:m] {
		winSum += v
		winSumSq += v * v
	}

	bestOffset := -1
	bestScore := math.Inf(-1)
	for k := 0; k < offsets; k++ {
		if k > 0 {
			out := r.samples[k-1]
			in := r.samples[k+m-1]
			winSum += in - out
			winSumSq += in*in - out*out
		}
		if informative[k+m]-informative[k] == 0 {
			continue
		}
		mean := winSum / float64(m)
		windowEnergy := winSumSq - float64(m)*mean*mean
		if windowEnergy <= flatWindowVariance {
			continue
		}
		// The sample is mean-removed, so its dot with the raw window
		// already equals the dot with the mean-removed window.
		score := floats.Dot(centered, r.samples[k:k+m]) / math.Sqrt(sampleEnergy*windowEnergy)
		if score > 1 {
			score = 1
		} else if score < -1 {
			score = -1
		}
		scores[k] = score
		valid[k] = true
		if score > bestScore {
			bestScore = score
			bestOffset = k
		}
	}

	if bestOffset < 0 {
		return model.CorrelationResult{}, &DegenerateReferenceError{Tolerance: r.noiseTol}
	}

	return model.CorrelationResult{
		Offset:     bestOffset,
		Confidence: confidence(scores, valid, bestScore),
	}, nil
}

// confidence is the normalized margin between the correlation peak and
// the next-highest local maximum, clamped to [0, 1]. A single local
// maximum means an unambiguous match.
func confidence(scores []float64, valid []bool, peak float64) float64 {
	if peak <= 0 {
		return 0
	}
	maxima := localMaxima(scores, valid)
	switch len(maxima) {
	case 0:
		return 0
	case 1:
		return 1
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(maxima)))
	c := (maxima[0] - maxima[1]) / maxima[0]
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// localMaxima collects scores strictly above their left neighbor and at
// least their right neighbor, within contiguous valid runs. Run edges
// compare against the single inside neighbor, so a peak at either end of
// the search range still counts; plateaus count once.
func localMaxima(scores []float64, valid []bool) []float64 {
	var maxima []float64
	for i := range scores {
		if !valid[i] {
			continue
		}
		left := math.Inf(-1)
		if i > 0 && valid[i-1] {
			left = scores[i-1]
		}
		right := math.Inf(-1)
		if i+1 < len(scores) && valid[i+1] {
			right = scores[i+1]
		}
		if scores[i] > left && scores[i] >= right {
			maxima = append(maxima, scores[i])
		}
	}
	return maxima
}
