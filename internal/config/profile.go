package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trimitri/jokarus/internal/runlevel"
)

// Profile is the per-mission tuning document. It is a YAML file owned
// by the experimenters, not by operations: everything in here is about
// the physics package, nothing about the deployment.
type Profile struct {
	Runlevel  RunlevelProfile  `yaml:"runlevel"`
	Reference ReferenceProfile `yaml:"reference"`
}

// RunlevelProfile tunes the level controller. Durations are plain
// integers with the unit in the key name so the file needs no custom
// parsing rules.
type RunlevelProfile struct {
	StaleAfterMs        int     `yaml:"stale_after_ms"`
	AmbientDwellMs      int     `yaml:"ambient_dwell_ms"`
	HotDwellMs          int     `yaml:"hot_dwell_ms"`
	LockDwellMs         int     `yaml:"lock_dwell_ms"`
	TimerDwellMs        int     `yaml:"timer_dwell_ms"`
	EngageTimeoutMs     int     `yaml:"engage_timeout_ms"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxRetries          int     `yaml:"max_retries"`
	MaxTuneJumps        int     `yaml:"max_tune_jumps"`
	CurrentToleranceA   float64 `yaml:"current_tolerance_a"`
	TunePrecisionMHz    float64 `yaml:"tune_precision_mhz"`
	MHzPerSample        float64 `yaml:"mhz_per_sample"`
	TargetOffset        int     `yaml:"target_offset"`
}

// ReferenceProfile locates the Doppler-free reference spectrum the
// correlator matches sweeps against.
type ReferenceProfile struct {
	// Path to the samples file, a flat YAML or JSON list of floats.
	// Relative paths resolve against the profile's own directory.
	Path           string  `yaml:"path"`
	SpacingMHz     float64 `yaml:"spacing_mhz"`
	NoiseTolerance float64 `yaml:"noise_tolerance"`
}

// DefaultProfile returns the tuning used for fields the profile file
// leaves unset.
func DefaultProfile() *Profile {
	return &Profile{
		Runlevel: RunlevelProfile{
			StaleAfterMs:        3000,
			AmbientDwellMs:      30000,
			HotDwellMs:          20000,
			LockDwellMs:         5000,
			TimerDwellMs:        60000,
			EngageTimeoutMs:     4000,
			ConfidenceThreshold: 0.75,
			MaxRetries:          5,
			MaxTuneJumps:        3,
			CurrentToleranceA:   0.05,
			TunePrecisionMHz:    15,
			MHzPerSample:        0.5,
		},
		Reference: ReferenceProfile{
			SpacingMHz:     0.5,
			NoiseTolerance: 0.1,
		},
	}
}

// LoadProfile reads, defaults and validates the mission profile at
// path. A relative reference path is rewritten to an absolute one so
// later reloads do not depend on the working directory.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission profile: %w", err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse mission profile: %w", err)
	}
	if p.Reference.Path != "" && !filepath.IsAbs(p.Reference.Path) {
		p.Reference.Path = filepath.Join(filepath.Dir(path), p.Reference.Path)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("mission profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) validate() error {
	r := p.Runlevel
	if r.StaleAfterMs <= 0 {
		return fmt.Errorf("runlevel.stale_after_ms must be positive")
	}
	if r.AmbientDwellMs < 0 || r.HotDwellMs < 0 || r.LockDwellMs < 0 || r.TimerDwellMs < 0 {
		return fmt.Errorf("runlevel dwell times must not be negative")
	}
	if r.EngageTimeoutMs <= 0 {
		return fmt.Errorf("runlevel.engage_timeout_ms must be positive")
	}
	if r.ConfidenceThreshold <= 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("runlevel.confidence_threshold must be in (0, 1], got %g", r.ConfidenceThreshold)
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("runlevel.max_retries must be at least 1")
	}
	if r.MaxTuneJumps < 0 {
		return fmt.Errorf("runlevel.max_tune_jumps must not be negative")
	}
	if r.CurrentToleranceA <= 0 {
		return fmt.Errorf("runlevel.current_tolerance_a must be positive")
	}
	if r.TunePrecisionMHz <= 0 {
		return fmt.Errorf("runlevel.tune_precision_mhz must be positive")
	}
	if r.MHzPerSample <= 0 {
		return fmt.Errorf("runlevel.mhz_per_sample must be positive")
	}
	if p.Reference.Path == "" {
		return fmt.Errorf("reference.path is required")
	}
	if p.Reference.SpacingMHz <= 0 {
		return fmt.Errorf("reference.spacing_mhz must be positive")
	}
	if p.Reference.NoiseTolerance < 0 {
		return fmt.Errorf("reference.noise_tolerance must not be negative")
	}
	return nil
}

// RunlevelConfig converts the profile's integer tuning into the
// controller's native durations.
func (p *Profile) RunlevelConfig() runlevel.Config {
	r := p.Runlevel
	return runlevel.Config{
		StaleAfter:          time.Duration(r.StaleAfterMs) * time.Millisecond,
		AmbientDwell:        time.Duration(r.AmbientDwellMs) * time.Millisecond,
		HotDwell:            time.Duration(r.HotDwellMs) * time.Millisecond,
		LockDwell:           time.Duration(r.LockDwellMs) * time.Millisecond,
		TimerDwell:          time.Duration(r.TimerDwellMs) * time.Millisecond,
		EngageTimeout:       time.Duration(r.EngageTimeoutMs) * time.Millisecond,
		ConfidenceThreshold: r.ConfidenceThreshold,
		MaxRetries:          r.MaxRetries,
		MaxTuneJumps:        r.MaxTuneJumps,
		CurrentTolerance:    r.CurrentToleranceA,
		TunePrecision:       r.TunePrecisionMHz,
		MHzPerSample:        r.MHzPerSample,
		TargetOffset:        r.TargetOffset,
	}
}

// LoadReferenceSamples reads the reference spectrum the profile points
// at. The file is a flat list of floats; both YAML and JSON notation
// decode.
func LoadReferenceSamples(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference spectrum: %w", err)
	}
	var samples []float64
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parse reference spectrum: %w", err)
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("reference spectrum %s has %d samples, need at least 2", path, len(samples))
	}
	return samples, nil
}
