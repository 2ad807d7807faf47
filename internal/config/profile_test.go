package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfile_DefaultsApply(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "reference:\n  path: iodine.yaml\n")

	p, err := LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, p.Runlevel.StaleAfterMs)
	assert.Equal(t, 30000, p.Runlevel.AmbientDwellMs)
	assert.Equal(t, 20000, p.Runlevel.HotDwellMs)
	assert.Equal(t, 5000, p.Runlevel.LockDwellMs)
	assert.Equal(t, 60000, p.Runlevel.TimerDwellMs)
	assert.Equal(t, 4000, p.Runlevel.EngageTimeoutMs)
	assert.Equal(t, 0.75, p.Runlevel.ConfidenceThreshold)
	assert.Equal(t, 5, p.Runlevel.MaxRetries)
	assert.Equal(t, 3, p.Runlevel.MaxTuneJumps)
	assert.Equal(t, 0.05, p.Runlevel.CurrentToleranceA)
	assert.Equal(t, 15.0, p.Runlevel.TunePrecisionMHz)
	assert.Equal(t, 0.5, p.Runlevel.MHzPerSample)
	assert.Equal(t, 0, p.Runlevel.TargetOffset)
	assert.Equal(t, 0.5, p.Reference.SpacingMHz)
	assert.Equal(t, 0.1, p.Reference.NoiseTolerance)
}

func TestLoadProfile_FullOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", `
runlevel:
  stale_after_ms: 1500
  ambient_dwell_ms: 12000
  hot_dwell_ms: 9000
  lock_dwell_ms: 2500
  timer_dwell_ms: 45000
  engage_timeout_ms: 3000
  confidence_threshold: 0.9
  max_retries: 2
  max_tune_jumps: 1
  current_tolerance_a: 0.02
  tune_precision_mhz: 8
  mhz_per_sample: 0.25
  target_offset: 412
reference:
  path: /data/iodine.yaml
  spacing_mhz: 0.25
  noise_tolerance: 0.05
`)

	p, err := LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, 1500, p.Runlevel.StaleAfterMs)
	assert.Equal(t, 412, p.Runlevel.TargetOffset)
	assert.Equal(t, "/data/iodine.yaml", p.Reference.Path)
	assert.Equal(t, 0.25, p.Reference.SpacingMHz)

	cfg := p.RunlevelConfig()
	assert.Equal(t, 1500*time.Millisecond, cfg.StaleAfter)
	assert.Equal(t, 12*time.Second, cfg.AmbientDwell)
	assert.Equal(t, 9*time.Second, cfg.HotDwell)
	assert.Equal(t, 2500*time.Millisecond, cfg.LockDwell)
	assert.Equal(t, 45*time.Second, cfg.TimerDwell)
	assert.Equal(t, 3*time.Second, cfg.EngageTimeout)
	assert.Equal(t, 0.9, cfg.ConfidenceThreshold)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 1, cfg.MaxTuneJumps)
	assert.Equal(t, 0.02, cfg.CurrentTolerance)
	assert.Equal(t, 8.0, cfg.TunePrecision)
	assert.Equal(t, 0.25, cfg.MHzPerSample)
	assert.Equal(t, 412, cfg.TargetOffset)
}

func TestLoadProfile_ResolvesRelativeReferencePath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "reference:\n  path: spectra/iodine.yaml\n")

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "spectra", "iodine.yaml"), p.Reference.Path)
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read mission profile")
}

func TestLoadProfile_RejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "runlevel: [\n")

	_, err := LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse mission profile")
}

func TestLoadProfile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "confidence above one",
			content: "runlevel:\n  confidence_threshold: 1.5\nreference:\n  path: iodine.yaml\n",
			wantErr: "confidence_threshold",
		},
		{
			name:    "zero retries",
			content: "runlevel:\n  max_retries: 0\nreference:\n  path: iodine.yaml\n",
			wantErr: "max_retries",
		},
		{
			name:    "negative dwell",
			content: "runlevel:\n  hot_dwell_ms: -5\nreference:\n  path: iodine.yaml\n",
			wantErr: "dwell",
		},
		{
			name:    "negative stale window",
			content: "runlevel:\n  stale_after_ms: -1\nreference:\n  path: iodine.yaml\n",
			wantErr: "stale_after_ms",
		},
		{
			name:    "missing reference path",
			content: "runlevel:\n  max_retries: 3\n",
			wantErr: "reference.path",
		},
		{
			name:    "zero reference spacing",
			content: "reference:\n  path: iodine.yaml\n  spacing_mhz: -0.5\n",
			wantErr: "spacing_mhz",
		},
		{
			name:    "zero frequency scale",
			content: "runlevel:\n  mhz_per_sample: -1\nreference:\n  path: iodine.yaml\n",
			wantErr: "mhz_per_sample",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "profile.yaml", tt.content)

			_, err := LoadProfile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadReferenceSamples_YAMLList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "iodine.yaml", "- 0.1\n- 0.4\n- 0.9\n- 0.4\n")

	samples, err := LoadReferenceSamples(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.4, 0.9, 0.4}, samples)
}

func TestLoadReferenceSamples_JSONArray(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "iodine.json", "[0.1, 0.4, 0.9]")

	samples, err := LoadReferenceSamples(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.4, 0.9}, samples)
}

func TestLoadReferenceSamples_TooFewSamples(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "iodine.yaml", "- 0.1\n")

	_, err := LoadReferenceSamples(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2")
}

func TestLoadReferenceSamples_RejectsNonNumeric(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "iodine.yaml", "- 0.1\n- not-a-number\n")

	_, err := LoadReferenceSamples(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse reference spectrum")
}
