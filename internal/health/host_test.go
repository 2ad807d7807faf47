package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimitri/jokarus/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHostMonitor_DefaultsConfig(t *testing.T) {
	t.Parallel()

	m := NewHostMonitor(HostMonitorConfig{}, NewTracker(0), discardLogger())

	assert.Equal(t, 5*time.Second, m.cfg.Interval)
	assert.Equal(t, 90.0, m.cfg.CPUCriticalPercent)
	assert.Equal(t, 90.0, m.cfg.MemoryCriticalPercent)
}

func TestHostMonitor_SampleReportsPayloadHost(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tracker := NewTracker(2*time.Second, model.SubsystemHost)
	m := NewHostMonitor(HostMonitorConfig{
		CPUCriticalPercent:    1000,
		MemoryCriticalPercent: 1000,
	}, tracker, discardLogger())

	m.Sample(now)

	reading, ok := tracker.Snapshot(now).Get(model.SubsystemHost)
	require.True(t, ok, "sample should report the payload host subsystem")
	assert.True(t, reading.Enabled)
	assert.True(t, reading.TemperatureOK, "generous budget should keep the host within bounds")
	assert.Equal(t, now, reading.UpdatedAt)
	assert.GreaterOrEqual(t, reading.Current, 0.0)
}

func TestHostMonitor_TightBudgetFlagsHost(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tracker := NewTracker(2*time.Second, model.SubsystemHost)
	m := NewHostMonitor(HostMonitorConfig{
		CPUCriticalPercent:    1000,
		MemoryCriticalPercent: 0.001,
	}, tracker, discardLogger())

	m.Sample(now)

	reading, ok := tracker.Snapshot(now).Get(model.SubsystemHost)
	require.True(t, ok)
	assert.False(t, reading.TemperatureOK, "memory use always exceeds a near-zero budget")
}

func TestHostMonitor_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	m := NewHostMonitor(HostMonitorConfig{Interval: 10 * time.Millisecond}, NewTracker(0), discardLogger())

	err := m.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
