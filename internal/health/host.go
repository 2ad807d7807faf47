package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/metrics"
)

// HostMonitorConfig bounds the payload computer's resource budget.
type HostMonitorConfig struct {
	Interval              time.Duration
	CPUCriticalPercent    float64
	MemoryCriticalPercent float64
}

// HostMonitor samples the payload computer and feeds a synthetic
// subsystem reading into the tracker. The reading is telemetry only;
// the controller never downgrades on it.
type HostMonitor struct {
	cfg     HostMonitorConfig
	tracker *Tracker
	logger  *slog.Logger

	mu       sync.Mutex
	lastCPU  float64
	lastMem  float64
	haveLoad bool
}

// NewHostMonitor creates a host monitor with defaulted bounds.
func NewHostMonitor(cfg HostMonitorConfig, tracker *Tracker, logger *slog.Logger) *HostMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.CPUCriticalPercent <= 0 {
		cfg.CPUCriticalPercent = 90
	}
	if cfg.MemoryCriticalPercent <= 0 {
		cfg.MemoryCriticalPercent = 90
	}
	return &HostMonitor{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With("component", "host_monitor"),
	}
}

// Run samples the host on the configured interval until the context is
// cancelled.
func (m *HostMonitor) Run(ctx context.Context) error {
	m.logger.Info("host monitor started", "interval", m.cfg.Interval)

	// Prime the busy counters so the first sample covers a real window.
	if _, err := cpu.Percent(0, false); err != nil {
		m.logger.Warn("cpu sampling unavailable", "error", err)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("host monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Sample(time.Now())
		}
	}
}

// Sample takes one host reading and reports it as the payload host
// subsystem.
func (m *HostMonitor) Sample(now time.Time) {
	start := time.Now()

	busy, err := cpu.Percent(0, false)
	if err != nil || len(busy) == 0 {
		metrics.HealthFailuresTotal.WithLabelValues(string(model.SubsystemHost)).Inc()
		m.tracker.ReportFailure(model.SubsystemHost, err)
		m.logger.Warn("cpu sample failed", "error", err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		metrics.HealthFailuresTotal.WithLabelValues(string(model.SubsystemHost)).Inc()
		m.tracker.ReportFailure(model.SubsystemHost, err)
		m.logger.Warn("memory sample failed", "error", err)
		return
	}

	metrics.HostCPUPercent.Set(busy[0])
	metrics.HostMemoryPercent.Set(vm.UsedPercent)
	metrics.HealthReportsTotal.WithLabelValues(string(model.SubsystemHost)).Inc()
	metrics.HealthPollLatency.WithLabelValues(string(model.SubsystemHost)).Observe(time.Since(start).Seconds())

	withinBudget := busy[0] < m.cfg.CPUCriticalPercent && vm.UsedPercent < m.cfg.MemoryCriticalPercent
	if !withinBudget {
		m.logger.Warn("host resource budget exceeded",
			"cpu_percent", busy[0],
			"memory_percent", vm.UsedPercent)
	}

	m.tracker.Report(model.SubsystemHost, model.SubsystemHealth{
		Enabled:       true,
		TemperatureOK: withinBudget,
		Current:       busy[0],
		Setpoint:      m.cfg.CPUCriticalPercent,
		UpdatedAt:     now,
	})
	m.tracker.RecordLatency(model.SubsystemHost, time.Since(start))

	m.mu.Lock()
	m.lastCPU = busy[0]
	m.lastMem = vm.UsedPercent
	m.haveLoad = true
	m.mu.Unlock()
}

// LastLoad returns the most recent host sample for the telemetry
// stream. ok is false until the first successful sample.
func (m *HostMonitor) LastLoad() (cpu, mem float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCPU, m.lastMem, m.haveLoad
}
