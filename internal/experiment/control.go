package experiment

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/trimitri/jokarus/internal/alert"
	"github.com/trimitri/jokarus/internal/config"
	"github.com/trimitri/jokarus/internal/correlator"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/health"
	"github.com/trimitri/jokarus/internal/metrics"
	"github.com/trimitri/jokarus/internal/telemetry"
)

// Activate arms the controller after boot checks pass.
func (l *Loop) Activate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctrl.Activate()
}

// SetOverrideMode switches between automatic and operator-driven
// sequencing.
func (l *Loop) SetOverrideMode(mode model.OverrideMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctrl.SetOverrideMode(mode)
}

// ResetRetryCounter restores the lock acquisition budgets.
func (l *Loop) ResetRetryCounter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctrl.ResetRetryCounter()
}

// ForceLevel jumps the controller to target, dispatching whatever
// command sequence the jump requires. A rejected jump raises a ground
// alert so a mistyped command during a pass does not go unnoticed.
func (l *Loop) ForceLevel(ctx context.Context, target model.Level) error {
	now := time.Now()

	l.mu.Lock()
	from := l.ctrl.Level()
	cmds, err := l.ctrl.ForceLevel(target)
	l.mu.Unlock()

	if err != nil {
		a := alert.Alert{
			Type:    alert.AlertTypeCommandRejected,
			Level:   from.String(),
			Title:   "Force level rejected",
			Message: err.Error(),
			Fields:  map[string]string{"target": target.String()},
		}
		go func() { _ = l.alerter.Send(context.Background(), a) }()
		return err
	}

	if target != from {
		metrics.ControllerLevel.Set(float64(target))
		metrics.ControllerTransitionsTotal.WithLabelValues(from.String(), target.String()).Inc()
		l.logger.Info("runlevel forced", "from", from.String(), "to", target.String())
	}
	if len(cmds) > 0 {
		l.dispatcher.Dispatch(ctx, cmds, now)
	}
	return nil
}

// StatusSnapshot returns the most recent tick's status. Before the
// first tick it carries the seeded level with no decision.
func (l *Loop) StatusSnapshot() telemetry.StatusPayload {
	s, _ := l.status.Load()
	return s
}

type busReport struct {
	Connected bool   `json:"connected"`
	Breaker   string `json:"breaker"`
}

type healthReport struct {
	Feeds map[model.SubsystemID]health.SourceSnapshot `json:"feeds"`
	Bus   *busReport                                  `json:"bus,omitempty"`
}

// HealthSnapshots reports per-subsystem feed state and the hardware
// link for the operator health endpoint.
func (l *Loop) HealthSnapshots() any {
	report := healthReport{Feeds: l.tracker.Sources(time.Now())}
	if l.bus != nil {
		report.Bus = &busReport{
			Connected: l.bus.Connected(),
			Breaker:   l.bus.BreakerState().String(),
		}
	}
	return report
}

// LoadReference reads a reference spectrum in whichever format the
// profile points at: a YAML or JSON sample list, or the flat binary
// dump the spectroscopy bench produces.
func LoadReference(rp config.ReferenceProfile) (*correlator.Reference, error) {
	switch strings.ToLower(filepath.Ext(rp.Path)) {
	case ".yaml", ".yml", ".json":
		samples, err := config.LoadReferenceSamples(rp.Path)
		if err != nil {
			return nil, err
		}
		return correlator.NewReference(samples, rp.SpacingMHz, rp.NoiseTolerance)
	default:
		return correlator.LoadReference(rp.Path, rp.SpacingMHz, rp.NoiseTolerance)
	}
}

// ApplyProfile swaps the controller tuning and the reference spectrum
// at runtime. A reference that fails to load keeps the current one;
// the tuning still applies. Satisfies the profile watcher's consumer
// interface.
func (l *Loop) ApplyProfile(p *config.Profile) {
	ref, err := LoadReference(p.Reference)
	if err != nil {
		l.logger.Warn("profile reference rejected, keeping current",
			"path", p.Reference.Path, "error", err)
	}

	l.mu.Lock()
	l.ctrl.UpdateConfig(p.RunlevelConfig())
	if ref != nil {
		l.reference = ref
	}
	l.mu.Unlock()

	l.logger.Info("mission profile applied",
		"confidence_threshold", p.Runlevel.ConfidenceThreshold,
		"max_retries", p.Runlevel.MaxRetries,
		"target_offset", p.Runlevel.TargetOffset,
		"reference", p.Reference.Path)
}
