// Package replay dry-runs a flight recording through a fresh runlevel
// controller and reports where the fresh trace diverges from the one
// that actually flew. Because Tick is deterministic in its inputs, a
// clean recording of an unmodified controller must replay bit for bit;
// divergence means either a doctored recording, a config drift or a
// controller change whose effect the report makes visible.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/runlevel"
	"github.com/trimitri/jokarus/internal/telemetry"
)

// Mismatch records one field-level divergence at one recorded tick.
type Mismatch struct {
	Tick     int       `json:"tick"`
	At       time.Time `json:"at"`
	Field    string    `json:"field"`
	Recorded string    `json:"recorded"`
	Replayed string    `json:"replayed"`
}

// Result summarizes one dry run.
type Result struct {
	Recording          string     `json:"recording"`
	Ticks              int        `json:"ticks"`
	Matching           int        `json:"matching"`
	Mismatches         []Mismatch `json:"mismatches,omitempty"`
	RecordedFinalLevel string     `json:"recorded_final_level"`
	ReplayedFinalLevel string     `json:"replayed_final_level"`
}

// HasMismatch reports whether any tick diverged.
func (r *Result) HasMismatch() bool {
	return len(r.Mismatches) > 0
}

// Runner replays recordings against a controller built from cfg. The
// config must match the flown profile or every dwell will diverge.
type Runner struct {
	cfg    runlevel.Config
	logger *slog.Logger
}

// NewRunner creates a replay runner.
func NewRunner(cfg runlevel.Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger.With("component", "replay")}
}

// Run drives a fresh controller through the recording at path. Status
// frames are the recorded ticks; readings, flags and correlation frames
// restore the inputs each tick saw. Operator interventions (arming,
// forced levels, counter resets) are not part of the recording and show
// up as divergence from the tick they happened.
func (r *Runner) Run(path string) (*Result, error) {
	ctrl := runlevel.New(r.cfg)

	var (
		snap    model.HealthSnapshot
		events  model.FlightEvents
		corr    *model.CorrelationResult
		pending []uuid.UUID
	)
	res := &Result{Recording: path}

	err := telemetry.ReadRecording(path, func(f telemetry.Frame) error {
		switch f.Kind {
		case telemetry.FrameReadings:
			var s model.HealthSnapshot
			if err := json.Unmarshal(f.Data, &s); err != nil {
				return fmt.Errorf("readings frame: %w", err)
			}
			snap = s
		case telemetry.FrameFlags:
			var ev model.FlightEvents
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				return fmt.Errorf("flags frame: %w", err)
			}
			events = ev
		case telemetry.FrameCorrelation:
			var c model.CorrelationResult
			if err := json.Unmarshal(f.Data, &c); err != nil {
				return fmt.Errorf("correlation frame: %w", err)
			}
			corr = &c
		case telemetry.FrameStatus:
			var recorded telemetry.StatusPayload
			if err := json.Unmarshal(f.Data, &recorded); err != nil {
				return fmt.Errorf("status frame: %w", err)
			}
			pending = r.tick(ctrl, res, f.SentAt, recorded, snap, events, corr, pending)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.ReplayedFinalLevel = ctrl.Level().String()
	r.logger.Info("replay finished",
		"recording", path,
		"ticks", res.Ticks,
		"matching", res.Matching,
		"mismatches", len(res.Mismatches),
	)
	return res, nil
}

// tick replays one recorded evaluation. The bus is absent in a dry run,
// so actuation outcomes are taken from the recording: commands count as
// acknowledged unless the recorded tick downgraded on an ack timeout.
func (r *Runner) tick(
	ctrl *runlevel.Controller,
	res *Result,
	at time.Time,
	recorded telemetry.StatusPayload,
	snap model.HealthSnapshot,
	events model.FlightEvents,
	corr *model.CorrelationResult,
	pending []uuid.UUID,
) []uuid.UUID {
	in := runlevel.Inputs{
		Now:         at,
		Health:      snap,
		Events:      events,
		Correlation: corr,
	}
	if recorded.Decision == runlevel.DecisionDowngradeAckTimeout {
		in.Overdue = pending
	} else {
		in.Acked = pending
	}

	_, cmds, diag := ctrl.Tick(in)

	res.Ticks++
	res.RecordedFinalLevel = recorded.Level
	before := len(res.Mismatches)
	res.check(at, "level", recorded.Level, diag.Level.String())
	res.check(at, "mode", recorded.Mode, diag.Mode.String())
	res.check(at, "decision", recorded.Decision, diag.Decision)
	res.check(at, "retry_count", fmt.Sprint(recorded.RetryCount), fmt.Sprint(diag.RetryCount))
	if len(res.Mismatches) == before {
		res.Matching++
	}

	ids := make([]uuid.UUID, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.ID
	}
	return ids
}

func (res *Result) check(at time.Time, field, recorded, replayed string) {
	if recorded == replayed {
		return
	}
	res.Mismatches = append(res.Mismatches, Mismatch{
		Tick:     res.Ticks,
		At:       at,
		Field:    field,
		Recorded: recorded,
		Replayed: replayed,
	})
}

// WriteReport writes a human-readable verification report.
func WriteReport(w io.Writer, res *Result) {
	fmt.Fprintln(w, "=== Flight Replay Report ===")
	fmt.Fprintf(w, "Recording: %s\n", res.Recording)
	fmt.Fprintf(w, "Ticks: %d\n", res.Ticks)
	fmt.Fprintf(w, "Matching: %d\n", res.Matching)
	fmt.Fprintf(w, "Divergent: %d\n", len(res.Mismatches))
	fmt.Fprintf(w, "Final level: recorded=%s replayed=%s\n", res.RecordedFinalLevel, res.ReplayedFinalLevel)

	if len(res.Mismatches) > 0 {
		fmt.Fprintln(w, "\n--- Divergent ticks ---")
		for _, m := range res.Mismatches {
			fmt.Fprintf(w, "  tick %d (%s): %s recorded=%q replayed=%q\n",
				m.Tick, m.At.Format(time.RFC3339Nano), m.Field, m.Recorded, m.Replayed)
		}
	}

	fmt.Fprintln(w)
	if res.HasMismatch() {
		fmt.Fprintln(w, "Result: MISMATCH")
	} else {
		fmt.Fprintln(w, "Result: MATCH")
	}
}
