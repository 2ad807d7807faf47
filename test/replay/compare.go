package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/trimitri/jokarus/internal/telemetry"
)

// statusTick is one recorded controller tick with its wire timestamp.
type statusTick struct {
	At     time.Time
	Status telemetry.StatusPayload
}

// readStatusTimeline extracts the status frames from a flight recording
// in wire order.
func readStatusTimeline(path string) ([]statusTick, error) {
	var ticks []statusTick
	err := telemetry.ReadRecording(path, func(f telemetry.Frame) error {
		if f.Kind != telemetry.FrameStatus {
			return nil
		}
		var s telemetry.StatusPayload
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("status frame: %w", err)
		}
		ticks = append(ticks, statusTick{At: f.SentAt, Status: s})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticks, nil
}

// Divergence records one field-level difference at one tick position.
type Divergence struct {
	Tick     int    `json:"tick"`
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Baseline string `json:"baseline"`
}

// CompareResult holds the outcome of diffing two status timelines
// tick by tick.
type CompareResult struct {
	Ticks         int          `json:"ticks"`
	Matching      int          `json:"matching"`
	Divergent     []Divergence `json:"divergent,omitempty"`
	ExtraRecorded int          `json:"extra_recorded"`
	ExtraBaseline int          `json:"extra_baseline"`
}

// HasMismatch reports whether the timelines differ anywhere.
func (r *CompareResult) HasMismatch() bool {
	return len(r.Divergent) > 0 || r.ExtraRecorded > 0 || r.ExtraBaseline > 0
}

// compareTimelines diffs two recordings positionally. Recordings are
// compared tick by tick because the controller trace is deterministic:
// the same profile rehearsed twice must produce the same decision at
// the same tick, regardless of wall-clock timing.
func compareTimelines(recorded, baseline []statusTick) CompareResult {
	res := CompareResult{}
	n := len(recorded)
	if len(baseline) < n {
		n = len(baseline)
	}
	res.Ticks = n
	res.ExtraRecorded = len(recorded) - n
	res.ExtraBaseline = len(baseline) - n

	for i := 0; i < n; i++ {
		a, b := recorded[i].Status, baseline[i].Status
		before := len(res.Divergent)
		res.checkField(i, "level", a.Level, b.Level)
		res.checkField(i, "mode", a.Mode, b.Mode)
		res.checkField(i, "decision", a.Decision, b.Decision)
		res.checkField(i, "retry_count", fmt.Sprint(a.RetryCount), fmt.Sprint(b.RetryCount))
		if len(res.Divergent) == before {
			res.Matching++
		}
	}
	return res
}

func (r *CompareResult) checkField(tick int, field, recorded, baseline string) {
	if recorded == baseline {
		return
	}
	r.Divergent = append(r.Divergent, Divergence{
		Tick:     tick,
		Field:    field,
		Recorded: recorded,
		Baseline: baseline,
	})
}

// printCompareText writes a human-readable diff report.
func printCompareText(w io.Writer, recording, baseline string, res CompareResult) {
	fmt.Fprintln(w, "=== Recording Comparison Report ===")
	fmt.Fprintf(w, "Recording: %s\n", recording)
	fmt.Fprintf(w, "Baseline:  %s\n", baseline)
	fmt.Fprintf(w, "Compared ticks: %d\n", res.Ticks)
	fmt.Fprintf(w, "Matching: %d\n", res.Matching)
	fmt.Fprintf(w, "Divergent: %d\n", len(res.Divergent))
	if res.ExtraRecorded > 0 {
		fmt.Fprintf(w, "Extra ticks in recording: %d\n", res.ExtraRecorded)
	}
	if res.ExtraBaseline > 0 {
		fmt.Fprintf(w, "Extra ticks in baseline: %d\n", res.ExtraBaseline)
	}

	if len(res.Divergent) > 0 {
		fmt.Fprintln(w, "\n--- Divergent ticks ---")
		for _, d := range res.Divergent {
			fmt.Fprintf(w, "  tick %d: %s recorded=%q baseline=%q\n", d.Tick, d.Field, d.Recorded, d.Baseline)
		}
	}

	fmt.Fprintln(w)
	if res.HasMismatch() {
		fmt.Fprintln(w, "Result: MISMATCH")
	} else {
		fmt.Fprintln(w, "Result: MATCH")
	}
}

// printCompareJSON writes the diff report as indented JSON.
func printCompareJSON(w io.Writer, recording, baseline string, res CompareResult) error {
	report := struct {
		Recording string        `json:"recording"`
		Baseline  string        `json:"baseline"`
		Result    string        `json:"result"`
		Compare   CompareResult `json:"compare"`
	}{
		Recording: recording,
		Baseline:  baseline,
		Compare:   res,
	}
	if res.HasMismatch() {
		report.Result = "MISMATCH"
	} else {
		report.Result = "MATCH"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
