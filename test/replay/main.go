// Package main implements an offline verifier for flight recordings.
// In its default mode it dry-runs a recording through a fresh runlevel
// controller built from the mission profile and reports where the fresh
// trace diverges from the one that flew. With -baseline it instead
// diffs two recordings tick by tick, which is how a flight trace is
// checked against its bench rehearsal.
//
// Usage:
//
//	go run ./test/replay \
//	  -recording /var/flight/flight-20260823.jsonl.gz \
//	  -profile /etc/jokarus/profile.yaml
//
//	go run ./test/replay \
//	  -recording /var/flight/flight-20260823.jsonl.gz \
//	  -baseline bench/rehearsal.jsonl.gz \
//	  -output json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/trimitri/jokarus/internal/config"
	"github.com/trimitri/jokarus/internal/replay"
)

const (
	exitMatch    = 0
	exitMismatch = 1
	exitFatal    = 2
)

func main() {
	var (
		recordingFlag = flag.String("recording", "", "Flight recording to verify (gzip JSONL)")
		profileFlag   = flag.String("profile", "", "Mission profile the flight ran with (required without -baseline)")
		baselineFlag  = flag.String("baseline", "", "Second recording to diff against instead of re-running the controller")
		outputFlag    = flag.String("output", "text", "Output format (text / json)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var missing []string
	if *recordingFlag == "" {
		missing = append(missing, "-recording")
	}
	if *baselineFlag == "" && *profileFlag == "" {
		missing = append(missing, "-profile")
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing required flags: %s\n", strings.Join(missing, ", "))
		flag.Usage()
		os.Exit(exitFatal)
	}

	if *baselineFlag != "" {
		os.Exit(runCompare(*recordingFlag, *baselineFlag, *outputFlag, logger))
	}
	os.Exit(runVerify(*recordingFlag, *profileFlag, *outputFlag, logger))
}

// runVerify re-runs the recorded inputs through a fresh controller and
// reports divergence between the recorded and replayed traces.
func runVerify(recording, profilePath, output string, logger *slog.Logger) int {
	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		logger.Error("failed to load mission profile", "error", err)
		return exitFatal
	}

	runner := replay.NewRunner(profile.RunlevelConfig(), logger)
	res, err := runner.Run(recording)
	if err != nil {
		logger.Error("replay failed", "error", err)
		return exitFatal
	}

	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			logger.Error("json report failed", "error", err)
			return exitFatal
		}
	default:
		replay.WriteReport(os.Stdout, res)
	}

	if res.HasMismatch() {
		return exitMismatch
	}
	return exitMatch
}

// runCompare diffs the status timelines of two recordings.
func runCompare(recording, baseline, output string, logger *slog.Logger) int {
	recorded, err := readStatusTimeline(recording)
	if err != nil {
		logger.Error("failed to read recording", "path", recording, "error", err)
		return exitFatal
	}
	base, err := readStatusTimeline(baseline)
	if err != nil {
		logger.Error("failed to read baseline", "path", baseline, "error", err)
		return exitFatal
	}

	res := compareTimelines(recorded, base)

	switch output {
	case "json":
		if err := printCompareJSON(os.Stdout, recording, baseline, res); err != nil {
			logger.Error("json report failed", "error", err)
			return exitFatal
		}
	default:
		printCompareText(os.Stdout, recording, baseline, res)
	}

	if res.HasMismatch() {
		return exitMismatch
	}
	return exitMatch
}
