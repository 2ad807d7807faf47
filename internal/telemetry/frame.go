// Package telemetry fans experiment state out to the ground segment: a
// websocket hub for the bench EGSE, an optional MQTT downlink bridge
// and a gzip JSONL flight recorder. Producers hand payloads to the
// Publisher; it encodes one versioned frame per change and forwards it
// to every configured sink.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// FrameKind names one telemetry stream.
type FrameKind string

const (
	// FrameReadings carries the latest subsystem health snapshot.
	FrameReadings FrameKind = "readings"
	// FrameStatus carries the controller state after a tick.
	FrameStatus FrameKind = "status"
	// FrameFlags carries the decoded flight-event lines.
	FrameFlags FrameKind = "flags"
	// FrameCorrelation carries the latest sweep match result.
	FrameCorrelation FrameKind = "correlation"
	// FrameHost carries payload computer load and feed liveness.
	FrameHost FrameKind = "host"
)

// FrameVersion is bumped on any incompatible envelope or payload
// change. Ground tooling pins the versions it understands.
const FrameVersion = 1

// Frame is the wire envelope shared by the hub, the downlink and the
// recorder. Data is the already-encoded payload for Kind.
type Frame struct {
	Version int             `json:"v"`
	Kind    FrameKind       `json:"type"`
	SentAt  time.Time       `json:"sent_at"`
	Data    json.RawMessage `json:"data"`
}

// StatusPayload mirrors one controller tick for the ground trace.
type StatusPayload struct {
	Level           string `json:"level"`
	Mode            string `json:"mode"`
	Decision        string `json:"decision"`
	Fault           string `json:"fault,omitempty"`
	RetryCount      int    `json:"retry_count"`
	TuneJumpsLeft   int    `json:"tune_jumps_left"`
	TimeInLevelMs   int64  `json:"time_in_level_ms"`
	EngagePending   bool   `json:"engage_pending"`
	PendingCommands int    `json:"pending_commands"`
}

// HostPayload reports the payload computer itself plus per-feed
// liveness, so ground can tell a dead laser from a dead link.
type HostPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Feeds         any     `json:"feeds,omitempty"`
}

// Sink carries encoded frames off the payload. Implementations must
// not block past their own timeouts; a slow sink loses frames, it does
// not stall the experiment.
type Sink interface {
	Publish(ctx context.Context, kind FrameKind, frame []byte) error
}
