package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/trimitri/jokarus/internal/metrics"
)

// PublisherConfig tunes the change detection per frame kind.
type PublisherConfig struct {
	// Keepalive bounds the silence per kind: an unchanged payload is
	// republished once this much time has passed since the last frame,
	// so ground can tell "no change" from "no link".
	Keepalive time.Duration
	// Intervals overrides the keepalive for individual kinds.
	Intervals map[FrameKind]time.Duration
}

type lastFrame struct {
	body   []byte
	sentAt time.Time
}

// Publisher deduplicates payloads and fans encoded frames out to the
// configured sinks. A failing sink is logged and skipped; telemetry
// never fails the evaluation loop.
type Publisher struct {
	cfg    PublisherConfig
	logger *slog.Logger
	sinks  []Sink

	mu   sync.Mutex
	last map[FrameKind]lastFrame
}

// NewPublisher creates a publisher writing to sinks in order.
func NewPublisher(cfg PublisherConfig, logger *slog.Logger, sinks ...Sink) *Publisher {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 10 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "telemetry"),
		sinks:  sinks,
		last:   make(map[FrameKind]lastFrame),
	}
}

// Emit publishes payload under kind unless it is byte-identical to the
// previous payload of that kind and the keepalive has not expired yet.
func (p *Publisher) Emit(ctx context.Context, now time.Time, kind FrameKind, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("payload not encodable", "kind", kind, "error", err)
		return
	}

	p.mu.Lock()
	prev, seen := p.last[kind]
	if seen && bytes.Equal(prev.body, body) && now.Sub(prev.sentAt) < p.interval(kind) {
		p.mu.Unlock()
		return
	}
	p.last[kind] = lastFrame{body: body, sentAt: now}
	p.mu.Unlock()

	frame, err := json.Marshal(Frame{
		Version: FrameVersion,
		Kind:    kind,
		SentAt:  now,
		Data:    body,
	})
	if err != nil {
		p.logger.Error("frame not encodable", "kind", kind, "error", err)
		return
	}

	metrics.TelemetryFramesTotal.WithLabelValues(string(kind)).Inc()
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, kind, frame); err != nil {
			p.logger.Warn("sink rejected frame", "kind", kind, "error", err)
		}
	}
}

func (p *Publisher) interval(kind FrameKind) time.Duration {
	if d, ok := p.cfg.Intervals[kind]; ok && d > 0 {
		return d
	}
	return p.cfg.Keepalive
}
