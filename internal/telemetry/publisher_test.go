package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	kind  FrameKind
	frame []byte
}

type captureSink struct {
	mu     sync.Mutex
	frames []captured
	err    error
}

func (s *captureSink) Publish(_ context.Context, kind FrameKind, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, captured{kind: kind, frame: append([]byte(nil), frame...)})
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) at(i int) captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func TestPublisher_SuppressesUnchangedPayloadWithinKeepalive(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(PublisherConfig{Keepalive: 10 * time.Second}, discardLogger(), sink)

	now := time.Now()
	p.Emit(context.Background(), now, FrameStatus, StatusPayload{Level: "hot", Decision: "hold"})
	p.Emit(context.Background(), now.Add(time.Second), FrameStatus, StatusPayload{Level: "hot", Decision: "hold"})

	assert.Equal(t, 1, sink.count(), "identical payload inside the keepalive window must not republish")

	p.Emit(context.Background(), now.Add(2*time.Second), FrameStatus, StatusPayload{Level: "prelock", Decision: "advance"})
	assert.Equal(t, 2, sink.count(), "a changed payload publishes immediately")
}

func TestPublisher_KeepaliveRepublishesUnchangedPayload(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(PublisherConfig{Keepalive: 5 * time.Second}, discardLogger(), sink)

	now := time.Now()
	p.Emit(context.Background(), now, FrameFlags, map[string]bool{"liftoff": true})
	p.Emit(context.Background(), now.Add(6*time.Second), FrameFlags, map[string]bool{"liftoff": true})

	assert.Equal(t, 2, sink.count(), "silence past the keepalive must republish so ground sees the link alive")
}

func TestPublisher_PerKindIntervalOverridesKeepalive(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(PublisherConfig{
		Keepalive: time.Hour,
		Intervals: map[FrameKind]time.Duration{FrameHost: time.Second},
	}, discardLogger(), sink)

	now := time.Now()
	host := HostPayload{CPUPercent: 12.5, MemoryPercent: 40}
	p.Emit(context.Background(), now, FrameHost, host)
	p.Emit(context.Background(), now.Add(2*time.Second), FrameHost, host)

	readings := map[string]int{"mo": 1}
	p.Emit(context.Background(), now, FrameReadings, readings)
	p.Emit(context.Background(), now.Add(2*time.Second), FrameReadings, readings)

	hostFrames := 0
	readingFrames := 0
	for i := 0; i < sink.count(); i++ {
		switch sink.at(i).kind {
		case FrameHost:
			hostFrames++
		case FrameReadings:
			readingFrames++
		}
	}
	assert.Equal(t, 2, hostFrames, "host interval override should republish after 1s")
	assert.Equal(t, 1, readingFrames, "readings stay on the hour-long keepalive")
}

func TestPublisher_FrameEnvelopeCarriesVersionKindAndPayload(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(PublisherConfig{}, discardLogger(), sink)

	now := time.Now().UTC().Truncate(time.Millisecond)
	p.Emit(context.Background(), now, FrameCorrelation, map[string]float64{"confidence": 0.91})

	require.Equal(t, 1, sink.count())
	var frame Frame
	require.NoError(t, json.Unmarshal(sink.at(0).frame, &frame))
	assert.Equal(t, FrameVersion, frame.Version)
	assert.Equal(t, FrameCorrelation, frame.Kind)
	assert.True(t, frame.SentAt.Equal(now))

	var data map[string]float64
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.InDelta(t, 0.91, data["confidence"], 1e-9)
}

func TestPublisher_SinkErrorDoesNotStopOtherSinks(t *testing.T) {
	t.Parallel()

	broken := &captureSink{err: errors.New("broker gone")}
	working := &captureSink{}
	p := NewPublisher(PublisherConfig{}, discardLogger(), broken, working)

	p.Emit(context.Background(), time.Now(), FrameStatus, StatusPayload{Level: "standby"})

	assert.Equal(t, 1, broken.count(), "failing sink still sees the frame")
	assert.Equal(t, 1, working.count(), "later sinks are unaffected by an earlier failure")
}

func TestPublisher_UnencodablePayloadIsDropped(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(PublisherConfig{}, discardLogger(), sink)

	p.Emit(context.Background(), time.Now(), FrameStatus, func() {})

	assert.Zero(t, sink.count(), "an unencodable payload must be dropped, not published")
}
