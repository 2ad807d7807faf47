package flight

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimitri/jokarus/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func word(t *testing.T, s string) Word {
	t.Helper()
	w, err := ParseWord(s)
	require.NoError(t, err)
	return w
}

func TestParseWord_RejectsMalformedWords(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"", "1011010", "101101001", "1011010x", "10 11010"} {
		_, err := ParseWord(line)
		assert.Errorf(t, err, "line %q should be rejected", line)
	}
}

func TestParseWord_TrimsSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	w, err := ParseWord("  10000000\r")
	require.NoError(t, err)
	assert.True(t, w[WireTex1])
}

func TestWord_LevelRegisterUsesWiresOneThreeFour(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line  string
		level model.Level
	}{
		{"00000000", model.LevelUndefined},
		{"10000000", model.LevelShutdown},
		{"00100000", model.LevelStandby},
		{"10100000", model.LevelAmbient},
		{"00010000", model.LevelHot},
		{"10010000", model.LevelPrelock},
		{"00110000", model.LevelLock},
		{"10110000", model.LevelBalanced},
	}
	for _, tc := range cases {
		ev := word(t, tc.line).Events(time.Now())
		require.NotNil(t, ev.RequestedLevel, "register should always decode")
		assert.Equalf(t, tc.level, *ev.RequestedLevel, "word %s", tc.line)
	}
}

func TestWord_LiftoffFollowsLauncherLineNotTimer(t *testing.T) {
	t.Parallel()

	timerOnly := word(t, "00000100").Events(time.Now())
	assert.False(t, timerOnly.Liftoff, "liftoff timer wire alone must not assert liftoff")

	launcher := word(t, "00000010").Events(time.Now())
	assert.True(t, launcher.Liftoff)
}

func TestWord_MicrogravityFollowsTimerNotAttitudeLine(t *testing.T) {
	t.Parallel()

	attitudeOnly := word(t, "00000001").Events(time.Now())
	assert.False(t, attitudeOnly.MicrogravityGo, "3-axis-go wire alone must not assert microgravity")

	timer := word(t, "01000000").Events(time.Now())
	assert.True(t, timer.MicrogravityGo)
}

func TestWord_OffWire(t *testing.T) {
	t.Parallel()

	ev := word(t, "00001000").Events(time.Now())
	assert.True(t, ev.Off)
}

func TestFeed_ApplyReportsSignalChanges(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	now := time.Now()

	assert.True(t, feed.Apply(word(t, "00000000"), now), "first word sets the level register")
	assert.False(t, feed.Apply(word(t, "00000000"), now.Add(time.Second)), "identical word changes nothing")
	assert.True(t, feed.Apply(word(t, "00000010"), now.Add(2*time.Second)), "liftoff edge is a change")

	state := feed.Current()
	assert.True(t, state.Liftoff)
	assert.Equal(t, now.Add(2*time.Second), state.ReceivedAt)
}

func TestFeed_ManualOverridePinsWireWords(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	now := time.Now()

	require.NoError(t, feed.Override("manual_override", 1, now))
	assert.False(t, feed.Apply(word(t, "01100110"), now.Add(time.Second)),
		"wire words are ignored under manual override")

	state := feed.Current()
	assert.False(t, state.Liftoff)
	assert.True(t, state.ManualOverride)
}

func TestFeed_InjectionRequiresManualOverride(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())

	err := feed.Override("liftoff", 1, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual override")
}

func TestFeed_InjectionRoundTrip(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	now := time.Now()

	require.NoError(t, feed.Override("manual_override", 1, now))
	require.NoError(t, feed.Override("liftoff", 1, now))
	require.NoError(t, feed.Override("microg", 1, now))
	require.NoError(t, feed.Override("level", 3, now))

	state := feed.Current()
	assert.True(t, state.Liftoff)
	assert.True(t, state.MicrogravityGo)
	require.NotNil(t, state.RequestedLevel)
	assert.Equal(t, model.LevelAmbient, *state.RequestedLevel)

	require.NoError(t, feed.Override("manual_override", 0, now))
	assert.False(t, feed.Current().ManualOverride)
}

func TestFeed_InjectionRejectsUnknownLineAndBadLevel(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	require.NoError(t, feed.Override("manual_override", 1, time.Now()))

	assert.Error(t, feed.Override("warp_drive", 1, time.Now()))
	assert.Error(t, feed.Override("level", 9, time.Now()))
}

func TestFeed_TimerOverrideSurvivesWireWords(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	now := time.Now()

	require.NoError(t, feed.Override("timer_override", 1, now))
	feed.Apply(word(t, "00100000"), now.Add(time.Second))

	state := feed.Current()
	assert.True(t, state.TimerOverride, "override switches are not wire-driven")
	require.NotNil(t, state.RequestedLevel)
	assert.Equal(t, model.LevelStandby, *state.RequestedLevel)
}

func TestListener_ConsumesWordsAndSkipsGarbage(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	l := NewListener(ListenerConfig{Addr: "unused"}, feed, discardLogger())

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.consume(ctx, server) }()

	_, err := client.Write([]byte("garbage\n00000010\n\n01000010\n"))
	require.NoError(t, err)
	client.Close()

	require.NoError(t, <-done, "clean EOF should not be an error")

	state := feed.Current()
	assert.True(t, state.Liftoff)
	assert.True(t, state.MicrogravityGo)
}

func TestListener_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	feed := NewFeed(discardLogger())
	l := NewListener(ListenerConfig{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReconnectMin: 10 * time.Millisecond,
	}, feed, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := l.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
