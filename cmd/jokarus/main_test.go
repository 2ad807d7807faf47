package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimitri/jokarus/internal/actuation"
	"github.com/trimitri/jokarus/internal/alert"
	"github.com/trimitri/jokarus/internal/config"
	"github.com/trimitri/jokarus/internal/domain/model"
)

type nopBus struct{}

func (nopBus) Send(context.Context, model.Command) error { return nil }

func TestLogLevelFrom(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"warn", "warn", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"info", "info", slog.LevelInfo},
		{"unknown defaults to info", "chatty", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, logLevelFrom(tt.input))
		})
	}
}

func TestTrackedSubsystems_CoversHardwareFeedsOnly(t *testing.T) {
	ids := trackedSubsystems()

	require.Len(t, ids, 7)
	assert.Contains(t, ids, model.SubsystemTecMiob)
	assert.Contains(t, ids, model.SubsystemTecVhbg)
	assert.Contains(t, ids, model.SubsystemTecShga)
	assert.Contains(t, ids, model.SubsystemTecShgb)
	assert.Contains(t, ids, model.SubsystemDiodeMo)
	assert.Contains(t, ids, model.SubsystemDiodePa)
	assert.Contains(t, ids, model.SubsystemLockbox)
	assert.NotContains(t, ids, model.SubsystemHost)
}

func TestBuildAlerter_NilWithoutChannels(t *testing.T) {
	cfg := &config.Config{}
	assert.Nil(t, buildAlerter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestBuildAlerter_NilWhenTopicSetWithoutBroker(t *testing.T) {
	cfg := &config.Config{
		Alert: config.AlertConfig{MQTTTopic: "jokarus/alerts"},
	}
	assert.Nil(t, buildAlerter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestBuildAlerter_WebhookOnly(t *testing.T) {
	cfg := &config.Config{
		Alert: config.AlertConfig{
			WebhookURL: "http://127.0.0.1:9/hook",
			Cooldown:   time.Minute,
		},
	}

	a := buildAlerter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NotNil(t, a)
	assert.IsType(t, &alert.MultiAlerter{}, a)
}

func TestAckRouter_DeliversToDispatcher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	acks := &ackRouter{}
	dispatcher := actuation.New(actuation.Config{AckTimeout: time.Second}, nopBus{}, logger)
	acks.dispatcher = dispatcher

	cmd := model.NewCommand(model.SubsystemTecMiob, model.ActionEnableTec)
	now := time.Now()
	dispatcher.Dispatch(context.Background(), []model.Command{cmd}, now)
	acks.Ack(cmd.ID, now.Add(10*time.Millisecond))

	acked, overdue := dispatcher.Collect(now.Add(20 * time.Millisecond))
	require.Len(t, acked, 1)
	assert.Equal(t, cmd.ID, acked[0])
	assert.Empty(t, overdue)
	assert.Zero(t, dispatcher.PendingCount())
}
