package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trimitri/jokarus/internal/actuation"
	"github.com/trimitri/jokarus/internal/alert"
	"github.com/trimitri/jokarus/internal/config"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/experiment"
	"github.com/trimitri/jokarus/internal/flight"
	"github.com/trimitri/jokarus/internal/health"
	"github.com/trimitri/jokarus/internal/operator"
	"github.com/trimitri/jokarus/internal/replay"
	"github.com/trimitri/jokarus/internal/runlevel"
	"github.com/trimitri/jokarus/internal/subsystem"
	"github.com/trimitri/jokarus/internal/telemetry"
	"github.com/trimitri/jokarus/internal/tracing"
)

// ackRouter breaks the construction cycle between the bus client and
// the dispatcher. The client needs an ack target before the dispatcher
// exists; acks only flow once the bus is connected, well after both are
// wired.
type ackRouter struct {
	dispatcher *actuation.Dispatcher
}

func (r *ackRouter) Ack(id uuid.UUID, now time.Time) {
	r.dispatcher.Ack(id, now)
}

func logLevelFrom(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// trackedSubsystems are the hardware feeds the bus must deliver. The
// payload host feed registers itself through the monitor.
func trackedSubsystems() []model.SubsystemID {
	ids := append(model.OscillatorTecs(), model.LaserDiodes()...)
	return append(ids, model.SubsystemLockbox)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if cfg.Alert.MQTTTopic != "" && cfg.Downlink.BrokerURL != "" {
		channels = append(channels, alert.NewMQTTAlerter(alert.MQTTConfig{
			BrokerURL: cfg.Downlink.BrokerURL,
			Username:  cfg.Downlink.Username,
			Password:  cfg.Downlink.Password,
			Topic:     cfg.Alert.MQTTTopic,
		}, logger))
	}
	if len(channels) == 0 {
		return nil
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevelFrom(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting jokarus payload controller",
		"bus_url", cfg.Bus.URL,
		"flight_addr", cfg.Flight.Addr,
		"telemetry_addr", cfg.Telemetry.Addr,
		"operator_addr", cfg.Operator.Addr,
		"mission_profile", cfg.Profile.Path,
		"tick_interval", cfg.Experiment.TickInterval,
		"downlink_broker", cfg.Downlink.BrokerURL,
		"recording_dir", cfg.Recorder.Dir,
	)

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(context.Background(), "jokarus",
		cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure, float64(cfg.Tracing.SamplePct)/100)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	profile, err := config.LoadProfile(cfg.Profile.Path)
	if err != nil {
		logger.Error("failed to load mission profile", "error", err)
		os.Exit(1)
	}

	// A controller without a reference spectrum can never lock; refuse
	// to fly without one.
	ref, err := experiment.LoadReference(profile.Reference)
	if err != nil {
		logger.Error("failed to load reference spectrum", "error", err, "path", profile.Reference.Path)
		os.Exit(1)
	}
	logger.Info("reference spectrum loaded", "path", profile.Reference.Path, "samples", ref.Len())

	rlCfg := profile.RunlevelConfig()
	tracker := health.NewTracker(rlCfg.StaleAfter, trackedSubsystems()...)
	ctrl := runlevel.New(rlCfg)

	acks := &ackRouter{}
	client := subsystem.New(subsystem.Config{
		URL:          cfg.Bus.URL,
		DialTimeout:  cfg.Bus.DialTimeout,
		WriteTimeout: cfg.Bus.WriteTimeout,
		ReadTimeout:  cfg.Bus.ReadTimeout,
	}, tracker, acks, logger)
	dispatcher := actuation.New(actuation.Config{AckTimeout: cfg.Bus.AckTimeout}, client, logger)
	acks.dispatcher = dispatcher

	hub := telemetry.NewHub(telemetry.HubConfig{Addr: cfg.Telemetry.Addr}, logger)
	sinks := []telemetry.Sink{hub}

	if cfg.Downlink.BrokerURL != "" {
		downlink := telemetry.NewDownlink(telemetry.DownlinkConfig{
			BrokerURL:   cfg.Downlink.BrokerURL,
			ClientID:    cfg.Downlink.ClientID,
			Username:    cfg.Downlink.Username,
			Password:    cfg.Downlink.Password,
			TopicPrefix: cfg.Downlink.TopicPrefix,
			QoS:         byte(cfg.Downlink.QoS),
		}, logger)
		if err := downlink.Connect(); err != nil {
			logger.Error("failed to connect downlink", "error", err)
			os.Exit(1)
		}
		defer downlink.Close()
		sinks = append(sinks, downlink)
	}

	if cfg.Recorder.Dir != "" {
		recorder, err := telemetry.NewRecorder(telemetry.RecorderConfig{
			Dir:          cfg.Recorder.Dir,
			FilePrefix:   cfg.Recorder.FilePrefix,
			MaxFileBytes: int64(cfg.Recorder.MaxFileMB) << 20,
		}, logger)
		if err != nil {
			logger.Error("failed to open flight recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Warn("recorder close error", "error", err)
			}
		}()
		logger.Info("flight recording enabled", "path", recorder.Path())
		sinks = append(sinks, recorder)
	}

	publisher := telemetry.NewPublisher(telemetry.PublisherConfig{Keepalive: cfg.Telemetry.Keepalive}, logger, sinks...)

	feed := flight.NewFeed(logger)
	monitor := health.NewHostMonitor(health.HostMonitorConfig{}, tracker, logger)

	loop := experiment.New(
		experiment.Config{TickInterval: cfg.Experiment.TickInterval},
		ctrl, dispatcher, tracker, feed, client, publisher, logger,
	).
		WithReference(ref).
		WithBusStatus(client).
		WithHostMonitor(monitor)

	if a := buildAlerter(cfg, logger); a != nil {
		loop.WithAlerter(a)
	}

	opServer := operator.NewServer(loop, loop, logger,
		operator.WithHealthProvider(loop),
		operator.WithFlightLineInjector(feed),
		operator.WithReplayRunner(replay.NewRunner(rlCfg, logger)),
	)
	defer opServer.Close()

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runOperatorServer(gCtx, cfg.Operator.Addr, opServer.Handler(), logger)
	})
	g.Go(func() error {
		return hub.Run(gCtx)
	})
	g.Go(func() error {
		return client.Run(gCtx)
	})
	g.Go(func() error {
		return monitor.Run(gCtx)
	})
	g.Go(func() error {
		return loop.Run(gCtx)
	})

	if cfg.Flight.Addr != "" {
		listener := flight.NewListener(flight.ListenerConfig{
			Addr:        cfg.Flight.Addr,
			DialTimeout: cfg.Flight.DialTimeout,
		}, feed, logger)
		g.Go(func() error {
			return listener.Run(gCtx)
		})
	} else {
		logger.Info("no flight feed configured, flight events arrive via the operator API only")
	}

	if cfg.Profile.Watch {
		watcher := config.NewProfileWatcher(cfg.Profile.Path, profile, loop, logger)
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("payload controller exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("payload controller shut down gracefully")
}

func runOperatorServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("operator server shutdown error", "error", err)
		}
	}()

	logger.Info("operator server started", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("operator server: %w", err)
	}
	return nil
}
