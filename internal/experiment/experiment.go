// Package experiment drives the evaluation loop. Once per tick it
// gathers the freshest inputs (health snapshot, flight events, sweep
// correlation, acknowledgement ledger), runs the runlevel controller,
// hands the resulting command sequence to the dispatcher and publishes
// the telemetry frames. Operator commands and mission-profile reloads
// take the same mutex as the tick, so every controller mutation is
// serialized against the evaluation.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trimitri/jokarus/internal/actuation"
	"github.com/trimitri/jokarus/internal/alert"
	"github.com/trimitri/jokarus/internal/circuitbreaker"
	"github.com/trimitri/jokarus/internal/correlator"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/health"
	"github.com/trimitri/jokarus/internal/latest"
	"github.com/trimitri/jokarus/internal/metrics"
	"github.com/trimitri/jokarus/internal/runlevel"
	"github.com/trimitri/jokarus/internal/telemetry"
	"github.com/trimitri/jokarus/internal/tracing"
)

// EventSource yields the current flight event state. Satisfied by
// flight.Feed.
type EventSource interface {
	Current() model.FlightEvents
}

// SweepSource yields the most recent spectroscopy sweep. Satisfied by
// the subsystem bus client.
type SweepSource interface {
	LatestSweep() (model.Sweep, bool)
}

// CommandDispatcher sends controller command sequences and reports the
// acknowledgement ledger each tick. Satisfied by actuation.Dispatcher.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmds []model.Command, now time.Time)
	Collect(now time.Time) (acked []uuid.UUID, overdue []*actuation.TimeoutError)
	PendingCount() int
}

// BusStatus reports the hardware link state for the health endpoint.
type BusStatus interface {
	Connected() bool
	BreakerState() circuitbreaker.State
}

// Config bounds the evaluation cadence.
type Config struct {
	TickInterval time.Duration
}

// Loop owns the runlevel controller and everything that feeds it.
type Loop struct {
	cfg        Config
	dispatcher CommandDispatcher
	tracker    *health.Tracker
	events     EventSource
	sweeps     SweepSource
	publisher  *telemetry.Publisher
	alerter    alert.Alerter
	bus        BusStatus
	host       *health.HostMonitor
	logger     *slog.Logger

	// mu serializes controller access between the tick and the operator
	// surface. Ticks are sub-millisecond, so holding it across a full
	// evaluation is cheap.
	mu        sync.Mutex
	ctrl      *runlevel.Controller
	reference *correlator.Reference

	// Correlation and alert continuity state. Written only on the tick
	// goroutine.
	lastSweepAt     time.Time
	lastCorrelation *model.CorrelationResult
	degraded        bool
	degradedFrom    model.Level

	status latest.Cell[telemetry.StatusPayload]
}

// New creates the evaluation loop around an existing controller.
// Optional collaborators attach through the With builders.
func New(
	cfg Config,
	ctrl *runlevel.Controller,
	dispatcher CommandDispatcher,
	tracker *health.Tracker,
	events EventSource,
	sweeps SweepSource,
	publisher *telemetry.Publisher,
	logger *slog.Logger,
) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	l := &Loop{
		cfg:        cfg,
		ctrl:       ctrl,
		dispatcher: dispatcher,
		tracker:    tracker,
		events:     events,
		sweeps:     sweeps,
		publisher:  publisher,
		alerter:    &alert.NoopAlerter{},
		logger:     logger.With("component", "experiment"),
	}
	l.status.Store(telemetry.StatusPayload{
		Level: ctrl.Level().String(),
		Mode:  ctrl.Mode().String(),
	})
	return l
}

// WithReference arms lock acquisition with the reference spectrum.
// Without one the controller never sees a correlation result and holds
// at prelock.
func (l *Loop) WithReference(ref *correlator.Reference) *Loop {
	l.reference = ref
	return l
}

// WithAlerter routes fault annunciations. The default discards them.
func (l *Loop) WithAlerter(a alert.Alerter) *Loop {
	if a != nil {
		l.alerter = a
	}
	return l
}

// WithBusStatus adds the hardware link state to the health endpoint.
func (l *Loop) WithBusStatus(bus BusStatus) *Loop {
	l.bus = bus
	return l
}

// WithHostMonitor adds payload-computer load to the telemetry stream.
func (l *Loop) WithHostMonitor(m *health.HostMonitor) *Loop {
	l.host = m
	return l
}

// Run evaluates until the context is cancelled. The first tick fires
// immediately so the undefined level clears as soon as the first full
// snapshot is in, not one interval later.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("experiment loop started", "tick_interval", l.cfg.TickInterval)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("experiment loop stopping")
			return ctx.Err()
		case <-ticker.C:
			l.runTick(ctx)
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	start := time.Now()
	metrics.ControllerTicksTotal.Inc()

	ctx, span := tracing.Tracer("experiment").Start(ctx, "experiment.tick")
	defer span.End()

	l.mu.Lock()
	if l.ctrl.Level() == model.LevelPrelock {
		l.correlate(start)
	}

	acked, timeouts := l.dispatcher.Collect(start)
	overdue := make([]uuid.UUID, len(timeouts))
	for i, t := range timeouts {
		overdue[i] = t.Command.ID
	}

	in := runlevel.Inputs{
		Now:         start,
		Health:      l.tracker.Snapshot(start),
		Events:      l.events.Current(),
		Correlation: l.lastCorrelation,
		Acked:       acked,
		Overdue:     overdue,
	}
	_, cmds, diag := l.ctrl.Tick(in)
	l.mu.Unlock()

	span.SetAttributes(
		attribute.String("level", diag.Level.String()),
		attribute.String("decision", diag.Decision),
	)

	metrics.ControllerLevel.Set(float64(diag.Level))
	metrics.ControllerDecisionsTotal.WithLabelValues(diag.Decision).Inc()
	metrics.ControllerPrelockRetries.Set(float64(diag.RetryCount))
	if diag.LevelChanged {
		metrics.ControllerTransitionsTotal.WithLabelValues(diag.From.String(), diag.Level.String()).Inc()
		l.logger.Info("runlevel transition",
			"from", diag.From.String(), "to", diag.Level.String(),
			"decision", diag.Decision, "fault", diag.Fault)
	}

	if len(cmds) > 0 {
		l.dispatcher.Dispatch(ctx, cmds, start)
	}

	status := telemetry.StatusPayload{
		Level:           diag.Level.String(),
		Mode:            diag.Mode.String(),
		Decision:        diag.Decision,
		Fault:           diag.Fault,
		RetryCount:      diag.RetryCount,
		TuneJumpsLeft:   diag.TuneJumpsLeft,
		TimeInLevelMs:   diag.TimeInLevel.Milliseconds(),
		EngagePending:   diag.EngagePending,
		PendingCommands: l.dispatcher.PendingCount(),
	}
	l.status.Store(status)

	l.publish(ctx, start, in, status)
	l.annunciate(diag)

	metrics.ControllerTickLatency.Observe(time.Since(start).Seconds())
}

// correlate scores the latest sweep against the reference while at
// prelock. Only a sweep newer than the last scored one is worth the
// work; the controller judges the result's age against its own attempt
// window, so handing it the same result twice is harmless.
// Must be called with mu held.
func (l *Loop) correlate(now time.Time) {
	if l.reference == nil {
		return
	}
	sweep, ok := l.sweeps.LatestSweep()
	if !ok || !sweep.ReceivedAt.After(l.lastSweepAt) {
		return
	}
	l.lastSweepAt = sweep.ReceivedAt

	sample, err := correlator.NewSample(sweep.Positions, sweep.Amplitudes)
	if err != nil {
		metrics.CorrelatorErrorsTotal.WithLabelValues("bad_sweep").Inc()
		l.logger.Warn("sweep rejected", "error", err)
		return
	}

	runStart := time.Now()
	res, err := l.reference.Locate(sample)
	metrics.CorrelatorRunsTotal.Inc()
	metrics.CorrelatorRunLatency.Observe(time.Since(runStart).Seconds())
	if err != nil {
		metrics.CorrelatorErrorsTotal.WithLabelValues(correlationErrorKind(err)).Inc()
		l.logger.Warn("sweep correlation failed", "error", err)
		return
	}

	res.ComputedAt = now
	l.lastCorrelation = &res
	metrics.CorrelatorConfidence.Set(res.Confidence)
	metrics.CorrelatorOffset.Set(float64(res.Offset))
	l.logger.Debug("sweep located", "offset", res.Offset, "confidence", res.Confidence)
}

func correlationErrorKind(err error) string {
	var insufficient *correlator.InsufficientDataError
	var degenerate *correlator.DegenerateReferenceError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_data"
	case errors.As(err, &degenerate):
		return "degenerate_reference"
	default:
		return "internal"
	}
}

// publish emits the tick's view of the world. Input frames go out
// before the status frame so a recording replays with the same inputs
// the recorded tick consumed.
func (l *Loop) publish(ctx context.Context, now time.Time, in runlevel.Inputs, status telemetry.StatusPayload) {
	l.publisher.Emit(ctx, now, telemetry.FrameReadings, in.Health)
	l.publisher.Emit(ctx, now, telemetry.FrameFlags, in.Events)
	if in.Correlation != nil {
		l.publisher.Emit(ctx, now, telemetry.FrameCorrelation, in.Correlation)
	}
	if l.host != nil {
		if cpu, mem, ok := l.host.LastLoad(); ok {
			l.publisher.Emit(ctx, now, telemetry.FrameHost, telemetry.HostPayload{
				CPUPercent:    cpu,
				MemoryPercent: mem,
				Feeds:         l.tracker.Sources(now),
			})
		}
	}
	l.publisher.Emit(ctx, now, telemetry.FrameStatus, status)
}

// annunciate raises ground alerts for the decisions worth waking
// someone over. Sends leave the tick goroutine; the annunciator's
// cooldown absorbs repeats of the same fault.
func (l *Loop) annunciate(diag runlevel.Diagnostics) {
	var a alert.Alert
	switch diag.Decision {
	case runlevel.DecisionDowngradeHealth, runlevel.DecisionDowngradeStale, runlevel.DecisionDowngradeAckTimeout:
		l.degraded = true
		l.degradedFrom = diag.From
		a = alert.Alert{
			Type:    alert.AlertTypeDowngrade,
			Level:   diag.From.String(),
			Title:   "Fail-safe downgrade",
			Message: diag.Fault,
			Fields:  map[string]string{"decision": diag.Decision, "to": diag.Level.String()},
		}
	case runlevel.DecisionLockAbandoned:
		l.degraded = true
		l.degradedFrom = diag.From
		a = alert.Alert{
			Type:    alert.AlertTypeLockAbandoned,
			Level:   diag.From.String(),
			Title:   "Lock acquisition abandoned",
			Message: diag.Fault,
			Fields:  map[string]string{"retries": strconv.Itoa(diag.RetryCount)},
		}
	case runlevel.DecisionShutdownRequested:
		a = alert.Alert{
			Type:    alert.AlertTypeShutdown,
			Level:   diag.From.String(),
			Title:   "Shutdown requested",
			Message: diag.Fault,
		}
	default:
		if !l.degraded || !diag.LevelChanged || diag.Level < l.degradedFrom {
			return
		}
		l.degraded = false
		a = alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Level:   diag.Level.String(),
			Title:   "Experiment recovered",
			Message: fmt.Sprintf("back at %s", diag.Level),
		}
	}

	// Alerts outlive the tick that raised them; channel timeouts bound
	// the send.
	go func() { _ = l.alerter.Send(context.Background(), a) }()
}
