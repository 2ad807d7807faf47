package experiment

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimitri/jokarus/internal/actuation"
	"github.com/trimitri/jokarus/internal/alert"
	"github.com/trimitri/jokarus/internal/correlator"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/health"
	"github.com/trimitri/jokarus/internal/runlevel"
	"github.com/trimitri/jokarus/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubEvents struct {
	mu sync.Mutex
	ev model.FlightEvents
}

func (s *stubEvents) Current() model.FlightEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ev
}

func (s *stubEvents) set(ev model.FlightEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ev = ev
}

type stubSweeps struct {
	mu    sync.Mutex
	sweep model.Sweep
	ok    bool
}

func (s *stubSweeps) LatestSweep() (model.Sweep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep, s.ok
}

func (s *stubSweeps) set(sweep model.Sweep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep = sweep
	s.ok = true
}

// stubDispatcher records dispatched sequences and hands back whatever
// the test staged as the next collect report.
type stubDispatcher struct {
	mu         sync.Mutex
	dispatched [][]model.Command
	acked      []uuid.UUID
	overdue    []*actuation.TimeoutError
	pending    int
}

func (d *stubDispatcher) Dispatch(_ context.Context, cmds []model.Command, _ time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, cmds)
}

func (d *stubDispatcher) Collect(_ time.Time) ([]uuid.UUID, []*actuation.TimeoutError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acked, overdue := d.acked, d.overdue
	d.acked, d.overdue = nil, nil
	return acked, overdue
}

func (d *stubDispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *stubDispatcher) stageAck(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = append(d.acked, id)
}

func (d *stubDispatcher) stageOverdue(cmd model.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overdue = append(d.overdue, &actuation.TimeoutError{Command: cmd})
}

func (d *stubDispatcher) sequences() [][]model.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]model.Command, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) byType(t alert.AlertType) []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Alert
	for _, a := range r.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type recordedFrame struct {
	kind telemetry.FrameKind
}

type recordingSink struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (s *recordingSink) Publish(_ context.Context, kind telemetry.FrameKind, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, recordedFrame{kind: kind})
	return nil
}

func (s *recordingSink) kinds() []telemetry.FrameKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.FrameKind, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.kind
	}
	return out
}

// quickConfig keeps every dwell short enough that a test can walk the
// ladder with millisecond sleeps.
func quickConfig() runlevel.Config {
	return runlevel.Config{
		StaleAfter:          2 * time.Second,
		AmbientDwell:        time.Millisecond,
		HotDwell:            time.Millisecond,
		LockDwell:           time.Millisecond,
		TimerDwell:          time.Minute,
		ConfidenceThreshold: 0.8,
		MaxRetries:          3,
		MaxTuneJumps:        3,
		EngageTimeout:       time.Second,
		CurrentTolerance:    0.02,
		TunePrecision:       50,
		MHzPerSample:        1,
		TargetOffset:        160,
	}
}

func allSubsystems() []model.SubsystemID {
	ids := append([]model.SubsystemID{}, model.OscillatorTecs()...)
	ids = append(ids, model.LaserDiodes()...)
	return append(ids, model.SubsystemLockbox)
}

// reportAllHealthy feeds the tracker a good reading for every unit.
func reportAllHealthy(tr *health.Tracker) {
	for _, id := range allSubsystems() {
		tr.Report(id, model.SubsystemHealth{
			Enabled:       true,
			TemperatureOK: true,
			Current:       0.25,
			Setpoint:      0.25,
			UpdatedAt:     time.Now(),
		})
	}
}

// singleLineSpectrum is quiet everywhere except one broad line, the same
// shape the correlator fixtures use.
func singleLineSpectrum(n, at, width int) []float64 {
	ref := make([]float64, n)
	for i := 0; i < width; i++ {
		s := math.Sin(math.Pi * float64(i) / float64(width))
		ref[at+i] = 0.2 + 0.8*s*s
	}
	return ref
}

func correlatorReference(samples []float64) (*correlator.Reference, error) {
	return correlator.NewReference(samples, 1.0, 0.1)
}

type fixture struct {
	loop       *Loop
	ctrl       *runlevel.Controller
	tracker    *health.Tracker
	events     *stubEvents
	sweeps     *stubSweeps
	dispatcher *stubDispatcher
	alerter    *recordingAlerter
	sink       *recordingSink
}

func newFixture(t *testing.T, level model.Level, mode model.OverrideMode) *fixture {
	t.Helper()
	f := &fixture{
		ctrl:       runlevel.NewAt(quickConfig(), level, mode),
		tracker:    health.NewTracker(2*time.Second, allSubsystems()...),
		events:     &stubEvents{},
		sweeps:     &stubSweeps{},
		dispatcher: &stubDispatcher{},
		alerter:    &recordingAlerter{},
		sink:       &recordingSink{},
	}
	// Nanosecond keepalive so the byte dedup never swallows a frame.
	pub := telemetry.NewPublisher(telemetry.PublisherConfig{Keepalive: time.Nanosecond}, testLogger(), f.sink)
	f.loop = New(Config{}, f.ctrl, f.dispatcher, f.tracker, f.events, f.sweeps, pub, testLogger()).
		WithAlerter(f.alerter)
	return f
}

func (f *fixture) tick() {
	f.loop.runTick(context.Background())
}

func TestLoop_TickWalksBootLadder(t *testing.T) {
	f := newFixture(t, model.LevelUndefined, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	f.tick()
	assert.Equal(t, model.LevelShutdown, f.ctrl.Level(), "first complete snapshot resolves the power-on level")

	f.tick()
	assert.Equal(t, model.LevelStandby, f.ctrl.Level())

	f.tick()
	assert.Equal(t, model.LevelStandby, f.ctrl.Level(), "standby holds until the operator arms")

	f.loop.Activate()
	f.tick()
	assert.Equal(t, model.LevelAmbient, f.ctrl.Level())

	seqs := f.dispatcher.sequences()
	require.NotEmpty(t, seqs)
	entry := seqs[len(seqs)-1]
	require.Len(t, entry, len(model.OscillatorTecs()), "ambient entry powers every TEC")
	for _, cmd := range entry {
		assert.Equal(t, model.ActionEnableTec, cmd.Action)
	}
}

func TestLoop_StatusSnapshotTracksTicks(t *testing.T) {
	f := newFixture(t, model.LevelUndefined, model.OverrideAutomatic)

	seeded := f.loop.StatusSnapshot()
	assert.Equal(t, "undefined", seeded.Level)
	assert.Equal(t, "automatic", seeded.Mode)
	assert.Empty(t, seeded.Decision, "no tick has run yet")

	reportAllHealthy(f.tracker)
	f.tick()

	got := f.loop.StatusSnapshot()
	assert.Equal(t, "shutdown", got.Level)
	assert.Equal(t, runlevel.DecisionAdvance, got.Decision)
}

func TestLoop_DowngradeRaisesAlert(t *testing.T) {
	f := newFixture(t, model.LevelHot, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	f.tracker.Report(model.SubsystemTecMiob, model.SubsystemHealth{
		Enabled:       true,
		TemperatureOK: false,
		UpdatedAt:     time.Now(),
	})
	f.tick()

	assert.Equal(t, model.LevelStandby, f.ctrl.Level())
	require.Eventually(t, func() bool {
		return len(f.alerter.byType(alert.AlertTypeDowngrade)) == 1
	}, time.Second, 5*time.Millisecond)

	a := f.alerter.byType(alert.AlertTypeDowngrade)[0]
	assert.Equal(t, "hot", a.Level)
	assert.Equal(t, runlevel.DecisionDowngradeHealth, a.Fields["decision"])
	assert.Equal(t, "standby", a.Fields["to"])

	seqs := f.dispatcher.sequences()
	require.NotEmpty(t, seqs, "the downgrade dispatches the disarm sequence")
}

func TestLoop_OverdueCommandDowngradesAndAlerts(t *testing.T) {
	f := newFixture(t, model.LevelAmbient, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	late := model.NewCommand(model.SubsystemTecMiob, model.ActionEnableTec, 1).Stamped(time.Now())
	f.dispatcher.stageOverdue(late)
	f.tick()

	assert.Equal(t, model.LevelStandby, f.ctrl.Level())
	require.Eventually(t, func() bool {
		alerts := f.alerter.byType(alert.AlertTypeDowngrade)
		return len(alerts) == 1 && alerts[0].Fields["decision"] == runlevel.DecisionDowngradeAckTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestLoop_RecoveryAlertAfterClimbBack(t *testing.T) {
	f := newFixture(t, model.LevelHot, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)
	f.events.set(model.FlightEvents{Liftoff: true, ReceivedAt: time.Now()})

	f.tracker.Report(model.SubsystemTecMiob, model.SubsystemHealth{
		Enabled:       true,
		TemperatureOK: false,
		UpdatedAt:     time.Now(),
	})
	f.tick()
	require.Equal(t, model.LevelStandby, f.ctrl.Level())

	reportAllHealthy(f.tracker)
	f.loop.Activate()
	f.tick()
	require.Equal(t, model.LevelAmbient, f.ctrl.Level())
	assert.Empty(t, f.alerter.byType(alert.AlertTypeRecovery), "ambient is still below the level the fault hit")

	// The ambient dwell is 1ms in this profile; one sleep covers it.
	time.Sleep(5 * time.Millisecond)
	f.tick()
	require.Equal(t, model.LevelHot, f.ctrl.Level())

	require.Eventually(t, func() bool {
		return len(f.alerter.byType(alert.AlertTypeRecovery)) == 1
	}, time.Second, 5*time.Millisecond)
	a := f.alerter.byType(alert.AlertTypeRecovery)[0]
	assert.Equal(t, "hot", a.Level)
}

func TestLoop_ShutdownRequestAlerts(t *testing.T) {
	f := newFixture(t, model.LevelAmbient, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)
	f.events.set(model.FlightEvents{Off: true, ReceivedAt: time.Now()})

	f.tick()

	assert.Equal(t, model.LevelShutdown, f.ctrl.Level())
	require.Eventually(t, func() bool {
		return len(f.alerter.byType(alert.AlertTypeShutdown)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLoop_PrelockCorrelatesAndEngages(t *testing.T) {
	f := newFixture(t, model.LevelPrelock, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	raw := singleLineSpectrum(400, 160, 80)
	ref, err := correlatorReference(raw)
	require.NoError(t, err)
	f.loop.WithReference(ref)

	// Sweep is an exact slice over the line, so the match lands on the
	// configured target offset with full confidence.
	positions := make([]float64, 80)
	for i := range positions {
		positions[i] = 160 + float64(i)
	}
	f.sweeps.set(model.Sweep{
		Positions:  positions,
		Amplitudes: raw[160:240],
		ReceivedAt: time.Now(),
	})

	f.tick()
	assert.Equal(t, model.LevelPrelock, f.ctrl.Level(), "engage issued, waiting for the lockbox ack")

	status := f.loop.StatusSnapshot()
	assert.Equal(t, runlevel.DecisionEngageLock, status.Decision)
	assert.True(t, status.EngagePending)

	seqs := f.dispatcher.sequences()
	require.NotEmpty(t, seqs)
	engage := seqs[len(seqs)-1]
	require.Len(t, engage, 4)
	assert.Equal(t, model.ActionSwitchLock, engage[1].Action)

	f.dispatcher.stageAck(engage[1].ID)
	f.tick()
	assert.Equal(t, model.LevelLock, f.ctrl.Level())
}

func TestLoop_CorrelatesOnlyOnNewSweeps(t *testing.T) {
	f := newFixture(t, model.LevelPrelock, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	raw := singleLineSpectrum(400, 160, 80)
	ref, err := correlatorReference(raw)
	require.NoError(t, err)
	f.loop.WithReference(ref)

	f.tick()
	assert.Nil(t, f.loop.lastCorrelation, "no sweep seen yet")

	positions := make([]float64, 80)
	for i := range positions {
		positions[i] = 160 + float64(i)
	}
	f.sweeps.set(model.Sweep{Positions: positions, Amplitudes: raw[160:240], ReceivedAt: time.Now()})

	f.tick()
	first := f.loop.lastCorrelation
	require.NotNil(t, first)

	// Same sweep again: the scorer must not rerun.
	f.tick()
	assert.Same(t, first, f.loop.lastCorrelation)
}

func TestLoop_NoCorrelationBelowPrelock(t *testing.T) {
	f := newFixture(t, model.LevelStandby, model.OverrideManual)
	reportAllHealthy(f.tracker)

	raw := singleLineSpectrum(400, 160, 80)
	ref, err := correlatorReference(raw)
	require.NoError(t, err)
	f.loop.WithReference(ref)

	positions := make([]float64, 80)
	for i := range positions {
		positions[i] = 160 + float64(i)
	}
	f.sweeps.set(model.Sweep{Positions: positions, Amplitudes: raw[160:240], ReceivedAt: time.Now()})

	f.tick()
	assert.Nil(t, f.loop.lastCorrelation, "sweeps are scored at prelock only")
}

func TestLoop_ForceLevelRejectionAlerts(t *testing.T) {
	f := newFixture(t, model.LevelStandby, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)
	f.tick()

	before := len(f.dispatcher.sequences())
	err := f.loop.ForceLevel(context.Background(), model.LevelAmbient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual override required")

	require.Eventually(t, func() bool {
		return len(f.alerter.byType(alert.AlertTypeCommandRejected)) == 1
	}, time.Second, 5*time.Millisecond)
	a := f.alerter.byType(alert.AlertTypeCommandRejected)[0]
	assert.Equal(t, "standby", a.Level)
	assert.Equal(t, "ambient", a.Fields["target"])
	assert.Len(t, f.dispatcher.sequences(), before, "a rejected jump dispatches nothing")
}

func TestLoop_ForceLevelDispatchesEntrySequence(t *testing.T) {
	f := newFixture(t, model.LevelStandby, model.OverrideManual)
	reportAllHealthy(f.tracker)
	f.tick()

	require.NoError(t, f.loop.ForceLevel(context.Background(), model.LevelAmbient))
	assert.Equal(t, model.LevelAmbient, f.ctrl.Level())

	seqs := f.dispatcher.sequences()
	require.NotEmpty(t, seqs)
	entry := seqs[len(seqs)-1]
	require.Len(t, entry, len(model.OscillatorTecs()))
	for _, cmd := range entry {
		assert.Equal(t, model.ActionEnableTec, cmd.Action)
	}
}

func TestLoop_ForceLevelSameTargetIsANoOp(t *testing.T) {
	f := newFixture(t, model.LevelStandby, model.OverrideManual)
	reportAllHealthy(f.tracker)
	f.tick()

	before := len(f.dispatcher.sequences())
	require.NoError(t, f.loop.ForceLevel(context.Background(), model.LevelStandby))
	assert.Len(t, f.dispatcher.sequences(), before)
	assert.Empty(t, f.alerter.byType(alert.AlertTypeCommandRejected))
}

func TestLoop_PublishOrderEndsWithStatus(t *testing.T) {
	f := newFixture(t, model.LevelUndefined, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	f.tick()
	time.Sleep(time.Millisecond)
	f.tick()

	kinds := f.sink.kinds()
	require.GreaterOrEqual(t, len(kinds), 6)

	var statusFrames int
	for i, kind := range kinds {
		if kind == telemetry.FrameStatus {
			statusFrames++
			require.Greater(t, i, 0)
			assert.NotEqual(t, telemetry.FrameStatus, kinds[i-1], "input frames precede every status frame")
		}
	}
	assert.Equal(t, 2, statusFrames, "every tick closes with a status frame")
	assert.Equal(t, telemetry.FrameReadings, kinds[0])
	assert.Equal(t, telemetry.FrameStatus, kinds[len(kinds)-1])
}

func TestLoop_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, model.LevelUndefined, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.loop.StatusSnapshot().Decision != ""
	}, time.Second, 5*time.Millisecond, "the first tick fires immediately")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestLoop_HealthSnapshotsIncludeFeeds(t *testing.T) {
	f := newFixture(t, model.LevelStandby, model.OverrideAutomatic)
	reportAllHealthy(f.tracker)

	report, ok := f.loop.HealthSnapshots().(healthReport)
	require.True(t, ok)
	assert.Len(t, report.Feeds, len(allSubsystems()))
	assert.Nil(t, report.Bus, "no bus attached in this fixture")
	for id, snap := range report.Feeds {
		assert.Equal(t, health.StatusHealthy, snap.Status, "feed %s", id)
	}
}
