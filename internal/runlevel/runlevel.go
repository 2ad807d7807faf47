// Package runlevel decides, once per evaluation tick, whether the
// experiment holds, advances, retracts or forces its operating level.
// The controller owns the level, the override mode, the dwell timers and
// the retry counters; everything else reaches it as a read-only snapshot.
// Tick never blocks and is deterministic in its inputs, so a recorded
// flight can be replayed against it bit for bit.
package runlevel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// Config carries the operational tuning of a flight profile. None of
// these are algorithmic invariants; they come from configuration.
type Config struct {
	// StaleAfter is the age beyond which a health entry counts as failed.
	StaleAfter time.Duration

	// AmbientDwell is how long all TECs must hold temperature before the
	// diodes may be powered.
	AmbientDwell time.Duration
	// HotDwell is how long the diode currents must sit inside tolerance
	// before lock acquisition may start.
	HotDwell time.Duration
	// LockDwell is how long the lock must hold without a relock before
	// the level reads balanced.
	LockDwell time.Duration
	// TimerDwell is the per-level forced-advance period in timer
	// override, the forward-progress guarantee when launcher telemetry
	// is lost.
	TimerDwell time.Duration

	ConfidenceThreshold float64
	MaxRetries          int
	// MaxTuneJumps bounds the frequency corrections spent per lock
	// attempt; exhausting them consumes a retry.
	MaxTuneJumps int
	// EngageTimeout is the acknowledgment deadline on the integrator
	// engage command.
	EngageTimeout time.Duration

	// CurrentTolerance is the allowed deviation of a diode current from
	// its setpoint, in ampere.
	CurrentTolerance float64
	// TunePrecision is the detune, in MHz, within which the engage
	// sequence may start.
	TunePrecision float64
	// MHzPerSample converts a correlation offset into a detune.
	MHzPerSample float64
	// TargetOffset is the reference-spectrum index of the transition the
	// lock should capture.
	TargetOffset int
}

// Inputs is everything one evaluation tick may consume.
type Inputs struct {
	Now    time.Time
	Health model.HealthSnapshot
	Events model.FlightEvents
	// Correlation is the latest completed sweep match, nil when no sweep
	// has finished yet.
	Correlation *model.CorrelationResult
	// Acked and Overdue are dispatcher reports about previously issued
	// commands.
	Acked   []uuid.UUID
	Overdue []uuid.UUID
}

// Diagnostics describes what one tick decided and why.
type Diagnostics struct {
	From          model.Level
	Level         model.Level
	LevelChanged  bool
	Mode          model.OverrideMode
	Decision      string
	Fault         string
	RetryCount    int
	TuneJumpsLeft int
	GuardHeld     time.Duration
	TimeInLevel   time.Duration
	EngagePending bool
}

// Decision strings name what one tick chose to do. They go to ground
// in every status frame; renaming one breaks flight tooling.
const (
	DecisionHold                = "hold"
	DecisionAdvance             = "advance"
	DecisionForcedAdvance       = "forced_advance"
	DecisionHoldManualOverride  = "hold_manual_override"
	DecisionHoldAwaitingSweep   = "hold_awaiting_sweep"
	DecisionHoldEngagePending   = "hold_engage_pending"
	DecisionHoldOffAsserted     = "hold_off_asserted"
	DecisionEngageLock          = "engage_lock"
	DecisionRetuneJump          = "retune_jump"
	DecisionRetryLowConfidence  = "retry_low_confidence"
	DecisionRetryJumpBudget     = "retry_jump_budget"
	DecisionLockAbandoned       = "lock_abandoned"
	DecisionDowngradeHealth     = "downgrade_health"
	DecisionDowngradeStale      = "downgrade_stale"
	DecisionDowngradeAckTimeout = "downgrade_ack_timeout"
	DecisionShutdownRequested   = "shutdown_requested"
)

// Lock hand-off timing: ramp off, lock on, then the slow integrator
// stages with the loop already closed.
const (
	engageStage2Delay = 500 * time.Millisecond
	engageStage1Delay = 2 * time.Second
	diodePowerDelay   = time.Second
)

// Controller is the runlevel state machine. All mutation happens on the
// single evaluation task; operator calls are serialized by the owner.
type Controller struct {
	cfg Config

	level    model.Level
	mode     model.OverrideMode
	activate bool

	lastTick   time.Time
	lastHealth model.HealthSnapshot
	lastEvents model.FlightEvents

	// timeInLevel and guardHeld are accumulated tick deltas, not
	// wall-clock deadlines, so manual override can freeze them and a
	// later return to automatic resumes rather than resets.
	timeInLevel time.Duration
	guardHeld   time.Duration

	retries        int
	jumpsLeft      int
	attemptStarted time.Time

	engagePending bool
	engageAcked   bool
	engageID      uuid.UUID
	engagedAt     time.Time

	hasCorrelation bool
	lastConfidence float64
}

// New returns a controller at power-on state.
func New(cfg Config) *Controller {
	return NewAt(cfg, model.LevelUndefined, model.OverrideAutomatic)
}

// NewAt seeds the controller at a known level, used when the process
// restarts mid-flight and the level is reconstructed from hardware state.
func NewAt(cfg Config, level model.Level, mode model.OverrideMode) *Controller {
	cfg = cfg.withDefaults()
	if !level.Known() {
		level = model.LevelUndefined
	}
	if !mode.Known() {
		mode = model.OverrideAutomatic
	}
	return &Controller{
		cfg:       cfg,
		level:     level,
		mode:      mode,
		jumpsLeft: cfg.MaxTuneJumps,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Second
	}
	if cfg.AmbientDwell <= 0 {
		cfg.AmbientDwell = 5 * time.Second
	}
	if cfg.HotDwell <= 0 {
		cfg.HotDwell = 5 * time.Second
	}
	if cfg.LockDwell <= 0 {
		cfg.LockDwell = 10 * time.Second
	}
	if cfg.TimerDwell <= 0 {
		cfg.TimerDwell = 30 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxTuneJumps <= 0 {
		cfg.MaxTuneJumps = 3
	}
	if cfg.EngageTimeout <= 0 {
		cfg.EngageTimeout = 5 * time.Second
	}
	if cfg.CurrentTolerance <= 0 {
		cfg.CurrentTolerance = 0.02
	}
	if cfg.TunePrecision <= 0 {
		cfg.TunePrecision = 50
	}
	if cfg.MHzPerSample <= 0 {
		cfg.MHzPerSample = 1
	}
	if cfg.TargetOffset < 0 {
		cfg.TargetOffset = 0
	}
	return cfg
}

// UpdateConfig swaps the tuning mid-run, typically after a mission
// profile edit on the bench. The level, override mode, timers and any
// retry budget already in progress survive; only thresholds and dwell
// lengths change. The caller serializes this against Tick like every
// other mutation.
func (c *Controller) UpdateConfig(cfg Config) {
	c.cfg = cfg.withDefaults()
}

// Level returns the current runlevel.
func (c *Controller) Level() model.Level { return c.level }

// Mode returns the operator-set override mode. The effective mode per
// tick may be higher when an override wire is asserted.
func (c *Controller) Mode() model.OverrideMode { return c.mode }

// RetryCount returns the lock attempts consumed so far.
func (c *Controller) RetryCount() int { return c.retries }

// Activate latches the ground command that permits leaving standby.
// Fail-safe downgrades clear the latch; the operator must re-arm.
func (c *Controller) Activate() { c.activate = true }

// SetOverrideMode switches the override mode. Always permitted.
// Entering manual override freezes the dwell timers in place.
func (c *Controller) SetOverrideMode(mode model.OverrideMode) error {
	if !mode.Known() {
		return fmt.Errorf("unknown override mode %q", mode)
	}
	c.mode = mode
	return nil
}

// ResetRetryCounter restores the full retry and jump budgets.
func (c *Controller) ResetRetryCounter() {
	c.retries = 0
	c.jumpsLeft = c.cfg.MaxTuneJumps
}

// Tick runs one evaluation. It is a pure function of controller state
// plus inputs: no clock reads, no I/O, never blocks. Fail-safe rules run
// before any forward logic and are never overridable.
func (c *Controller) Tick(in Inputs) (model.Level, []model.Command, Diagnostics) {
	if c.retries < 0 || c.jumpsLeft < 0 {
		panic(fmt.Sprintf("runlevel: corrupted counters retries=%d jumps=%d", c.retries, c.jumpsLeft))
	}

	delta := time.Duration(0)
	if !c.lastTick.IsZero() && in.Now.After(c.lastTick) {
		delta = in.Now.Sub(c.lastTick)
	}
	c.lastTick = in.Now
	c.lastHealth = in.Health
	c.lastEvents = in.Events
	if in.Correlation != nil {
		c.hasCorrelation = true
		c.lastConfidence = in.Correlation.Confidence
	}

	mode := c.effectiveMode(in.Events)
	from := c.level

	// The service module off line ends the experiment in every mode.
	if in.Events.Off {
		if c.level > model.LevelShutdown {
			cmds := c.enterLevel(model.LevelShutdown, in.Now)
			return c.report(from, mode, DecisionShutdownRequested, "off line asserted", cmds)
		}
		c.timeInLevel += delta
		return c.report(from, mode, DecisionHoldOffAsserted, "", nil)
	}

	if c.level >= model.LevelAmbient {
		if len(in.Overdue) > 0 || (c.engagePending && in.Now.Sub(c.engagedAt) > c.cfg.EngageTimeout) {
			cmds := c.enterLevel(model.LevelStandby, in.Now)
			return c.report(from, mode, DecisionDowngradeAckTimeout, "actuation unacknowledged past deadline", cmds)
		}
		if err := c.monitoredFault(in); err != nil {
			decision := DecisionDowngradeHealth
			var stale *model.StaleDataError
			if errors.As(err, &stale) {
				decision = DecisionDowngradeStale
			}
			cmds := c.enterLevel(model.LevelStandby, in.Now)
			return c.report(from, mode, decision, err.Error(), cmds)
		}
	}

	if mode == model.OverrideManual {
		// Flight events were recorded above but drive nothing; dwell
		// timers stay frozen until the mode drops back.
		return c.report(from, mode, DecisionHoldManualOverride, "", nil)
	}

	c.timeInLevel += delta

	if c.level == model.LevelPrelock {
		return c.prelockTick(in, from, mode)
	}

	ok, dwell, eventOK := c.forwardGuard(in)
	if ok {
		c.guardHeld += delta
	} else {
		c.guardHeld = 0
	}

	next := c.level.Next()
	canAdvance := next > c.level
	if canAdvance && mode == model.OverrideTimer && in.Events.RequestedLevel != nil && next > *in.Events.RequestedLevel {
		canAdvance = false
	}

	if canAdvance && ok && c.guardHeld >= dwell && (mode != model.OverrideAutomatic || eventOK) {
		cmds := c.enterLevel(next, in.Now)
		return c.report(from, mode, DecisionAdvance, "", cmds)
	}
	if canAdvance && mode == model.OverrideTimer && c.timeInLevel >= c.cfg.TimerDwell {
		cmds := c.enterLevel(next, in.Now)
		return c.report(from, mode, DecisionForcedAdvance, "", cmds)
	}
	return c.report(from, mode, DecisionHold, "", nil)
}

// ForceLevel jumps the ladder on operator request. Permitted only under
// manual override, and only when the target's prerequisites hold; the
// fail-safe rules still apply on the following ticks.
func (c *Controller) ForceLevel(target model.Level) ([]model.Command, error) {
	if c.effectiveMode(c.lastEvents) != model.OverrideManual {
		return nil, &InvalidTransitionError{From: c.level, To: target, Reason: "manual override required"}
	}
	if !target.Known() || target == model.LevelUndefined {
		return nil, &InvalidTransitionError{From: c.level, To: target, Reason: "not a reachable level"}
	}
	if target == c.level {
		return nil, nil
	}
	now := c.lastTick
	if target >= model.LevelAmbient && !c.lastHealth.Complete(requiredSubsystems()) {
		return nil, &InvalidTransitionError{From: c.level, To: target, Reason: "not all subsystems reporting"}
	}
	if target >= model.LevelHot {
		if err := c.lastHealth.Fault(model.OscillatorTecs(), now, c.cfg.StaleAfter); err != nil {
			return nil, &InvalidTransitionError{From: c.level, To: target, Reason: err.Error()}
		}
	}
	if target >= model.LevelPrelock {
		if err := c.lastHealth.Fault(model.LaserDiodes(), now, c.cfg.StaleAfter); err != nil {
			return nil, &InvalidTransitionError{From: c.level, To: target, Reason: err.Error()}
		}
	}
	if target >= model.LevelLock && (!c.hasCorrelation || c.lastConfidence < c.cfg.ConfidenceThreshold) {
		return nil, &InvalidTransitionError{From: c.level, To: target, Reason: "no qualifying correlation result"}
	}
	return c.enterLevel(target, now), nil
}

func (c *Controller) prelockTick(in Inputs, from model.Level, mode model.OverrideMode) (model.Level, []model.Command, Diagnostics) {
	if c.retries >= c.cfg.MaxRetries {
		cmds := c.enterLevel(model.LevelStandby, in.Now)
		return c.report(from, mode, DecisionLockAbandoned, "retry budget exhausted", cmds)
	}

	if c.engagePending {
		if containsID(in.Acked, c.engageID) {
			c.engagePending = false
			c.engageAcked = true
			c.retries = 0
			cmds := c.enterLevel(model.LevelLock, in.Now)
			return c.report(from, mode, DecisionAdvance, "", cmds)
		}
		return c.report(from, mode, DecisionHoldEngagePending, "", nil)
	}

	if mode == model.OverrideTimer && c.timeInLevel >= c.cfg.TimerDwell {
		if in.Events.RequestedLevel == nil || *in.Events.RequestedLevel > model.LevelPrelock {
			cmds := c.enterLevel(model.LevelLock, in.Now)
			return c.report(from, mode, DecisionForcedAdvance, "", cmds)
		}
	}

	res := in.Correlation
	if res == nil || !res.ComputedAt.After(c.attemptStarted) {
		return c.report(from, mode, DecisionHoldAwaitingSweep, "", nil)
	}
	if res.Confidence < c.cfg.ConfidenceThreshold {
		c.retries++
		c.jumpsLeft = c.cfg.MaxTuneJumps
		c.attemptStarted = in.Now
		fault := fmt.Sprintf("confidence %.3f below %.3f", res.Confidence, c.cfg.ConfidenceThreshold)
		return c.report(from, mode, DecisionRetryLowConfidence, fault, nil)
	}

	detune := (float64(res.Offset) - float64(c.cfg.TargetOffset)) * c.cfg.MHzPerSample
	if math.Abs(detune) > c.cfg.TunePrecision {
		if c.jumpsLeft > 0 {
			c.jumpsLeft--
			c.attemptStarted = in.Now
			cmd := model.NewCommand(model.SubsystemLockbox, model.ActionSetOffset, -detune).Stamped(in.Now)
			return c.report(from, mode, DecisionRetuneJump, "", []model.Command{cmd})
		}
		c.retries++
		c.jumpsLeft = c.cfg.MaxTuneJumps
		c.attemptStarted = in.Now
		return c.report(from, mode, DecisionRetryJumpBudget, "jump budget spent outside tuning precision", nil)
	}

	cmds := stamp(c.engageCommands(), in.Now)
	c.engagePending = true
	c.engageID = cmds[1].ID
	c.engagedAt = in.Now
	return c.report(from, mode, DecisionEngageLock, "", cmds)
}

// forwardGuard evaluates the current level's advance condition. eventOK
// is the flight-event requirement that applies in automatic mode only.
func (c *Controller) forwardGuard(in Inputs) (ok bool, dwell time.Duration, eventOK bool) {
	switch c.level {
	case model.LevelUndefined:
		return in.Health.Complete(requiredSubsystems()), 0, true
	case model.LevelShutdown:
		return c.allFresh(in) == nil, 0, true
	case model.LevelStandby:
		requested := in.Events.RequestedLevel != nil && *in.Events.RequestedLevel >= model.LevelAmbient
		return (c.activate || requested) && c.allFresh(in) == nil, 0, true
	case model.LevelAmbient:
		return in.Health.Fault(model.OscillatorTecs(), in.Now, c.cfg.StaleAfter) == nil,
			c.cfg.AmbientDwell, in.Events.Liftoff
	case model.LevelHot:
		for _, id := range model.LaserDiodes() {
			if err := in.Health.OK(id, in.Now, c.cfg.StaleAfter); err != nil {
				return false, c.cfg.HotDwell, in.Events.MicrogravityGo
			}
			h, _ := in.Health.Get(id)
			if !h.CurrentInTolerance(c.cfg.CurrentTolerance) {
				return false, c.cfg.HotDwell, in.Events.MicrogravityGo
			}
		}
		return true, c.cfg.HotDwell, in.Events.MicrogravityGo
	case model.LevelLock:
		return in.Health.OK(model.SubsystemLockbox, in.Now, c.cfg.StaleAfter) == nil,
			c.cfg.LockDwell, true
	default:
		return false, 0, false
	}
}

// monitoredFault checks the interlock set for the current level. The set
// grows with the ladder: what was prerequisite to reach a level is what
// gets monitored while at it. The lockbox is deliberately absent so a
// relock interrupts the balance dwell without collapsing the level.
func (c *Controller) monitoredFault(in Inputs) error {
	for _, id := range model.OscillatorTecs() {
		if c.level >= model.LevelHot {
			if err := in.Health.OK(id, in.Now, c.cfg.StaleAfter); err != nil {
				return err
			}
			continue
		}
		if err := in.Health.Fresh(id, in.Now, c.cfg.StaleAfter); err != nil {
			return err
		}
		if h, _ := in.Health.Get(id); !h.TemperatureOK {
			return fmt.Errorf("%s temperature out of range", id)
		}
	}
	if c.level >= model.LevelPrelock {
		for _, id := range model.LaserDiodes() {
			if err := in.Health.OK(id, in.Now, c.cfg.StaleAfter); err != nil {
				return err
			}
		}
	} else if c.level >= model.LevelHot {
		for _, id := range model.LaserDiodes() {
			if err := in.Health.Fresh(id, in.Now, c.cfg.StaleAfter); err != nil {
				return err
			}
		}
	}
	return nil
}

// enterLevel switches the level, resets the per-level clocks and returns
// the entry actuation for the new level, stamped with now.
func (c *Controller) enterLevel(to model.Level, now time.Time) []model.Command {
	from := c.level
	c.level = to
	c.timeInLevel = 0
	c.guardHeld = 0

	var cmds []model.Command
	switch to {
	case model.LevelShutdown, model.LevelStandby:
		c.retries = 0
		c.jumpsLeft = c.cfg.MaxTuneJumps
		c.engagePending = false
		c.engageAcked = false
		c.engageID = uuid.Nil
		c.activate = false
		cmds = disarmCommands()
	case model.LevelAmbient:
		for _, id := range model.OscillatorTecs() {
			cmds = append(cmds, model.NewCommand(id, model.ActionEnableTec, 1))
		}
	case model.LevelHot:
		cmds = append(cmds,
			model.NewCommand(model.SubsystemDiodeMo, model.ActionEnableDiode, 1),
			model.NewCommand(model.SubsystemDiodePa, model.ActionEnableDiode, 1).Delayed(diodePowerDelay),
		)
	case model.LevelPrelock:
		c.attemptStarted = now
		c.jumpsLeft = c.cfg.MaxTuneJumps
		c.engagePending = false
		c.engageAcked = false
		c.engageID = uuid.Nil
		cmds = append(cmds,
			model.NewCommand(model.SubsystemLockbox, model.ActionSwitchLock, 0),
			model.NewCommand(model.SubsystemLockbox, model.ActionSwitchRamp, 1),
		)
	case model.LevelLock:
		// The retry counter is reset by the acknowledged-engage path, not
		// here: a timer-forced entry keeps the attempts already spent.
		c.jumpsLeft = c.cfg.MaxTuneJumps
		if !c.engagePending && !c.engageAcked && from != model.LevelLock {
			// Forced entry without a prior engage; issue it now and track
			// the acknowledgment deadline like any other engage.
			cmds = c.engageCommands()
			c.engagePending = true
			c.engageID = cmds[1].ID
			c.engagedAt = now
		}
	}
	return stamp(cmds, now)
}

func (c *Controller) engageCommands() []model.Command {
	return []model.Command{
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchRamp, 0),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchLock, 1),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchIntegrator, 2, 1).Delayed(engageStage2Delay),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchIntegrator, 1, 1).Delayed(engageStage1Delay),
	}
}

// disarmCommands returns the safe-state sequence: servo chain open,
// diodes off in reverse power order, TECs off last.
func disarmCommands() []model.Command {
	cmds := []model.Command{
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchIntegrator, 1, 0),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchIntegrator, 2, 0),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchLock, 0),
		model.NewCommand(model.SubsystemLockbox, model.ActionSwitchRamp, 0),
		model.NewCommand(model.SubsystemDiodePa, model.ActionEnableDiode, 0),
		model.NewCommand(model.SubsystemDiodeMo, model.ActionEnableDiode, 0),
	}
	for _, id := range model.OscillatorTecs() {
		cmds = append(cmds, model.NewCommand(id, model.ActionEnableTec, 0))
	}
	return cmds
}

func (c *Controller) allFresh(in Inputs) error {
	for _, id := range requiredSubsystems() {
		if err := in.Health.Fresh(id, in.Now, c.cfg.StaleAfter); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) effectiveMode(ev model.FlightEvents) model.OverrideMode {
	if c.mode == model.OverrideManual || ev.ManualOverride {
		return model.OverrideManual
	}
	if c.mode == model.OverrideTimer || ev.TimerOverride {
		return model.OverrideTimer
	}
	return model.OverrideAutomatic
}

func (c *Controller) report(from model.Level, mode model.OverrideMode, decision, fault string, cmds []model.Command) (model.Level, []model.Command, Diagnostics) {
	return c.level, cmds, Diagnostics{
		From:          from,
		Level:         c.level,
		LevelChanged:  from != c.level,
		Mode:          mode,
		Decision:      decision,
		Fault:         fault,
		RetryCount:    c.retries,
		TuneJumpsLeft: c.jumpsLeft,
		GuardHeld:     c.guardHeld,
		TimeInLevel:   c.timeInLevel,
		EngagePending: c.engagePending,
	}
}

func requiredSubsystems() []model.SubsystemID {
	ids := append([]model.SubsystemID{}, model.OscillatorTecs()...)
	ids = append(ids, model.LaserDiodes()...)
	return append(ids, model.SubsystemLockbox)
}

func stamp(cmds []model.Command, now time.Time) []model.Command {
	for i := range cmds {
		cmds[i] = cmds[i].Stamped(now)
	}
	return cmds
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
