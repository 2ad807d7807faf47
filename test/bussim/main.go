// Package main implements a bench simulator for the subsystem bus. It
// stands in for the laser and lockbox control stack: it serves the
// websocket bus, streams synthetic readings and spectroscopy sweeps,
// acknowledges command frames and optionally plays the service module's
// signal lines, so a full countdown can be rehearsed without hardware.
//
// Usage:
//
//	go run ./test/bussim \
//	  -addr 127.0.0.1:8765 \
//	  -readings-interval 500ms \
//	  -sweep-interval 1s \
//	  -reference profile/reference.yaml \
//	  -mhz-per-sample 0.5 \
//	  -tune-start 150 \
//	  -drop-acks 0.05 \
//	  -flight-addr 127.0.0.1:8770 -liftoff 30s -microgravity 45s
//
// Sharing -reference with the mission profile makes the sweeps match the
// controller's spectrum exactly. Without it the simulator synthesizes a
// spectrum with a single absorption line at -line-center; point the
// profile's target_offset at line-center minus half the sweep width to
// capture the line centered.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trimitri/jokarus/internal/config"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/flight"
)

func main() {
	var (
		addr             = flag.String("addr", "127.0.0.1:8765", "Bus websocket listen address")
		path             = flag.String("path", "/bus", "Bus websocket path")
		readingsInterval = flag.Duration("readings-interval", 500*time.Millisecond, "Readings frame interval")
		sweepInterval    = flag.Duration("sweep-interval", time.Second, "Sweep frame interval while the ramp runs")
		referencePath    = flag.String("reference", "", "Reference spectrum file shared with the mission profile (empty = synthetic)")
		spectrumSamples  = flag.Int("spectrum-samples", 512, "Synthetic spectrum length")
		lineCenter       = flag.Int("line-center", 256, "Synthetic absorption line center index")
		lineWidth        = flag.Float64("line-width", 6, "Synthetic absorption line width in samples")
		sweepSamples     = flag.Int("sweep-samples", 128, "Samples per sweep window")
		spacing          = flag.Float64("spacing", 0.5, "Sweep position spacing in MHz, must match reference.spacing_mhz")
		mhzPerSample     = flag.Float64("mhz-per-sample", 0.5, "Detune per spectrum sample, must match runlevel.mhz_per_sample")
		tuneStart        = flag.Float64("tune-start", 150, "Initial sweep window start index")
		noise            = flag.Float64("noise", 0.01, "Amplitude noise added to each sweep point")
		slew             = flag.Duration("slew", 2*time.Second, "Diode current ramp time after enable")
		moCurrent        = flag.Float64("mo-current", 0.25, "Master oscillator drive current in A")
		paCurrent        = flag.Float64("pa-current", 1.5, "Power amplifier drive current in A")
		ackDelay         = flag.Duration("ack-delay", 20*time.Millisecond, "Delay before acknowledging a command")
		dropAcks         = flag.Float64("drop-acks", 0, "Fraction of acknowledgements to drop, for timeout rehearsal")
		faultSubsystem   = flag.String("fault", "", "Subsystem whose temperature flag goes bad after -fault-after")
		faultAfter       = flag.Duration("fault-after", 0, "Delay before the injected fault, 0 disables")
		flightAddr       = flag.String("flight-addr", "", "Service module line server listen address (empty = disabled)")
		liftoffAt        = flag.Duration("liftoff", 30*time.Second, "Liftoff line assert time after start")
		microgravityAt   = flag.Duration("microgravity", 45*time.Second, "Microgravity timer line assert time after start")
		offAt            = flag.Duration("off", 0, "Off line assert time after start, 0 = never")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	spectrum, err := loadSpectrum(*referencePath, *spectrumSamples, *lineCenter, *lineWidth)
	if err != nil {
		logger.Error("failed to load reference spectrum", "error", err)
		os.Exit(1)
	}
	if *sweepSamples >= len(spectrum) {
		logger.Error("sweep window must be smaller than the spectrum",
			"sweep_samples", *sweepSamples, "spectrum_samples", len(spectrum))
		os.Exit(1)
	}

	logger.Info("bus simulator starting",
		"addr", *addr,
		"path", *path,
		"spectrum_samples", len(spectrum),
		"sweep_samples", *sweepSamples,
		"tune_start", *tuneStart,
		"drop_acks", *dropAcks,
		"flight_addr", *flightAddr,
	)

	sim := &simulator{
		spectrum:     spectrum,
		sweepSamples: *sweepSamples,
		spacing:      *spacing,
		mhzPerSample: *mhzPerSample,
		tune:         *tuneStart,
		noise:        *noise,
		slew:         *slew,
		ackDelay:     *ackDelay,
		dropAcks:     *dropAcks,
		fault:        model.SubsystemID(*faultSubsystem),
		faultAt:      faultTime(*faultAfter),
		started:      time.Now(),
		units:        make(map[model.SubsystemID]*unitState),
		conns:        make(map[*busConn]struct{}),
		logger:       logger,
	}
	for _, id := range model.OscillatorTecs() {
		sim.units[id] = &unitState{tempOK: true}
	}
	sim.units[model.SubsystemDiodeMo] = &unitState{tempOK: true, defaultSetpoint: *moCurrent}
	sim.units[model.SubsystemDiodePa] = &unitState{tempOK: true, defaultSetpoint: *paCurrent}
	sim.units[model.SubsystemLockbox] = &unitState{enabled: true, tempOK: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(*path, sim.handleBus)
	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go sim.broadcastReadings(ctx, *readingsInterval)
	go sim.broadcastSweeps(ctx, *sweepInterval)

	if *flightAddr != "" {
		go serveFlightLines(ctx, *flightAddr, sim.started, *liftoffAt, *microgravityAt, *offAt, logger)
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("bus server failed", "error", err)
		os.Exit(1)
	}

	sim.printReport()
}

// faultTime converts a relative fault delay into an absolute deadline,
// zero meaning never.
func faultTime(after time.Duration) time.Time {
	if after <= 0 {
		return time.Time{}
	}
	return time.Now().Add(after)
}

// loadSpectrum reads the shared reference samples or synthesizes a
// spectrum with one Gaussian absorption line on a flat baseline.
func loadSpectrum(path string, samples, center int, width float64) ([]float64, error) {
	if path != "" {
		return config.LoadReferenceSamples(path)
	}
	spectrum := make([]float64, samples)
	for i := range spectrum {
		d := float64(i-center) / width
		spectrum[i] = 1.0 - 0.8*math.Exp(-d*d)
	}
	return spectrum, nil
}

// unitState is the simulated hardware state of one subsystem.
type unitState struct {
	enabled         bool
	tempOK          bool
	setpoint        float64
	defaultSetpoint float64
	enabledAt       time.Time
}

// currentAt models the drive current ramping linearly to the setpoint
// over the slew time after enable.
func (u *unitState) currentAt(now time.Time, slew time.Duration) float64 {
	if !u.enabled || u.setpoint == 0 {
		return 0
	}
	if slew <= 0 {
		return u.setpoint
	}
	frac := float64(now.Sub(u.enabledAt)) / float64(slew)
	if frac >= 1 {
		return u.setpoint
	}
	return u.setpoint * frac
}

type busConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *busConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// simulator holds the subsystem states and the set of connected payload
// computers. Normally exactly one connects; broadcasting keeps reconnect
// rehearsal simple.
type simulator struct {
	spectrum     []float64
	sweepSamples int
	spacing      float64
	mhzPerSample float64
	noise        float64
	slew         time.Duration
	ackDelay     time.Duration
	dropAcks     float64
	fault        model.SubsystemID
	faultAt      time.Time
	started      time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	units map[model.SubsystemID]*unitState
	ramp  bool
	lock  bool
	tune  float64
	conns map[*busConn]struct{}

	connections atomic.Int64
	commands    atomic.Int64
	acksSent    atomic.Int64
	acksDropped atomic.Int64
	readings    atomic.Int64
	sweeps      atomic.Int64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *simulator) handleBus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	bc := &busConn{conn: conn}
	s.mu.Lock()
	s.conns[bc] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)
	s.logger.Info("payload connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, bc)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("payload disconnected", "remote", r.RemoteAddr)
	}()

	for {
		var frame struct {
			Type    string        `json:"type"`
			Command model.Command `json:"command"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "command" {
			s.logger.Warn("unexpected frame from payload", "type", frame.Type)
			continue
		}
		s.commands.Add(1)
		s.apply(frame.Command)
		s.acknowledge(bc, frame.Command)
	}
}

// apply mutates the simulated hardware the way the real stack would.
func (s *simulator) apply(cmd model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arg := func(i int) float64 {
		if i < len(cmd.Args) {
			return cmd.Args[i]
		}
		return 0
	}

	switch cmd.Action {
	case model.ActionEnableTec, model.ActionEnableDiode:
		u, ok := s.units[cmd.Target]
		if !ok {
			return
		}
		on := arg(0) != 0
		if on && !u.enabled {
			u.enabledAt = time.Now()
			if u.setpoint == 0 {
				u.setpoint = u.defaultSetpoint
			}
		}
		u.enabled = on
	case model.ActionSetCurrent:
		if u, ok := s.units[cmd.Target]; ok {
			u.setpoint = arg(0)
		}
	case model.ActionSetTemp:
		// Temperature setpoints settle instantly in the simulation.
	case model.ActionSwitchRamp:
		s.ramp = arg(0) != 0
	case model.ActionSwitchLock:
		s.lock = arg(0) != 0
	case model.ActionSwitchIntegrator:
		// Stage switching has no observable effect on the bus.
	case model.ActionSetOffset:
		s.tune += arg(0) / s.mhzPerSample
		s.tune = clamp(s.tune, 0, float64(len(s.spectrum)-s.sweepSamples))
	default:
		s.logger.Warn("unknown command action", "action", cmd.Action, "target", cmd.Target)
	}
}

func (s *simulator) acknowledge(bc *busConn, cmd model.Command) {
	if s.dropAcks > 0 && rand.Float64() < s.dropAcks {
		s.acksDropped.Add(1)
		s.logger.Info("dropping acknowledgement", "id", cmd.ID, "action", cmd.Action)
		return
	}
	time.AfterFunc(s.ackDelay, func() {
		frame := map[string]any{"type": "ack", "id": cmd.ID.String()}
		if err := bc.writeJSON(frame); err != nil {
			return
		}
		s.acksSent.Add(1)
	})
}

func (s *simulator) broadcastReadings(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendReadings(time.Now())
		}
	}
}

func (s *simulator) sendReadings(now time.Time) {
	s.mu.Lock()
	subsystems := make(map[model.SubsystemID]model.SubsystemHealth, len(s.units))
	for id, u := range s.units {
		tempOK := u.tempOK
		if id == s.fault && !s.faultAt.IsZero() && now.After(s.faultAt) {
			tempOK = false
		}
		subsystems[id] = model.SubsystemHealth{
			Enabled:       u.enabled,
			TemperatureOK: tempOK,
			Current:       u.currentAt(now, s.slew),
			Setpoint:      u.setpoint,
		}
	}
	s.mu.Unlock()

	s.broadcast(map[string]any{"type": "readings", "subsystems": subsystems})
	s.readings.Add(1)
}

func (s *simulator) broadcastSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendSweep()
		}
	}
}

// sendSweep emits the spectrum window the simulated laser currently
// scans. The window tracks the tune offset, so set_offset corrections
// move it the way a real retune would.
func (s *simulator) sendSweep() {
	s.mu.Lock()
	if !s.ramp {
		s.mu.Unlock()
		return
	}
	start := int(math.Round(clamp(s.tune, 0, float64(len(s.spectrum)-s.sweepSamples))))
	positions := make([]float64, s.sweepSamples)
	amplitudes := make([]float64, s.sweepSamples)
	for i := 0; i < s.sweepSamples; i++ {
		positions[i] = float64(start+i) * s.spacing
		amplitudes[i] = s.spectrum[start+i] + s.noise*(rand.Float64()-0.5)
	}
	s.mu.Unlock()

	s.broadcast(map[string]any{"type": "sweep", "positions": positions, "amplitudes": amplitudes})
	s.sweeps.Add(1)
}

func (s *simulator) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame", "error", err)
		return
	}
	s.mu.Lock()
	conns := make([]*busConn, 0, len(s.conns))
	for bc := range s.conns {
		conns = append(conns, bc)
	}
	s.mu.Unlock()

	for _, bc := range conns {
		bc.mu.Lock()
		_ = bc.conn.WriteMessage(websocket.TextMessage, data)
		bc.mu.Unlock()
	}
}

func (s *simulator) printReport() {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BUS SIMULATOR SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Uptime:         %s\n", time.Since(s.started).Round(time.Second))
	fmt.Printf("Connections:    %d\n", s.connections.Load())
	fmt.Println("----------------------------------------")
	fmt.Printf("Readings sent:  %d\n", s.readings.Load())
	fmt.Printf("Sweeps sent:    %d\n", s.sweeps.Load())
	fmt.Printf("Commands:       %d\n", s.commands.Load())
	fmt.Printf("Acks sent:      %d\n", s.acksSent.Load())
	fmt.Printf("Acks dropped:   %d\n", s.acksDropped.Load())
	fmt.Println("========================================")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// serveFlightLines plays the service module's status word stream: one
// line of wire digits per second on every accepted connection, with the
// timer lines asserting on the configured schedule.
func serveFlightLines(ctx context.Context, addr string, started time.Time, liftoffAt, microgravityAt, offAt time.Duration, logger *slog.Logger) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		logger.Error("flight line server failed", "addr", addr, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info("flight line server started", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go streamFlightWord(ctx, conn, started, liftoffAt, microgravityAt, offAt)
	}
}

func streamFlightWord(ctx context.Context, conn net.Conn, started time.Time, liftoffAt, microgravityAt, offAt time.Duration) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(started)
			var word flight.Word
			if elapsed >= liftoffAt {
				word[flight.WireTex6] = true
				word[flight.WireLiftoff] = true
			}
			if elapsed >= microgravityAt {
				word[flight.WireTex2] = true
				word[flight.WireMicroG] = true
			}
			if offAt > 0 && elapsed >= offAt {
				word[flight.WireTex5] = true
			}
			if _, err := w.WriteString(formatWord(word) + "\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// formatWord renders a status word as the wire digit string ParseWord
// reads back.
func formatWord(w flight.Word) string {
	digits := make([]byte, len(w))
	for i, set := range w {
		if set {
			digits[i] = '1'
		} else {
			digits[i] = '0'
		}
	}
	return string(digits)
}
