// Package flight decodes the TEXUS service-module lines into flight
// events and keeps the latest state for the controller. Words arrive
// over a line-oriented stream from the service-module adapter; on the
// bench the same lines can be injected through the operator API.
package flight

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/metrics"
)

// Feed merges wire words and bench injections into the current flight
// event state.
type Feed struct {
	mu     sync.RWMutex
	logger *slog.Logger
	state  model.FlightEvents
}

// NewFeed creates an empty feed. All lines start deasserted.
func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{logger: logger.With("component", "flight_feed")}
}

// Current returns the latest flight event state.
func (f *Feed) Current() model.FlightEvents {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Apply folds a wire word into the state. Returns true when any signal
// changed. While manual override is asserted the wires are ignored so
// an operator's picture of the flight cannot be overwritten mid-test.
func (f *Feed) Apply(word Word, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.ManualOverride {
		return false
	}

	next := word.Events(now)
	next.TimerOverride = f.state.TimerOverride
	next.ManualOverride = f.state.ManualOverride

	changed := !sameSignals(f.state, next)
	if changed {
		f.recordEdges(f.state, next)
	}
	f.state = next
	return changed
}

// Override sets a single line by name. The override switches are always
// writable; injecting flight signals requires manual override to be
// asserted first. Line names follow the uplink protocol: "liftoff",
// "microg", "off", "level", "timer_override", "manual_override".
func (f *Feed) Override(entity string, value int, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	on := value != 0
	switch entity {
	case "manual_override":
		f.state.ManualOverride = on
	case "timer_override":
		f.state.TimerOverride = on
	case "liftoff", "microg", "off", "level":
		if !f.state.ManualOverride {
			return fmt.Errorf("flight line injection requires manual override")
		}
		switch entity {
		case "liftoff":
			f.state.Liftoff = on
		case "microg":
			f.state.MicrogravityGo = on
		case "off":
			f.state.Off = on
		case "level":
			level, err := model.LevelFromRegister(value)
			if err != nil {
				return fmt.Errorf("inject level: %w", err)
			}
			f.state.RequestedLevel = &level
		}
	default:
		return fmt.Errorf("unknown flight line %q", entity)
	}

	f.state.ReceivedAt = now
	f.logger.Info("flight line injected", "line", entity, "value", value)
	return nil
}

// recordEdges logs and counts signal transitions. Must be called with
// mu held.
func (f *Feed) recordEdges(prev, next model.FlightEvents) {
	edge := func(line string, was, is bool) {
		if was == is {
			return
		}
		metrics.FlightEventsTotal.WithLabelValues(line).Inc()
		f.logger.Info("flight event", "line", line, "asserted", is)
	}
	edge("liftoff", prev.Liftoff, next.Liftoff)
	edge("microg", prev.MicrogravityGo, next.MicrogravityGo)
	edge("off", prev.Off, next.Off)

	if !sameLevel(prev.RequestedLevel, next.RequestedLevel) {
		metrics.FlightEventsTotal.WithLabelValues("level").Inc()
		if next.RequestedLevel != nil {
			f.logger.Info("flight event", "line", "level", "requested", next.RequestedLevel.String())
		}
	}
}

func sameSignals(a, b model.FlightEvents) bool {
	return a.Liftoff == b.Liftoff &&
		a.MicrogravityGo == b.MicrogravityGo &&
		a.Off == b.Off &&
		a.TimerOverride == b.TimerOverride &&
		a.ManualOverride == b.ManualOverride &&
		sameLevel(a.RequestedLevel, b.RequestedLevel)
}

func sameLevel(a, b *model.Level) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
