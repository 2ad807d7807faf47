package flight

import (
	"fmt"
	"strings"
	"time"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// Wire indexes one line in the service-module status word.
type Wire int

const (
	// WireTex1 is the 2^0 digit of the 3-bit level request register.
	WireTex1 Wire = iota
	// WireTex2 is the timer signal fired at microgravity onset.
	WireTex2
	// WireTex3 is the 2^1 digit of the level request register.
	WireTex3
	// WireTex4 is the 2^2 digit of the level request register.
	WireTex4
	// WireTex5 is the power-off request.
	WireTex5
	// WireTex6 is the timer signal fired at liftoff. The launcher's own
	// liftoff line is authoritative; this one is decoded for telemetry.
	WireTex6
	// WireLiftoff is the launcher's liftoff signal.
	WireLiftoff
	// WireMicroG is the attitude control system's 3-axis-go signal. The
	// microgravity timer wire is authoritative for sequencing.
	WireMicroG

	wireCount
)

// Word is one decoded service-module status word.
type Word [wireCount]bool

// ParseWord decodes a status line of '0'/'1' digits, one per wire.
func ParseWord(line string) (Word, error) {
	var w Word
	s := strings.TrimSpace(line)
	if len(s) != int(wireCount) {
		return w, fmt.Errorf("flight word must be %d binary digits, got %q", wireCount, line)
	}
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			w[i] = true
		default:
			return Word{}, fmt.Errorf("flight word digit %d is %q, want 0 or 1", i, c)
		}
	}
	return w, nil
}

// Register returns the value of the 3-bit level request register.
func (w Word) Register() int {
	level := 0
	if w[WireTex1] {
		level += 1
	}
	if w[WireTex3] {
		level += 2
	}
	if w[WireTex4] {
		level += 4
	}
	return level
}

// Events maps the word onto flight events. Liftoff follows the
// launcher's line while microgravity follows the timer wire; the
// redundant counterparts are ignored for sequencing.
func (w Word) Events(now time.Time) model.FlightEvents {
	ev := model.FlightEvents{
		Liftoff:        w[WireLiftoff],
		MicrogravityGo: w[WireTex2],
		Off:            w[WireTex5],
		ReceivedAt:     now,
	}
	if level, err := model.LevelFromRegister(w.Register()); err == nil {
		ev.RequestedLevel = &level
	}
	return ev
}
