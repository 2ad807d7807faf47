package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlightEventsShaky(t *testing.T) {
	assert.False(t, FlightEvents{}.Shaky())
	assert.True(t, FlightEvents{Liftoff: true}.Shaky())
	assert.False(t, FlightEvents{Liftoff: true, MicrogravityGo: true}.Shaky())
}

func TestFlightEventsMode(t *testing.T) {
	assert.Equal(t, OverrideAutomatic, FlightEvents{}.Mode())
	assert.Equal(t, OverrideTimer, FlightEvents{TimerOverride: true}.Mode())
	assert.Equal(t, OverrideManual, FlightEvents{ManualOverride: true}.Mode())

	// Manual wins when both lines are asserted.
	both := FlightEvents{TimerOverride: true, ManualOverride: true}
	assert.Equal(t, OverrideManual, both.Mode())
}
