package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewCommandAssignsFreshIDs(t *testing.T) {
	a := NewCommand(SubsystemTecMiob, ActionEnableTec)
	b := NewCommand(SubsystemTecMiob, ActionEnableTec)

	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, a.Args)
}

func TestCommandDelayedAndStamped(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cmd := NewCommand(SubsystemLockbox, ActionSetOffset, 160).
		Delayed(50 * time.Millisecond).
		Stamped(ts)

	assert.Equal(t, 50*time.Millisecond, cmd.After)
	assert.Equal(t, ts, cmd.IssuedAt)
	assert.Equal(t, []float64{160}, cmd.Args)
}
