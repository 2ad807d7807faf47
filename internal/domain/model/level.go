package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is an operating phase of the experiment. Levels are strictly
// ordered; the controller only ever moves one step at a time except for
// fail-safe downgrades. The numeric value fits the 3-bit level register
// of the service-module timer interface.
type Level int

const (
	LevelUndefined Level = iota
	LevelShutdown
	LevelStandby
	LevelAmbient
	LevelHot
	LevelPrelock
	LevelLock
	LevelBalanced
)

var levelNames = map[Level]string{
	LevelUndefined: "undefined",
	LevelShutdown:  "shutdown",
	LevelStandby:   "standby",
	LevelAmbient:   "ambient",
	LevelHot:       "hot",
	LevelPrelock:   "prelock",
	LevelLock:      "lock",
	LevelBalanced:  "balanced",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Known reports whether l is one of the defined levels.
func (l Level) Known() bool {
	_, ok := levelNames[l]
	return ok
}

// Next returns the next level up. Balanced has no successor and returns
// itself.
func (l Level) Next() Level {
	if l >= LevelBalanced {
		return LevelBalanced
	}
	return l + 1
}

// ParseLevel resolves a level by its lowercase name.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for level, levelName := range levelNames {
		if levelName == name {
			return level, nil
		}
	}
	return LevelUndefined, fmt.Errorf("unknown level %q", s)
}

// LevelFromRegister decodes the 3-bit level register value.
func LevelFromRegister(bits int) (Level, error) {
	if bits < 0 || bits > 7 {
		return LevelUndefined, fmt.Errorf("level register out of range: %d", bits)
	}
	return Level(bits), nil
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
