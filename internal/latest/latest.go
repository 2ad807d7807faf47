// Package latest provides a single-producer latest-value handoff.
// Control decisions only ever care about the most recent reading, so
// there is no queue and no backpressure: writers replace, readers load
// whatever is current without blocking.
package latest

import "sync/atomic"

// Cell holds the most recently stored value of T.
type Cell[T any] struct {
	v atomic.Pointer[T]
}

// Store publishes a new value, replacing any previous one.
func (c *Cell[T]) Store(value T) {
	c.v.Store(&value)
}

// Load returns the current value. ok is false until the first Store.
func (c *Cell[T]) Load() (value T, ok bool) {
	p := c.v.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}
