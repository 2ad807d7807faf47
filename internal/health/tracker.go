package health

import (
	"sync"
	"time"

	"github.com/trimitri/jokarus/internal/domain/model"
)

// Status represents the judged state of one subsystem feed.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusStale     Status = "STALE"

	// DefaultUnhealthyThreshold is the number of consecutive poll failures
	// before a subsystem feed is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 poll latency threshold
	// before a feed is considered degraded.
	DefaultDegradedLatencyThreshold = 500 * time.Millisecond

	// latencyWindowSize is the number of recent poll latencies tracked.
	latencyWindowSize = 10
)

// SourceHealth tracks the feed state of a single hardware subsystem.
type SourceHealth struct {
	mu                       sync.RWMutex
	id                       model.SubsystemID
	status                   Status
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
}

// NewSourceHealth creates a feed tracker for the given subsystem.
func NewSourceHealth(id model.SubsystemID) *SourceHealth {
	return &SourceHealth{
		id:                       id,
		status:                   StatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
	}
}

// RecordSuccess records a successful poll.
func (h *SourceHealth) RecordSuccess() {
	h.RecordSuccessWithRecovery()
}

// RecordSuccessWithRecovery records a success and returns true if it
// represents a recovery from an unhealthy state.
func (h *SourceHealth) RecordSuccessWithRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	wasUnhealthy := h.status == StatusUnhealthy
	h.consecutiveFailures = 0
	h.lastError = ""
	h.lastSuccessAt = &now
	if h.isLatencyDegraded() {
		h.status = StatusDegraded
	} else {
		h.status = StatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failed poll. Returns true if the feed
// transitioned to unhealthy on this call.
func (h *SourceHealth) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != StatusUnhealthy {
		h.status = StatusUnhealthy
		return true
	}
	return false
}

// RecordLatency records a poll round trip and updates degraded state.
func (h *SourceHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)

	if h.status == StatusHealthy || h.status == StatusDegraded {
		if h.isLatencyDegraded() {
			h.status = StatusDegraded
		} else if h.status == StatusDegraded && h.consecutiveFailures == 0 {
			h.status = StatusHealthy
		}
	}
}

// isLatencyDegraded returns true if the P95 latency exceeds the threshold.
// Must be called with mu held.
func (h *SourceHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// percentileLatency computes the given percentile from recent latencies.
// Must be called with mu held.
func (h *SourceHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sortDurations(sorted)
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// sortDurations sorts a slice of durations in ascending order.
func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		key := d[i]
		j := i - 1
		for j >= 0 && d[j] > key {
			d[j+1] = d[j]
			j--
		}
		d[j+1] = key
	}
}

// Snapshot returns the current feed state.
func (h *SourceHealth) Snapshot() SourceSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return SourceSnapshot{
		Subsystem:           h.id,
		Status:              h.status,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// SourceSnapshot is a point-in-time view of one feed (JSON-safe).
type SourceSnapshot struct {
	Subsystem           model.SubsystemID `json:"subsystem"`
	Status              Status            `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
}

// Tracker aggregates the latest reading and feed state of every
// subsystem. The controller consumes immutable snapshots of it each
// tick; pollers write into it concurrently.
type Tracker struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	readings   map[model.SubsystemID]model.SubsystemHealth
	sources    map[model.SubsystemID]*SourceHealth
}

// NewTracker creates a tracker pre-registered with the given subsystems.
func NewTracker(staleAfter time.Duration, ids ...model.SubsystemID) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Second
	}
	t := &Tracker{
		staleAfter: staleAfter,
		readings:   make(map[model.SubsystemID]model.SubsystemHealth, len(ids)),
		sources:    make(map[model.SubsystemID]*SourceHealth, len(ids)),
	}
	for _, id := range ids {
		t.sources[id] = NewSourceHealth(id)
	}
	return t
}

// Report stores a fresh reading for the subsystem. Returns true if the
// feed recovered from an unhealthy state on this reading.
func (t *Tracker) Report(id model.SubsystemID, reading model.SubsystemHealth) bool {
	if reading.UpdatedAt.IsZero() {
		reading.UpdatedAt = time.Now()
	}
	t.mu.Lock()
	t.readings[id] = reading
	src := t.source(id)
	t.mu.Unlock()
	return src.RecordSuccessWithRecovery()
}

// ReportFailure records a failed poll for the subsystem. The previous
// reading is kept; the controller judges its age separately. Returns
// true if the feed transitioned to unhealthy on this call.
func (t *Tracker) ReportFailure(id model.SubsystemID, err error) bool {
	t.mu.Lock()
	src := t.source(id)
	t.mu.Unlock()
	return src.RecordFailure(err)
}

// RecordLatency records a poll round trip for the subsystem.
func (t *Tracker) RecordLatency(id model.SubsystemID, d time.Duration) {
	t.mu.Lock()
	src := t.source(id)
	t.mu.Unlock()
	src.RecordLatency(d)
}

// source returns the feed tracker for id, creating it on first use.
// Must be called with mu held.
func (t *Tracker) source(id model.SubsystemID) *SourceHealth {
	src, ok := t.sources[id]
	if !ok {
		src = NewSourceHealth(id)
		t.sources[id] = src
	}
	return src
}

// Snapshot returns an immutable copy of the latest readings, stamped
// with the given capture time.
func (t *Tracker) Snapshot(now time.Time) model.HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subsystems := make(map[model.SubsystemID]model.SubsystemHealth, len(t.readings))
	for id, r := range t.readings {
		subsystems[id] = r
	}
	return model.HealthSnapshot{
		Subsystems: subsystems,
		CapturedAt: now,
	}
}

// Sources returns the feed state of every known subsystem. Feeds whose
// last reading is older than the stale window are reported as STALE
// even when their last poll succeeded.
func (t *Tracker) Sources(now time.Time) map[model.SubsystemID]SourceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.SubsystemID]SourceSnapshot, len(t.sources))
	for id, src := range t.sources {
		snap := src.Snapshot()
		if snap.Status == StatusHealthy || snap.Status == StatusDegraded {
			if r, ok := t.readings[id]; ok && now.Sub(r.UpdatedAt) > t.staleAfter {
				snap.Status = StatusStale
			}
		}
		out[id] = snap
	}
	return out
}

// StaleAfter returns the stale window the tracker judges feeds against.
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}
