// Package actuation dispatches controller command sequences to the
// hardware bus and tracks acknowledgement deadlines. The controller is
// pure and never blocks; this package owns the asynchronous side:
// sequence delays, deadline sweeps, and the acked/overdue bookkeeping
// the next tick consumes.
package actuation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/metrics"
)

// Bus abstracts the hardware command channel so the dispatcher operates
// transport-agnostically.
type Bus interface {
	// Send transmits a single command frame. An error means the frame
	// never left the host.
	Send(ctx context.Context, cmd model.Command) error
}

// Config bounds the dispatcher.
type Config struct {
	// AckTimeout is the per-command acknowledgement budget, counted
	// from the moment the frame is actually sent.
	AckTimeout time.Duration
}

// Dispatcher sends commands and remembers which of them the hardware
// has acknowledged.
type Dispatcher struct {
	cfg    Config
	bus    Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]pendingCommand
	acked   []uuid.UUID
	overdue []*TimeoutError
}

type pendingCommand struct {
	cmd      model.Command
	sentAt   time.Time
	deadline time.Time
}

// New creates a dispatcher with a defaulted acknowledgement budget.
func New(cfg Config, bus Bus, logger *slog.Logger) *Dispatcher {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With("component", "actuation"),
		pending: make(map[uuid.UUID]pendingCommand),
	}
}

// Dispatch sends one command sequence. Each command's After delay is
// relative to its predecessor; delayed commands are held back and sent
// once their cumulative offset elapses. Every command is tracked from
// dispatch, with the delay included in its deadline budget.
func (d *Dispatcher) Dispatch(ctx context.Context, cmds []model.Command, now time.Time) {
	offset := time.Duration(0)
	for _, cmd := range cmds {
		offset += cmd.After
		if cmd.IssuedAt.IsZero() {
			cmd = cmd.Stamped(now)
		}
		d.track(cmd, now, offset)
		if offset <= 0 {
			d.send(ctx, cmd)
			continue
		}
		go d.sendAfter(ctx, cmd, offset)
	}
}

// Ack marks a pending command acknowledged. Acks for commands already
// swept as overdue are logged and dropped.
func (d *Dispatcher) Ack(id uuid.UUID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		d.logger.Debug("ack for unknown command", "id", id)
		return
	}
	delete(d.pending, id)
	d.acked = append(d.acked, id)
	metrics.ActuationAcksTotal.WithLabelValues(string(p.cmd.Target)).Inc()
	metrics.ActuationAckLatency.WithLabelValues(string(p.cmd.Target)).Observe(now.Sub(p.sentAt).Seconds())
	metrics.ActuationPendingCommands.Set(float64(len(d.pending)))
}

// Collect sweeps acknowledgement deadlines and drains the acked and
// overdue lists accumulated since the previous tick.
func (d *Dispatcher) Collect(now time.Time) (acked []uuid.UUID, overdue []*TimeoutError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.pending {
		if now.Before(p.deadline) {
			continue
		}
		delete(d.pending, id)
		d.overdue = append(d.overdue, &TimeoutError{Command: p.cmd, Deadline: p.deadline})
		metrics.ActuationTimeoutsTotal.WithLabelValues(string(p.cmd.Target)).Inc()
		d.logger.Warn("actuation timeout",
			"target", p.cmd.Target, "action", p.cmd.Action, "id", id, "deadline", p.deadline)
	}
	acked, d.acked = d.acked, nil
	overdue, d.overdue = d.overdue, nil
	metrics.ActuationPendingCommands.Set(float64(len(d.pending)))
	return acked, overdue
}

// PendingCount returns the number of commands awaiting acknowledgement.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) track(cmd model.Command, now time.Time, offset time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[cmd.ID] = pendingCommand{
		cmd:      cmd,
		sentAt:   now.Add(offset),
		deadline: now.Add(offset + d.cfg.AckTimeout),
	}
	metrics.ActuationPendingCommands.Set(float64(len(d.pending)))
}

func (d *Dispatcher) sendAfter(ctx context.Context, cmd model.Command, offset time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(offset):
		d.send(ctx, cmd)
	}
}

func (d *Dispatcher) send(ctx context.Context, cmd model.Command) {
	metrics.ActuationCommandsTotal.WithLabelValues(string(cmd.Target), cmd.Action).Inc()
	if err := d.bus.Send(ctx, cmd); err != nil {
		d.logger.Error("command send failed",
			"target", cmd.Target, "action", cmd.Action, "id", cmd.ID, "error", err)
		d.fail(cmd)
		return
	}
	d.logger.Debug("command sent",
		"target", cmd.Target, "action", cmd.Action, "id", cmd.ID, "args", cmd.Args)
}

func (d *Dispatcher) fail(cmd model.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[cmd.ID]
	if !ok {
		return
	}
	delete(d.pending, cmd.ID)
	d.overdue = append(d.overdue, &TimeoutError{Command: p.cmd, Deadline: p.deadline})
	metrics.ActuationTimeoutsTotal.WithLabelValues(string(cmd.Target)).Inc()
	metrics.ActuationPendingCommands.Set(float64(len(d.pending)))
}
