// Package subsystem maintains the websocket bus to the laser and
// lockbox control stack. Readings and spectroscopy sweeps stream in,
// command frames go out, and hardware acknowledgements are routed back
// to the actuation dispatcher. The connection is kept alive with
// classified backoff and a circuit breaker; in flight the bus never
// gives up, it only slows down.
package subsystem

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trimitri/jokarus/internal/circuitbreaker"
	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/health"
	"github.com/trimitri/jokarus/internal/latest"
	"github.com/trimitri/jokarus/internal/metrics"
)

// Acker receives hardware acknowledgements for dispatched commands.
type Acker interface {
	Ack(id uuid.UUID, now time.Time)
}

// Config locates the hardware control stack.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadTimeout bounds the gap between inbound frames. The stack
	// streams readings continuously, so a silent bus is a dead bus.
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client is the bus endpoint on the payload computer side. It satisfies
// the dispatcher's Bus interface.
type Client struct {
	cfg     Config
	tracker *health.Tracker
	acker   Acker
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	sweeps latest.Cell[model.Sweep]

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

type busFrame struct {
	Type       string                                      `json:"type"`
	Subsystems map[model.SubsystemID]model.SubsystemHealth `json:"subsystems,omitempty"`
	ID         string                                      `json:"id,omitempty"`
	Positions  []float64                                   `json:"positions,omitempty"`
	Amplitudes []float64                                   `json:"amplitudes,omitempty"`
}

type commandFrame struct {
	Type    string        `json:"type"`
	Command model.Command `json:"command"`
}

// New creates a bus client with defaulted timeouts.
func New(cfg Config, tracker *health.Tracker, acker Acker, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		tracker: tracker,
		acker:   acker,
		logger:  logger.With("component", "subsystem_bus"),
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name: "subsystem_bus",
		OnStateChange: func(from, to circuitbreaker.State) {
			c.logger.Warn("bus breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Send transmits one command frame. Satisfies actuation's Bus.
func (c *Client) Send(ctx context.Context, cmd model.Command) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.breaker.RecordFailure()
		return Transient(errors.New("subsystem bus not connected"))
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(commandFrame{Type: "command", Command: cmd}); err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

// LatestSweep returns the most recent spectroscopy sweep, if any
// arrived yet.
func (c *Client) LatestSweep() (model.Sweep, bool) {
	return c.sweeps.Load()
}

// Connected reports whether a bus connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// BreakerState exposes the bus breaker for status reporting.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// Run keeps the bus connected until the context is cancelled. Dial
// failures and stream endings are classified: transient ones back off
// exponentially, terminal ones go straight to the slowest retry.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("subsystem bus starting", "url", c.cfg.URL)

	delay := c.cfg.ReconnectMin
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.breaker.RecordFailure()
			decision := Classify(err)
			c.logger.Warn("bus dial failed",
				"error", err, "class", decision.Class, "reason", decision.Reason, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if decision.IsTransient() {
				delay = min(delay*2, c.cfg.ReconnectMax)
			} else {
				delay = c.cfg.ReconnectMax
			}
			continue
		}

		c.breaker.RecordSuccess()
		c.setConn(conn)
		c.logger.Info("subsystem bus connected")
		delay = c.cfg.ReconnectMin

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			c.logger.Info("subsystem bus stopping")
			return ctx.Err()
		}

		metrics.TransportReconnectsTotal.WithLabelValues("bus").Inc()
		decision := Classify(err)
		c.logger.Warn("bus stream ended",
			"error", err, "class", decision.Class, "reason", decision.Reason)
		if !decision.IsTransient() {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop consumes frames until the stream fails or the context is
// cancelled. Undecodable frames are dropped; hardware quirks must not
// cost the whole connection.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame busFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.TransportReadErrors.WithLabelValues("bus").Inc()
			c.logger.Warn("dropping undecodable bus frame", "error", err)
			continue
		}
		c.handle(frame, time.Now())
	}
}

func (c *Client) handle(frame busFrame, now time.Time) {
	switch frame.Type {
	case "readings":
		for id, reading := range frame.Subsystems {
			reading.UpdatedAt = now
			metrics.HealthReportsTotal.WithLabelValues(string(id)).Inc()
			if recovered := c.tracker.Report(id, reading); recovered {
				c.logger.Info("subsystem feed recovered", "subsystem", id)
			}
		}
	case "ack":
		id, err := uuid.Parse(frame.ID)
		if err != nil {
			metrics.TransportReadErrors.WithLabelValues("bus").Inc()
			c.logger.Warn("ack frame with bad id", "id", frame.ID, "error", err)
			return
		}
		c.acker.Ack(id, now)
	case "sweep":
		c.sweeps.Store(model.Sweep{
			Positions:  frame.Positions,
			Amplitudes: frame.Amplitudes,
			ReceivedAt: now,
		})
	default:
		metrics.TransportReadErrors.WithLabelValues("bus").Inc()
		c.logger.Warn("unknown bus frame type", "type", frame.Type)
	}
}
