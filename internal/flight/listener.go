package flight

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/trimitri/jokarus/internal/metrics"
)

// ListenerConfig locates the service-module adapter.
type ListenerConfig struct {
	Addr         string
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Listener keeps a TCP line stream from the service-module adapter
// open and feeds every parseable word into the feed. Malformed lines
// are logged and dropped; a flight sequencer must never die on bad
// uplink input.
type Listener struct {
	cfg    ListenerConfig
	feed   *Feed
	logger *slog.Logger
}

// NewListener creates a listener with defaulted timeouts.
func NewListener(cfg ListenerConfig, feed *Feed, logger *slog.Logger) *Listener {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	return &Listener{
		cfg:    cfg,
		feed:   feed,
		logger: logger.With("component", "flight_listener"),
	}
}

// Run dials the adapter and consumes words until the context is
// cancelled, redialing with capped backoff on any stream failure.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("flight listener started", "addr", l.cfg.Addr)

	delay := l.cfg.ReconnectMin
	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("service module dial failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, l.cfg.ReconnectMax)
			continue
		}

		delay = l.cfg.ReconnectMin
		err = l.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			l.logger.Info("flight listener stopping")
			return ctx.Err()
		}
		l.logger.Warn("service module stream ended", "error", err)
		metrics.TransportReconnectsTotal.WithLabelValues("texus").Inc()
	}
}

func (l *Listener) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: l.cfg.DialTimeout}
	return dialer.DialContext(ctx, "tcp", l.cfg.Addr)
}

// consume reads words off the stream until it fails or the context is
// cancelled.
func (l *Listener) consume(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		word, err := ParseWord(line)
		if err != nil {
			l.logger.Warn("dropping unparseable flight word", "line", line, "error", err)
			continue
		}
		l.feed.Apply(word, time.Now())
	}
	return scanner.Err()
}
