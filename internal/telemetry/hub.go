package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trimitri/jokarus/internal/metrics"
)

// replayOrder is the frame sequence sent to a freshly connected client
// so it starts with a coherent picture before the live stream resumes.
var replayOrder = []FrameKind{FrameStatus, FrameReadings, FrameFlags, FrameCorrelation, FrameHost}

// HubConfig configures the EGSE websocket endpoint.
type HubConfig struct {
	Addr         string        // listen address (default ":56320")
	WriteTimeout time.Duration // per-client write deadline (default 5s)
}

// Hub serves telemetry frames to bench clients over websocket. Every
// client gets every frame; a client that cannot keep up within the
// write deadline is dropped rather than allowed to stall the others.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	latest  map[FrameKind][]byte
}

// NewHub creates a hub with defaulted listener settings.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.Addr == "" {
		cfg.Addr = ":56320"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With("component", "telemetry_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The hub is reachable on the bench network only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		latest:  make(map[FrameKind][]byte),
	}
}

// Publish broadcasts one encoded frame to every connected client and
// retains it for replay to future clients. Always returns nil; per-
// client failures only cost that client its connection.
func (h *Hub) Publish(_ context.Context, kind FrameKind, frame []byte) error {
	h.mu.Lock()
	h.latest[kind] = frame
	conns := make([]*websocket.Conn, 0, len(h.clients))
	writeMus := make([]*sync.Mutex, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		conns = append(conns, conn)
		writeMus = append(writeMus, writeMu)
	}
	h.mu.Unlock()

	var failed []*websocket.Conn
	for i, conn := range conns {
		writeMu := writeMus[i]
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			metrics.TelemetryDroppedFrames.WithLabelValues(string(kind)).Inc()
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		h.logger.Warn("dropping stalled client", "remote", conn.RemoteAddr().String())
		h.remove(conn)
	}
	return nil
}

// HandleWS upgrades one EGSE connection and serves it until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	writeMu := h.add(conn)
	defer h.remove(conn)

	h.logger.Info("client connected", "remote", conn.RemoteAddr().String())
	h.replayLatest(conn, writeMu)

	// Clients never send application data; the read loop only notices
	// the close handshake or a dead peer.
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run serves the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)

	server := &http.Server{
		Addr:    h.cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Warn("shutdown error", "error", err)
		}
		h.closeAll()
	}()

	h.logger.Info("telemetry hub started", "addr", h.cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("telemetry hub: %w", err)
	}
	return nil
}

// ClientCount reports currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *sync.Mutex {
	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	n := len(h.clients)
	h.mu.Unlock()
	metrics.TelemetryClientsConnected.Set(float64(n))
	return writeMu
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if present {
		conn.Close()
		metrics.TelemetryClientsConnected.Set(float64(n))
	}
}

func (h *Hub) replayLatest(conn *websocket.Conn, writeMu *sync.Mutex) {
	h.mu.RLock()
	frames := make([][]byte, 0, len(replayOrder))
	for _, kind := range replayOrder {
		if frame, ok := h.latest[kind]; ok {
			frames = append(frames, frame)
		}
	}
	h.mu.RUnlock()

	for _, frame := range frames {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	metrics.TelemetryClientsConnected.Set(0)
}
