package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trimitri/jokarus/internal/domain/model"
	"github.com/trimitri/jokarus/internal/metrics"
	"github.com/trimitri/jokarus/internal/replay"
	"github.com/trimitri/jokarus/internal/runlevel"
	"github.com/trimitri/jokarus/internal/telemetry"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// ExperimentControl applies operator commands to the running experiment.
// Implementations serialize against the tick loop, so a change is
// visible to the next tick at the latest.
type ExperimentControl interface {
	Activate()
	SetOverrideMode(mode model.OverrideMode) error
	ForceLevel(ctx context.Context, level model.Level) error
	ResetRetryCounter()
}

// StatusProvider reports experiment state as of the last completed tick.
type StatusProvider interface {
	StatusSnapshot() telemetry.StatusPayload
}

// HealthProvider returns feed and host health snapshots as
// JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// FlightLineInjector sets service-module lines by hand. Only wired on
// the bench; the feed itself rejects signal injection unless manual
// override is asserted first.
type FlightLineInjector interface {
	Override(entity string, value int, now time.Time) error
}

// ReplayRunner dry-runs a flight recording through a fresh controller.
type ReplayRunner interface {
	Run(path string) (*replay.Result, error)
}

// Server provides the HTTP command surface for ground and bench
// operators.
type Server struct {
	ctrl      ExperimentControl
	status    StatusProvider
	health    HealthProvider
	injector  FlightLineInjector
	replayReq ReplayRunner
	limiter   *RateLimitMiddleware
	logger    *slog.Logger
}

// NewServer creates an operator API server. Optional surfaces answer
// 503 until their dependency is set.
func NewServer(ctrl ExperimentControl, status StatusProvider, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:   ctrl,
		status: status,
		logger: logger.With("component", "operator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimitMiddleware(s.logger)
	return s
}

// ServerOption configures optional dependencies for the operator server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the operator server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.health = hp }
}

// WithFlightLineInjector enables bench injection of service-module lines.
func WithFlightLineInjector(fi FlightLineInjector) ServerOption {
	return func(s *Server) { s.injector = fi }
}

// WithReplayRunner enables the recording dry-run endpoint.
func WithReplayRunner(rr ReplayRunner) ServerOption {
	return func(s *Server) { s.replayReq = rr }
}

// Handler returns the operator API with audit, rate limiting and
// request metrics applied. Audit wraps the rate limiter so rejected
// mutation attempts still land in the trail.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/activate", s.handleActivate)
	mux.HandleFunc("POST /api/v1/override-mode", s.handleOverrideMode)
	mux.HandleFunc("POST /api/v1/force-level", s.handleForceLevel)
	mux.HandleFunc("POST /api/v1/reset-retry", s.handleResetRetry)
	mux.HandleFunc("POST /api/v1/flight-event", s.handleFlightEvent)
	mux.HandleFunc("POST /api/v1/replay", s.handleReplay)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.Handle("GET /metrics", promhttp.Handler())

	return countRequests(AuditMiddleware(s.logger, s.limiter.Wrap(mux)))
}

// Close releases the rate limiter's cleanup goroutine.
func (s *Server) Close() {
	s.limiter.Stop()
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.StatusSnapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, s.health.HealthSnapshots())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Activate()
	s.logger.Info("standby release armed via operator API")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type overrideModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleOverrideMode(w http.ResponseWriter, r *http.Request) {
	var req overrideModeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Mode == "" {
		http.Error(w, `{"error":"mode is required"}`, http.StatusBadRequest)
		return
	}

	mode, err := model.ParseOverrideMode(req.Mode)
	if err != nil {
		http.Error(w, `{"error":"unknown override mode"}`, http.StatusBadRequest)
		return
	}

	if err := s.ctrl.SetOverrideMode(mode); err != nil {
		http.Error(w, `{"error":"unknown override mode"}`, http.StatusBadRequest)
		return
	}

	s.logger.Info("override mode set via operator API", "mode", mode.String())

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": mode.String()})
}

type forceLevelRequest struct {
	Level           string `json:"level"`
	ConfirmShutdown bool   `json:"confirm_shutdown"`
}

func (s *Server) handleForceLevel(w http.ResponseWriter, r *http.Request) {
	var req forceLevelRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Level == "" {
		http.Error(w, `{"error":"level is required"}`, http.StatusBadRequest)
		return
	}

	level, err := model.ParseLevel(req.Level)
	if err != nil {
		http.Error(w, `{"error":"unknown level"}`, http.StatusBadRequest)
		return
	}

	// Safety check: forcing shutdown drops every laser and TEC stage.
	if level == model.LevelShutdown && !req.ConfirmShutdown {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"forcing shutdown requires confirm_shutdown=true","warning":"This disables every laser and TEC stage"}`)
		return
	}

	if err := s.ctrl.ForceLevel(r.Context(), level); err != nil {
		var invalid *runlevel.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": invalid.Error()})
			return
		}
		s.logger.Error("force level failed", "error", err, "level", level.String())
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("level forced via operator API", "level", level.String())

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "level": level.String()})
}

func (s *Server) handleResetRetry(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ResetRetryCounter()
	s.logger.Info("retry budget reset via operator API")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type flightEventRequest struct {
	Line  string `json:"line"`
	Value int    `json:"value"`
}

func (s *Server) handleFlightEvent(w http.ResponseWriter, r *http.Request) {
	if s.injector == nil {
		http.Error(w, `{"error":"flight line injection not available"}`, http.StatusServiceUnavailable)
		return
	}

	var req flightEventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Line == "" {
		http.Error(w, `{"error":"line is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.injector.Override(req.Line, req.Value, time.Now()); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "line": req.Line, "value": req.Value})
}

type replayRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.replayReq == nil {
		http.Error(w, `{"error":"replay not available"}`, http.StatusServiceUnavailable)
		return
	}

	var req replayRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Path == "" {
		http.Error(w, `{"error":"path is required"}`, http.StatusBadRequest)
		return
	}

	result, err := s.replayReq.Run(req.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, `{"error":"recording not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("replay failed", "error", err, "path", req.Path)
		http.Error(w, `{"error":"replay operation failed"}`, http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		replay.WriteReport(w, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// meteredRoutes bounds the cardinality of the request counter. Anything
// off the table, including 404s, lands in the catch-all series.
var meteredRoutes = []struct {
	method string
	path   string
}{
	{http.MethodGet, "/api/v1/status"},
	{http.MethodGet, "/api/v1/health"},
	{http.MethodPost, "/api/v1/activate"},
	{http.MethodPost, "/api/v1/override-mode"},
	{http.MethodPost, "/api/v1/force-level"},
	{http.MethodPost, "/api/v1/reset-retry"},
	{http.MethodPost, "/api/v1/flight-event"},
	{http.MethodPost, "/api/v1/replay"},
	{http.MethodGet, "/healthz"},
	{http.MethodGet, "/metrics"},
}

func routeLabel(r *http.Request) string {
	for _, rt := range meteredRoutes {
		if r.Method == rt.method && r.URL.Path == rt.path {
			return rt.method + " " + rt.path
		}
	}
	return "other"
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.OperatorRequestsTotal.WithLabelValues(routeLabel(r), strconv.Itoa(sw.statusCode)).Inc()
	})
}
