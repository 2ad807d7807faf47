package operator

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limiterLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimitMiddleware_AllowsNormalRequests(t *testing.T) {
	rl := NewRateLimitMiddleware(limiterLogger())
	defer rl.Stop()

	called := false
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_BlocksExcessiveRequests(t *testing.T) {
	rl := NewRateLimitMiddleware(limiterLogger())
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Replay endpoint: burst=1, so the second request must be rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil))
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rec2.Code)
	}

	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestRateLimitMiddleware_DifferentEndpointsIndependent(t *testing.T) {
	rl := NewRateLimitMiddleware(limiterLogger())
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Exhaust the replay budget
	req := httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// Force-level has its own limiter and must still pass
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/force-level", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("force-level request: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_PerClientIsolation(t *testing.T) {
	rl := NewRateLimitMiddleware(limiterLogger())
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Ground console exhausts the replay budget.
	console := httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil)
	console.Header.Set("X-Forwarded-For", "10.1.0.5")
	handler.ServeHTTP(httptest.NewRecorder(), console)

	rec := httptest.NewRecorder()
	blocked := httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil)
	blocked.Header.Set("X-Forwarded-For", "10.1.0.5")
	handler.ServeHTTP(rec, blocked)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same client: expected 429, got %d", rec.Code)
	}

	// The bench rack is a different client and keeps its own budget.
	rec2 := httptest.NewRecorder()
	bench := httptest.NewRequest(http.MethodPost, "/api/v1/replay", nil)
	bench.Header.Set("X-Forwarded-For", "10.2.0.9")
	handler.ServeHTTP(rec2, bench)
	if rec2.Code != http.StatusOK {
		t.Errorf("other client: expected 200, got %d", rec2.Code)
	}
}

func TestRateLimitMiddleware_EvictsStaleEntries(t *testing.T) {
	rl := NewRateLimitMiddleware(limiterLogger())
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rl.LimiterCount() != 1 {
		t.Fatalf("expected 1 limiter entry, got %d", rl.LimiterCount())
	}

	// Move the clock past the TTL and sweep.
	rl.nowFunc = func() time.Time { return time.Now().Add(staleLimiterTTL + time.Minute) }
	rl.evictStale()

	if rl.LimiterCount() != 0 {
		t.Errorf("expected stale entry to be evicted, got %d", rl.LimiterCount())
	}
}
