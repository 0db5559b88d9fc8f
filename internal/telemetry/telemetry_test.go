package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_SetSessionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	states := []string{"disconnected", "connecting", "connected", "reconnecting", "error"}
	m.SetSessionState(states, "connected")

	if v := testutil.ToFloat64(m.SessionState.WithLabelValues("connected")); v != 1 {
		t.Errorf("connected state gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SessionState.WithLabelValues("error")); v != 0 {
		t.Errorf("error state gauge = %v, want 0", v)
	}

	m.SetSessionState(states, "error")
	if v := testutil.ToFloat64(m.SessionState.WithLabelValues("connected")); v != 0 {
		t.Errorf("connected state gauge after transition = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.SessionState.WithLabelValues("error")); v != 1 {
		t.Errorf("error state gauge after transition = %v, want 1", v)
	}
}

func TestServer_HealthzReflectsHealthFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	healthy := true
	srv := NewServer("127.0.0.1:0", reg, func() (bool, string) {
		if healthy {
			return true, "ok"
		}
		return false, "session disconnected"
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz status after unhealthy = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "session disconnected") {
		t.Errorf("expected health status text in body, got %q", rec.Body.String())
	}
}

func TestServer_MetricsExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.OpenPositions.Set(3)

	srv := NewServer("127.0.0.1:0", reg, func() (bool, string) { return true, "ok" }, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentryline_open_positions 3") {
		t.Errorf("expected sentryline_open_positions in metrics output, got: %s", rec.Body.String())
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	srv := NewServer("127.0.0.1:0", reg, func() (bool, string) { return true, "ok" }, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		t.Fatalf("Start returned unexpected error: %v", err)
	}
}
