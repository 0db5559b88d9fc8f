// Package telemetry exposes the process's Prometheus metrics and a
// read-only health endpoint over HTTP, in the split the teacher repo
// uses for its optional status surface: a chi.Mux router and a
// logrus.Logger distinct from the plain *log.Logger used by the trading
// core itself.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every Prometheus collector the core components update.
// One Metrics is constructed per process and threaded by reference into
// the session, aggregator, and execution gate.
type Metrics struct {
	SessionState       *prometheus.GaugeVec
	SessionReconnects   prometheus.Counter
	SessionErrors       prometheus.Counter
	SessionRequests     prometheus.Counter
	AdmissionDecisions  *prometheus.CounterVec
	BarsCompleted       *prometheus.CounterVec
	OpenPositions       prometheus.Gauge
	PortfolioRiskDollars prometheus.Gauge
	TrailingStopMoves   prometheus.Counter
}

// NewMetrics constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry across test runs; pass prometheus.DefaultRegisterer in
// production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentryline_session_state",
			Help: "1 for the session's current state, 0 for every other labeled state.",
		}, []string{"state"}),
		SessionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryline_session_reconnects_total",
			Help: "Total successful session reconnections.",
		}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryline_session_errors_total",
			Help: "Total session-level errors recorded by the state machine.",
		}),
		SessionRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryline_session_requests_total",
			Help: "Total throttled broker requests issued.",
		}),
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryline_admission_decisions_total",
			Help: "Execution Gate admission decisions by outcome (accept, or a reject reason).",
		}, []string{"outcome"}),
		BarsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryline_bars_completed_total",
			Help: "Completed coarse bars dispatched by the aggregator, by timeframe.",
		}, []string{"timeframe"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryline_open_positions",
			Help: "Current count of open positions.",
		}),
		PortfolioRiskDollars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryline_portfolio_risk_dollars",
			Help: "Current sum of open positions' committed risk in dollars.",
		}),
		TrailingStopMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryline_trailing_stop_moves_total",
			Help: "Total trailing-stop adjustments applied.",
		}),
	}
	reg.MustRegister(
		m.SessionState, m.SessionReconnects, m.SessionErrors, m.SessionRequests,
		m.AdmissionDecisions, m.BarsCompleted, m.OpenPositions,
		m.PortfolioRiskDollars, m.TrailingStopMoves,
	)
	return m
}

// SetSessionState flips the labeled gauge series so exactly one state
// reads 1, matching the teacher's SetModelModeMetric pattern for
// labeled-series state indicators.
func (m *Metrics) SetSessionState(states []string, current string) {
	for _, s := range states {
		if s == current {
			m.SessionState.WithLabelValues(s).Set(1)
		} else {
			m.SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// HealthFunc reports whether the process considers itself healthy, and a
// short human-readable status string.
type HealthFunc func() (healthy bool, status string)

// Server serves /metrics (Prometheus exposition format) and /healthz
// (the session's liveness) on a dedicated HTTP listener.
type Server struct {
	router *chi.Mux
	http   *http.Server
	logger *logrus.Logger
}

// NewServer builds a Server bound to addr ("127.0.0.1:9847" style),
// exposing reg's collectors and health.
func NewServer(addr string, reg *prometheus.Registry, health HealthFunc, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		healthy, status := health()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, status)
	})
	return &Server{
		router: r,
		http:   &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start runs the HTTP listener until it errors or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("telemetry server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
