// Package main is the process entry point for sentryd: it loads
// configuration, constructs the Session Manager, Bar Store, Aggregator,
// Screening Pipeline, and Execution Gate, wires the callbacks between
// them, and runs the scheduler loop until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mreversal/sentryline/internal/aggregator"
	"github.com/mreversal/sentryline/internal/barstore"
	"github.com/mreversal/sentryline/internal/barstore/fileset"
	"github.com/mreversal/sentryline/internal/barstore/sqlstore"
	"github.com/mreversal/sentryline/internal/broker"
	"github.com/mreversal/sentryline/internal/config"
	"github.com/mreversal/sentryline/internal/execution"
	"github.com/mreversal/sentryline/internal/journal"
	"github.com/mreversal/sentryline/internal/models"
	"github.com/mreversal/sentryline/internal/screening"
	"github.com/mreversal/sentryline/internal/session"
	"github.com/mreversal/sentryline/internal/telemetry"
)

// Exit codes, per the specification's §6 CLI wrapping contract.
const (
	exitOK              = 0
	exitConfigError     = 1
	exitSessionLost     = 2
	exitInvariantError  = 3
)

func main() {
	os.Exit(run())
}

// app bundles every constructed component the scheduler loop and the
// trading cycle operate on.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	session    *session.Manager
	store      barstore.Store
	aggregator *aggregator.Aggregator
	gate       *execution.Gate
	pipeline   *screening.Pipeline
	journal    *journal.Store
	metrics    *telemetry.Metrics
	registry   *prometheus.Registry
	universe   []models.SymbolMetadata

	contractMu  sync.Mutex
	contractIDs map[string]string
}

func run() int {
	var configPath string
	var universePath string
	flag.StringVar(&configPath, "config", "sentryd.yaml", "path to configuration file")
	flag.StringVar(&universePath, "universe", "", "optional path to a newline-delimited symbol universe file")
	flag.Parse()

	logger := log.New(os.Stdout, "[sentryd] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("config error: %v", err)
		return exitConfigError
	}

	a, err := buildApp(cfg, logger, universePath)
	if err != nil {
		logger.Printf("startup error: %v", err)
		return exitInvariantError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutdown signal received")
		cancel()
	}()

	var telemetrySrv *telemetry.Server
	if cfg.Telemetry.Enabled {
		telemetrySrv = a.startTelemetry(cfg)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = telemetrySrv.Shutdown(shutdownCtx)
		}()
	}

	if err := a.session.Connect(ctx); err != nil {
		logger.Printf("initial broker connect failed: %v", err)
		return exitSessionLost
	}
	defer a.session.Disconnect(context.Background())

	a.gate.StartTrailingLoop(ctx)
	defer a.gate.Stop()
	defer a.gate.CancelOpenOrders(context.Background())

	go a.backfillAndStream(ctx)

	if err := a.runLoop(ctx); err != nil {
		logger.Printf("scheduler loop exited with error: %v", err)
		return exitSessionLost
	}
	logger.Println("sentryd stopped")
	return exitOK
}

func buildApp(cfg *config.Config, logger *log.Logger, universePath string) (*app, error) {
	httpBroker := broker.NewHTTPBroker(cfg.Broker.BaseURL, &http.Client{Timeout: cfg.Broker.RequestTimeout}, logger)
	circuitBroker := broker.NewCircuitBreakerBroker(httpBroker)

	sessionCfg := session.Config{
		HeartbeatPeriod:   cfg.Session.HeartbeatPeriod,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectDelay:    cfg.Session.ReconnectDelay,
		ThrottleSpacing:   cfg.Session.ThrottleSpacing,
		CallTimeout:       cfg.Session.CallTimeout,
	}
	sess := session.NewManager(circuitBroker, logger, sessionCfg)

	var metrics *telemetry.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
		sess.SetMetrics(metrics)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("building bar store: %w", err)
	}

	var journalStore *journal.Store
	if cfg.Storage.JournalDSN != "" {
		journalStore, err = journal.Open(cfg.Storage.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("opening trade journal: %w", err)
		}
	}

	agg := aggregator.New(cfg.Storage.RingSize)
	if metrics != nil {
		agg.SetMetrics(metrics)
	}

	gateCfg := execution.Config{
		MaxRiskPerTrade:     cfg.Execution.MaxRiskPerTrade,
		MaxPortfolioRisk:    cfg.Execution.MaxPortfolioRisk,
		MaxOpenPositions:    cfg.Execution.MaxOpenPositions,
		MinStopDistancePct:  cfg.Execution.MinStopDistancePct,
		MaxStopDistancePct:  cfg.Execution.MaxStopDistancePct,
		TrailingDistancePct: cfg.Execution.TrailingDistancePct,
		TrailingCheckPeriod: cfg.Execution.TrailingCheckPeriod,
		AllowExecution:      cfg.Execution.AllowExecution,
		RequirePaperMode:    cfg.Execution.RequirePaperMode,
		SymbolWhitelist:     cfg.SymbolWhitelistSet(),
		PriceTick:           cfg.Execution.PriceTick,
	}
	gate := execution.NewGate(sess, journalStore, gateCfg, logger)
	if metrics != nil {
		gate.SetMetrics(metrics)
	}
	agg.OnComplete(models.TF1m, gate.OnCompletedBar)

	pipeline := screening.New(store, screening.Config{
		MinPrice:      cfg.Screening.MinPrice,
		MaxPrice:      cfg.Screening.MaxPrice,
		MinDailyVol:   cfg.Screening.MinDailyVol,
		MinMarketCap:  cfg.Screening.MinMarketCap,
		BBPositionLo:  cfg.Screening.BBPositionLo,
		BBPositionHi:  cfg.Screening.BBPositionHi,
		TrendStrength: cfg.Screening.TrendStrength,
		VolumeRatio:   cfg.Screening.VolumeRatio,
		ATRPctLo:      cfg.Screening.ATRPctLo,
		ATRPctHi:      cfg.Screening.ATRPctHi,
		ScoreMin:      cfg.Screening.ScoreMin,
		TopN:          cfg.Screening.TopN,
		Workers:       cfg.Screening.Workers,
		CoarseTF:      models.Timeframe(cfg.Screening.CoarseTF),
	})

	universe, err := loadUniverse(universePath)
	if err != nil {
		return nil, fmt.Errorf("loading universe: %w", err)
	}

	return &app{
		cfg: cfg, logger: logger, session: sess, store: store, aggregator: agg,
		gate: gate, pipeline: pipeline, journal: journalStore, universe: universe,
		metrics: metrics, registry: registry,
		contractIDs: make(map[string]string),
	}, nil
}

func buildStore(cfg *config.Config) (barstore.Store, error) {
	switch cfg.Storage.BarBackend {
	case "sql":
		return sqlstore.Open(cfg.Storage.JournalDSN)
	default:
		return fileset.New(cfg.Storage.DataDir)
	}
}

func (a *app) startTelemetry(cfg *config.Config) *telemetry.Server {
	srv := telemetry.NewServer(
		fmt.Sprintf("0.0.0.0:%d", cfg.Telemetry.Port),
		a.registry,
		func() (bool, string) {
			if a.session.State() == models.SessionConnected {
				return true, "connected"
			}
			return false, fmt.Sprintf("session state: %s", a.session.State())
		},
		logrus.New(),
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			a.logger.Printf("telemetry server error: %v", err)
		}
	}()
	a.logger.Printf("telemetry listening on :%d", cfg.Telemetry.Port)
	return srv
}
