// Package config loads and validates the process-wide configuration
// surface: every parameter enumerated by the Execution Gate and
// Screening Pipeline, plus session, storage, and telemetry settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults mirrored from the component packages so the config file may
// omit any field and still produce a runnable process.
const (
	defaultHeartbeatPeriod    = 30 * time.Second
	defaultReconnectAttempts  = 5
	defaultReconnectDelay     = 5 * time.Second
	defaultThrottleSpacing    = 500 * time.Millisecond
	defaultCallTimeout        = 10 * time.Second
	defaultRetryMaxRetries    = 3
	defaultRetryInitialBackoff = 1 * time.Second
	defaultRetryMaxBackoff    = 30 * time.Second
	defaultRetryTimeout       = 2 * time.Minute

	defaultMaxRiskPerTrade     = 0.01
	defaultMaxPortfolioRisk    = 0.03
	defaultMaxOpenPositions    = 10
	defaultMinStopDistancePct  = 0.005
	defaultMaxStopDistancePct  = 0.10
	defaultTrailingDistancePct = 0.02
	defaultTrailingCheckPeriod = 60 * time.Second
	defaultPriceTick           = 0.01

	defaultScreenMinPrice      = 5.0
	defaultScreenMaxPrice      = 1000.0
	defaultScreenMinDailyVol   = 500000
	defaultScreenBBLo          = 0.0
	defaultScreenBBHi          = 0.3
	defaultScreenTrendStrength = 0.02
	defaultScreenVolumeRatio   = 1.2
	defaultScreenATRLo         = 0.01
	defaultScreenATRHi         = 0.10
	defaultScreenScoreMin      = 60.0
	defaultScreenTopN          = 20
	defaultScreenWorkers       = 8
	defaultScreenCoarseTF      = "1h"

	defaultDataDir      = "data"
	defaultBarBackend   = "fileset"
	defaultRingSize     = 2048
	defaultTelemetryPort = 9847
	defaultHistoryBackfill = 24 * time.Hour
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Session     SessionConfig     `yaml:"session"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Screening   ScreeningConfig   `yaml:"screening"`
	Storage     StorageConfig     `yaml:"storage"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// EnvironmentConfig defines process-wide environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines the broker gateway transport settings.
type BrokerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SessionConfig defines the Brokerage Session Manager's heartbeat,
// reconnection, and throttle parameters.
type SessionConfig struct {
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ThrottleSpacing   time.Duration `yaml:"throttle_spacing"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig defines exponential-backoff retry parameters for throttled
// broker calls.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ExecutionConfig enumerates every parameter the Risk-Validating
// Execution Gate is driven by (specification §4.F).
type ExecutionConfig struct {
	MaxRiskPerTrade     float64  `yaml:"max_risk_per_trade"`
	MaxPortfolioRisk    float64  `yaml:"max_portfolio_risk"`
	MaxOpenPositions    int      `yaml:"max_open_positions"`
	MinStopDistancePct  float64  `yaml:"min_stop_distance_pct"`
	MaxStopDistancePct  float64  `yaml:"max_stop_distance_pct"`
	TrailingDistancePct float64  `yaml:"trailing_distance_pct"`
	TrailingCheckPeriod time.Duration `yaml:"trailing_check_period"`
	AllowExecution      bool     `yaml:"allow_execution"`
	RequirePaperMode    bool     `yaml:"require_paper_mode"`
	SymbolWhitelist     []string `yaml:"symbol_whitelist"`
	PriceTick           float64  `yaml:"price_tick"`
}

// ScreeningConfig enumerates every screening threshold (specification
// §4.E) plus the worker pool size driving the pipeline.
type ScreeningConfig struct {
	MinPrice      float64 `yaml:"min_price"`
	MaxPrice      float64 `yaml:"max_price"`
	MinDailyVol   int64   `yaml:"min_daily_volume"`
	MinMarketCap  float64 `yaml:"min_market_cap"`
	BBPositionLo  float64 `yaml:"bb_position_lo"`
	BBPositionHi  float64 `yaml:"bb_position_hi"`
	TrendStrength float64 `yaml:"trend_strength"`
	VolumeRatio   float64 `yaml:"volume_ratio"`
	ATRPctLo      float64 `yaml:"atr_pct_lo"`
	ATRPctHi      float64 `yaml:"atr_pct_hi"`
	ScoreMin      float64 `yaml:"score_min"`
	TopN          int     `yaml:"top_n"`
	Workers       int     `yaml:"workers"`
	CoarseTF      string  `yaml:"coarse_timeframe"`
}

// StorageConfig defines the bar store backend and data directory, plus
// the optional relational trade journal's connection string.
type StorageConfig struct {
	DataDir                 string        `yaml:"data_dir"`
	BarBackend              string        `yaml:"bar_backend"` // fileset | sql
	RingSize                int           `yaml:"ring_size"`   // aggregator completed-bar ring size
	JournalDSN              string        `yaml:"journal_dsn"`
	HistoryBackfillDuration time.Duration `yaml:"history_backfill_duration"`
}

// TelemetryConfig defines the metrics/health HTTP surface.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "sentryd.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Normalize fills every unset field with its component-level default so a
// minimal config file still produces a fully-specified, runnable process.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = defaultCallTimeout
	}

	if c.Session.HeartbeatPeriod <= 0 {
		c.Session.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if c.Session.ReconnectAttempts <= 0 {
		c.Session.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.Session.ReconnectDelay <= 0 {
		c.Session.ReconnectDelay = defaultReconnectDelay
	}
	if c.Session.ThrottleSpacing <= 0 {
		c.Session.ThrottleSpacing = defaultThrottleSpacing
	}
	if c.Session.CallTimeout <= 0 {
		c.Session.CallTimeout = defaultCallTimeout
	}
	if c.Session.Retry.MaxRetries <= 0 {
		c.Session.Retry.MaxRetries = defaultRetryMaxRetries
	}
	if c.Session.Retry.InitialBackoff <= 0 {
		c.Session.Retry.InitialBackoff = defaultRetryInitialBackoff
	}
	if c.Session.Retry.MaxBackoff <= 0 {
		c.Session.Retry.MaxBackoff = defaultRetryMaxBackoff
	}
	if c.Session.Retry.Timeout <= 0 {
		c.Session.Retry.Timeout = defaultRetryTimeout
	}

	if c.Execution.MaxRiskPerTrade <= 0 {
		c.Execution.MaxRiskPerTrade = defaultMaxRiskPerTrade
	}
	if c.Execution.MaxPortfolioRisk <= 0 {
		c.Execution.MaxPortfolioRisk = defaultMaxPortfolioRisk
	}
	if c.Execution.MaxOpenPositions <= 0 {
		c.Execution.MaxOpenPositions = defaultMaxOpenPositions
	}
	if c.Execution.MinStopDistancePct <= 0 {
		c.Execution.MinStopDistancePct = defaultMinStopDistancePct
	}
	if c.Execution.MaxStopDistancePct <= 0 {
		c.Execution.MaxStopDistancePct = defaultMaxStopDistancePct
	}
	if c.Execution.TrailingDistancePct <= 0 {
		c.Execution.TrailingDistancePct = defaultTrailingDistancePct
	}
	if c.Execution.TrailingCheckPeriod <= 0 {
		c.Execution.TrailingCheckPeriod = defaultTrailingCheckPeriod
	}
	if c.Execution.PriceTick <= 0 {
		c.Execution.PriceTick = defaultPriceTick
	}
	// AllowExecution's zero value (false) is meaningful only when the
	// operator explicitly disables it; an entirely blank execution block
	// means "use every other default," so default this one to enabled.
	if isExecutionBlockBlank(c.Execution) {
		c.Execution.AllowExecution = true
	}

	if c.Screening.MinPrice <= 0 {
		c.Screening.MinPrice = defaultScreenMinPrice
	}
	if c.Screening.MaxPrice <= 0 {
		c.Screening.MaxPrice = defaultScreenMaxPrice
	}
	if c.Screening.MinDailyVol <= 0 {
		c.Screening.MinDailyVol = defaultScreenMinDailyVol
	}
	if c.Screening.BBPositionHi <= 0 {
		c.Screening.BBPositionLo = defaultScreenBBLo
		c.Screening.BBPositionHi = defaultScreenBBHi
	}
	if c.Screening.TrendStrength <= 0 {
		c.Screening.TrendStrength = defaultScreenTrendStrength
	}
	if c.Screening.VolumeRatio <= 0 {
		c.Screening.VolumeRatio = defaultScreenVolumeRatio
	}
	if c.Screening.ATRPctHi <= 0 {
		c.Screening.ATRPctLo = defaultScreenATRLo
		c.Screening.ATRPctHi = defaultScreenATRHi
	}
	if c.Screening.ScoreMin <= 0 {
		c.Screening.ScoreMin = defaultScreenScoreMin
	}
	if c.Screening.TopN <= 0 {
		c.Screening.TopN = defaultScreenTopN
	}
	if c.Screening.Workers <= 0 {
		c.Screening.Workers = defaultScreenWorkers
	}
	if strings.TrimSpace(c.Screening.CoarseTF) == "" {
		c.Screening.CoarseTF = defaultScreenCoarseTF
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Storage.BarBackend) == "" {
		c.Storage.BarBackend = defaultBarBackend
	}
	if c.Storage.RingSize <= 0 {
		c.Storage.RingSize = defaultRingSize
	}
	if c.Storage.HistoryBackfillDuration <= 0 {
		c.Storage.HistoryBackfillDuration = defaultHistoryBackfill
	}
	if c.Telemetry.Port <= 0 {
		c.Telemetry.Port = defaultTelemetryPort
	}
}

// isExecutionBlockBlank reports whether every execution field is at its
// Go zero value, meaning the operator's config omitted the block entirely
// (as opposed to explicitly setting allow_execution: false).
func isExecutionBlockBlank(e ExecutionConfig) bool {
	return e.MaxRiskPerTrade == 0 && e.MaxPortfolioRisk == 0 && e.MaxOpenPositions == 0 &&
		e.MinStopDistancePct == 0 && e.MaxStopDistancePct == 0 && e.TrailingDistancePct == 0 &&
		e.TrailingCheckPeriod == 0 && !e.AllowExecution && !e.RequirePaperMode &&
		len(e.SymbolWhitelist) == 0 && e.PriceTick == 0
}

// Validate checks that all configuration values are valid and consistent.
// Call Normalize first; Validate does not fill in defaults.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(c.Broker.BaseURL) == "" {
		return fmt.Errorf("broker.base_url is required")
	}

	if c.Session.ReconnectAttempts <= 0 {
		return fmt.Errorf("session.reconnect_attempts must be > 0")
	}
	if c.Session.ThrottleSpacing <= 0 {
		return fmt.Errorf("session.throttle_spacing must be > 0")
	}

	if c.Execution.MaxRiskPerTrade <= 0 || c.Execution.MaxRiskPerTrade > 1 {
		return fmt.Errorf("execution.max_risk_per_trade must be in (0, 1]")
	}
	if c.Execution.MaxPortfolioRisk <= 0 || c.Execution.MaxPortfolioRisk > 1 {
		return fmt.Errorf("execution.max_portfolio_risk must be in (0, 1]")
	}
	if c.Execution.MaxRiskPerTrade > c.Execution.MaxPortfolioRisk {
		return fmt.Errorf("execution.max_risk_per_trade (%.4f) must be <= max_portfolio_risk (%.4f)",
			c.Execution.MaxRiskPerTrade, c.Execution.MaxPortfolioRisk)
	}
	if c.Execution.MaxOpenPositions <= 0 {
		return fmt.Errorf("execution.max_open_positions must be > 0")
	}
	if c.Execution.MinStopDistancePct <= 0 || c.Execution.MinStopDistancePct >= c.Execution.MaxStopDistancePct {
		return fmt.Errorf("execution.min_stop_distance_pct must be > 0 and < max_stop_distance_pct")
	}
	if c.Execution.RequirePaperMode && c.Environment.Mode == "live" {
		return fmt.Errorf("execution.require_paper_mode is set but environment.mode is 'live'")
	}

	if c.Screening.MinPrice <= 0 || c.Screening.MinPrice >= c.Screening.MaxPrice {
		return fmt.Errorf("screening.min_price must be > 0 and < max_price")
	}
	if c.Screening.BBPositionLo >= c.Screening.BBPositionHi {
		return fmt.Errorf("screening.bb_position_lo must be < bb_position_hi")
	}
	if c.Screening.ATRPctLo >= c.Screening.ATRPctHi {
		return fmt.Errorf("screening.atr_pct_lo must be < atr_pct_hi")
	}
	if c.Screening.ScoreMin < 0 || c.Screening.ScoreMin > 100 {
		return fmt.Errorf("screening.score_min must be in [0, 100]")
	}
	if c.Screening.TopN <= 0 {
		return fmt.Errorf("screening.top_n must be > 0")
	}
	if c.Screening.Workers <= 0 {
		return fmt.Errorf("screening.workers must be > 0")
	}
	if !validTimeframe(c.Screening.CoarseTF) {
		return fmt.Errorf("screening.coarse_timeframe %q is not a supported timeframe", c.Screening.CoarseTF)
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Storage.BarBackend {
	case "fileset", "sql":
	default:
		return fmt.Errorf("storage.bar_backend must be 'fileset' or 'sql'")
	}
	if c.Storage.BarBackend == "sql" && strings.TrimSpace(c.Storage.JournalDSN) == "" {
		return fmt.Errorf("storage.journal_dsn is required when storage.bar_backend is 'sql'")
	}

	if c.Telemetry.Enabled && (c.Telemetry.Port <= 0 || c.Telemetry.Port > 65535) {
		return fmt.Errorf("telemetry.port must be between 1 and 65535")
	}
	return nil
}

func validTimeframe(tf string) bool {
	switch tf {
	case "5s", "1m", "5m", "15m", "1h", "4h", "1d":
		return true
	default:
		return false
	}
}

// IsPaperTrading reports whether the process is configured for paper
// trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// SymbolWhitelistSet returns the configured whitelist as a lookup set, or
// nil if unset (meaning every symbol is admitted).
func (c *Config) SymbolWhitelistSet() map[string]bool {
	if len(c.Execution.SymbolWhitelist) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Execution.SymbolWhitelist))
	for _, s := range c.Execution.SymbolWhitelist {
		set[s] = true
	}
	return set
}
