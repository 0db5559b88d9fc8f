// Package session manages a persistent, self-healing connection to a
// brokerage gateway: a connection state machine, heartbeat liveness,
// automatic reconnection, and process-wide request throttling.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mreversal/sentryline/internal/broker"
	"github.com/mreversal/sentryline/internal/models"
	"github.com/mreversal/sentryline/internal/retry"
	"github.com/mreversal/sentryline/internal/telemetry"
)

// sessionStates enumerates every label value the session state gauge
// exposes, matching models.SessionState's tagged enum.
var sessionStates = []string{
	string(models.SessionDisconnected), string(models.SessionConnecting),
	string(models.SessionConnected), string(models.SessionReconnecting),
	string(models.SessionError),
}

// Config contains configuration for the Session Manager.
type Config struct {
	HeartbeatPeriod    time.Duration
	ReconnectAttempts  int
	ReconnectDelay     time.Duration
	ThrottleSpacing    time.Duration
	CallTimeout        time.Duration
	Retry              retry.Config
}

// DefaultConfig matches the specification's stated defaults: a 30 second
// heartbeat period, 5 bounded reconnect attempts, and 0.5 second
// throttle spacing between outbound broker requests.
var DefaultConfig = Config{
	HeartbeatPeriod:   30 * time.Second,
	ReconnectAttempts: 5,
	ReconnectDelay:    5 * time.Second,
	ThrottleSpacing:   500 * time.Millisecond,
	CallTimeout:       10 * time.Second,
	Retry:             retry.DefaultConfig,
}

// subscription records enough to re-establish a live bar stream on
// reconnect.
type subscription struct {
	symbol string
	cb     broker.LiveBarCallback
}

// Manager owns the broker session's lifecycle. Broker requests run on
// the calling goroutine; there is no separate broker-event goroutine.
// Heartbeat and reconnect run on their own timer-driven goroutines. All public methods are safe for
// concurrent use from any goroutine.
type Manager struct {
	broker broker.Broker
	retry  *retry.Client
	logger *log.Logger
	config Config

	sm      *models.SessionStateMachine
	metrics *telemetry.Metrics

	throttleMu   sync.Mutex
	lastRequest  time.Time

	subMu sync.Mutex
	subs  []subscription

	missMu       sync.Mutex
	missedBeats  int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Session Manager wrapping b. config's zero value
// selects DefaultConfig.
func NewManager(b broker.Broker, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "session: ", log.LstdFlags)
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultConfig.HeartbeatPeriod
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultConfig.ReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig.ReconnectDelay
	}
	if cfg.ThrottleSpacing <= 0 {
		cfg.ThrottleSpacing = DefaultConfig.ThrottleSpacing
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if b == nil {
		panic("session.NewManager: broker must not be nil")
	}

	return &Manager{
		broker: b,
		retry:  retry.NewClient(logger, cfg.Retry),
		logger: logger,
		config: cfg,
		sm:     models.NewSessionStateMachine(),
		stopCh: make(chan struct{}),
	}
}

// SetMetrics attaches the process's Prometheus collectors so every state
// transition, request, and error the Manager records is also reported.
// Passing nil (the default) disables reporting without changing behavior.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// State returns the current session state.
func (m *Manager) State() models.SessionState {
	return m.sm.Current()
}

// Metrics reports uptime, reconnect count, error count, last-error
// text, request count, and state.
func (m *Manager) Metrics() models.SessionMetrics {
	return m.sm.Snapshot()
}

// throttle blocks the calling goroutine until at least ThrottleSpacing
// has elapsed since the previous outbound broker request. The gate is
// process-wide: concurrent callers queue on throttleMu and each waits
// out its own remaining spacing before releasing the lock.
func (m *Manager) throttle() {
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()
	if wait := m.config.ThrottleSpacing - time.Since(m.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	m.lastRequest = time.Now()
}

// call throttles, times out, and retries fn against the broker,
// recording the request and any terminal error on the state machine.
// While the session is in the Error state it returns ErrConnectionLost
// without contacting the broker.
func (m *Manager) call(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if m.State() == models.SessionError {
		return broker.ErrConnectionLost
	}
	m.throttle()
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	m.sm.RecordRequest(time.Now().UTC())
	if m.metrics != nil {
		m.metrics.SessionRequests.Inc()
	}
	err := m.retry.Do(callCtx, label, fn)
	if err != nil {
		m.sm.RecordError(err.Error())
		if m.metrics != nil {
			m.metrics.SessionErrors.Inc()
		}
	}
	return err
}

// reportState syncs the session state gauge to the state machine's
// current value. Called after every successful transition.
func (m *Manager) reportState() {
	if m.metrics != nil {
		m.metrics.SetSessionState(sessionStates, string(m.State()))
	}
}

// Connect authenticates the broker session and starts the heartbeat
// loop. Called while already connected, it changes nothing and returns
// the state machine's transition error.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.sm.Transition(models.SessionConnecting); err != nil {
		return err
	}
	m.reportState()
	m.stopOnce = sync.Once{}
	m.stopCh = make(chan struct{})
	if err := m.broker.Connect(ctx); err != nil {
		_ = m.sm.Transition(models.SessionError)
		m.sm.RecordError(err.Error())
		m.reportState()
		return err
	}
	if err := m.sm.Transition(models.SessionConnected); err != nil {
		return err
	}
	m.reportState()
	m.wg.Add(1)
	go m.heartbeatLoop()
	return nil
}

// Disconnect tears the session down and stops the heartbeat loop.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	err := m.broker.Disconnect(ctx)
	_ = m.sm.Transition(models.SessionDisconnected)
	m.reportState()
	return err
}

// FetchHistory fetches historical bars through the throttle/retry gate.
func (m *Manager) FetchHistory(ctx context.Context, symbol string, tf models.Timeframe, duration time.Duration) ([]models.Bar, error) {
	var bars []models.Bar
	err := m.call(ctx, "fetch-history", func(ctx context.Context) error {
		var err error
		bars, err = m.broker.FetchHistory(ctx, symbol, tf, duration)
		return err
	})
	return bars, err
}

// SubscribeLive subscribes to a live bar stream and records it so it
// can be automatically re-established after a reconnect.
func (m *Manager) SubscribeLive(ctx context.Context, symbol string, cb broker.LiveBarCallback) error {
	err := m.call(ctx, "subscribe-live", func(ctx context.Context) error {
		return m.broker.SubscribeLive(ctx, symbol, cb)
	})
	if err != nil {
		return err
	}
	m.subMu.Lock()
	m.subs = append(m.subs, subscription{symbol: symbol, cb: cb})
	m.subMu.Unlock()
	return nil
}

// Qualify resolves symbol through the throttle/retry gate.
func (m *Manager) Qualify(ctx context.Context, symbol string) (models.SymbolMetadata, error) {
	var meta models.SymbolMetadata
	err := m.call(ctx, "qualify", func(ctx context.Context) error {
		var err error
		meta, err = m.broker.Qualify(ctx, symbol)
		return err
	})
	return meta, err
}

// PlaceOrder submits an order through the throttle/retry gate.
func (m *Manager) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderAck, error) {
	var ack broker.OrderAck
	err := m.call(ctx, "place-order", func(ctx context.Context) error {
		var err error
		ack, err = m.broker.PlaceOrder(ctx, order)
		return err
	})
	return ack, err
}

// ModifyStop adjusts an order's stop price through the throttle/retry
// gate.
func (m *Manager) ModifyStop(ctx context.Context, orderID string, newStopPrice float64) error {
	return m.call(ctx, "modify-stop", func(ctx context.Context) error {
		return m.broker.ModifyStop(ctx, orderID, newStopPrice)
	})
}

// CancelOrder cancels an order through the throttle/retry gate.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	return m.call(ctx, "cancel-order", func(ctx context.Context) error {
		return m.broker.CancelOrder(ctx, orderID)
	})
}

// AccountSnapshot reports account state through the throttle/retry gate.
func (m *Manager) AccountSnapshot(ctx context.Context) (broker.AccountSnapshot, error) {
	var snap broker.AccountSnapshot
	err := m.call(ctx, "account-snapshot", func(ctx context.Context) error {
		var err error
		snap, err = m.broker.AccountSnapshot(ctx)
		return err
	})
	return snap, err
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe issues one liveness probe. Every probe error counts as a miss;
// two consecutive misses transition the session to Reconnecting, and a
// single failed probe does not.
func (m *Manager) probe() {
	if m.State() != models.SessionConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.CallTimeout)
	t, err := m.broker.Heartbeat(ctx)
	cancel()

	m.missMu.Lock()
	defer m.missMu.Unlock()

	if err != nil {
		m.missedBeats++
		m.sm.RecordError(err.Error())
		if m.metrics != nil {
			m.metrics.SessionErrors.Inc()
		}
		if m.missedBeats < 2 {
			return
		}
	} else {
		m.missedBeats = 0
		m.sm.RecordHeartbeat(t)
		return
	}

	m.missedBeats = 0
	if transitionErr := m.sm.Transition(models.SessionReconnecting); transitionErr != nil {
		return
	}
	m.reportState()
	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop attempts up to ReconnectAttempts reconnections, waiting
// ReconnectDelay between tries. On success every prior live
// subscription is re-established. On exhaustion the session moves to
// Error, and every subsequent broker call returns ErrConnectionLost until
// an explicit Connect.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.config.ReconnectAttempts; attempt++ {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.config.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.CallTimeout)
		err := m.broker.Connect(ctx)
		cancel()
		if err == nil {
			if transitionErr := m.sm.Transition(models.SessionConnected); transitionErr != nil {
				m.logger.Printf("reconnect succeeded but state transition rejected: %v", transitionErr)
			} else if m.metrics != nil {
				m.metrics.SessionReconnects.Inc()
			}
			m.reportState()
			m.resubscribeAll()
			m.logger.Printf("reconnected after %d attempt(s)", attempt)
			return
		}
		m.logger.Printf("reconnect attempt %d/%d failed: %v", attempt, m.config.ReconnectAttempts, err)
		m.sm.RecordError(err.Error())
		if m.metrics != nil {
			m.metrics.SessionErrors.Inc()
		}
	}

	_ = m.sm.Transition(models.SessionError)
	m.sm.RecordError(broker.ErrConnectionLost.Error())
	m.reportState()
}

func (m *Manager) resubscribeAll() {
	m.subMu.Lock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()

	ctx := context.Background()
	for _, s := range subs {
		if err := m.broker.SubscribeLive(ctx, s.symbol, s.cb); err != nil {
			m.logger.Printf("resubscribe for %s failed: %v", s.symbol, err)
		}
	}
}

// ErrNotConnected is returned by callers that require an established
// session but observe anything other than Connected.
var ErrNotConnected = errors.New("session: not connected")

// RequireConnected returns ErrNotConnected wrapped with the current
// state if the session is not Connected.
func (m *Manager) RequireConnected() error {
	if st := m.State(); st != models.SessionConnected {
		return fmt.Errorf("%w: current state %s", ErrNotConnected, st)
	}
	return nil
}
