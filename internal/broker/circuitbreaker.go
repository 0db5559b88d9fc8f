package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mreversal/sentryline/internal/models"
)

// CircuitBreakerSettings configures the gobreaker.CircuitBreaker wrapping a
// Broker. Zero values fall back to DefaultCircuitBreakerSettings.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after half of at least 5 requests in
// a rolling interval fail, and probes again one minute later.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     time.Minute,
	Timeout:      time.Minute,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// CircuitBreakerBroker wraps a Broker with a gobreaker.CircuitBreaker so a
// string of transport failures trips independently of, and feeds into, the
// session state machine.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{broker: b, breaker: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker's current gobreaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

func run1[T any](c *CircuitBreakerBroker, f func() (T, error)) (T, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func run0(c *CircuitBreakerBroker, f func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, f()
	})
	return err
}

// Connect authenticates the wrapped broker's session.
func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	return run0(c, func() error { return c.broker.Connect(ctx) })
}

// Disconnect tears the wrapped broker's session down.
func (c *CircuitBreakerBroker) Disconnect(ctx context.Context) error {
	return run0(c, func() error { return c.broker.Disconnect(ctx) })
}

// FetchHistory fetches historical bars through the breaker.
func (c *CircuitBreakerBroker) FetchHistory(ctx context.Context, symbol string, tf models.Timeframe, duration time.Duration) ([]models.Bar, error) {
	return run1(c, func() ([]models.Bar, error) { return c.broker.FetchHistory(ctx, symbol, tf, duration) })
}

// SubscribeLive subscribes through the breaker.
func (c *CircuitBreakerBroker) SubscribeLive(ctx context.Context, symbol string, cb LiveBarCallback) error {
	return run0(c, func() error { return c.broker.SubscribeLive(ctx, symbol, cb) })
}

// Qualify resolves a symbol through the breaker.
func (c *CircuitBreakerBroker) Qualify(ctx context.Context, symbol string) (models.SymbolMetadata, error) {
	return run1(c, func() (models.SymbolMetadata, error) { return c.broker.Qualify(ctx, symbol) })
}

// PlaceOrder places an order through the breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, order Order) (OrderAck, error) {
	return run1(c, func() (OrderAck, error) { return c.broker.PlaceOrder(ctx, order) })
}

// ModifyStop adjusts a stop through the breaker.
func (c *CircuitBreakerBroker) ModifyStop(ctx context.Context, orderID string, newStopPrice float64) error {
	return run0(c, func() error { return c.broker.ModifyStop(ctx, orderID, newStopPrice) })
}

// CancelOrder cancels an order through the breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	return run0(c, func() error { return c.broker.CancelOrder(ctx, orderID) })
}

// AccountSnapshot reports account state through the breaker.
func (c *CircuitBreakerBroker) AccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	return run1(c, func() (AccountSnapshot, error) { return c.broker.AccountSnapshot(ctx) })
}

// Heartbeat probes the wrapped broker through the breaker.
func (c *CircuitBreakerBroker) Heartbeat(ctx context.Context) (time.Time, error) {
	return run1(c, func() (time.Time, error) { return c.broker.Heartbeat(ctx) })
}

var _ Broker = (*CircuitBreakerBroker)(nil)
