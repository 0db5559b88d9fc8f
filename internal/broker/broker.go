// Package broker defines the transport-level contract to the broker gateway
// process and a plain HTTP/JSON implementation of it.
package broker

import (
	"context"
	"time"

	"github.com/mreversal/sentryline/internal/models"
)

// Order describes a bracketed entry+stop+target order to place.
type Order struct {
	Symbol      string
	ContractID  string
	Side        models.Side
	Quantity    int
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64
}

// OrderAck is the gateway's acknowledgement of a placed order.
type OrderAck struct {
	OrderID string
	Status  string
}

// AccountSnapshot reports the account's current equity, cash, and buying
// power, plus whether the account is a paper (simulated) account.
type AccountSnapshot struct {
	Equity       float64
	Cash         float64
	BuyingPower  float64
	Paper        bool
	SnapshotTime time.Time
}

// LiveBarCallback receives one streamed fine-grained bar for symbol.
type LiveBarCallback func(symbol string, bar models.Bar)

// Broker is the transport-level contract to the broker gateway: a single
// authenticated session over which history is fetched, live bars stream in,
// and orders are placed and adjusted.
type Broker interface {
	// Connect authenticates the session against the gateway.
	Connect(ctx context.Context) error
	// Disconnect tears the session down, stopping any live subscriptions.
	Disconnect(ctx context.Context) error

	// FetchHistory returns historical bars for symbol/tf covering duration
	// back from now.
	FetchHistory(ctx context.Context, symbol string, tf models.Timeframe, duration time.Duration) ([]models.Bar, error)
	// SubscribeLive registers cb to receive streamed 5-second bars for
	// symbol. Re-invoking with the same symbol replaces the prior callback.
	SubscribeLive(ctx context.Context, symbol string, cb LiveBarCallback) error

	// Qualify resolves symbol to the broker's own contract identifier and
	// sanity bounds, populating models.SymbolMetadata.ContractID. Every
	// symbol must be qualified before it can be ordered.
	Qualify(ctx context.Context, symbol string) (models.SymbolMetadata, error)

	// PlaceOrder submits a bracketed order and returns the gateway's ack.
	PlaceOrder(ctx context.Context, order Order) (OrderAck, error)
	// ModifyStop adjusts the stop leg of an existing order.
	ModifyStop(ctx context.Context, orderID string, newStopPrice float64) error
	// CancelOrder cancels a previously placed order that has not yet filled.
	CancelOrder(ctx context.Context, orderID string) error

	// AccountSnapshot reports current account state.
	AccountSnapshot(ctx context.Context) (AccountSnapshot, error)
	// Heartbeat returns the gateway's current time, used as a liveness probe.
	Heartbeat(ctx context.Context) (time.Time, error)
}
