package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mreversal/sentryline/internal/models"
)

// pollInterval is how often a live subscription polls the gateway's
// streaming endpoint for the next bar.
const pollInterval = 5 * time.Second

// HTTPBroker talks to a local broker gateway process over plain HTTP/JSON,
// in the same request-building and error-surfacing style as the teacher's
// TradierAPI client.
type HTTPBroker struct {
	client  *http.Client
	baseURL string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewHTTPBroker returns an HTTPBroker targeting baseURL (e.g.
// "http://127.0.0.1:8721"), using client if non-nil or a default client
// with a 10 second timeout otherwise.
func NewHTTPBroker(baseURL string, client *http.Client, logger *log.Logger) *HTTPBroker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPBroker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
		subs:    make(map[string]context.CancelFunc),
	}
}

func (b *HTTPBroker) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	fullURL := b.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
		b.logger.Printf("broker gateway rate limit exhausted on %s %s", method, path)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownSymbol
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(payload)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Connect authenticates against the gateway.
func (b *HTTPBroker) Connect(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, "/session/connect", nil, nil, nil)
}

// Disconnect tears the session down and cancels all active subscriptions.
func (b *HTTPBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	for symbol, cancel := range b.subs {
		cancel()
		delete(b.subs, symbol)
	}
	b.mu.Unlock()
	return b.do(ctx, http.MethodPost, "/session/disconnect", nil, nil, nil)
}

type historyBarWire struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// FetchHistory fetches historical bars for symbol/tf covering duration back
// from now.
func (b *HTTPBroker) FetchHistory(ctx context.Context, symbol string, tf models.Timeframe, duration time.Duration) ([]models.Bar, error) {
	q := url.Values{
		"symbol":   {symbol},
		"tf":       {string(tf)},
		"duration": {strconv.FormatInt(int64(duration.Seconds()), 10)},
	}
	var wire []historyBarWire
	if err := b.do(ctx, http.MethodGet, "/history", q, nil, &wire); err != nil {
		return nil, err
	}
	bars := make([]models.Bar, len(wire))
	for i, w := range wire {
		bars[i] = models.Bar{
			Timestamp: time.Unix(w.Timestamp, 0).UTC(),
			Open:      w.Open, High: w.High, Low: w.Low, Close: w.Close, Volume: w.Volume,
		}
	}
	return bars, nil
}

// SubscribeLive polls the gateway's per-symbol streaming endpoint every
// pollInterval and invokes cb with each new bar. It returns once the first
// subscribe call against the gateway succeeds; delivery continues on a
// background goroutine until Disconnect is called or the symbol is
// subscribed again. ctx bounds only the initial subscribe call; cancelling
// it does not stop delivery.
func (b *HTTPBroker) SubscribeLive(ctx context.Context, symbol string, cb LiveBarCallback) error {
	if err := b.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(symbol), nil, nil, nil); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if old, ok := b.subs[symbol]; ok {
		old()
	}
	b.subs[symbol] = cancel
	b.mu.Unlock()

	go b.pollLive(streamCtx, symbol, cb)
	return nil
}

func (b *HTTPBroker) pollLive(ctx context.Context, symbol string, cb LiveBarCallback) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var wire historyBarWire
			reqCtx, cancel := context.WithTimeout(ctx, pollInterval)
			err := b.do(reqCtx, http.MethodGet, "/streams/"+url.PathEscape(symbol)+"/next", nil, nil, &wire)
			cancel()
			if err != nil {
				if !errors.Is(err, ErrTimeout) {
					b.logger.Printf("live poll for %s failed: %v", symbol, err)
				}
				continue
			}
			cb(symbol, models.Bar{
				Timestamp: time.Unix(wire.Timestamp, 0).UTC(),
				Open:      wire.Open, High: wire.High, Low: wire.Low, Close: wire.Close, Volume: wire.Volume,
			})
		}
	}
}

type symbolWire struct {
	Symbol         string  `json:"symbol"`
	Exchange       string  `json:"exchange"`
	ContractID     string  `json:"contract_id"`
	MinPrice       float64 `json:"min_price"`
	MinDailyVolume int64   `json:"min_daily_volume"`
	AvgDailyVolume int64   `json:"avg_daily_volume"`
	MarketCap      float64 `json:"market_cap"`
	LastPrice      float64 `json:"last_price"`
	LastVolume     int64   `json:"last_volume"`
}

// Qualify resolves symbol against the gateway's instrument master.
func (b *HTTPBroker) Qualify(ctx context.Context, symbol string) (models.SymbolMetadata, error) {
	var wire symbolWire
	if err := b.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol), nil, nil, &wire); err != nil {
		return models.SymbolMetadata{}, err
	}
	return models.SymbolMetadata{
		Symbol:         wire.Symbol,
		Exchange:       wire.Exchange,
		ContractID:     wire.ContractID,
		LastQuote:      models.Quote{Price: wire.LastPrice, Volume: wire.LastVolume},
		MinPrice:       wire.MinPrice,
		MinDailyVolume: wire.MinDailyVolume,
		AvgDailyVolume: wire.AvgDailyVolume,
		MarketCap:      wire.MarketCap,
	}, nil
}

type orderWire struct {
	Symbol      string  `json:"symbol"`
	ContractID  string  `json:"contract_id,omitempty"`
	Side        string  `json:"side"`
	Quantity    int     `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price,omitempty"`
}

type orderAckWire struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// PlaceOrder submits a bracketed order to the gateway.
func (b *HTTPBroker) PlaceOrder(ctx context.Context, order Order) (OrderAck, error) {
	wire := orderWire{
		Symbol: order.Symbol, ContractID: order.ContractID, Side: string(order.Side), Quantity: order.Quantity,
		EntryPrice: order.EntryPrice, StopPrice: order.StopPrice, TargetPrice: order.TargetPrice,
	}
	var ack orderAckWire
	if err := b.do(ctx, http.MethodPost, "/orders", nil, wire, &ack); err != nil {
		return OrderAck{}, err
	}
	if strings.EqualFold(ack.Status, "rejected") {
		return OrderAck{}, &OrderRejected{Reason: ack.Reason}
	}
	return OrderAck{OrderID: ack.OrderID, Status: ack.Status}, nil
}

// ModifyStop adjusts the stop leg of an existing order.
func (b *HTTPBroker) ModifyStop(ctx context.Context, orderID string, newStopPrice float64) error {
	body := map[string]float64{"stop_price": newStopPrice}
	return b.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/stop", nil, body, nil)
}

// CancelOrder cancels a previously placed order that has not yet filled.
func (b *HTTPBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

type accountWire struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	Paper       bool    `json:"paper"`
}

// AccountSnapshot reports current account state.
func (b *HTTPBroker) AccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	var wire accountWire
	if err := b.do(ctx, http.MethodGet, "/account", nil, nil, &wire); err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{
		Equity: wire.Equity, Cash: wire.Cash, BuyingPower: wire.BuyingPower, Paper: wire.Paper,
		SnapshotTime: time.Now().UTC(),
	}, nil
}

type heartbeatWire struct {
	ServerTime int64 `json:"server_time"`
}

// Heartbeat returns the gateway's current time.
func (b *HTTPBroker) Heartbeat(ctx context.Context) (time.Time, error) {
	var wire heartbeatWire
	if err := b.do(ctx, http.MethodGet, "/heartbeat", nil, nil, &wire); err != nil {
		return time.Time{}, err
	}
	return time.Unix(wire.ServerTime, 0).UTC(), nil
}

var _ Broker = (*HTTPBroker)(nil)
