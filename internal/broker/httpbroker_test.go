package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mreversal/sentryline/internal/models"
)

func TestHTTPBroker_FetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "AAPL" {
			t.Fatalf("unexpected symbol %s", r.URL.Query().Get("symbol"))
		}
		json.NewEncoder(w).Encode([]historyBarWire{
			{Timestamp: 1700000000, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		})
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, nil, nil)
	bars, err := b.FetchHistory(context.Background(), "AAPL", models.TF1m, time.Hour)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 10.5 {
		t.Fatalf("unexpected bars: %+v", bars)
	}
}

func TestHTTPBroker_PlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderAckWire{Status: "rejected", Reason: "insufficient buying power"})
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, nil, nil)
	_, err := b.PlaceOrder(context.Background(), Order{Symbol: "AAPL", Quantity: 10})
	if err == nil {
		t.Fatalf("expected rejection error")
	}
	var rejected *OrderRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *OrderRejected, got %T: %v", err, err)
	}
	if rejected.Reason != "insufficient buying power" {
		t.Fatalf("unexpected reason: %s", rejected.Reason)
	}
}

func TestHTTPBroker_NonOKStatusSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("gateway exploded"))
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, nil, nil)
	_, err := b.AccountSnapshot(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
}

func TestHTTPBroker_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, nil, nil)
	_, err := b.AccountSnapshot(context.Background())
	if err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestHTTPBroker_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, nil, nil)
	_, err := b.FetchHistory(context.Background(), "ZZZZ", models.TF1m, time.Hour)
	if err != ErrUnknownSymbol {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}
