package retry

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// makeClient builds a Client with controllable timing and a buffer-backed logger.
func makeClient(t *testing.T, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	return NewClient(l, cfg), &buf
}

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	var buf bytes.Buffer

	// Provide bad config values to ensure sanitization to DefaultConfig.
	cfg := Config{
		MaxRetries:     -1,
		InitialBackoff: 0,
		MaxBackoff:     0,
		Timeout:        0,
	}
	c := NewClient(nil, cfg) // nil logger => defaulted internally

	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", c.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if c.config.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Fatalf("InitialBackoff sanitized: got %v want %v", c.config.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if c.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("MaxBackoff sanitized: got %v want %v", c.config.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if c.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", c.config.Timeout, DefaultConfig.Timeout)
	}

	// Also ensure an explicit non-nil logger is honored.
	l := log.New(&buf, "", 0)
	c2 := NewClient(l)
	if c2.logger != l {
		t.Fatalf("expected provided logger to be used")
	}
}

func TestNewClient_MaxBackoffFloorsToInitialBackoff(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: 2, InitialBackoff: 5 * time.Second, MaxBackoff: time.Second, Timeout: time.Minute})
	if c.config.MaxBackoff != 5*time.Second {
		t.Fatalf("MaxBackoff = %v, want floored to InitialBackoff 5s", c.config.MaxBackoff)
	}
}

func TestIsTransientError_Patterns(t *testing.T) {
	c, _ := makeClient(t, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"504", errors.New("504 Gateway Timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"tcp", errors.New("tcp handshake failed"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"non-transient", errors.New("validation failed: credit check"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.isTransientError(tc.err)
			if got != tc.want {
				t.Fatalf("isTransientError(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c, _ := makeClient(t, cfg)

	// Case 1: multiply by 1.5 within max, with jitter in [0, backoff/4).
	next := c.calculateNextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected next backoff: got %v, expected [6ms,7.5ms)", next)
	}

	// Case 2: cap to MaxBackoff before jitter, then allow jitter up to MaxBackoff/4.
	next2 := c.calculateNextBackoff(8 * time.Millisecond) // base=12ms -> capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped next backoff: got %v, expected [10ms,12.5ms)", next2)
	}

	// Case 3: zero input stays zero (no jitter).
	if got := c.calculateNextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestClient_Do_SucceedsFirstAttempt(t *testing.T) {
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c, buf := makeClient(t, cfg)

	var calls atomic.Int32
	err := c.Do(context.Background(), "close-position", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
	if buf.String() != "" {
		t.Fatalf("expected no log output on first-try success, got: %s", buf.String())
	}
}

func TestClient_Do_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	cfg := Config{
		MaxRetries:     3, // allows up to 4 attempts total
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c, _ := makeClient(t, cfg)

	var calls atomic.Int32
	start := time.Now()
	err := c.Do(context.Background(), "close-position", func(ctx context.Context) error {
		n := calls.Add(1)
		if n < 3 {
			return errors.New("timeout while closing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("expected some backoff elapsed, got %v", elapsed)
	}
}

func TestClient_Do_FailFastOnNonTransient(t *testing.T) {
	cfg := Config{
		MaxRetries:     5, // even with higher retries, should not retry on permanent errors
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	}
	c, _ := makeClient(t, cfg)

	var calls atomic.Int32
	err := c.Do(context.Background(), "place-order", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("validation failed: max debit too low")
	})
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", got)
	}
	if !strings.Contains(err.Error(), "failed after") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Do_ContextCanceledBeforeCall(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c, _ := makeClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before call

	var calls atomic.Int32
	err := c.Do(ctx, "close-position", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected 'timed out' in error, got: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected 0 calls, got %d", got)
	}
}

func TestClient_Do_TimeoutDuringBackoff(t *testing.T) {
	// Force transient errors and a short timeout so that we hit the "timed out during backoff" branch.
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        2 * time.Millisecond, // shorter than backoff
	}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "close-position", func(ctx context.Context) error {
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}

func TestClient_Do_TimeoutBeforeCallLoop(t *testing.T) {
	// An already-expired timeout should hit the "timed out after <timeout>" branch
	// without ever invoking fn again past the first failed attempt.
	cfg := Config{
		MaxRetries:     1,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     1 * time.Millisecond,
		Timeout:        1 * time.Nanosecond,
	}
	c, _ := makeClient(t, cfg)

	time.Sleep(2 * time.Millisecond)

	err := c.Do(context.Background(), "close-position", func(ctx context.Context) error {
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatalf("expected timeout error before exhausting retries")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected 'timed out' in error, got: %v", err)
	}
}
