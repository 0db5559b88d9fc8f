// Package aggregator folds a stream of fine-grained (5 second) bars into
// the coarser timeframes an execution system trades on, firing subscriber
// callbacks synchronously as each coarser boundary completes.
package aggregator

import (
	"fmt"
	"sync"
	"time"

	"github.com/mreversal/sentryline/internal/models"
	"github.com/mreversal/sentryline/internal/telemetry"
)

// DefaultRingSize is the default bound on completed bars retained per
// (symbol, timeframe) pair.
const DefaultRingSize = 2048

// Callback receives a completed bar for one symbol on one subscribed
// timeframe. It is invoked synchronously on the goroutine that called
// AddFineBar and must not block.
type Callback func(symbol string, bar models.Bar)

type accumulator struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume int64
	nFine  int
}

func newAccumulator(start time.Time, b models.Bar) *accumulator {
	return &accumulator{
		start: start, open: b.Open, high: b.High, low: b.Low, close: b.Close,
		volume: b.Volume, nFine: 1,
	}
}

func (a *accumulator) fold(b models.Bar) {
	if b.High > a.high {
		a.high = b.High
	}
	if b.Low < a.low {
		a.low = b.Low
	}
	a.close = b.Close
	a.volume += b.Volume
	a.nFine++
}

func (a *accumulator) bar() models.Bar {
	return models.Bar{
		Timestamp: a.start, Open: a.open, High: a.high, Low: a.low, Close: a.close, Volume: a.volume,
	}
}

// symbolState is the per-symbol aggregation state, guarded by its own
// mutex so concurrent symbols never serialize against each other.
type symbolState struct {
	mu          sync.Mutex
	lastFine    time.Time
	accumulator map[models.Timeframe]*accumulator
	completed   map[models.Timeframe][]models.Bar
}

func newSymbolState() *symbolState {
	return &symbolState{
		accumulator: make(map[models.Timeframe]*accumulator),
		completed:   make(map[models.Timeframe][]models.Bar),
	}
}

// Aggregator folds incoming fine bars into every coarser timeframe and
// dispatches completed bars to registered subscribers.
type Aggregator struct {
	ringSize int
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	symbols map[string]*symbolState

	subMu       sync.RWMutex
	subscribers map[models.Timeframe][]Callback
}

// SetMetrics attaches a telemetry sink. Safe to call once before the
// Aggregator is exercised by concurrent goroutines.
func (a *Aggregator) SetMetrics(metrics *telemetry.Metrics) {
	a.metrics = metrics
}

// New returns an Aggregator whose completed-bar ring buffers hold at most
// ringSize bars per (symbol, timeframe). ringSize <= 0 uses DefaultRingSize.
func New(ringSize int) *Aggregator {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Aggregator{
		ringSize:    ringSize,
		symbols:     make(map[string]*symbolState),
		subscribers: make(map[models.Timeframe][]Callback),
	}
}

// OnComplete registers a callback invoked whenever a bar on tf completes
// for any symbol.
func (a *Aggregator) OnComplete(tf models.Timeframe, cb Callback) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribers[tf] = append(a.subscribers[tf], cb)
}

func (a *Aggregator) dispatch(tf models.Timeframe, symbol string, bar models.Bar) {
	a.subMu.RLock()
	cbs := a.subscribers[tf]
	a.subMu.RUnlock()
	for _, cb := range cbs {
		cb(symbol, bar)
	}
}

func (a *Aggregator) stateFor(symbol string) *symbolState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok {
		st = newSymbolState()
		a.symbols[symbol] = st
	}
	return st
}

// AddFineBar folds one 5-second bar into every coarser timeframe's active
// accumulator for symbol, emitting and dispatching any timeframe whose
// boundary the new bar crosses. Bars are rejected with models.ErrInvalidBar
// if they violate OHLC invariants, or models.ErrOutOfOrder if their
// timestamp does not strictly follow the last fine bar seen for symbol.
func (a *Aggregator) AddFineBar(symbol string, bar models.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	st := a.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastFine.IsZero() && !bar.Timestamp.After(st.lastFine) {
		return fmt.Errorf("%w: fine bar at %s not after last seen %s", models.ErrOutOfOrder, bar.Timestamp, st.lastFine)
	}
	st.lastFine = bar.Timestamp

	for _, tf := range models.CoarserThan() {
		tfStart := tf.Floor(bar.Timestamp)
		acc, ok := st.accumulator[tf]
		switch {
		case !ok:
			st.accumulator[tf] = newAccumulator(tfStart, bar)
		case tfStart.Equal(acc.start):
			acc.fold(bar)
		default:
			completedBar := acc.bar()
			st.completed[tf] = appendBounded(st.completed[tf], completedBar, a.ringSize)
			st.accumulator[tf] = newAccumulator(tfStart, bar)
			if a.metrics != nil {
				a.metrics.BarsCompleted.WithLabelValues(string(tf)).Inc()
			}
			a.dispatch(tf, symbol, completedBar)
		}
	}
	return nil
}

func appendBounded(buf []models.Bar, bar models.Bar, max int) []models.Bar {
	buf = append(buf, bar)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

// Completed returns a copy of the completed-bar ring buffer for
// (symbol, tf), oldest first.
func (a *Aggregator) Completed(symbol string, tf models.Timeframe) []models.Bar {
	st := a.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	src := st.completed[tf]
	out := make([]models.Bar, len(src))
	copy(out, src)
	return out
}

// Active returns the in-progress accumulator for (symbol, tf) as a Bar, and
// whether one exists yet.
func (a *Aggregator) Active(symbol string, tf models.Timeframe) (models.Bar, bool) {
	st := a.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	acc, ok := st.accumulator[tf]
	if !ok {
		return models.Bar{}, false
	}
	return acc.bar(), true
}
