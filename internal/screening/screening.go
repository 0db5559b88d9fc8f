// Package screening implements the Universe -> Liquidity Filter ->
// Coarse Filter -> Score -> Top-N Watchlist pipeline that reads the Bar
// Store and the pure Indicator Engine functions to produce a ranked
// shortlist for the Execution Gate.
package screening

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mreversal/sentryline/internal/barstore"
	"github.com/mreversal/sentryline/internal/indicator"
	"github.com/mreversal/sentryline/internal/models"
)

// Config enumerates every screening threshold named by the specification.
type Config struct {
	MinPrice      float64
	MaxPrice      float64
	MinDailyVol   int64
	MinMarketCap  float64

	BBPositionLo  float64
	BBPositionHi  float64
	TrendStrength float64
	VolumeRatio   float64
	ATRPctLo      float64
	ATRPctHi      float64

	ScoreMin    float64
	TopN        int
	Workers     int
	CoarseTF    models.Timeframe
}

// DefaultConfig matches the specification's stated defaults.
var DefaultConfig = Config{
	MinPrice:      5,
	MaxPrice:      1000,
	MinDailyVol:   500000,
	MinMarketCap:  0,
	BBPositionLo:  0.0,
	BBPositionHi:  0.3,
	TrendStrength: 0.02,
	VolumeRatio:   1.2,
	ATRPctLo:      0.01,
	ATRPctHi:      0.10,
	ScoreMin:      60,
	TopN:          20,
	Workers:       8,
	CoarseTF:      models.TF1h,
}

// Candidate is one symbol's scored result, populated on success.
type Candidate struct {
	Symbol      string
	Score       float64
	VolumeRatio float64
	Components  [6]float64
	Err         error
}

// Pipeline drives the screening pass over a universe of symbols,
// reading series from a barstore.Store.
type Pipeline struct {
	store barstore.Store
	cfg   Config
}

// New constructs a Pipeline reading from store.
func New(store barstore.Store, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig.TopN
	}
	return &Pipeline{store: store, cfg: cfg}
}

// Run scores every symbol in universe and returns the top-N watchlist.
// A per-symbol failure (missing data, I/O error) is elided from the
// result, never aborting the run.
func (p *Pipeline) Run(ctx context.Context, universe []models.SymbolMetadata) ([]Candidate, error) {
	admitted := p.liquidityFilter(universe)

	results := make([]Candidate, len(admitted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, sym := range admitted {
		i, sym := i, sym
		g.Go(func() error {
			results[i] = p.scoreSymbol(gctx, sym)
			return nil // per-symbol failures never abort the run
		})
	}
	// g.Wait only returns non-nil if a goroutine itself returned an
	// error, which scoreSymbol never does; errors are carried in Candidate.Err.
	_ = g.Wait()

	var qualified []Candidate
	for _, c := range results {
		if c.Err != nil {
			continue
		}
		if c.Score >= p.cfg.ScoreMin {
			qualified = append(qualified, c)
		}
	}

	sort.Slice(qualified, func(i, j int) bool {
		if qualified[i].Score != qualified[j].Score {
			return qualified[i].Score > qualified[j].Score
		}
		if qualified[i].VolumeRatio != qualified[j].VolumeRatio {
			return qualified[i].VolumeRatio > qualified[j].VolumeRatio
		}
		return qualified[i].Symbol < qualified[j].Symbol
	})

	if len(qualified) > p.cfg.TopN {
		qualified = qualified[:p.cfg.TopN]
	}
	return qualified, nil
}

func (p *Pipeline) liquidityFilter(universe []models.SymbolMetadata) []models.SymbolMetadata {
	var out []models.SymbolMetadata
	for _, s := range universe {
		price := s.LastQuote.Price
		if price < p.cfg.MinPrice || price > p.cfg.MaxPrice {
			continue
		}
		if s.AvgDailyVolume < p.cfg.MinDailyVol {
			continue
		}
		if s.MarketCap < p.cfg.MinMarketCap {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (p *Pipeline) scoreSymbol(ctx context.Context, sym models.SymbolMetadata) Candidate {
	coarse, err := p.store.Load(sym.Symbol, p.cfg.CoarseTF, time.Time{}, time.Time{})
	if err != nil {
		return Candidate{Symbol: sym.Symbol, Err: err}
	}
	if !p.passesCoarseFilter(coarse) {
		return Candidate{Symbol: sym.Symbol, Score: 0}
	}

	m15, err := p.store.Load(sym.Symbol, models.TF15m, time.Time{}, time.Time{})
	if err != nil {
		return Candidate{Symbol: sym.Symbol, Err: err}
	}
	h4, err := p.store.Load(sym.Symbol, models.TF4h, time.Time{}, time.Time{})
	if err != nil {
		return Candidate{Symbol: sym.Symbol, Err: err}
	}
	h1 := coarse

	comps, volRatio := score(m15, h1, h4)
	total := comps[0] + comps[1] + comps[2] + comps[3] + comps[4] + comps[5]
	return Candidate{Symbol: sym.Symbol, Score: total, VolumeRatio: volRatio, Components: comps}
}

func (p *Pipeline) passesCoarseFilter(bars []models.Bar) bool {
	if len(bars) < 50 {
		return false
	}
	closes := closesOf(bars)

	bb := indicator.BollingerLast(closes, 20, 2)
	pos := bb.Position(closes[len(closes)-1])
	if !pos.Available || pos.V < p.cfg.BBPositionLo || pos.V > p.cfg.BBPositionHi {
		return false
	}

	sma50 := indicator.SMALast(closes, 50)
	if !sma50.Available {
		return false
	}
	trend := (closes[len(closes)-1] - sma50.V) / sma50.V
	if trend < p.cfg.TrendStrength {
		return false
	}

	volRatio := volumeRatio(bars, 20)
	if volRatio < p.cfg.VolumeRatio {
		return false
	}

	atr := indicator.AverageTrueRangeLast(bars, 14)
	if !atr.Available {
		return false
	}
	atrPct := atr.V / closes[len(closes)-1]
	if atrPct < p.cfg.ATRPctLo || atrPct > p.cfg.ATRPctHi {
		return false
	}
	return true
}

// score computes the six weighted components (caps summing to 100) per
// the specification's component table.
func score(m15, h1, h4 []models.Bar) ([6]float64, float64) {
	var comps [6]float64

	// Component 1: BB position on the 15m series, cap 15.
	if closes := closesOf(m15); len(closes) >= 20 {
		bb := indicator.BollingerLast(closes, 20, 2)
		pos := bb.Position(closes[len(closes)-1])
		if pos.Available {
			comps[0] = clampScore((1 - pos.V) * 15, 0, 15)
		}
	}

	// Component 2: Stoch/RSI alignment on the 1h series, cap 20.
	var stochOversold, rsiOversold bool
	h1Closes := closesOf(h1)
	if len(h1Closes) > 0 {
		stoch := indicator.StochasticRSILast(h1Closes, 14, 3, 3)
		if stoch.K.Available && stoch.K.V < 20 {
			stochOversold = true
		}
		rsi := indicator.RSILast(h1Closes, 14)
		if rsi.Available && rsi.V < 30 {
			rsiOversold = true
		}
	}
	switch {
	case stochOversold && rsiOversold:
		comps[1] = 20
	case stochOversold || rsiOversold:
		comps[1] = 10
	default:
		comps[1] = 0
	}

	// Component 3: accumulation intensity over the last 50 bars of the
	// 1h series, cap 18.
	comps[2] = accumulationIntensity(h1Closes)

	// Component 4: trend strength on the 4h series, cap 17.
	if closes := closesOf(h4); len(closes) >= 50 {
		sma := indicator.SMALast(closes, 50)
		if sma.Available {
			trend := (closes[len(closes)-1] - sma.V) / sma.V
			comps[3] = clampScore(trend*100, 0, 17)
		}
	}

	// Component 5: MACD divergence on the 1h series, cap 15.
	comps[4] = macdDivergence(h1)

	// Component 6: volume profile, cap 15.
	volRatio := volumeRatio(h1, 20)
	comps[5] = clampScore((volRatio-1)*30, 0, 15)

	return comps, volRatio
}

func accumulationIntensity(closes []float64) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}
	window := closes
	if n > 50 {
		window = closes[n-50:]
	}
	stoch := indicator.StochasticRSI(window, 14, 3, 3)
	rsi := indicator.RSI(window, 14)

	var stochLowEvents int
	for _, s := range stoch {
		if s.K.Available && s.K.V < 20 {
			stochLowEvents++
		}
	}

	var rsiRecoveries int
	wasOversold := false
	for _, v := range rsi {
		if !v.Available {
			continue
		}
		if v.V < 30 {
			wasOversold = true
			continue
		}
		if wasOversold {
			rsiRecoveries++
			wasOversold = false
		}
	}

	// Resolved Open Question 3: the max(1, ...) floor is intentional,
	// not an artifact — it keeps the ratio finite and biases toward
	// symbols that show oversold signal without a confirmed recovery
	// yet, which is exactly the "catching the reversal early" setup
	// this scanner targets. See DESIGN.md.
	denom := rsiRecoveries
	if denom < 1 {
		denom = 1
	}
	r := float64(stochLowEvents) / float64(denom)

	switch {
	case r >= 3:
		return 18
	case r >= 2:
		return 14
	case r >= 1.5:
		return 10
	case r >= 1.2:
		return 6
	default:
		return 0
	}
}

func macdDivergence(bars []models.Bar) float64 {
	closes := closesOf(bars)
	if len(closes) < 6 {
		return 0
	}
	n := len(closes)
	priceDeclining := closes[n-1] < closes[n-5]

	macd := indicator.MovingAverageConvergenceDivergence(closes, 12, 26, 9)
	if len(macd) < 6 {
		return 0
	}
	last := macd[len(macd)-1]
	fiveBack := macd[len(macd)-5]
	if !last.Line.Available || !fiveBack.Line.Available {
		return 0
	}
	macdRising := last.Line.V > fiveBack.Line.V

	if priceDeclining && macdRising {
		return 15
	}
	return 0
}

func volumeRatio(bars []models.Bar, n int) float64 {
	if len(bars) == 0 {
		return 0
	}
	window := bars
	if len(bars) > n {
		window = bars[len(bars)-n:]
	}
	var sum int64
	for _, b := range window {
		sum += b.Volume
	}
	avg := float64(sum) / float64(len(window))
	if avg == 0 {
		return 0
	}
	return float64(bars[len(bars)-1].Volume) / avg
}

func closesOf(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func clampScore(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
