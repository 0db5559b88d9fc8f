package models

import (
	"fmt"
	"math"
	"time"
)

// Bar is an immutable OHLCV record for one period of one (symbol, timeframe).
// Timestamp is the period-start, UTC, aligned to the timeframe boundary.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Validate checks the OHLC invariants: low <= {open, close} <= high, all
// prices positive and finite, volume non-negative.
func (b Bar) Validate() error {
	if !isFinitePositive(b.Open) || !isFinitePositive(b.High) ||
		!isFinitePositive(b.Low) || !isFinitePositive(b.Close) {
		return fmt.Errorf("%w: non-finite or non-positive OHLC at %s", ErrInvalidBar, b.Timestamp)
	}
	if b.Low > b.Open || b.Open > b.High || b.Low > b.Close || b.Close > b.High {
		return fmt.Errorf("%w: low<=open,close<=high violated at %s (o=%.4f h=%.4f l=%.4f c=%.4f)",
			ErrInvalidBar, b.Timestamp, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %s", ErrInvalidBar, b.Timestamp)
	}
	return nil
}

// AlignedTo reports whether the bar's timestamp is a valid boundary for tf.
func (b Bar) AlignedTo(tf Timeframe) bool {
	return tf.Boundary(b.Timestamp)
}

// SameContent reports whether two bars carry identical OHLCV values,
// ignoring nothing -- used to resolve last-writer-wins duplicate saves.
func (b Bar) SameContent(o Bar) bool {
	return b.Timestamp.Equal(o.Timestamp) &&
		b.Open == o.Open && b.High == o.High && b.Low == o.Low &&
		b.Close == o.Close && b.Volume == o.Volume
}

func isFinitePositive(f float64) bool {
	return f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}
