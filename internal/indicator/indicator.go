// Package indicator implements pure, reentrant technical-analysis functions
// over bar series: SMA, EMA, Bollinger Bands, RSI, Stochastic RSI, MACD, and
// ATR. Every function is numerically grounded on Wilder/standard closed-form
// definitions and aligns its output 1:1 with the input, using an explicit
// Unavailable sentinel for undefined regions instead of NaN so downstream
// math is never silently NaN-polluted.
package indicator

// Value pairs a computed indicator reading with its availability. An index
// with insufficient lookback history carries Available == false instead of
// NaN, so a caller that forgets to check availability gets a zero value
// rather than a silently NaN-polluted computation.
type Value struct {
	V         float64
	Available bool
}

// Avail returns an available Value.
func Avail(v float64) Value { return Value{V: v, Available: true} }

// na is the not-available Value.
var na = Value{}
