package indicator

// MACD holds the MACD line, signal line, and histogram for one index.
type MACD struct {
	Line, Signal, Histogram Value
}

// MovingAverageConvergenceDivergence returns MACD(fast, slow, signal):
// line = EMA(fast) - EMA(slow), signal = EMA(line, signal), histogram =
// line - signal.
func MovingAverageConvergenceDivergence(closes []float64, fast, slow, signal int) []MACD {
	out := make([]MACD, len(closes))
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return out
	}

	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	line := make([]float64, len(closes))
	lineAvailable := make([]bool, len(closes))
	for i := range closes {
		if fastEMA[i].Available && slowEMA[i].Available {
			line[i] = fastEMA[i].V - slowEMA[i].V
			lineAvailable[i] = true
			out[i].Line = Avail(line[i])
		}
	}

	signalVals := emaAvailable(line, lineAvailable, signal)
	for i := range closes {
		out[i].Signal = signalVals[i]
		if out[i].Line.Available && out[i].Signal.Available {
			out[i].Histogram = Avail(out[i].Line.V - out[i].Signal.V)
		}
	}
	return out
}

// emaAvailable applies an EMA over values that are only defined where
// available is true, seeding at the first full window of n available
// values and breaking the run on any gap.
func emaAvailable(vals []float64, available []bool, n int) []Value {
	out := make([]Value, len(vals))
	alpha := 2.0 / float64(n+1)

	var sum, prev float64
	count := 0
	seeded := false
	for i := range vals {
		if !available[i] {
			sum, count, seeded = 0, 0, false
			continue
		}
		if !seeded {
			sum += vals[i]
			count++
			if count == n {
				prev = sum / float64(n)
				out[i] = Avail(prev)
				seeded = true
			}
			continue
		}
		prev = alpha*vals[i] + (1-alpha)*prev
		out[i] = Avail(prev)
	}
	return out
}

// MACDLast returns the most recent MACD(fast, slow, signal) reading.
func MACDLast(closes []float64, fast, slow, signal int) MACD {
	vals := MovingAverageConvergenceDivergence(closes, fast, slow, signal)
	if len(vals) == 0 {
		return MACD{}
	}
	return vals[len(vals)-1]
}
