package indicator

// StochRSI holds the %K and %D lines for one index.
type StochRSI struct {
	K, D Value
}

// StochasticRSI returns Stochastic RSI(n, k, d): %K is the smoothed
// min-max position of RSI(n) within the last n RSI readings, scaled to
// [0, 100] and clamped; %D is SMA(%K, d).
func StochasticRSI(closes []float64, n, kSmooth, d int) []StochRSI {
	out := make([]StochRSI, len(closes))
	if n <= 0 || kSmooth <= 0 || d <= 0 {
		return out
	}

	rsi := RSI(closes, n)
	rawK := make([]float64, len(closes))
	rawKAvailable := make([]bool, len(closes))

	for i := range closes {
		if !rsi[i].Available {
			continue
		}
		lo := i - n + 1
		if lo < 0 {
			continue
		}
		// Require the full lookback window of RSI values to be available.
		windowReady := true
		minV, maxV := rsi[i].V, rsi[i].V
		for j := lo; j <= i; j++ {
			if !rsi[j].Available {
				windowReady = false
				break
			}
			if rsi[j].V < minV {
				minV = rsi[j].V
			}
			if rsi[j].V > maxV {
				maxV = rsi[j].V
			}
		}
		if !windowReady {
			continue
		}
		var pos float64
		if maxV == minV {
			pos = 0
		} else {
			pos = (rsi[i].V - minV) / (maxV - minV) * 100
		}
		rawK[i] = clamp(pos, 0, 100)
		rawKAvailable[i] = true
	}

	kSmoothed := smoothAvailable(rawK, rawKAvailable, kSmooth)
	kVals := make([]float64, len(closes))
	for i := range kSmoothed {
		if kSmoothed[i].Available {
			kVals[i] = kSmoothed[i].V
		}
	}
	dVals := SMA(kVals, d)

	for i := range closes {
		out[i] = StochRSI{K: kSmoothed[i]}
		if kSmoothed[i].Available && dVals[i].Available {
			out[i].D = dVals[i]
		}
	}
	return out
}

// smoothAvailable applies an n-period SMA over values marked available,
// treating any unavailable input as breaking the lookback window.
func smoothAvailable(vals []float64, available []bool, n int) []Value {
	out := make([]Value, len(vals))
	var sum float64
	count := 0
	for i := range vals {
		if available[i] {
			sum += vals[i]
			count++
		} else {
			sum = 0
			count = 0
		}
		if i >= n {
			if available[i-n] {
				sum -= vals[i-n]
				count--
			}
		}
		if count >= n {
			out[i] = Avail(sum / float64(n))
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StochasticRSILast returns the most recent %K/%D reading.
func StochasticRSILast(closes []float64, n, kSmooth, d int) StochRSI {
	vals := StochasticRSI(closes, n, kSmooth, d)
	if len(vals) == 0 {
		return StochRSI{}
	}
	return vals[len(vals)-1]
}
