package indicator

import "github.com/mreversal/sentryline/internal/models"

// AverageTrueRange returns the n-period Average True Range using Wilder
// smoothing. True range for the first bar is its own high-low; indices
// before the first full window are Unavailable.
func AverageTrueRange(bars []models.Bar, n int) []Value {
	out := make([]Value, len(bars))
	if n <= 0 || len(bars) == 0 {
		return out
	}

	tr := make([]float64, len(bars))
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	var sum, avg float64
	seeded := false
	for i := range bars {
		switch {
		case !seeded:
			sum += tr[i]
			if i == n-1 {
				avg = sum / float64(n)
				out[i] = Avail(avg)
				seeded = true
			}
		default:
			avg = (avg*float64(n-1) + tr[i]) / float64(n)
			out[i] = Avail(avg)
		}
	}
	return out
}

func trueRange(cur, prev models.Bar) float64 {
	hl := cur.High - cur.Low
	hc := absf(cur.High - prev.Close)
	lc := absf(cur.Low - prev.Close)
	m := hl
	if hc > m {
		m = hc
	}
	if lc > m {
		m = lc
	}
	return m
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// AverageTrueRangeLast returns the most recent ATR(n) value.
func AverageTrueRangeLast(bars []models.Bar, n int) Value {
	vals := AverageTrueRange(bars, n)
	if len(vals) == 0 {
		return na
	}
	return vals[len(vals)-1]
}
