package models

import (
	"fmt"
	"sort"
)

// Series is an ordered sequence of Bars for one (symbol, timeframe).
// Invariants: strictly increasing timestamps, every timestamp aligned to
// Timeframe's boundary, no duplicates.
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Bars      []Bar
}

// Validate checks every Series invariant: per-bar OHLC validity, strict
// monotonic timestamps, and boundary alignment.
func (s Series) Validate() error {
	var prev *Bar
	for i := range s.Bars {
		b := s.Bars[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if !b.AlignedTo(s.Timeframe) {
			return fmt.Errorf("%w: bar at %s not aligned to %s boundary", ErrDataIntegrity, b.Timestamp, s.Timeframe)
		}
		if prev != nil {
			if !b.Timestamp.After(prev.Timestamp) {
				return fmt.Errorf("%w: timestamps not strictly increasing at %s", ErrDataIntegrity, b.Timestamp)
			}
		}
		prev = &s.Bars[i]
	}
	return nil
}

// Merge combines incoming bars into the series, applying last-writer-wins
// semantics for bars sharing a timestamp with identical content, and failing
// with ErrDataIntegrity when a shared timestamp carries mismatched content.
// The result is re-sorted and re-validated before being returned; on any
// failure the receiver's original Bars are untouched (the caller's prior
// Series is unchanged).
func (s Series) Merge(incoming []Bar) (Series, error) {
	byTime := make(map[int64]Bar, len(s.Bars)+len(incoming))
	order := make([]int64, 0, len(s.Bars)+len(incoming))

	add := func(b Bar) error {
		key := b.Timestamp.Unix()
		if existing, ok := byTime[key]; ok {
			if !existing.SameContent(b) {
				return fmt.Errorf("%w: mismatched duplicate bar at %s", ErrDataIntegrity, b.Timestamp)
			}
			byTime[key] = b // last-writer-wins on identical content
			return nil
		}
		byTime[key] = b
		order = append(order, key)
		return nil
	}

	for _, b := range s.Bars {
		if err := add(b); err != nil {
			return Series{}, err
		}
	}
	for _, b := range incoming {
		if err := add(b); err != nil {
			return Series{}, err
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	merged := make([]Bar, 0, len(order))
	for _, key := range order {
		merged = append(merged, byTime[key])
	}

	result := Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Bars: merged}
	if err := result.Validate(); err != nil {
		return Series{}, err
	}
	return result, nil
}

// Range returns the subsequence of bars with Timestamp in [start, end].
// A zero start or end leaves that side of the range unbounded.
func (s Series) Range(start, end int64) []Bar {
	out := make([]Bar, 0, len(s.Bars))
	for _, b := range s.Bars {
		t := b.Timestamp.Unix()
		if start != 0 && t < start {
			continue
		}
		if end != 0 && t > end {
			continue
		}
		out = append(out, b)
	}
	return out
}

// First returns the earliest bar in the series; the bool is false (with a
// zero Bar) if the series is empty.
func (s Series) First() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[0], true
}

// Last returns the latest bar in the series; the bool is false (with a
// zero Bar) if the series is empty.
func (s Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}
