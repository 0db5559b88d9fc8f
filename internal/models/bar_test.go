package models

import (
	"errors"
	"testing"
	"time"
)

func mkBar(ts time.Time, o, h, l, c float64, v int64) Bar {
	return Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestBar_Validate(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	valid := mkBar(base, 100, 101, 99, 100.5, 10)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid bar, got %v", err)
	}

	invalid := mkBar(base, 100, 99, 101, 100, 10) // high < low
	if err := invalid.Validate(); !errors.Is(err, ErrInvalidBar) {
		t.Fatalf("expected ErrInvalidBar, got %v", err)
	}

	negVol := mkBar(base, 100, 101, 99, 100, -1)
	if err := negVol.Validate(); !errors.Is(err, ErrInvalidBar) {
		t.Fatalf("expected ErrInvalidBar for negative volume, got %v", err)
	}
}

func TestSeries_Merge_LastWriterWinsOnIdenticalContent(t *testing.T) {
	base := TF1m.Floor(time.Unix(1_700_000_000, 0).UTC())
	bar := mkBar(base, 100, 101, 99, 100.5, 10)

	s := Series{Symbol: "AAPL", Timeframe: TF1m, Bars: []Bar{bar}}
	merged, err := s.Merge([]Bar{bar})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged.Bars) != 1 {
		t.Fatalf("expected dedup to 1 bar, got %d", len(merged.Bars))
	}
}

func TestSeries_Merge_MismatchedDuplicateFails(t *testing.T) {
	base := TF1m.Floor(time.Unix(1_700_000_000, 0).UTC())
	bar1 := mkBar(base, 100, 101, 99, 100.5, 10)
	bar2 := mkBar(base, 100, 102, 99, 101, 20)

	s := Series{Symbol: "AAPL", Timeframe: TF1m, Bars: []Bar{bar1}}
	_, err := s.Merge([]Bar{bar2})
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestSeries_Merge_RoundTrip(t *testing.T) {
	base := TF1m.Floor(time.Unix(1_700_000_000, 0).UTC())
	var bars []Bar
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		bars = append(bars, mkBar(ts, 100, 101, 99, 100.5, 10))
	}
	s := Series{Symbol: "AAPL", Timeframe: TF1m}
	merged, err := s.Merge(bars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged.Bars) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(merged.Bars))
	}
	for i := 1; i < len(merged.Bars); i++ {
		if !merged.Bars[i].Timestamp.After(merged.Bars[i-1].Timestamp) {
			t.Fatalf("bars not strictly increasing at index %d", i)
		}
	}
}

func TestSeries_Merge_RejectsMisalignedTimestamp(t *testing.T) {
	odd := time.Unix(1_700_000_003, 0).UTC() // not a 1m boundary
	s := Series{Symbol: "AAPL", Timeframe: TF1m}
	_, err := s.Merge([]Bar{mkBar(odd, 100, 101, 99, 100, 1)})
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity for misaligned bar, got %v", err)
	}
}
