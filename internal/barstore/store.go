// Package barstore defines the persistent historical bar store contract
// shared by the file-backed and SQL-backed implementations.
package barstore

import (
	"time"

	"github.com/mreversal/sentryline/internal/models"
)

// Metadata describes a stored (symbol, timeframe) pair without loading its
// bars.
type Metadata struct {
	Symbol    string
	Timeframe models.Timeframe
	Source    string
	First     time.Time
	Last      time.Time
	Count     int
	Schema    int
}

// Pair identifies one (symbol, timeframe) series.
type Pair struct {
	Symbol    string
	Timeframe models.Timeframe
}

// Store persists and retrieves aligned OHLCV series keyed by (symbol,
// timeframe). Implementations merge on Save: duplicate timestamps with
// identical content are resolved last-writer-wins, mismatched duplicates
// fail with models.ErrDataIntegrity, and the prior file or row set is left
// unchanged on any failure.
type Store interface {
	// Save merges bars into the existing series for (symbol, tf),
	// re-validates the merged result, and persists it atomically.
	Save(symbol string, tf models.Timeframe, bars []models.Bar) error

	// Load returns the subsequence intersecting [start, end]. Either bound
	// may be the zero time.Time to mean unbounded. A missing pair yields an
	// empty, non-nil slice and a nil error.
	Load(symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error)

	// BatchSave saves every pair in the map. Atomicity is per-pair: a
	// failure on one pair does not roll back or block the others. The
	// returned map carries the error (if any) for each pair that failed.
	BatchSave(bars map[Pair][]models.Bar) map[Pair]error

	// BatchLoad loads tf for every requested symbol. The returned map has
	// one entry per requested symbol, including symbols with no stored
	// data (empty slice, no error).
	BatchLoad(symbols []string, tf models.Timeframe) (map[string][]models.Bar, error)

	// List returns every (symbol, timeframe) pair currently stored.
	List() ([]Pair, error)

	// MetadataFor returns the side-car metadata for (symbol, tf). Returns
	// models.ErrStorageError wrapping os.ErrNotExist-like behavior if the
	// pair has never been saved.
	MetadataFor(symbol string, tf models.Timeframe) (Metadata, error)

	// Delete removes the series for (symbol, tf). Deleting a pair that does
	// not exist is not an error.
	Delete(symbol string, tf models.Timeframe) error
}
