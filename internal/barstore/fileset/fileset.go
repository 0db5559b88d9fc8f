// Package fileset implements barstore.Store as one binary data file plus one
// JSON side-car per (symbol, timeframe) pair, using a write-then-rename
// discipline for durability.
package fileset

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mreversal/sentryline/internal/barstore"
	"github.com/mreversal/sentryline/internal/models"
)

const schemaVersion = 1

// recordSize is the on-disk width of one bar: timestamp, open, high, low,
// close, volume -- six int64/float64 fields at 8 bytes each.
const recordSize = 8 * 6

// Store is a filesystem-backed barstore.Store rooted at a data directory.
// One sub-directory per symbol holds a "<timeframe>.bars" binary file and a
// "<timeframe>.json" side-car per pair. All operations on a given pair are
// serialized through a per-pair mutex; operations on different pairs never
// block each other.
type Store struct {
	root string

	mu     sync.Mutex
	pairMu map[barstore.Pair]*sync.Mutex
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", models.ErrStorageError, err)
	}
	return &Store{root: dir, pairMu: make(map[barstore.Pair]*sync.Mutex)}, nil
}

func (s *Store) lockFor(p barstore.Pair) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pairMu[p]
	if !ok {
		m = &sync.Mutex{}
		s.pairMu[p] = m
	}
	return m
}

func (s *Store) pairDir(symbol string) string {
	return filepath.Join(s.root, sanitizeSymbol(symbol))
}

func sanitizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *Store) dataPath(symbol string, tf models.Timeframe) string {
	return filepath.Join(s.pairDir(symbol), string(tf)+".bars")
}

func (s *Store) sidecarPath(symbol string, tf models.Timeframe) string {
	return filepath.Join(s.pairDir(symbol), string(tf)+".json")
}

type sidecar struct {
	Source string `json:"source"`
	First  int64  `json:"first_unix"`
	Last   int64  `json:"last_unix"`
	Count  int    `json:"count"`
	Schema int    `json:"schema"`
}

// Save merges bars into the existing series for (symbol, tf) and persists
// the result. See barstore.Store for the merge/validation contract.
func (s *Store) Save(symbol string, tf models.Timeframe, bars []models.Bar) error {
	pair := barstore.Pair{Symbol: sanitizeSymbol(symbol), Timeframe: tf}
	lock := s.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readSeriesUnlocked(pair.Symbol, tf)
	if err != nil {
		return err
	}

	merged, err := existing.Merge(bars)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	return s.writeSeriesUnlocked(pair.Symbol, tf, merged, "live")
}

func (s *Store) readSeriesUnlocked(symbol string, tf models.Timeframe) (models.Series, error) {
	path := s.dataPath(symbol, tf)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Series{Symbol: symbol, Timeframe: tf, Bars: []models.Bar{}}, nil
		}
		return models.Series{}, fmt.Errorf("%w: reading %s: %v", models.ErrStorageError, path, err)
	}
	bars, err := decodeBars(raw)
	if err != nil {
		return models.Series{}, fmt.Errorf("%w: decoding %s: %v", models.ErrSchemaMismatch, path, err)
	}
	return models.Series{Symbol: symbol, Timeframe: tf, Bars: bars}, nil
}

func (s *Store) writeSeriesUnlocked(symbol string, tf models.Timeframe, series models.Series, source string) error {
	dir := s.pairDir(symbol)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}

	if err := atomicWrite(s.dataPath(symbol, tf), encodeBars(series.Bars)); err != nil {
		return err
	}

	sc := sidecar{Source: source, Schema: schemaVersion, Count: len(series.Bars)}
	if len(series.Bars) > 0 {
		sc.First = series.Bars[0].Timestamp.Unix()
		sc.Last = series.Bars[len(series.Bars)-1].Timestamp.Unix()
	}
	scBytes, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding side-car: %v", models.ErrStorageError, err)
	}
	return atomicWrite(s.sidecarPath(symbol, tf), scBytes)
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsync, then rename -- the prior file is left untouched on any failure.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".fileset-*")
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func encodeBars(bars []models.Bar) []byte {
	buf := make([]byte, 0, len(bars)*recordSize)
	var tmp [recordSize]byte
	for _, b := range bars {
		binary.BigEndian.PutUint64(tmp[0:8], uint64(b.Timestamp.Unix()))
		binary.BigEndian.PutUint64(tmp[8:16], math.Float64bits(b.Open))
		binary.BigEndian.PutUint64(tmp[16:24], math.Float64bits(b.High))
		binary.BigEndian.PutUint64(tmp[24:32], math.Float64bits(b.Low))
		binary.BigEndian.PutUint64(tmp[32:40], math.Float64bits(b.Close))
		binary.BigEndian.PutUint64(tmp[40:48], uint64(b.Volume))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeBars(raw []byte) ([]models.Bar, error) {
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("truncated record stream: %d bytes", len(raw))
	}
	n := len(raw) / recordSize
	bars := make([]models.Bar, n)
	r := bytes.NewReader(raw)
	for i := 0; i < n; i++ {
		var tmp [recordSize]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		bars[i] = models.Bar{
			Timestamp: time.Unix(int64(binary.BigEndian.Uint64(tmp[0:8])), 0).UTC(),
			Open:      math.Float64frombits(binary.BigEndian.Uint64(tmp[8:16])),
			High:      math.Float64frombits(binary.BigEndian.Uint64(tmp[16:24])),
			Low:       math.Float64frombits(binary.BigEndian.Uint64(tmp[24:32])),
			Close:     math.Float64frombits(binary.BigEndian.Uint64(tmp[32:40])),
			Volume:    int64(binary.BigEndian.Uint64(tmp[40:48])),
		}
	}
	return bars, nil
}

// Load returns the subsequence intersecting [start, end].
func (s *Store) Load(symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	pair := barstore.Pair{Symbol: sanitizeSymbol(symbol), Timeframe: tf}
	lock := s.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	series, err := s.readSeriesUnlocked(pair.Symbol, tf)
	if err != nil {
		return nil, err
	}
	if start.IsZero() && end.IsZero() {
		return series.Bars, nil
	}
	var startU, endU int64
	if !start.IsZero() {
		startU = start.Unix()
	}
	if !end.IsZero() {
		endU = end.Unix()
	}
	return series.Range(startU, endU), nil
}

// BatchSave saves every pair independently; a failure on one pair does not
// affect the others.
func (s *Store) BatchSave(bars map[barstore.Pair][]models.Bar) map[barstore.Pair]error {
	results := make(map[barstore.Pair]error, len(bars))
	for pair, series := range bars {
		results[pair] = s.Save(pair.Symbol, pair.Timeframe, series)
	}
	return results
}

// BatchLoad loads tf for every requested symbol.
func (s *Store) BatchLoad(symbols []string, tf models.Timeframe) (map[string][]models.Bar, error) {
	out := make(map[string][]models.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := s.Load(sym, tf, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		out[sym] = bars
	}
	return out, nil
}

// List returns every (symbol, timeframe) pair currently stored.
func (s *Store) List() ([]barstore.Pair, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	var pairs []barstore.Pair
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		symbolFiles, err := os.ReadDir(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		for _, f := range symbolFiles {
			name := f.Name()
			if strings.HasSuffix(name, ".bars") {
				tf := strings.TrimSuffix(name, ".bars")
				pairs = append(pairs, barstore.Pair{Symbol: entry.Name(), Timeframe: models.Timeframe(tf)})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Symbol != pairs[j].Symbol {
			return pairs[i].Symbol < pairs[j].Symbol
		}
		return pairs[i].Timeframe < pairs[j].Timeframe
	})
	return pairs, nil
}

// MetadataFor returns the side-car metadata for (symbol, tf).
func (s *Store) MetadataFor(symbol string, tf models.Timeframe) (barstore.Metadata, error) {
	path := s.sidecarPath(symbol, tf)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return barstore.Metadata{}, fmt.Errorf("%w: no metadata for %s/%s", models.ErrStorageError, symbol, tf)
		}
		return barstore.Metadata{}, fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return barstore.Metadata{}, fmt.Errorf("%w: %v", models.ErrSchemaMismatch, err)
	}
	md := barstore.Metadata{
		Symbol:    sanitizeSymbol(symbol),
		Timeframe: tf,
		Source:    sc.Source,
		Count:     sc.Count,
		Schema:    sc.Schema,
	}
	if sc.First != 0 {
		md.First = time.Unix(sc.First, 0).UTC()
	}
	if sc.Last != 0 {
		md.Last = time.Unix(sc.Last, 0).UTC()
	}
	return md, nil
}

// Delete removes the series for (symbol, tf). Not an error if absent.
func (s *Store) Delete(symbol string, tf models.Timeframe) error {
	pair := barstore.Pair{Symbol: sanitizeSymbol(symbol), Timeframe: tf}
	lock := s.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	for _, path := range []string{s.dataPath(pair.Symbol, tf), s.sidecarPath(pair.Symbol, tf)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", models.ErrStorageError, err)
		}
	}
	return nil
}

var _ barstore.Store = (*Store)(nil)
