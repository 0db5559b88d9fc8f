// Package sqlstore implements barstore.Store on top of a relational
// database via GORM, giving the bar store and the trade journal a shared
// relational home.
package sqlstore

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mreversal/sentryline/internal/barstore"
	"github.com/mreversal/sentryline/internal/models"
)

// BarRow is the GORM model backing one stored bar.
type BarRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"index:idx_bar_pair,priority:1;size:32;not null"`
	Timeframe string    `gorm:"index:idx_bar_pair,priority:2;size:8;not null"`
	Timestamp time.Time `gorm:"index:idx_bar_pair,priority:3;not null"`
	Open      float64   `gorm:"not null"`
	High      float64   `gorm:"not null"`
	Low       float64   `gorm:"not null"`
	Close     float64   `gorm:"not null"`
	Volume    int64     `gorm:"not null"`
}

// TableName pins the table name for GORM.
func (BarRow) TableName() string { return "bars" }

// PairMetaRow is the GORM model backing the side-car metadata per pair.
type PairMetaRow struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	Timeframe string `gorm:"primaryKey;size:8"`
	Source    string `gorm:"size:64"`
	Schema    int
}

// TableName pins the table name for GORM.
func (PairMetaRow) TableName() string { return "bar_pair_meta" }

// Store is a GORM/MySQL-backed barstore.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (a MySQL DSN, e.g.
// "user:pass@tcp(host:3306)/sentryline?parseTime=True&loc=UTC") and migrates
// the bar schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %v", models.ErrStorageError, err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an already-open *gorm.DB, migrating the bar schema.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&BarRow{}, &PairMetaRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrating schema: %v", models.ErrStorageError, err)
	}
	return &Store{db: db}, nil
}

// Save merges bars into the stored series for (symbol, tf) inside one
// transaction, rejecting the whole batch on any validation failure so the
// prior rows are unchanged.
func (s *Store) Save(symbol string, tf models.Timeframe, bars []models.Bar) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := loadRows(tx, symbol, tf, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		series := models.Series{Symbol: symbol, Timeframe: tf, Bars: existing}
		merged, err := series.Merge(bars)
		if err != nil {
			return err
		}
		if err := merged.Validate(); err != nil {
			return err
		}

		if err := tx.Where("symbol = ? AND timeframe = ?", symbol, string(tf)).Delete(&BarRow{}).Error; err != nil {
			return fmt.Errorf("%w: clearing prior rows: %v", models.ErrStorageError, err)
		}
		rows := make([]BarRow, len(merged.Bars))
		for i, b := range merged.Bars {
			rows[i] = BarRow{Symbol: symbol, Timeframe: string(tf), Timestamp: b.Timestamp,
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return fmt.Errorf("%w: inserting rows: %v", models.ErrStorageError, err)
			}
		}

		meta := PairMetaRow{Symbol: symbol, Timeframe: string(tf), Source: "live", Schema: 1}
		if err := tx.Save(&meta).Error; err != nil {
			return fmt.Errorf("%w: upserting metadata: %v", models.ErrStorageError, err)
		}
		return nil
	})
}

func loadRows(tx *gorm.DB, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	q := tx.Where("symbol = ? AND timeframe = ?", symbol, string(tf))
	if !start.IsZero() {
		q = q.Where("timestamp >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("timestamp <= ?", end)
	}
	var rows []BarRow
	if err := q.Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: querying bars: %v", models.ErrStorageError, err)
	}
	bars := make([]models.Bar, len(rows))
	for i, r := range rows {
		bars[i] = models.Bar{Timestamp: r.Timestamp.UTC(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	return bars, nil
}

// Load returns the subsequence intersecting [start, end].
func (s *Store) Load(symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	return loadRows(s.db, symbol, tf, start, end)
}

// BatchSave saves each pair independently within its own transaction.
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
	var rows []PairMetaRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageError, err)
	}
	pairs := make([]barstore.Pair, len(rows))
	for i, r := range rows {
		pairs[i] = barstore.Pair{Symbol: r.Symbol, Timeframe: models.Timeframe(r.Timeframe)}
	}
	return pairs, nil
}

// MetadataFor returns the side-car metadata for (symbol, tf).
func (s *Store) MetadataFor(symbol string, tf models.Timeframe) (barstore.Metadata, error) {
	var meta PairMetaRow
	if err := s.db.Where("symbol = ? AND timeframe = ?", symbol, string(tf)).First(&meta).Error; err != nil {
		return barstore.Metadata{}, fmt.Errorf("%w: no metadata for %s/%s: %v", models.ErrStorageError, symbol, tf, err)
	}
	bars, err := s.Load(symbol, tf, time.Time{}, time.Time{})
	if err != nil {
		return barstore.Metadata{}, err
	}
	md := barstore.Metadata{Symbol: symbol, Timeframe: tf, Source: meta.Source, Schema: meta.Schema, Count: len(bars)}
	if len(bars) > 0 {
		md.First = bars[0].Timestamp
		md.Last = bars[len(bars)-1].Timestamp
	}
	return md, nil
}

// Delete removes the series for (symbol, tf). Not an error if absent.
func (s *Store) Delete(symbol string, tf models.Timeframe) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("symbol = ? AND timeframe = ?", symbol, string(tf)).Delete(&BarRow{}).Error; err != nil {
			return fmt.Errorf("%w: %v", models.ErrStorageError, err)
		}
		if err := tx.Where("symbol = ? AND timeframe = ?", symbol, string(tf)).Delete(&PairMetaRow{}).Error; err != nil {
			return fmt.Errorf("%w: %v", models.ErrStorageError, err)
		}
		return nil
	})
}

var _ barstore.Store = (*Store)(nil)
