// Package journal persists trade history, admission/session audit
// events, open-position snapshots, and rollup performance metrics to a
// relational store, generalizing the bar store's GORM wiring to the
// execution-side tables named by the trade journal interface.
package journal

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mreversal/sentryline/internal/models"
)

// TradeRow is the GORM model for the trades table. trades.id is the
// stable external identifier.
type TradeRow struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index:idx_trades_symbol"`
	Side        string
	Quantity    int
	EntryPrice  float64
	EntryTime   time.Time `gorm:"index:idx_trades_entry_time"`
	ExitPrice   float64
	ExitTime    time.Time
	ExitReason  string
	RealizedPnL float64
	Commission  float64
	HoldTimeSec int64
	MAE         float64
	MFE         float64
	Notes       string
}

func (TradeRow) TableName() string { return "trades" }

// JournalEntryRow is the GORM model for the journal_entries table: an
// append-only audit log of admission decisions, session transitions,
// and stop modifications.
type JournalEntryRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string `gorm:"index:idx_journal_kind"`
	Symbol    string
	Message   string
	CreatedAt time.Time `gorm:"index:idx_journal_created_at"`
}

func (JournalEntryRow) TableName() string { return "journal_entries" }

// PositionSnapshotRow is the GORM model for the positions_snapshot
// table: a point-in-time record of every open position, written
// whenever the open set changes.
type PositionSnapshotRow struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	PositionID    string `gorm:"index:idx_snapshot_position"`
	Symbol        string `gorm:"index:idx_snapshot_symbol"`
	Side          string
	Quantity      int
	EntryPrice    float64
	StopPrice     float64
	CurrentPrice  float64
	UnrealizedPnL float64
	MAE           float64
	MFE           float64
	Status        string `gorm:"index:idx_snapshot_status"`
	SnapshotAt    time.Time
}

func (PositionSnapshotRow) TableName() string { return "positions_snapshot" }

// PerformanceMetricsRow is the GORM model for the performance_metrics
// rollup table.
type PerformanceMetricsRow struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AveragePnL    float64
	MaxDrawdown   float64
}

func (PerformanceMetricsRow) TableName() string { return "performance_metrics" }

// Store wraps a GORM connection providing the trade journal.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the journal tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wraps an already-open *gorm.DB, migrating the journal tables.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&TradeRow{}, &JournalEntryRow{}, &PositionSnapshotRow{}, &PerformanceMetricsRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// RecordTrade appends a closed TradeRecord. Trades are append-only;
// only the notes field may ever be amended after insertion.
func (s *Store) RecordTrade(t models.TradeRecord) error {
	row := TradeRow{
		ID: t.ID, Symbol: t.Symbol, Side: string(t.Side), Quantity: t.Quantity,
		EntryPrice: t.EntryPrice, EntryTime: t.EntryTime, ExitPrice: t.ExitPrice,
		ExitTime: t.ExitTime, ExitReason: string(t.ExitReason), RealizedPnL: t.RealizedPnL,
		Commission: t.Commission, HoldTimeSec: int64(t.HoldTime.Seconds()),
		MAE: t.MAE, MFE: t.MFE, Notes: joinNotes(t.Notes),
	}
	return s.db.Create(&row).Error
}

func joinNotes(notes []string) string {
	out := ""
	for i, n := range notes {
		if i > 0 {
			out += "; "
		}
		out += n
	}
	return out
}

// RecordEntry appends one audit event: an admission decision, a session
// transition, or a stop modification, each tagged by kind.
func (s *Store) RecordEntry(kind, symbol, message string) error {
	return s.db.Create(&JournalEntryRow{Kind: kind, Symbol: symbol, Message: message, CreatedAt: time.Now().UTC()}).Error
}

// SnapshotPositions overwrites the positions_snapshot table with the
// current open set, matching the "whenever the open set changes" trigger.
func (s *Store) SnapshotPositions(positions []models.Position) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PositionSnapshotRow{}).Error; err != nil {
			return err
		}
		if len(positions) == 0 {
			return nil
		}
		rows := make([]PositionSnapshotRow, len(positions))
		now := time.Now().UTC()
		for i, p := range positions {
			rows[i] = PositionSnapshotRow{
				PositionID: p.ID, Symbol: p.Symbol, Side: string(p.Side), Quantity: p.Quantity,
				EntryPrice: p.EntryPrice, StopPrice: p.StopPrice, CurrentPrice: p.CurrentPrice,
				UnrealizedPnL: p.UnrealizedPnL, MAE: p.MAE, MFE: p.MFE, Status: string(p.Status),
				SnapshotAt: now,
			}
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

// RecordPerformance appends a rollup performance metrics row.
func (s *Store) RecordPerformance(row PerformanceMetricsRow) error {
	return s.db.Create(&row).Error
}
