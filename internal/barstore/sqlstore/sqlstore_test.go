package sqlstore

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/mreversal/sentryline/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return &Store{db: gormDB}, mock, func() { sqlDB.Close() }
}

func TestStore_Save_EmptyExistingInsertsNewRows(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []models.Bar{{Timestamp: base, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100}}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `bars`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "timeframe", "timestamp", "open", "high", "low", "close", "volume"}))
	mock.ExpectExec("DELETE FROM `bars`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO `bars`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `bar_pair_meta`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Save("AAPL", models.TF1m, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestBarRow_TableName(t *testing.T) {
	if got := (BarRow{}).TableName(); got != "bars" {
		t.Fatalf("got %q, want %q", got, "bars")
	}
}

func TestPairMetaRow_TableName(t *testing.T) {
	if got := (PairMetaRow{}).TableName(); got != "bar_pair_meta" {
		t.Fatalf("got %q, want %q", got, "bar_pair_meta")
	}
}

// Integration test example (requires an actual MySQL instance).
// Uncomment and configure dsn to run against a real database.
/*
func TestStore_Integration(t *testing.T) {
	dsn := "testuser:testpass@tcp(localhost:3306)/sentryline_test?charset=utf8mb4&parseTime=True&loc=UTC"
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []models.Bar{{Timestamp: base, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100}}
	if err := store.Save("AAPL", models.TF1m, bars); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("AAPL", models.TF1m, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(loaded))
	}
}
*/
