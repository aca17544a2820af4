package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stock_research_backend/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "prices.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func sampleData(symbol string, collectedAt time.Time, closes ...int64) *models.MarketData {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	series := &models.HistoricalSeries{Symbol: symbol, Market: "TW", Interval: "1d", Range: "1mo"}
	for i, c := range closes {
		p := decimal.NewFromInt(c)
		series.Bars = append(series.Bars, models.Bar{
			Date: day.AddDate(0, 0, i), Open: p, High: p, Low: p, Close: p, AdjClose: p, Volume: 100,
		})
	}
	return &models.MarketData{
		Stock:       models.StockRef{Symbol: symbol, Market: "TW"},
		Quote:       &models.Quote{Symbol: symbol, Market: "TW", Currency: "TWD", Price: decimal.NewFromInt(closes[len(closes)-1])},
		Series:      series,
		CollectedAt: collectedAt,
	}
}

func TestPriceRepositoryUpsert(t *testing.T) {
	repo := NewPriceRepository(openTestDB(t))
	if err := repo.Migrate(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	first := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

	if err := repo.SaveMarketData(ctx, sampleData("2330", first, 580, 590)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	// Same dates again with a revised close plus one new day
	second := first.Add(6 * time.Hour)
	if err := repo.SaveMarketData(ctx, sampleData("2330", second, 580, 595, 600)); err != nil {
		t.Fatalf("second save: %v", err)
	}

	bars, err := repo.GetBars("2330", "TW", "1d", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want 3", len(bars))
	}
	if !bars[1].Close.Equal(decimal.NewFromInt(595)) {
		t.Errorf("revised close = %s, want 595", bars[1].Close)
	}

	snap, err := repo.GetSnapshot("2330", "TW")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Price.Equal(decimal.NewFromInt(600)) || !snap.LastCollectedAt.Equal(second) {
		t.Errorf("snapshot = %+v", snap)
	}

	last, err := repo.LastCollected("TW")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := last["2330"]; !ok || !got.Equal(second) {
		t.Errorf("LastCollected = %v", last)
	}
	if others, _ := repo.LastCollected("US"); len(others) != 0 {
		t.Errorf("US = %v, want empty", others)
	}
}

func TestHistoryStore(t *testing.T) {
	store, err := OpenHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		ended := base.Add(time.Duration(i) * 24 * time.Hour)
		job := &models.CollectionJob{
			ID:          id,
			Type:        models.JobTypeScheduled,
			Mode:        models.JobModeFull,
			Status:      models.JobStatusCompleted,
			CreatedAt:   ended.Add(-time.Minute),
			StartedAt:   ended.Add(-time.Minute),
			EndedAt:     &ended,
			Stocks:      []models.StockRef{{Symbol: "2330", Market: "TW"}},
			TotalStocks: 1,
			Progress:    models.JobProgress{Completed: 1},
			Errors:      []string{},
		}
		if err := store.SaveJob(ctx, job); err != nil {
			t.Fatalf("SaveJob(%s): %v", id, err)
		}
	}

	jobs, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || jobs[0].ID != "new" || jobs[2].ID != "old" {
		t.Fatalf("recent = %v", jobs)
	}
	if jobs[0].Mode != models.JobModeFull || len(jobs[0].Stocks) != 1 || jobs[0].EndedAt == nil {
		t.Errorf("decoded job = %+v", jobs[0])
	}

	n, err := store.Prune(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	jobs, _ = store.Recent(ctx, 10)
	if len(jobs) != 1 || jobs[0].ID != "new" {
		t.Fatalf("after prune = %v", jobs)
	}
}

type stubSaver struct {
	err   error
	calls int
}

func (s *stubSaver) SaveMarketData(context.Context, *models.MarketData) error {
	s.calls++
	return s.err
}

func TestMultiPersister(t *testing.T) {
	data := sampleData("2330", time.Now(), 1)

	primary, mirror := &stubSaver{}, &stubSaver{err: errors.New("mirror down")}
	if err := NewMultiPersister(primary, mirror).SaveMarketData(context.Background(), data); err != nil {
		t.Fatalf("mirror failure leaked: %v", err)
	}
	if primary.calls != 1 || mirror.calls != 1 {
		t.Errorf("calls = %d/%d", primary.calls, mirror.calls)
	}

	failing, skipped := &stubSaver{err: errors.New("db down")}, &stubSaver{}
	if err := NewMultiPersister(failing, skipped).SaveMarketData(context.Background(), data); err == nil {
		t.Fatal("primary failure not reported")
	}
	if skipped.calls != 0 {
		t.Error("mirror written after primary failure")
	}
}

func TestMarketDocument(t *testing.T) {
	doc := marketDocument(sampleData("2330", time.Now(), 580, 590))
	if doc.ID != "TW:2330" || len(doc.Bars) != 2 || doc.Price != "590" || doc.Bars[0].Close != "580" {
		t.Fatalf("doc = %+v", doc)
	}
}
