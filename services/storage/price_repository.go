package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// PriceRepository stores collected candles and quote snapshots through gorm
type PriceRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPriceRepository wraps an open gorm connection
func NewPriceRepository(db *gorm.DB) *PriceRepository {
	return &PriceRepository{db: db, log: logger.Category("storage")}
}

// Migrate creates or updates the price tables
func (r *PriceRepository) Migrate() error {
	if err := models.MigrateStockModels(r.db); err != nil {
		return fmt.Errorf("failed to migrate price tables: %w", err)
	}
	return nil
}

// SaveMarketData upserts the candles and the latest snapshot of one stock
func (r *PriceRepository) SaveMarketData(ctx context.Context, data *models.MarketData) error {
	if data == nil {
		return errors.New("nil market data")
	}
	collectedAt := data.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if data.Series != nil && len(data.Series.Bars) > 0 {
			bars := make([]models.PriceBar, 0, len(data.Series.Bars))
			for _, b := range data.Series.Bars {
				bars = append(bars, models.PriceBar{
					Symbol:   data.Stock.Symbol,
					Market:   data.Stock.Market,
					Interval: data.Series.Interval,
					Date:     b.Date,
					Open:     b.Open,
					High:     b.High,
					Low:      b.Low,
					Close:    b.Close,
					AdjClose: b.AdjClose,
					Volume:   b.Volume,
				})
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "symbol"}, {Name: "market"}, {Name: "bar_interval"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"open", "high", "low", "close", "adj_close", "volume", "updated_at",
				}),
			}).CreateInBatches(&bars, 200).Error
			if err != nil {
				return fmt.Errorf("failed to upsert bars: %w", err)
			}
		}

		snap := models.StockSnapshot{
			Symbol:          data.Stock.Symbol,
			Market:          data.Stock.Market,
			LastCollectedAt: collectedAt,
		}
		if q := data.Quote; q != nil {
			snap.Currency = q.Currency
			snap.Price = q.Price
			snap.PreviousClose = q.PreviousClose
			snap.Change = q.Change
			snap.ChangePercent = q.ChangePercent
			snap.Volume = q.Volume
			snap.QuoteTime = q.Timestamp
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "market"}},
			UpdateAll: true,
		}).Create(&snap).Error
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot: %w", err)
		}
		return nil
	})
}

// LastCollected returns the last successful collection time per symbol of a market
func (r *PriceRepository) LastCollected(market string) (map[string]time.Time, error) {
	var rows []models.StockSnapshot
	err := r.db.Select("symbol", "last_collected_at").
		Where("market = ?", market).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load collection times for %s: %w", market, err)
	}

	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		out[row.Symbol] = row.LastCollectedAt
	}
	return out, nil
}

// GetSnapshot returns the stored snapshot of a stock
func (r *PriceRepository) GetSnapshot(symbol, market string) (*models.StockSnapshot, error) {
	var snap models.StockSnapshot
	err := r.db.Where("symbol = ? AND market = ?", symbol, market).First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetBars returns up to limit most recent candles, oldest first
func (r *PriceRepository) GetBars(symbol, market, interval string, limit int) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	q := r.db.Where("symbol = ? AND market = ? AND bar_interval = ?", symbol, market, interval).
		Order("date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&bars).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}
