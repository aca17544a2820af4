package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockRef identifies one symbol of the collection universe
type StockRef struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Market   string `json:"market"`   // TW, US, ...
	Priority int    `json:"priority"` // lower = collected first
}

// Key returns the market-qualified identity of the stock
func (s StockRef) Key() string {
	return s.Market + ":" + s.Symbol
}

// UniqueStocks returns stocks without repeated keys, keeping the first occurrence
func UniqueStocks(stocks []StockRef) []StockRef {
	seen := make(map[string]struct{}, len(stocks))
	out := make([]StockRef, 0, len(stocks))
	for _, s := range stocks {
		if _, dup := seen[s.Key()]; dup {
			continue
		}
		seen[s.Key()] = struct{}{}
		out = append(out, s)
	}
	return out
}

// MarketEntry is one market in the persisted stock universe file
type MarketEntry struct {
	Market   string   `json:"market"`
	Name     string   `json:"name"`
	Symbols  []string `json:"symbols"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
}

// MarketFile is the on-disk shape of the stock universe
type MarketFile struct {
	Markets []MarketEntry `json:"markets"`
}

// MarketSummary describes a market for listing
type MarketSummary struct {
	Market     string `json:"market"`
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	Enabled    bool   `json:"enabled"`
	StockCount int    `json:"stock_count"`
}

// Quote is the latest price snapshot returned by the market-data client
type Quote struct {
	Symbol        string          `json:"symbol"`
	Market        string          `json:"market"`
	Currency      string          `json:"currency"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Bar is one OHLCV candle
type Bar struct {
	Date     time.Time       `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adj_close"`
	Volume   int64           `json:"volume"`
}

// HistoricalSeries is a run of candles for one symbol
type HistoricalSeries struct {
	Symbol   string `json:"symbol"`
	Market   string `json:"market"`
	Interval string `json:"interval"`
	Range    string `json:"range"`
	Bars     []Bar  `json:"bars"`
}

// MarketData bundles everything fetched for one stock in one collection run
type MarketData struct {
	Stock       StockRef          `json:"stock"`
	Quote       *Quote            `json:"quote"`
	Series      *HistoricalSeries `json:"series"`
	CollectedAt time.Time         `json:"collected_at"`
}

// PriceBar stores a collected candle
type PriceBar struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Symbol    string          `gorm:"uniqueIndex:idx_bar_key;not null" json:"symbol"`
	Market    string          `gorm:"uniqueIndex:idx_bar_key;not null" json:"market"`
	Interval  string          `gorm:"column:bar_interval;uniqueIndex:idx_bar_key;not null" json:"interval"`
	Date      time.Time       `gorm:"uniqueIndex:idx_bar_key" json:"date"`
	Open      decimal.Decimal `gorm:"type:decimal(15,4)" json:"open"`
	High      decimal.Decimal `gorm:"type:decimal(15,4)" json:"high"`
	Low       decimal.Decimal `gorm:"type:decimal(15,4)" json:"low"`
	Close     decimal.Decimal `gorm:"type:decimal(15,4)" json:"close"`
	AdjClose  decimal.Decimal `gorm:"type:decimal(15,4)" json:"adj_close"`
	Volume    int64           `json:"volume"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StockSnapshot stores the latest quote and the last successful collection time
type StockSnapshot struct {
	Symbol          string          `gorm:"primaryKey" json:"symbol"`
	Market          string          `gorm:"primaryKey" json:"market"`
	Currency        string          `json:"currency"`
	Price           decimal.Decimal `gorm:"type:decimal(15,4)" json:"price"`
	PreviousClose   decimal.Decimal `gorm:"type:decimal(15,4)" json:"previous_close"`
	Change          decimal.Decimal `gorm:"type:decimal(15,4)" json:"change"`
	ChangePercent   decimal.Decimal `gorm:"type:decimal(10,4)" json:"change_percent"`
	Volume          int64           `json:"volume"`
	QuoteTime       time.Time       `json:"quote_time"`
	LastCollectedAt time.Time       `gorm:"index" json:"last_collected_at"`
}

// MigrateStockModels runs database migrations for collected market data
func MigrateStockModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&PriceBar{},
		&StockSnapshot{},
	)
}
