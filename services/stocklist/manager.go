package stocklist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// DefaultMarketConfigFile is where the stock universe is persisted
const DefaultMarketConfigFile = "data/market_config.json"

const maxSymbolLength = 15

var (
	symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-^=]*$`)
	marketPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,9}$`)
)

// FreshnessSource supplies the last successful collection time of each symbol in a market.
// Symbols missing from the returned map have never been collected.
type FreshnessSource interface {
	LastCollected(market string) (map[string]time.Time, error)
}

// Manager owns the per-market stock universe
type Manager struct {
	mu        sync.RWMutex
	filePath  string
	markets   []*models.MarketEntry // file order
	freshness FreshnessSource
	now       func() time.Time
	log       *logger.Logger
}

// Option customises a Manager
type Option func(*Manager)

// WithFreshnessSource sets the metadata used by GetStocksNeedingUpdate
func WithFreshnessSource(src FreshnessSource) Option {
	return func(m *Manager) { m.freshness = src }
}

// WithNow overrides the time source used for staleness checks
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and loads the universe from filePath.
// Load problems leave an empty universe; they are logged, never returned.
func NewManager(filePath string, opts ...Option) *Manager {
	if filePath == "" {
		filePath = DefaultMarketConfigFile
	}
	m := &Manager{
		filePath: filePath,
		now:      time.Now,
		log:      logger.Category("stocklist"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.LoadMarketConfig()
	return m
}

// SetFreshnessSource replaces the last-collected metadata source
func (m *Manager) SetFreshnessSource(src FreshnessSource) {
	m.mu.Lock()
	m.freshness = src
	m.mu.Unlock()
}

// LoadMarketConfig (re)reads the persisted universe. A missing or corrupt file
// results in an empty universe.
func (m *Manager) LoadMarketConfig() {
	markets, err := readMarketFile(m.filePath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if os.IsNotExist(err) {
			m.log.Infof("No market config at %s, starting with an empty stock universe", m.filePath)
		} else {
			m.log.WithError(err).Warnf("Failed to load market config %s, starting with an empty stock universe", m.filePath)
		}
		m.markets = nil
		return
	}

	m.markets = markets
	total := 0
	for _, entry := range markets {
		total += len(entry.Symbols)
	}
	m.log.Infof("Loaded %d markets with %d symbols from %s", len(markets), total, m.filePath)
}

func readMarketFile(path string) ([]*models.MarketEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file models.MarketFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse market config: %w", err)
	}

	markets := make([]*models.MarketEntry, 0, len(file.Markets))
	seen := make(map[string]bool)
	for _, entry := range file.Markets {
		code, ok := normalizeMarket(entry.Market)
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		e := entry
		e.Market = code
		e.Symbols = dedupeSymbols(entry.Symbols)
		if e.Name == "" {
			e.Name = code
		}
		markets = append(markets, &e)
	}
	return markets, nil
}

// saveLocked writes the universe to disk; m.mu must be held
func (m *Manager) saveLocked() error {
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	file := models.MarketFile{Markets: make([]models.MarketEntry, 0, len(m.markets))}
	for _, entry := range m.markets {
		e := *entry
		e.Symbols = append([]string{}, entry.Symbols...)
		file.Markets = append(file.Markets, e)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal market config: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write market config: %w", err)
	}
	return nil
}

// snapshotLocked deep-copies the universe so a failed save can be undone
func (m *Manager) snapshotLocked() []*models.MarketEntry {
	out := make([]*models.MarketEntry, 0, len(m.markets))
	for _, entry := range m.markets {
		e := *entry
		e.Symbols = append([]string(nil), entry.Symbols...)
		out = append(out, &e)
	}
	return out
}

// persistLocked saves the universe. When the write fails the in-memory state is
// restored to prev and false is returned.
func (m *Manager) persistLocked(prev []*models.MarketEntry) bool {
	if err := m.saveLocked(); err != nil {
		m.log.WithError(err).Errorf("Failed to persist market config to %s, change discarded", m.filePath)
		m.markets = prev
		return false
	}
	return true
}

// GetAllStocks returns every stock of every enabled market in file order
func (m *Manager) GetAllStocks() []models.StockRef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stocks []models.StockRef
	for _, entry := range m.markets {
		if !entry.Enabled {
			continue
		}
		stocks = append(stocks, refsFor(entry)...)
	}
	return stocks
}

// GetStocksByMarket returns the stocks of one market, enabled or not
func (m *Manager) GetStocksByMarket(market string) []models.StockRef {
	code, ok := normalizeMarket(market)
	if !ok {
		return []models.StockRef{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.findLocked(code)
	if entry == nil {
		return []models.StockRef{}
	}
	return refsFor(entry)
}

// GetStocksSortedByPriority returns GetAllStocks ordered by ascending priority.
// The sort is stable, so ties keep file order.
func (m *Manager) GetStocksSortedByPriority() []models.StockRef {
	stocks := m.GetAllStocks()
	SortByPriority(stocks)
	return stocks
}

// SortByPriority stably sorts stocks by ascending priority
func SortByPriority(stocks []models.StockRef) {
	sort.SliceStable(stocks, func(i, j int) bool {
		return stocks[i].Priority < stocks[j].Priority
	})
}

// GetMarkets returns a summary of every configured market
func (m *Manager) GetMarkets() []models.MarketSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.MarketSummary, 0, len(m.markets))
	for _, entry := range m.markets {
		out = append(out, models.MarketSummary{
			Market:     entry.Market,
			Name:       entry.Name,
			Priority:   entry.Priority,
			Enabled:    entry.Enabled,
			StockCount: len(entry.Symbols),
		})
	}
	return out
}

// AddStockToMarket appends a symbol. It returns false for an invalid symbol, a
// duplicate or a failed save. Unknown markets are created after the existing ones.
func (m *Manager) AddStockToMarket(market, symbol string) bool {
	code, ok := normalizeMarket(market)
	if !ok {
		m.log.Warnf("Rejected add: invalid market code %q", market)
		return false
	}
	sym, ok := normalizeSymbol(symbol)
	if !ok {
		m.log.Warnf("Rejected add: invalid symbol %q for market %s", symbol, code)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.findLocked(code)
	if entry != nil {
		for _, existing := range entry.Symbols {
			if existing == sym {
				return false
			}
		}
	}

	prev := m.snapshotLocked()
	created := entry == nil
	if created {
		entry = &models.MarketEntry{
			Market:   code,
			Name:     code,
			Priority: m.nextPriorityLocked(),
			Enabled:  true,
		}
		m.markets = append(m.markets, entry)
	}
	entry.Symbols = append(entry.Symbols, sym)
	if !m.persistLocked(prev) {
		return false
	}

	if created {
		m.log.Infof("Created market %s with priority %d", code, entry.Priority)
	}
	m.log.WithField(logger.FieldMarket, code).Infof("Added %s", sym)
	return true
}

// RemoveStockFromMarket deletes a symbol; false when the market or symbol is
// absent or the save fails
func (m *Manager) RemoveStockFromMarket(market, symbol string) bool {
	code, ok := normalizeMarket(market)
	if !ok {
		return false
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.findLocked(code)
	if entry == nil {
		return false
	}
	for i, existing := range entry.Symbols {
		if existing == sym {
			prev := m.snapshotLocked()
			entry.Symbols = append(entry.Symbols[:i:i], entry.Symbols[i+1:]...)
			if !m.persistLocked(prev) {
				return false
			}
			m.log.WithField(logger.FieldMarket, code).Infof("Removed %s", sym)
			return true
		}
	}
	return false
}

// ImportStockList replaces the symbols of a market. Malformed symbols are
// skipped with a warning. It returns false for an invalid market code or a
// failed save.
func (m *Manager) ImportStockList(market string, symbols []string) bool {
	code, ok := normalizeMarket(market)
	if !ok {
		m.log.Warnf("Rejected import: invalid market code %q", market)
		return false
	}

	valid := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	skipped := 0
	for _, raw := range symbols {
		sym, ok := normalizeSymbol(raw)
		if !ok {
			skipped++
			m.log.WithField(logger.FieldMarket, code).Warnf("Skipping malformed symbol %q", raw)
			continue
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		valid = append(valid, sym)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snapshotLocked()
	entry := m.findLocked(code)
	if entry == nil {
		entry = &models.MarketEntry{
			Market:   code,
			Name:     code,
			Priority: m.nextPriorityLocked(),
			Enabled:  true,
		}
		m.markets = append(m.markets, entry)
	}
	entry.Symbols = valid
	if !m.persistLocked(prev) {
		return false
	}

	m.log.WithField(logger.FieldMarket, code).Infof("Imported %d symbols (%d skipped)", len(valid), skipped)
	return true
}

// GetStocksNeedingUpdate returns enabled-market stocks whose last collection is
// older than maxAgeHours, in priority order.
func (m *Manager) GetStocksNeedingUpdate(maxAgeHours float64) []models.StockRef {
	return m.FilterNeedingUpdate(m.GetStocksSortedByPriority(), maxAgeHours)
}

// FilterNeedingUpdate keeps the stocks that were never collected or whose last
// collection is older than maxAgeHours. When no freshness source is available,
// every stock qualifies.
func (m *Manager) FilterNeedingUpdate(stocks []models.StockRef, maxAgeHours float64) []models.StockRef {
	m.mu.RLock()
	src := m.freshness
	m.mu.RUnlock()

	out := make([]models.StockRef, 0, len(stocks))
	if src == nil {
		return append(out, stocks...)
	}

	cutoff := m.now().Add(-time.Duration(maxAgeHours * float64(time.Hour)))
	byMarket := make(map[string]map[string]time.Time)

	for _, stock := range stocks {
		last, loaded := byMarket[stock.Market]
		if !loaded {
			var err error
			last, err = src.LastCollected(stock.Market)
			if err != nil {
				m.log.WithError(err).WithField(logger.FieldMarket, stock.Market).
					Warn("Freshness lookup failed, treating market as stale")
				last = map[string]time.Time{}
			}
			byMarket[stock.Market] = last
		}

		collectedAt, ok := last[stock.Symbol]
		if !ok || collectedAt.Before(cutoff) {
			out = append(out, stock)
		}
	}
	return out
}

func (m *Manager) findLocked(code string) *models.MarketEntry {
	for _, entry := range m.markets {
		if entry.Market == code {
			return entry
		}
	}
	return nil
}

func (m *Manager) nextPriorityLocked() int {
	next := 1
	for _, entry := range m.markets {
		if entry.Priority >= next {
			next = entry.Priority + 1
		}
	}
	return next
}

func refsFor(entry *models.MarketEntry) []models.StockRef {
	refs := make([]models.StockRef, 0, len(entry.Symbols))
	for _, sym := range entry.Symbols {
		refs = append(refs, models.StockRef{
			Symbol:   sym,
			Name:     sym,
			Market:   entry.Market,
			Priority: entry.Priority,
		})
	}
	return refs
}

func normalizeMarket(market string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(market))
	return code, marketPattern.MatchString(code)
}

func normalizeSymbol(symbol string) (string, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || len(sym) > maxSymbolLength || !symbolPattern.MatchString(sym) {
		return "", false
	}
	return sym, true
}

func dedupeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, raw := range symbols {
		sym, ok := normalizeSymbol(raw)
		if !ok || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
