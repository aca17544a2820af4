package stocklist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stock_research_backend/models"
)

func writeMarketFile(t *testing.T, markets ...models.MarketEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market_config.json")
	data, err := json.Marshal(models.MarketFile{Markets: markets})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleMarkets() []models.MarketEntry {
	return []models.MarketEntry{
		{Market: "US", Name: "United States", Symbols: []string{"AAPL", "MSFT"}, Priority: 2, Enabled: true},
		{Market: "TW", Name: "Taiwan", Symbols: []string{"2330", "2317", "2454"}, Priority: 1, Enabled: true},
		{Market: "JP", Name: "Japan", Symbols: []string{"7203"}, Priority: 3, Enabled: false},
	}
}

func symbolsOf(stocks []models.StockRef) []string {
	out := make([]string, 0, len(stocks))
	for _, s := range stocks {
		out = append(out, s.Symbol)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadMissingFileGivesEmptyUniverse(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	if got := m.GetAllStocks(); len(got) != 0 {
		t.Fatalf("GetAllStocks() = %v, want empty", got)
	}
}

func TestLoadCorruptFileGivesEmptyUniverse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market_config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if got := m.GetAllStocks(); len(got) != 0 {
		t.Fatalf("GetAllStocks() = %v, want empty", got)
	}
}

func TestGetAllStocksSkipsDisabledMarkets(t *testing.T) {
	m := NewManager(writeMarketFile(t, sampleMarkets()...))

	got := symbolsOf(m.GetAllStocks())
	want := []string{"AAPL", "MSFT", "2330", "2317", "2454"}
	if !equalStrings(got, want) {
		t.Fatalf("GetAllStocks() = %v, want %v", got, want)
	}

	jp := m.GetStocksByMarket("jp")
	if len(jp) != 1 || jp[0].Symbol != "7203" {
		t.Fatalf("GetStocksByMarket(jp) = %v", jp)
	}
}

func TestGetStocksSortedByPriorityIsStable(t *testing.T) {
	markets := sampleMarkets()
	markets = append(markets, models.MarketEntry{Market: "HK", Symbols: []string{"0700"}, Priority: 1, Enabled: true})
	m := NewManager(writeMarketFile(t, markets...))

	got := symbolsOf(m.GetStocksSortedByPriority())
	want := []string{"2330", "2317", "2454", "0700", "AAPL", "MSFT"}
	if !equalStrings(got, want) {
		t.Fatalf("sorted = %v, want %v", got, want)
	}
}

func TestStockRefFields(t *testing.T) {
	m := NewManager(writeMarketFile(t, sampleMarkets()...))
	tw := m.GetStocksByMarket("TW")
	if len(tw) != 3 {
		t.Fatalf("len = %d", len(tw))
	}
	if tw[0] != (models.StockRef{Symbol: "2330", Name: "2330", Market: "TW", Priority: 1}) {
		t.Errorf("unexpected ref %+v", tw[0])
	}
}

func TestAddStockToMarket(t *testing.T) {
	path := writeMarketFile(t, sampleMarkets()...)
	m := NewManager(path)

	tests := []struct {
		name   string
		market string
		symbol string
		want   bool
	}{
		{"new symbol", "US", "nvda", true},
		{"duplicate", "US", "AAPL", false},
		{"malformed", "US", "BAD SYMBOL", false},
		{"empty", "US", "  ", false},
		{"unknown market created", "KR", "005930", true},
		{"invalid market", "??", "AAPL", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.AddStockToMarket(tt.market, tt.symbol); got != tt.want {
				t.Errorf("AddStockToMarket(%q, %q) = %v, want %v", tt.market, tt.symbol, got, tt.want)
			}
		})
	}

	us := symbolsOf(m.GetStocksByMarket("US"))
	if !equalStrings(us, []string{"AAPL", "MSFT", "NVDA"}) {
		t.Errorf("US = %v", us)
	}

	kr := m.GetStocksByMarket("KR")
	if len(kr) != 1 || kr[0].Priority != 4 {
		t.Errorf("KR = %+v, want one stock with priority 4", kr)
	}

	// Changes survive a reload
	reloaded := NewManager(path)
	if got := symbolsOf(reloaded.GetStocksByMarket("US")); !equalStrings(got, []string{"AAPL", "MSFT", "NVDA"}) {
		t.Errorf("reloaded US = %v", got)
	}
}

func TestRemoveStockFromMarket(t *testing.T) {
	path := writeMarketFile(t, sampleMarkets()...)
	m := NewManager(path)

	if !m.RemoveStockFromMarket("TW", "2317") {
		t.Fatal("remove existing returned false")
	}
	if m.RemoveStockFromMarket("TW", "2317") {
		t.Fatal("second remove returned true")
	}
	if m.RemoveStockFromMarket("XX", "2317") {
		t.Fatal("remove from unknown market returned true")
	}

	reloaded := NewManager(path)
	if got := symbolsOf(reloaded.GetStocksByMarket("TW")); !equalStrings(got, []string{"2330", "2454"}) {
		t.Errorf("TW after remove = %v", got)
	}
}

func TestImportStockList(t *testing.T) {
	m := NewManager(writeMarketFile(t, sampleMarkets()...))

	ok := m.ImportStockList("US", []string{" goog ", "AMZN", "bad symbol!", "GOOG", "BRK-B", ""})
	if !ok {
		t.Fatal("ImportStockList returned false")
	}
	got := symbolsOf(m.GetStocksByMarket("US"))
	if !equalStrings(got, []string{"GOOG", "AMZN", "BRK-B"}) {
		t.Fatalf("US = %v", got)
	}

	if m.ImportStockList("", []string{"AAPL"}) {
		t.Error("import into empty market code should fail")
	}
}

type fakeFreshness struct {
	last map[string]map[string]time.Time
	err  error
}

func (f *fakeFreshness) LastCollected(market string) (map[string]time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.last[market], nil
}

func TestGetStocksNeedingUpdate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeFreshness{last: map[string]map[string]time.Time{
		"TW": {
			"2330": now.Add(-2 * time.Hour),
			"2317": now.Add(-30 * time.Hour),
		},
		"US": {
			"AAPL": now.Add(-25 * time.Hour),
			"MSFT": now.Add(-time.Hour),
		},
	}}
	m := NewManager(writeMarketFile(t, sampleMarkets()...), WithFreshnessSource(src), WithNow(func() time.Time { return now }))

	got := symbolsOf(m.GetStocksNeedingUpdate(24))
	want := []string{"2317", "2454", "AAPL"}
	if !equalStrings(got, want) {
		t.Fatalf("needing update = %v, want %v", got, want)
	}

	tw := symbolsOf(m.FilterNeedingUpdate(m.GetStocksByMarket("TW"), 1))
	if !equalStrings(tw, []string{"2330", "2317", "2454"}) {
		t.Fatalf("TW with 1h max age = %v", tw)
	}
}

func TestGetStocksNeedingUpdateSourceError(t *testing.T) {
	src := &fakeFreshness{err: errors.New("db down")}
	m := NewManager(writeMarketFile(t, sampleMarkets()...), WithFreshnessSource(src))
	if got := m.GetStocksNeedingUpdate(24); len(got) != 5 {
		t.Fatalf("got %d stocks, want all 5", len(got))
	}
}

func TestGetMarkets(t *testing.T) {
	m := NewManager(writeMarketFile(t, sampleMarkets()...))
	markets := m.GetMarkets()
	if len(markets) != 3 {
		t.Fatalf("len = %d", len(markets))
	}
	if markets[1].Market != "TW" || markets[1].StockCount != 3 || !markets[1].Enabled {
		t.Errorf("TW summary = %+v", markets[1])
	}
}

func TestFailedSaveDiscardsChange(t *testing.T) {
	m := NewManager(writeMarketFile(t, sampleMarkets()...))

	// a regular file where the data directory should be makes every save fail
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	m.filePath = filepath.Join(blocker, "market_config.json")

	tests := []struct {
		name string
		op   func() bool
	}{
		{"add", func() bool { return m.AddStockToMarket("US", "GOOG") }},
		{"add to new market", func() bool { return m.AddStockToMarket("HK", "0700") }},
		{"remove", func() bool { return m.RemoveStockFromMarket("TW", "2330") }},
		{"import", func() bool { return m.ImportStockList("US", []string{"NVDA"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.op() {
				t.Fatal("reported success although the save failed")
			}
			if got := symbolsOf(m.GetStocksByMarket("US")); !equalStrings(got, []string{"AAPL", "MSFT"}) {
				t.Errorf("US = %v", got)
			}
			if got := symbolsOf(m.GetStocksByMarket("TW")); !equalStrings(got, []string{"2330", "2317", "2454"}) {
				t.Errorf("TW = %v", got)
			}
			if n := len(m.GetMarkets()); n != 3 {
				t.Errorf("markets = %d, want 3", n)
			}
		})
	}
}
