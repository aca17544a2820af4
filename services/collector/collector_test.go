package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stock_research_backend/models"
	"stock_research_backend/services/monitor"
)

type staticConfig models.CollectionConfig

func (s staticConfig) GetConfig() models.CollectionConfig {
	return models.CollectionConfig(s).Clone()
}

// fastConfig returns the defaults without pacing so tests run quickly
func fastConfig() staticConfig {
	cfg := models.DefaultCollectionConfig()
	cfg.Collector.DelayBetweenRequests = 0
	cfg.Collector.BatchDelay = 0
	cfg.Collector.Timeout = 1000
	return staticConfig(cfg)
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int // historical calls per symbol
	failFor  map[string]bool
	delay    time.Duration
	gate     chan struct{} // when set, fetches block until it is closed
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), failFor: make(map[string]bool)}
}

func (f *fakeFetcher) FetchHistorical(ctx context.Context, symbol, market, interval, rng string) (*models.HistoricalSeries, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[symbol]++
	fail := f.failFor[symbol]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return &models.HistoricalSeries{Symbol: symbol, Market: market, Interval: interval, Range: rng}, nil
}

func (f *fakeFetcher) FetchQuote(ctx context.Context, symbol, market string) (*models.Quote, error) {
	return &models.Quote{Symbol: symbol, Market: market, Price: decimal.NewFromInt(100)}, nil
}

func (f *fakeFetcher) callsFor(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type memPersister struct {
	mu      sync.Mutex
	saved   map[string]*models.MarketData
	failFor map[string]bool
}

func newMemPersister() *memPersister {
	return &memPersister{saved: make(map[string]*models.MarketData), failFor: make(map[string]bool)}
}

func (p *memPersister) SaveMarketData(_ context.Context, data *models.MarketData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[data.Stock.Symbol] {
		return errors.New("disk full")
	}
	p.saved[data.Stock.Key()] = data
	return nil
}

func makeStocks(n int) []models.StockRef {
	out := make([]models.StockRef, n)
	for i := range out {
		out[i] = models.StockRef{Symbol: fmt.Sprintf("S%03d", i), Market: "US", Priority: 2}
	}
	return out
}

func newTestCollector(f Fetcher, p Persister, m *monitor.Monitor, cfg ConfigSource, opts ...Option) *StockDataCollector {
	opts = append([]Option{WithRetryDelay(time.Millisecond)}, opts...)
	return NewStockDataCollector(f, p, m, cfg, opts...)
}

func TestEmptyInput(t *testing.T) {
	mon := monitor.New()
	c := newTestCollector(newFakeFetcher(), newMemPersister(), mon, fastConfig())

	res, err := c.CollectStockData(context.Background(), nil, CollectOptions{JobID: "j"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 || res.Success != 0 || res.Failed != 0 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if c.IsBusy() {
		t.Fatal("collector busy after empty run")
	}
	if len(mon.GetAllJobs()) != 0 {
		t.Fatal("empty run touched the monitor")
	}
}

func TestCollectCountsOutcomes(t *testing.T) {
	f := newFakeFetcher()
	f.failFor["S001"] = true
	p := newMemPersister()
	p.failFor["S002"] = true
	c := newTestCollector(f, p, nil, fastConfig())

	res, err := c.CollectStockData(context.Background(), makeStocks(5), CollectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success != 3 || res.Failed != 2 || res.Success+res.Failed != res.Total {
		t.Fatalf("result = %+v", res)
	}
	if res.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(p.saved) != 3 {
		t.Errorf("saved %d, want 3", len(p.saved))
	}
	if data := p.saved["US:S000"]; data == nil || data.Series.Interval != DefaultInterval || data.Quote == nil {
		t.Errorf("saved data = %+v", data)
	}
}

func TestRetriesProduceSingleError(t *testing.T) {
	f := newFakeFetcher()
	f.failFor["S000"] = true
	c := newTestCollector(f, newMemPersister(), nil, fastConfig())

	res, err := c.CollectStockData(context.Background(), makeStocks(1), CollectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.callsFor("S000"); got != 3 {
		t.Errorf("fetch attempts = %d, want 3", got)
	}
	if len(res.Errors) != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Errors[0], "S000 (US): ") {
		t.Errorf("error = %q", res.Errors[0])
	}
	if res.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestBatchingAndProgress(t *testing.T) {
	f := newFakeFetcher()
	mon := monitor.New()
	c := newTestCollector(f, newMemPersister(), mon, fastConfig())

	stocks := makeStocks(150)
	mon.StartJob(&models.CollectionJob{ID: "job-1", Type: models.JobTypeManual, Stocks: stocks})
	mon.MarkJobRunning("job-1")

	res, err := c.CollectStockData(context.Background(), stocks, CollectOptions{JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Batches != 3 || res.Success != 150 {
		t.Fatalf("result = %+v", res)
	}
	if f.totalCalls() != 150 {
		t.Errorf("fetch calls = %d, want 150", f.totalCalls())
	}

	job, ok := mon.GetJob("job-1")
	if !ok {
		t.Fatal("job missing")
	}
	if job.Progress.TotalBatches != 3 || job.Progress.CurrentBatch != 3 || job.Progress.Completed != 150 {
		t.Errorf("progress = %+v", job.Progress)
	}
}

func TestMaxConcurrentIsRespected(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 5 * time.Millisecond
	c := newTestCollector(f, newMemPersister(), nil, fastConfig(), WithOverrides(Overrides{MaxConcurrent: intPtr(2)}))

	if _, err := c.CollectStockData(context.Background(), makeStocks(12), CollectOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := f.maxSeen.Load(); got > 2 {
		t.Fatalf("max in flight = %d, want <= 2", got)
	}
}

func intPtr(v int) *int { return &v }

func TestBusyRejectsSecondRun(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCollector(f, newMemPersister(), nil, fastConfig())

	done, err := c.Start(context.Background(), makeStocks(3), CollectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsBusy() {
		t.Fatal("collector not busy after Start")
	}

	if _, err := c.CollectStockData(context.Background(), makeStocks(1), CollectOptions{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second run err = %v, want ErrBusy", err)
	}

	close(f.gate)
	select {
	case res := <-done:
		if res.Success != 3 {
			t.Fatalf("first run result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
	if c.IsBusy() {
		t.Fatal("collector still busy")
	}
	if _, err := c.CollectStockData(context.Background(), makeStocks(1), CollectOptions{}); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestPacingBetweenRequestsAndBatches(t *testing.T) {
	cfg := fastConfig()
	cfg.Collector.DelayBetweenRequests = 10
	cfg.Collector.BatchDelay = 30
	cfg.Collector.BatchSize = 3
	c := newTestCollector(newFakeFetcher(), newMemPersister(), nil, cfg)

	start := time.Now()
	if _, err := c.CollectStockData(context.Background(), makeStocks(6), CollectOptions{}); err != nil {
		t.Fatal(err)
	}
	// 2 request gaps per batch and one batch gap
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("elapsed %s, pacing not applied", elapsed)
	}
}

func TestThrottlingDisabledSkipsPacing(t *testing.T) {
	cfg := fastConfig()
	cfg.Collector.DelayBetweenRequests = 200
	cfg.Collector.BatchDelay = 1000
	cfg.Collector.BatchSize = 2
	cfg.Performance.EnableThrottling = false
	c := newTestCollector(newFakeFetcher(), newMemPersister(), nil, cfg)

	start := time.Now()
	if _, err := c.CollectStockData(context.Background(), makeStocks(4), CollectOptions{}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("elapsed %s, pacing should be off", elapsed)
	}
}

func TestNextAdaptiveDelay(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, time.Second},
		{2 * time.Second, 4 * time.Second},
		{45 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := nextAdaptiveDelay(tt.in); got != tt.want {
			t.Errorf("nextAdaptiveDelay(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFetchErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&FetchError{Stock: models.StockRef{Symbol: "AAPL", Market: "US"}, Attempts: 3, Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("FetchError does not unwrap")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Attempts != 3 {
		t.Fatal("errors.As failed")
	}
	if err.Error() != "AAPL (US): boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestJobLifecycleOwnedByCollector(t *testing.T) {
	mon := monitor.New()
	c := newTestCollector(newFakeFetcher(), newMemPersister(), mon, fastConfig())

	stocks := makeStocks(3)
	mon.StartJob(&models.CollectionJob{ID: "direct", Type: models.JobTypeManual, Stocks: stocks})

	res, err := c.CollectStockData(context.Background(), stocks, CollectOptions{JobID: "direct"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success != 3 {
		t.Fatalf("result = %+v", res)
	}

	job, ok := mon.GetJob("direct")
	if !ok || !job.Status.IsTerminal() || job.StartedAt.IsZero() || job.EndedAt == nil {
		t.Fatalf("job = %+v", job)
	}
	if active := mon.GetActiveJobs(); len(active) != 0 {
		t.Fatalf("active jobs = %d, want 0", len(active))
	}
	completed := mon.GetCompletedJobs()
	if len(completed) != 1 || completed[0].ID != "direct" || completed[0].Status != models.JobStatusCompleted {
		t.Fatalf("completed = %+v", completed)
	}
	if mon.GetSystemStatus().IsCollecting {
		t.Fatal("monitor still collecting")
	}
}

func TestEmptyInputCompletesRegisteredJob(t *testing.T) {
	mon := monitor.New()
	c := newTestCollector(newFakeFetcher(), newMemPersister(), mon, fastConfig())
	mon.StartJob(&models.CollectionJob{ID: "empty", Type: models.JobTypeManual})

	if _, err := c.CollectStockData(context.Background(), nil, CollectOptions{JobID: "empty"}); err != nil {
		t.Fatal(err)
	}
	if job, ok := mon.GetJob("empty"); !ok || job.Status != models.JobStatusCompleted {
		t.Fatalf("job = %+v", job)
	}
}

func TestDuplicateStocksCollectedOnce(t *testing.T) {
	f := newFakeFetcher()
	mon := monitor.New()
	c := newTestCollector(f, newMemPersister(), mon, fastConfig())

	stocks := []models.StockRef{
		{Symbol: "S000", Market: "US"},
		{Symbol: "S000", Market: "US"},
		{Symbol: "S000", Market: "TW"},
	}
	mon.StartJob(&models.CollectionJob{ID: "dup", Type: models.JobTypeManual, Stocks: stocks})

	res, err := c.CollectStockData(context.Background(), stocks, CollectOptions{JobID: "dup"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || res.Success != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.callsFor("S000"); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	job, ok := mon.GetJob("dup")
	if !ok {
		t.Fatal("job missing")
	}
	if job.TotalStocks != res.Total || job.Progress.Completed != res.Success {
		t.Fatalf("job total=%d completed=%d, result total=%d success=%d",
			job.TotalStocks, job.Progress.Completed, res.Total, res.Success)
	}
}

func TestCancelledRunCountsRemainderAsFailed(t *testing.T) {
	f := newFakeFetcher()
	mon := monitor.New()
	c := newTestCollector(f, newMemPersister(), mon, fastConfig())

	stocks := makeStocks(4)
	mon.StartJob(&models.CollectionJob{ID: "cancelled", Type: models.JobTypeManual, Stocks: stocks})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.CollectStockData(ctx, stocks, CollectOptions{JobID: "cancelled"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success != 0 || res.Failed != 4 || len(res.Errors) != 4 {
		t.Fatalf("result = %+v", res)
	}
	if res.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Errors[0], ErrCancelled.Error()) {
		t.Errorf("error = %q", res.Errors[0])
	}
	if f.totalCalls() != 0 {
		t.Errorf("fetch calls = %d, want 0", f.totalCalls())
	}

	job, ok := mon.GetJob("cancelled")
	if !ok || job.Status != models.JobStatusFailed || job.Progress.Failed != 4 {
		t.Fatalf("job = %+v", job)
	}
}

func TestNonPositiveTimeoutFallsBack(t *testing.T) {
	tests := []struct {
		name      string
		policy    int
		override  int
		wantLimit int
	}{
		{"override zero uses policy", 1000, 0, 1000},
		{"override negative uses policy", 1000, -5, 1000},
		{"both unset use default", 0, 0, 30000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			cfg.Collector.Timeout = tt.policy
			c := newTestCollector(newFakeFetcher(), newMemPersister(), nil, cfg,
				WithOverrides(Overrides{Timeout: intPtr(tt.override)}))

			col, _ := c.settings()
			if col.Timeout != tt.wantLimit {
				t.Fatalf("timeout = %d, want %d", col.Timeout, tt.wantLimit)
			}
			res, err := c.CollectStockData(context.Background(), makeStocks(2), CollectOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if res.Success != 2 {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}
