package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"stock_research_backend/logger"
	"stock_research_backend/models"
	"stock_research_backend/services/monitor"
)

const (
	DefaultInterval = "1d"
	DefaultRange    = "1mo"

	defaultRetryDelay = 500 * time.Millisecond
	maxAdaptiveDelay  = 60 * time.Second
)

// ErrBusy is returned when a collection run is already in flight
var ErrBusy = errors.New("collection already in progress")

// ErrCancelled is recorded for stocks left unprocessed when a run is cancelled
var ErrCancelled = errors.New("collection cancelled")

// FetchError reports a stock whose fetch attempts were exhausted
type FetchError struct {
	Stock    models.StockRef
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stock.Symbol, e.Stock.Market, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError reports a stock that was fetched but could not be stored
type PersistenceError struct {
	Stock models.StockRef
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s (%s): save failed: %v", e.Stock.Symbol, e.Stock.Market, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Fetcher is the upstream market-data provider
type Fetcher interface {
	FetchQuote(ctx context.Context, symbol, market string) (*models.Quote, error)
	FetchHistorical(ctx context.Context, symbol, market, interval, rng string) (*models.HistoricalSeries, error)
}

// Persister stores collected data keyed by symbol and market
type Persister interface {
	SaveMarketData(ctx context.Context, data *models.MarketData) error
}

// ConfigSource supplies the active collection policy at the start of each run
type ConfigSource interface {
	GetConfig() models.CollectionConfig
}

// Overrides replace collector settings from the policy; nil fields are not overridden
type Overrides struct {
	MaxConcurrent        *int
	DelayBetweenRequests *int // ms
	RetryAttempts        *int
	BatchSize            *int
	Timeout              *int // ms
	BatchDelay           *int // ms
}

func (o Overrides) apply(c *models.CollectorConfig) {
	for _, f := range []struct {
		dst *int
		src *int
	}{
		{&c.MaxConcurrent, o.MaxConcurrent},
		{&c.DelayBetweenRequests, o.DelayBetweenRequests},
		{&c.RetryAttempts, o.RetryAttempts},
		{&c.BatchSize, o.BatchSize},
		{&c.Timeout, o.Timeout},
		{&c.BatchDelay, o.BatchDelay},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
}

// CollectOptions parameterise one run
type CollectOptions struct {
	Interval string
	Range    string
	// JobID names a job registered with the monitor. The collector marks it
	// running, reports progress and completes it.
	JobID string
}

// Result summarises a finished run
type Result struct {
	JobID    string           `json:"jobId,omitempty"`
	Total    int              `json:"total"`
	Success  int              `json:"success"`
	Failed   int              `json:"failed"`
	Batches  int              `json:"batches"`
	Errors   []string         `json:"errors"`
	Status   models.JobStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

// tally accumulates per-stock outcomes of a run from concurrent fetches
type tally struct {
	mu   sync.Mutex
	res  *Result
	done map[string]struct{}
}

func newTally(res *Result) *tally {
	return &tally{res: res, done: make(map[string]struct{}, res.Total)}
}

func (t *tally) record(stock models.StockRef, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[stock.Key()] = struct{}{}
	if err != nil {
		t.res.Failed++
		t.res.Errors = append(t.res.Errors, err.Error())
		return
	}
	t.res.Success++
}

func (t *tally) pending(stocks []models.StockRef) []models.StockRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.StockRef
	for _, s := range stocks {
		if _, ok := t.done[s.Key()]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// StockDataCollector fetches and stores market data for a list of stocks in
// paced batches. It runs one collection at a time.
type StockDataCollector struct {
	name       string
	fetcher    Fetcher
	persister  Persister
	monitor    *monitor.Monitor
	config     ConfigSource
	overrides  Overrides
	retryDelay time.Duration
	running    atomic.Bool
	log        *logger.Logger
}

// Option customises a collector
type Option func(*StockDataCollector)

// WithOverrides pins collector settings regardless of the policy
func WithOverrides(o Overrides) Option {
	return func(c *StockDataCollector) { c.overrides = o }
}

// WithRetryDelay sets the base backoff delay between fetch attempts
func WithRetryDelay(d time.Duration) Option {
	return func(c *StockDataCollector) { c.retryDelay = d }
}

// WithName labels the collector in logs
func WithName(name string) Option {
	return func(c *StockDataCollector) { c.name = name }
}

// NewStockDataCollector creates a collector. A nil config source means defaults.
func NewStockDataCollector(fetcher Fetcher, persister Persister, mon *monitor.Monitor, cfg ConfigSource, opts ...Option) *StockDataCollector {
	c := &StockDataCollector{
		name:       "default",
		fetcher:    fetcher,
		persister:  persister,
		monitor:    mon,
		config:     cfg,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.monitor == nil {
		c.monitor = monitor.New()
	}
	c.log = logger.Category("collector").WithField("collector", c.name)
	return c
}

// GetMonitor returns the monitor progress is reported to
func (c *StockDataCollector) GetMonitor() *monitor.Monitor {
	return c.monitor
}

// IsBusy reports whether a run is in flight
func (c *StockDataCollector) IsBusy() bool {
	return c.running.Load()
}

// CollectStockData runs a collection and waits for it to finish
func (c *StockDataCollector) CollectStockData(ctx context.Context, stocks []models.StockRef, opts CollectOptions) (*Result, error) {
	done, err := c.Start(ctx, stocks, opts)
	if err != nil {
		return nil, err
	}
	return <-done, nil
}

// Start claims the collector and runs the collection in the background. The
// returned channel yields the result once and is then closed. ErrBusy is
// returned synchronously when another run holds the collector; the job, if
// any, is left untouched in that case. Repeated stocks are collected once.
func (c *StockDataCollector) Start(ctx context.Context, stocks []models.StockRef, opts CollectOptions) (<-chan *Result, error) {
	out := make(chan *Result, 1)
	targets := models.UniqueStocks(stocks)
	if len(targets) == 0 {
		res := &Result{JobID: opts.JobID, Errors: []string{}, Status: models.JobStatusCompleted}
		c.finishJob(res)
		out <- res
		close(out)
		return out, nil
	}

	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	if opts.JobID != "" {
		c.monitor.MarkJobRunning(opts.JobID)
	}

	go func() {
		res := c.run(ctx, targets, opts)
		c.running.Store(false)
		c.finishJob(res)
		out <- res
		close(out)
	}()
	return out, nil
}

// finishJob moves the run's job into the monitor history
func (c *StockDataCollector) finishJob(res *Result) {
	if res.JobID == "" {
		return
	}
	c.monitor.MarkJobRunning(res.JobID)
	c.monitor.CompleteJob(res.JobID, res.Status)
}

func (c *StockDataCollector) settings() (models.CollectorConfig, models.PerformanceConfig) {
	cfg := models.DefaultCollectionConfig()
	if c.config != nil {
		cfg = c.config.GetConfig()
	}
	col := cfg.Collector
	c.overrides.apply(&col)
	if col.MaxConcurrent < 1 {
		col.MaxConcurrent = 1
	}
	if col.BatchSize < 1 {
		col.BatchSize = 1
	}
	if col.RetryAttempts < 1 {
		col.RetryAttempts = 1
	}
	if col.Timeout <= 0 {
		col.Timeout = cfg.Collector.Timeout
	}
	if col.Timeout <= 0 {
		col.Timeout = models.DefaultCollectionConfig().Collector.Timeout
	}
	return col, cfg.Performance
}

func (c *StockDataCollector) run(ctx context.Context, stocks []models.StockRef, opts CollectOptions) *Result {
	start := time.Now()
	col, perf := c.settings()
	if opts.Interval == "" {
		opts.Interval = DefaultInterval
	}
	if opts.Range == "" {
		opts.Range = DefaultRange
	}

	batches := chunk(stocks, col.BatchSize)
	res := &Result{
		JobID:   opts.JobID,
		Total:   len(stocks),
		Batches: len(batches),
		Errors:  []string{},
	}
	log := c.log.WithJob(opts.JobID)
	log.WithFields(logger.Fields{
		"stocks":         len(stocks),
		"batches":        len(batches),
		"max_concurrent": col.MaxConcurrent,
	}).Info("Starting collection")

	totalBatches := len(batches)
	c.report(opts.JobID, monitor.ProgressUpdate{TotalBatches: &totalBatches})

	batchDelay := time.Duration(col.BatchDelay) * time.Millisecond
	t := newTally(res)

	for i, batch := range batches {
		if ctx.Err() != nil {
			log.Warnf("Collection cancelled before batch %d/%d", i+1, totalBatches)
			break
		}
		current := i + 1
		c.report(opts.JobID, monitor.ProgressUpdate{CurrentBatch: &current})
		c.checkMemory(log, perf)

		failed := c.runBatch(ctx, batch, col, perf, opts, t)
		log.Infof("Batch %d/%d done: %d/%d failed", current, totalBatches, failed, len(batch))

		if perf.EnableThrottling && perf.AdaptiveThrottling && failed*2 > len(batch) {
			batchDelay = nextAdaptiveDelay(batchDelay)
			log.Warnf("High failure rate, batch delay raised to %s", batchDelay)
		}
		if current < totalBatches && perf.EnableThrottling && batchDelay > 0 {
			if !sleepCtx(ctx, batchDelay) {
				break
			}
		}
	}
	c.failUnprocessed(stocks, opts, t)

	res.Status = models.JobStatusCompleted
	if res.Failed*2 > res.Total {
		res.Status = models.JobStatusFailed
	}
	res.Duration = time.Since(start)

	log.WithFields(logger.Fields{
		"success":  res.Success,
		"failed":   res.Failed,
		"status":   res.Status,
		"duration": res.Duration.String(),
	}).Info("Collection finished")
	return res
}

// runBatch collects one batch with at most MaxConcurrent fetches in flight and
// returns the number of failures.
func (c *StockDataCollector) runBatch(ctx context.Context, batch []models.StockRef, col models.CollectorConfig, perf models.PerformanceConfig, opts CollectOptions, t *tally) int {
	var g errgroup.Group
	g.SetLimit(col.MaxConcurrent)

	delay := time.Duration(col.DelayBetweenRequests) * time.Millisecond
	var failed atomic.Int32

	for i, stock := range batch {
		if i > 0 && perf.EnableThrottling && delay > 0 {
			if !sleepCtx(ctx, delay) {
				break
			}
		}
		g.Go(func() error {
			err := c.collectOne(ctx, stock, col, opts)
			if err != nil {
				failed.Add(1)
			}
			t.record(stock, err)
			if opts.JobID != "" {
				c.monitor.RecordStockResult(opts.JobID, stock, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// failUnprocessed counts every stock the run never reached as failed, so that
// success and failed always add up to the total.
func (c *StockDataCollector) failUnprocessed(stocks []models.StockRef, opts CollectOptions, t *tally) {
	skipped := t.pending(stocks)
	if len(skipped) == 0 {
		return
	}
	c.log.WithJob(opts.JobID).Warnf("%d stocks not collected before cancellation", len(skipped))
	for _, stock := range skipped {
		err := &FetchError{Stock: stock, Err: ErrCancelled}
		t.record(stock, err)
		if opts.JobID != "" {
			c.monitor.RecordStockResult(opts.JobID, stock, err)
		}
	}
}

func (c *StockDataCollector) collectOne(ctx context.Context, stock models.StockRef, col models.CollectorConfig, opts CollectOptions) error {
	if opts.JobID != "" {
		c.monitor.RecordStockStarted(opts.JobID, stock)
	}
	log := c.log.WithJob(opts.JobID).WithFields(logger.Fields{
		logger.FieldSymbol: stock.Symbol,
		logger.FieldMarket: stock.Market,
	})

	timeout := time.Duration(col.Timeout) * time.Millisecond
	attempts := 0
	var data *models.MarketData

	err := retry.Do(
		func() error {
			attempts++
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			series, err := c.fetcher.FetchHistorical(actx, stock.Symbol, stock.Market, opts.Interval, opts.Range)
			if err != nil {
				return fmt.Errorf("historical: %w", err)
			}
			quote, err := c.fetcher.FetchQuote(actx, stock.Symbol, stock.Market)
			if err != nil {
				return fmt.Errorf("quote: %w", err)
			}
			data = &models.MarketData{
				Stock:       stock,
				Quote:       quote,
				Series:      series,
				CollectedAt: time.Now(),
			}
			return nil
		},
		retry.Attempts(uint(col.RetryAttempts)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("Fetch attempt %d failed", n+1)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		log.WithError(err).Warnf("Giving up after %d attempts", attempts)
		return &FetchError{Stock: stock, Attempts: attempts, Err: err}
	}

	if c.persister != nil {
		if err := c.persister.SaveMarketData(ctx, data); err != nil {
			log.WithError(err).Error("Failed to save market data")
			return &PersistenceError{Stock: stock, Err: err}
		}
	}
	log.Debug("Collected")
	return nil
}

func (c *StockDataCollector) report(jobID string, u monitor.ProgressUpdate) {
	if jobID == "" {
		return
	}
	c.monitor.UpdateJobProgress(jobID, u)
}

// checkMemory logs and triggers a GC when the heap exceeds the configured ceiling
func (c *StockDataCollector) checkMemory(log *logger.Logger, perf models.PerformanceConfig) {
	if perf.MaxMemoryUsage <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := uint64(perf.MaxMemoryUsage) * 1024 * 1024
	if ms.HeapAlloc > limit {
		log.Warnf("Heap usage %d MB exceeds limit of %d MB, forcing GC", ms.HeapAlloc/1024/1024, perf.MaxMemoryUsage)
		runtime.GC()
	}
}

func nextAdaptiveDelay(d time.Duration) time.Duration {
	if d <= 0 {
		d = time.Second
	} else {
		d *= 2
	}
	if d > maxAdaptiveDelay {
		d = maxAdaptiveDelay
	}
	return d
}

func chunk(stocks []models.StockRef, size int) [][]models.StockRef {
	batches := make([][]models.StockRef, 0, (len(stocks)+size-1)/size)
	for start := 0; start < len(stocks); start += size {
		end := start + size
		if end > len(stocks) {
			end = len(stocks)
		}
		batches = append(batches, stocks[start:end])
	}
	return batches
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
