package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"stock_research_backend/clock"
	"stock_research_backend/logger"
	"stock_research_backend/models"
	"stock_research_backend/services/collectionconfig"
	"stock_research_backend/services/collector"
	"stock_research_backend/services/monitor"
	"stock_research_backend/services/stocklist"
)

var (
	// ErrBusy is returned when the collector for a trigger is already running
	ErrBusy = collector.ErrBusy
	// ErrUnknownTrigger is returned for a trigger type other than full, update or market
	ErrUnknownTrigger = errors.New("unknown trigger type")
	// ErrMarketsRequired is returned when a market trigger names no market
	ErrMarketsRequired = errors.New("market trigger requires at least one market")
)

// CollectorFactory builds a collector with pinned settings for one market
type CollectorFactory func(name string, overrides collector.Overrides) *collector.StockDataCollector

// TriggerResult is returned as soon as a job has been accepted or rejected
type TriggerResult struct {
	JobID       string           `json:"jobId"`
	Status      models.JobStatus `json:"status"`
	TotalStocks int              `json:"totalStocks"`
}

// Status is the scheduler's own view of itself
type Status struct {
	IsRunning        bool       `json:"isRunning"`
	ActiveJobs       int        `json:"activeJobs"`
	NextScheduledRun *time.Time `json:"nextScheduledRun,omitempty"`
	LastRun          *time.Time `json:"lastRun,omitempty"`
}

// DataCollectionScheduler runs collections on a cron schedule and on demand
type DataCollectionScheduler struct {
	stocks    *stocklist.Manager
	config    *collectionconfig.Manager
	monitor   *monitor.Monitor
	collector *collector.StockDataCollector
	factory   CollectorFactory
	clock     clock.Clock
	pruners   []HistoryPruner
	log       *logger.Logger

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	loopDone   chan struct{}
	reschedule chan struct{}
	nextRun    *time.Time
	lastRun    *time.Time

	marketMu         sync.Mutex
	marketCollectors map[string]*collector.StockDataCollector

	maintenance      *gocron.Scheduler
	maintenanceHours int

	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

// Option customises the scheduler
type Option func(*DataCollectionScheduler)

// WithClock sets the time source of the schedule loop
func WithClock(c clock.Clock) Option {
	return func(s *DataCollectionScheduler) { s.clock = c }
}

// WithCollectorFactory enables dedicated collectors for markets that pin maxConcurrent
func WithCollectorFactory(f CollectorFactory) Option {
	return func(s *DataCollectionScheduler) { s.factory = f }
}

// WithHistoryPruner adds a persisted history store cleaned by maintenance
func WithHistoryPruner(p HistoryPruner) Option {
	return func(s *DataCollectionScheduler) { s.pruners = append(s.pruners, p) }
}

// New wires a scheduler. It does not start the loop.
func New(stocks *stocklist.Manager, cfg *collectionconfig.Manager, mon *monitor.Monitor, col *collector.StockDataCollector, opts ...Option) *DataCollectionScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &DataCollectionScheduler{
		stocks:           stocks,
		config:           cfg,
		monitor:          mon,
		collector:        col,
		clock:            clock.Real(),
		log:              logger.Category("scheduler"),
		reschedule:       make(chan struct{}, 1),
		marketCollectors: make(map[string]*collector.StockDataCollector),
		baseCtx:          ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	cfg.OnChange(s.onConfigChange)
	return s
}

// Start begins the schedule loop and maintenance. Calling it twice is a no-op.
func (s *DataCollectionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	// config changes made while stopped are picked up by the first iteration
	select {
	case <-s.reschedule:
	default:
	}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopCh, s.loopDone)
	s.startMaintenance()

	s.log.Infof("Collection scheduler started (schedule %q)", s.config.GetConfig().ScheduleInterval)
}

// Stop ends the schedule loop. In-flight runs are left to finish.
func (s *DataCollectionScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	s.stopMaintenance()
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.nextRun = nil
	s.mu.Unlock()
	s.monitor.SetNextScheduledRun(nil)
	s.log.Info("Collection scheduler stopped")
}

// Shutdown stops the loop, cancels in-flight runs and waits for them or ctx
func (s *DataCollectionScheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DataCollectionScheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		cfg := s.config.GetConfig()
		sched, err := ParseSchedule(cfg.ScheduleInterval)
		if err != nil {
			s.log.WithError(err).Error("Falling back to default schedule")
			sched, _ = ParseSchedule(models.DefaultCollectionConfig().ScheduleInterval)
		}

		now := s.clock.Now()
		next := sched.Next(now)
		s.setNextRun(next)

		select {
		case <-stop:
			return
		case <-s.reschedule:
			s.log.Debug("Schedule changed, recomputing next run")
			continue
		case <-s.clock.After(next.Sub(now)):
		}

		if !s.config.GetConfig().Enabled {
			s.log.Info("Collection disabled, skipping scheduled run")
			continue
		}
		res, err := s.launch(models.JobTypeScheduled, models.JobModeFull, nil)
		if err != nil {
			s.log.WithError(err).Warn("Scheduled run not started")
			continue
		}
		s.log.WithJob(res.JobID).Infof("Scheduled run started with %d stocks", res.TotalStocks)
	}
}

func (s *DataCollectionScheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = &t
	s.mu.Unlock()
	s.monitor.SetNextScheduledRun(&t)
}

func (s *DataCollectionScheduler) onConfigChange(cfg models.CollectionConfig) {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && cfg.Performance.CleanupInterval != s.maintenanceHours {
		s.stopMaintenance()
		s.startMaintenance()
	}
}

// RunNow starts a manual full collection
func (s *DataCollectionScheduler) RunNow(ctx context.Context) (TriggerResult, error) {
	return s.TriggerCollection(ctx, string(models.JobModeFull), nil)
}

// TriggerCollection starts an on-demand run. triggerType is full, update or market.
// The run itself outlives ctx; only Shutdown cancels it.
func (s *DataCollectionScheduler) TriggerCollection(ctx context.Context, triggerType string, markets []string) (TriggerResult, error) {
	if err := ctx.Err(); err != nil {
		return TriggerResult{}, err
	}
	mode, ok := models.ParseJobMode(strings.ToLower(strings.TrimSpace(triggerType)))
	if !ok {
		return TriggerResult{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, triggerType)
	}
	jobType := models.JobTypeManual
	if mode == models.JobModeMarket {
		jobType = models.JobTypeMarket
	}
	return s.launch(jobType, mode, markets)
}

func (s *DataCollectionScheduler) launch(jobType models.JobType, mode models.JobMode, markets []string) (TriggerResult, error) {
	cfg := s.config.GetConfig()
	markets = normalizeMarkets(markets)

	targets, err := s.resolveTargets(cfg, mode, markets)
	if err != nil {
		return TriggerResult{}, err
	}

	now := s.clock.Now()
	job := &models.CollectionJob{
		ID:          uuid.NewString(),
		Type:        jobType,
		Mode:        mode,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		Stocks:      targets,
		TotalStocks: len(targets),
		Errors:      []string{},
	}
	s.monitor.StartJob(job)
	log := s.log.WithJob(job.ID)

	if len(targets) == 0 {
		log.Infof("No stocks to collect for %s/%s run", jobType, mode)
	}

	// The collector drives the job from here: running, progress and completion.
	col := s.collectorFor(cfg, mode, markets)
	done, err := col.Start(s.baseCtx, targets, collector.CollectOptions{JobID: job.ID})
	if err != nil {
		log.WithError(err).Warn("Collector busy, rejecting job")
		s.monitor.UpdateJobProgress(job.ID, monitor.ProgressUpdate{Errors: []string{err.Error()}})
		s.monitor.CompleteJob(job.ID, models.JobStatusFailed)
		return TriggerResult{JobID: job.ID, Status: models.JobStatusFailed, TotalStocks: len(targets)}, err
	}
	if len(targets) == 0 {
		<-done
		return TriggerResult{JobID: job.ID, Status: models.JobStatusCompleted}, nil
	}

	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		<-done
	}()

	return TriggerResult{JobID: job.ID, Status: models.JobStatusRunning, TotalStocks: len(targets)}, nil
}

// resolveTargets picks the stocks of a run, excluding markets disabled by the
// policy and repeated stocks. Stocks are ordered by the policy priority of
// their market, falling back to the market file priority.
func (s *DataCollectionScheduler) resolveTargets(cfg models.CollectionConfig, mode models.JobMode, markets []string) ([]models.StockRef, error) {
	var targets []models.StockRef

	switch mode {
	case models.JobModeFull:
		if len(markets) == 0 {
			targets = s.stocks.GetAllStocks()
		} else {
			targets = s.stocksFor(markets)
		}

	case models.JobModeUpdate:
		if len(markets) == 0 {
			markets = marketsOf(s.stocks.GetAllStocks())
		}
		for _, market := range markets {
			maxAge := float64(cfg.UpdateIntervalFor(market))
			targets = append(targets, s.stocks.FilterNeedingUpdate(s.stocks.GetStocksByMarket(market), maxAge)...)
		}

	case models.JobModeMarket:
		if len(markets) == 0 {
			return nil, ErrMarketsRequired
		}
		targets = s.stocksFor(markets)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, mode)
	}

	out := make([]models.StockRef, 0, len(targets))
	for _, st := range models.UniqueStocks(targets) {
		if cfg.MarketEnabled(st.Market) {
			out = append(out, st)
		}
	}
	cfg.ApplyPriorities(out)
	stocklist.SortByPriority(out)
	return out, nil
}

// marketsOf lists the distinct markets of stocks in first-seen order
func marketsOf(stocks []models.StockRef) []string {
	var out []string
	seen := make(map[string]bool)
	for _, st := range stocks {
		if !seen[st.Market] {
			seen[st.Market] = true
			out = append(out, st.Market)
		}
	}
	return out
}

func (s *DataCollectionScheduler) stocksFor(markets []string) []models.StockRef {
	var out []models.StockRef
	for _, market := range markets {
		out = append(out, s.stocks.GetStocksByMarket(market)...)
	}
	return out
}

// collectorFor returns a dedicated collector when a single-market job targets a
// market that pins maxConcurrent, otherwise the shared one.
func (s *DataCollectionScheduler) collectorFor(cfg models.CollectionConfig, mode models.JobMode, markets []string) *collector.StockDataCollector {
	if s.factory == nil || mode != models.JobModeMarket || len(markets) != 1 {
		return s.collector
	}
	mc, ok := cfg.Markets[markets[0]]
	if !ok || mc.MaxConcurrent == nil {
		return s.collector
	}

	key := fmt.Sprintf("%s/%d", markets[0], *mc.MaxConcurrent)
	s.marketMu.Lock()
	defer s.marketMu.Unlock()
	if c, ok := s.marketCollectors[key]; ok {
		return c
	}
	limit := *mc.MaxConcurrent
	c := s.factory(markets[0], collector.Overrides{MaxConcurrent: &limit})
	s.marketCollectors[key] = c
	return c
}

// GetStatus reports whether the loop is running and when it fires next
func (s *DataCollectionScheduler) GetStatus() Status {
	s.mu.Lock()
	st := Status{IsRunning: s.running}
	if s.nextRun != nil {
		next := *s.nextRun
		st.NextScheduledRun = &next
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	s.mu.Unlock()

	st.ActiveJobs = len(s.monitor.GetActiveJobs())
	return st
}

func (s *DataCollectionScheduler) GetAllJobs() []*models.CollectionJob {
	return s.monitor.GetAllJobs()
}

func (s *DataCollectionScheduler) GetActiveJobs() []*models.CollectionJob {
	return s.monitor.GetActiveJobs()
}

func (s *DataCollectionScheduler) GetJobStatus(jobID string) (*models.CollectionJob, bool) {
	return s.monitor.GetJob(jobID)
}

func (s *DataCollectionScheduler) GetConfigManager() *collectionconfig.Manager {
	return s.config
}

func (s *DataCollectionScheduler) GetStockListManager() *stocklist.Manager {
	return s.stocks
}

func (s *DataCollectionScheduler) GetMonitor() *monitor.Monitor {
	return s.monitor
}

func normalizeMarkets(markets []string) []string {
	out := make([]string, 0, len(markets))
	seen := make(map[string]bool, len(markets))
	for _, m := range markets {
		code := strings.ToUpper(strings.TrimSpace(m))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
