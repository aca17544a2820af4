package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"stock_research_backend/clock"
	"stock_research_backend/logger"
	"stock_research_backend/models"
)

const (
	// DefaultHistorySize is the number of completed jobs retained in memory
	DefaultHistorySize = 100

	healthWindow       = 10
	errorFailureRate   = 50.0
	warningSuccessRate = 90.0
	stallAfter         = 10 * time.Minute
	overdueAfter       = 5 * time.Minute
	maxRecentErrors    = 20
)

// HistorySink receives every job that leaves the active set
type HistorySink interface {
	SaveJob(ctx context.Context, job *models.CollectionJob) error
}

// ProgressUpdate merges into a job's progress; nil fields are left unchanged
type ProgressUpdate struct {
	Completed    *int
	Failed       *int
	CurrentBatch *int
	TotalBatches *int
	Errors       []string // appended
}

type stockState int

const (
	stockPending stockState = iota
	stockInProgress
	stockSucceeded
	stockFailed
)

type activeJob struct {
	job          *models.CollectionJob
	stocks       map[string]stockState
	markets      map[string]string // stock key -> market
	lastProgress time.Time
}

type completedJob struct {
	job     *models.CollectionJob
	markets map[string]models.MarketProgress
}

// Monitor tracks collection jobs and derives system health from them
type Monitor struct {
	mu          sync.RWMutex
	clock       clock.Clock
	active      map[string]*activeJob
	completed   []completedJob // oldest first
	historySize int
	nextRun     *time.Time
	sinks       []HistorySink
	log         *logger.Logger
}

// Option customises a Monitor
type Option func(*Monitor)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithHistorySize overrides the completed-job retention
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithHistorySink adds a sink notified on job completion
func WithHistorySink(s HistorySink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, s) }
}

// New creates an empty monitor
func New(opts ...Option) *Monitor {
	m := &Monitor{
		clock:       clock.Real(),
		active:      make(map[string]*activeJob),
		historySize: DefaultHistorySize,
		log:         logger.Category("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJob registers a job as active. Registering an existing id replaces it.
func (m *Monitor) StartJob(job *models.CollectionJob) {
	if job == nil || job.ID == "" {
		return
	}
	now := m.clock.Now()

	j := job.Clone()
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.Stocks = models.UniqueStocks(j.Stocks)
	if j.TotalStocks == 0 || len(j.Stocks) > 0 {
		j.TotalStocks = len(j.Stocks)
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}

	state := &activeJob{
		job:          j,
		stocks:       make(map[string]stockState, len(j.Stocks)),
		markets:      make(map[string]string, len(j.Stocks)),
		lastProgress: now,
	}
	for _, s := range j.Stocks {
		state.stocks[s.Key()] = stockPending
		state.markets[s.Key()] = s.Market
	}

	m.mu.Lock()
	if _, exists := m.active[j.ID]; exists {
		m.log.WithJob(j.ID).Warn("Job registered twice, replacing previous state")
	}
	m.active[j.ID] = state
	m.mu.Unlock()

	m.log.WithJob(j.ID).WithFields(logger.Fields{"type": j.Type, "stocks": j.TotalStocks}).Info("Job registered")
}

// MarkJobRunning moves a pending job to running
func (m *Monitor) MarkJobRunning(jobID string) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.active[jobID]
	if !ok || state.job.Status != models.JobStatusPending {
		return
	}
	state.job.Status = models.JobStatusRunning
	state.job.StartedAt = now
	state.lastProgress = now
}

// UpdateJobProgress merges counters into an active job. Unknown ids are ignored.
func (m *Monitor) UpdateJobProgress(jobID string, u ProgressUpdate) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.active[jobID]
	if !ok {
		return
	}
	p := &state.job.Progress
	if u.TotalBatches != nil {
		p.TotalBatches = *u.TotalBatches
	}
	if u.CurrentBatch != nil {
		p.CurrentBatch = *u.CurrentBatch
	}
	if u.Completed != nil {
		p.Completed = *u.Completed
	}
	if u.Failed != nil {
		p.Failed = *u.Failed
	}
	state.job.Errors = append(state.job.Errors, u.Errors...)
	clampProgress(state.job)
	state.lastProgress = now
}

// RecordStockStarted marks a stock as being fetched
func (m *Monitor) RecordStockStarted(jobID string, stock models.StockRef) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.active[jobID]
	if !ok {
		return
	}
	key := stock.Key()
	if cur, seen := state.stocks[key]; seen && cur >= stockSucceeded {
		return
	}
	state.stocks[key] = stockInProgress
	state.markets[key] = stock.Market
	state.lastProgress = now
}

// RecordStockResult records the final outcome of one stock. A nil err counts as
// success. Each stock is counted once.
func (m *Monitor) RecordStockResult(jobID string, stock models.StockRef, err error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.active[jobID]
	if !ok {
		return
	}
	key := stock.Key()
	if cur, seen := state.stocks[key]; seen && cur >= stockSucceeded {
		return
	}
	state.markets[key] = stock.Market
	if err != nil {
		state.stocks[key] = stockFailed
		state.job.Progress.Failed++
		state.job.Errors = append(state.job.Errors, err.Error())
	} else {
		state.stocks[key] = stockSucceeded
		state.job.Progress.Completed++
	}
	clampProgress(state.job)
	state.lastProgress = now
}

// CompleteJob moves a job into the completed history. A non-terminal status is
// recorded as completed. Unknown ids are ignored.
func (m *Monitor) CompleteJob(jobID string, status models.JobStatus) {
	if !status.IsTerminal() {
		status = models.JobStatusCompleted
	}
	now := m.clock.Now()

	m.mu.Lock()
	state, ok := m.active[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, jobID)

	job := state.job
	job.Status = status
	if job.StartedAt.IsZero() {
		job.StartedAt = job.CreatedAt
	}
	ended := now
	job.EndedAt = &ended

	m.completed = append(m.completed, completedJob{job: job, markets: state.marketProgress()})
	if over := len(m.completed) - m.historySize; over > 0 {
		m.completed = append([]completedJob(nil), m.completed[over:]...)
	}
	sinks := m.sinks
	snapshot := job.Clone()
	m.mu.Unlock()

	m.log.WithJob(jobID).WithFields(logger.Fields{
		"status":    status,
		"completed": snapshot.Progress.Completed,
		"failed":    snapshot.Progress.Failed,
		"duration":  snapshot.Duration().String(),
	}).Info("Job finished")

	for _, sink := range sinks {
		if err := sink.SaveJob(context.Background(), snapshot); err != nil {
			m.log.WithJob(jobID).WithError(err).Warn("Failed to record job history")
		}
	}
}

// SetNextScheduledRun records when the scheduler will fire next; nil clears it
func (m *Monitor) SetNextScheduledRun(t *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		m.nextRun = nil
		return
	}
	next := *t
	m.nextRun = &next
}

// PruneCompletedJobs drops completed jobs that ended before cutoff and returns the count
func (m *Monitor) PruneCompletedJobs(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.completed[:0]
	removed := 0
	for _, c := range m.completed {
		if c.job.EndedAt != nil && c.job.EndedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(m.completed); i++ {
		m.completed[i] = completedJob{}
	}
	m.completed = kept
	return removed
}

// GetSystemStatus derives the current status snapshot
func (m *Monitor) GetSystemStatus() models.SystemStatus {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	collecting := false
	for _, a := range m.active {
		if !a.job.Status.IsTerminal() {
			collecting = true
			break
		}
	}

	return models.SystemStatus{
		IsCollecting: collecting,
		ActiveJobs:   len(m.active),
		TotalJobs:    len(m.active) + len(m.completed),
		SystemHealth: m.healthLocked(now),
		LastUpdate:   now,
		Performance:  m.performanceLocked(),
	}
}

func (m *Monitor) healthLocked(now time.Time) models.SystemHealth {
	successRate := m.recentSuccessRateLocked()
	if 100-successRate >= errorFailureRate {
		return models.HealthError
	}
	if successRate < warningSuccessRate {
		return models.HealthWarning
	}
	for _, a := range m.active {
		if a.job.Status == models.JobStatusRunning && now.Sub(a.lastProgress) > stallAfter {
			return models.HealthWarning
		}
	}
	if len(m.active) == 0 && m.nextRun != nil && now.Sub(*m.nextRun) > overdueAfter {
		return models.HealthWarning
	}
	return models.HealthHealthy
}

// recentSuccessRateLocked is the stock success percentage over the last
// healthWindow completed jobs; 100 when nothing was processed.
func (m *Monitor) recentSuccessRateLocked() float64 {
	start := len(m.completed) - healthWindow
	if start < 0 {
		start = 0
	}
	succeeded, processed := 0, 0
	for _, c := range m.completed[start:] {
		succeeded += c.job.Progress.Completed
		processed += c.job.Processed()
	}
	if processed == 0 {
		return 100
	}
	return float64(succeeded) / float64(processed) * 100
}

func (m *Monitor) performanceLocked() models.PerformanceStats {
	stats := models.PerformanceStats{AverageSuccessRate: m.recentSuccessRateLocked()}
	var totalMs float64
	for _, c := range m.completed {
		stats.TotalStocksProcessed += c.job.Processed()
		totalMs += float64(c.job.Duration().Milliseconds())
	}
	if len(m.completed) > 0 {
		stats.AverageProcessingTime = totalMs / float64(len(m.completed))
	}
	return stats
}

// GetActiveJobs returns copies of the active jobs, oldest first
func (m *Monitor) GetActiveJobs() []*models.CollectionJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Monitor) activeLocked() []*models.CollectionJob {
	jobs := make([]*models.CollectionJob, 0, len(m.active))
	for _, a := range m.active {
		jobs = append(jobs, a.job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// GetCompletedJobs returns copies of the retained history, newest first
func (m *Monitor) GetCompletedJobs() []*models.CollectionJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completedLocked()
}

func (m *Monitor) completedLocked() []*models.CollectionJob {
	jobs := make([]*models.CollectionJob, 0, len(m.completed))
	for i := len(m.completed) - 1; i >= 0; i-- {
		jobs = append(jobs, m.completed[i].job.Clone())
	}
	return jobs
}

// GetAllJobs returns active jobs followed by completed jobs
func (m *Monitor) GetAllJobs() []*models.CollectionJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(m.activeLocked(), m.completedLocked()...)
}

// GetJob looks a job up in the active set, then the history
func (m *Monitor) GetJob(jobID string) (*models.CollectionJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.active[jobID]; ok {
		return a.job.Clone(), true
	}
	for i := len(m.completed) - 1; i >= 0; i-- {
		if m.completed[i].job.ID == jobID {
			return m.completed[i].job.Clone(), true
		}
	}
	return nil, false
}

// GetJobProgress returns the progress view of a job
func (m *Monitor) GetJobProgress(jobID string) (*models.JobProgressView, bool) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return nil, false
	}
	now := m.clock.Now()

	view := &models.JobProgressView{
		JobID:        job.ID,
		Status:       job.Status,
		TotalStocks:  job.TotalStocks,
		Completed:    job.Progress.Completed,
		Failed:       job.Progress.Failed,
		CurrentBatch: job.Progress.CurrentBatch,
		TotalBatches: job.Progress.TotalBatches,
	}
	processed := job.Processed()
	if job.TotalStocks > 0 {
		view.Percent = float64(processed) / float64(job.TotalStocks) * 100
	} else if job.Status.IsTerminal() {
		view.Percent = 100
	}

	switch {
	case job.EndedAt != nil:
		view.ElapsedMs = job.Duration().Milliseconds()
	case !job.StartedAt.IsZero():
		view.ElapsedMs = now.Sub(job.StartedAt).Milliseconds()
	}
	if job.Status == models.JobStatusRunning && processed > 0 {
		view.EstimatedTotalMs = view.ElapsedMs * int64(job.TotalStocks) / int64(processed)
	}
	return view, true
}

// GetMarketProgress aggregates per-market stock outcomes over the active jobs, or
// over the latest completed job when nothing is active.
func (m *Monitor) GetMarketProgress() map[string]models.MarketProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marketProgressLocked()
}

func (m *Monitor) marketProgressLocked() map[string]models.MarketProgress {
	if len(m.active) == 0 {
		out := make(map[string]models.MarketProgress)
		if n := len(m.completed); n > 0 {
			for market, p := range m.completed[n-1].markets {
				out[market] = p
			}
		}
		return out
	}

	acc := make(map[string]models.MarketProgress)
	for _, a := range m.active {
		for market, p := range a.marketProgress() {
			cur := acc[market]
			cur.Total += p.Total
			cur.Success += p.Success
			cur.Failed += p.Failed
			cur.InProgress += p.InProgress
			cur.Pending += p.Pending
			acc[market] = cur
		}
	}
	for market, p := range acc {
		acc[market] = finishMarketProgress(p)
	}
	return acc
}

// GetDetailedStats returns the full statistics view
func (m *Monitor) GetDetailedStats() models.DetailedStats {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	perf := m.performanceLocked()
	stats := models.DetailedStats{
		ActiveJobs:            len(m.active),
		CompletedJobs:         len(m.completed),
		TotalStocksProcessed:  perf.TotalStocksProcessed,
		AverageSuccessRate:    perf.AverageSuccessRate,
		AverageProcessingTime: perf.AverageProcessingTime,
		JobsByType:            make(map[models.JobType]int),
		RecentErrors:          []string{},
		SystemHealth:          m.healthLocked(now),
		Markets:               m.marketProgressLocked(),
	}

	for _, a := range m.active {
		stats.JobsByType[a.job.Type]++
		stats.RecentErrors = appendRecent(stats.RecentErrors, a.job.Errors)
	}
	for i := len(m.completed) - 1; i >= 0; i-- {
		job := m.completed[i].job
		stats.JobsByType[job.Type]++
		stats.TotalSuccess += job.Progress.Completed
		stats.TotalFailed += job.Progress.Failed
		if job.Status == models.JobStatusFailed {
			stats.FailedJobs++
		} else {
			stats.SuccessfulJobs++
		}
		stats.RecentErrors = appendRecent(stats.RecentErrors, job.Errors)
	}

	if n := len(m.completed); n > 0 {
		last := *m.completed[n-1].job.EndedAt
		stats.LastCompletedAt = &last
	}
	if m.nextRun != nil {
		next := *m.nextRun
		stats.NextScheduledRun = &next
	}
	return stats
}

// appendRecent adds errs newest first until maxRecentErrors is reached
func appendRecent(dst, errs []string) []string {
	for i := len(errs) - 1; i >= 0 && len(dst) < maxRecentErrors; i-- {
		dst = append(dst, errs[i])
	}
	return dst
}

func (a *activeJob) marketProgress() map[string]models.MarketProgress {
	out := make(map[string]models.MarketProgress)
	for key, st := range a.stocks {
		market := a.markets[key]
		p := out[market]
		p.Total++
		switch st {
		case stockPending:
			p.Pending++
		case stockInProgress:
			p.InProgress++
		case stockSucceeded:
			p.Success++
		case stockFailed:
			p.Failed++
		}
		out[market] = p
	}
	for market, p := range out {
		out[market] = finishMarketProgress(p)
	}
	return out
}

func finishMarketProgress(p models.MarketProgress) models.MarketProgress {
	p.Completed = p.Success + p.Failed
	if p.Total > 0 {
		p.Progress = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// clampProgress keeps counters non-negative and completed+failed within totalStocks
func clampProgress(job *models.CollectionJob) {
	p := &job.Progress
	if p.Completed < 0 {
		p.Completed = 0
	}
	if p.Failed < 0 {
		p.Failed = 0
	}
	if p.TotalBatches < 0 {
		p.TotalBatches = 0
	}
	if p.CurrentBatch < 0 {
		p.CurrentBatch = 0
	}
	if p.TotalBatches > 0 && p.CurrentBatch > p.TotalBatches {
		p.CurrentBatch = p.TotalBatches
	}
	if p.Completed > job.TotalStocks {
		p.Completed = job.TotalStocks
	}
	if p.Completed+p.Failed > job.TotalStocks {
		p.Failed = job.TotalStocks - p.Completed
	}
}
