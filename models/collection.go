package models

import "time"

// JobType says what started a collection job
type JobType string

const (
	JobTypeScheduled JobType = "scheduled"
	JobTypeManual    JobType = "manual"
	JobTypeMarket    JobType = "market"
)

// JobMode says how the target stocks of a job were chosen
type JobMode string

const (
	JobModeFull   JobMode = "full"
	JobModeUpdate JobMode = "update"
	JobModeMarket JobMode = "market"
)

// ParseJobMode converts a trigger type string to a JobMode
func ParseJobMode(s string) (JobMode, bool) {
	switch JobMode(s) {
	case JobModeFull, JobModeUpdate, JobModeMarket:
		return JobMode(s), true
	}
	return "", false
}

// JobStatus is the lifecycle state of a collection job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobProgress tracks per-job counters. Completed counts successful stocks.
type JobProgress struct {
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	CurrentBatch int `json:"currentBatch"`
	TotalBatches int `json:"totalBatches"`
}

// CollectionJob is one execution of data collection over a set of stocks
type CollectionJob struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	Mode        JobMode     `json:"mode,omitempty"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   time.Time   `json:"startedAt"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
	Stocks      []StockRef  `json:"stocks"`
	TotalStocks int         `json:"totalStocks"`
	Progress    JobProgress `json:"progress"`
	Errors      []string    `json:"errors"`
}

// Clone returns a deep copy of the job
func (j *CollectionJob) Clone() *CollectionJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Stocks = append([]StockRef(nil), j.Stocks...)
	c.Errors = append([]string{}, j.Errors...)
	if j.EndedAt != nil {
		ended := *j.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// Processed returns the number of stocks with a final outcome
func (j *CollectionJob) Processed() int {
	return j.Progress.Completed + j.Progress.Failed
}

// Duration returns the wall time of a finished job
func (j *CollectionJob) Duration() time.Duration {
	if j.EndedAt == nil || j.StartedAt.IsZero() {
		return 0
	}
	return j.EndedAt.Sub(j.StartedAt)
}

// SystemHealth is the qualitative rollup of recent job outcomes
type SystemHealth string

const (
	HealthHealthy SystemHealth = "healthy"
	HealthWarning SystemHealth = "warning"
	HealthError   SystemHealth = "error"
)

// PerformanceStats are rolling aggregates over retained completed jobs
type PerformanceStats struct {
	TotalStocksProcessed  int     `json:"totalStocksProcessed"`
	AverageSuccessRate    float64 `json:"averageSuccessRate"`    // percent over the recent window
	AverageProcessingTime float64 `json:"averageProcessingTime"` // milliseconds per job
}

// SystemStatus is derived from the monitor registry on every read
type SystemStatus struct {
	IsCollecting bool             `json:"isCollecting"`
	ActiveJobs   int              `json:"activeJobs"`
	TotalJobs    int              `json:"totalJobs"`
	SystemHealth SystemHealth     `json:"systemHealth"`
	LastUpdate   time.Time        `json:"lastUpdate"`
	Performance  PerformanceStats `json:"performance"`
}

// JobProgressView is the per-job progress read model
type JobProgressView struct {
	JobID            string    `json:"jobId"`
	Status           JobStatus `json:"status"`
	TotalStocks      int       `json:"totalStocks"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	CurrentBatch     int       `json:"currentBatch"`
	TotalBatches     int       `json:"totalBatches"`
	Percent          float64   `json:"percent"`
	ElapsedMs        int64     `json:"elapsedMs"`
	EstimatedTotalMs int64     `json:"estimatedTotalMs,omitempty"`
}

// MarketProgress aggregates stock outcomes for one market
type MarketProgress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Success    int     `json:"success"`
	Failed     int     `json:"failed"`
	InProgress int     `json:"inProgress"`
	Pending    int     `json:"pending"`
	Progress   float64 `json:"progress"` // percent
}

// DetailedStats is the monitor's full statistics view
type DetailedStats struct {
	ActiveJobs            int                       `json:"activeJobs"`
	CompletedJobs         int                       `json:"completedJobs"`
	SuccessfulJobs        int                       `json:"successfulJobs"`
	FailedJobs            int                       `json:"failedJobs"`
	TotalStocksProcessed  int                       `json:"totalStocksProcessed"`
	TotalSuccess          int                       `json:"totalSuccess"`
	TotalFailed           int                       `json:"totalFailed"`
	AverageSuccessRate    float64                   `json:"averageSuccessRate"`
	AverageProcessingTime float64                   `json:"averageProcessingTime"`
	JobsByType            map[JobType]int           `json:"jobsByType"`
	RecentErrors          []string                  `json:"recentErrors"`
	LastCompletedAt       *time.Time                `json:"lastCompletedAt,omitempty"`
	NextScheduledRun      *time.Time                `json:"nextScheduledRun,omitempty"`
	SystemHealth          SystemHealth              `json:"systemHealth"`
	Markets               map[string]MarketProgress `json:"markets"`
}
