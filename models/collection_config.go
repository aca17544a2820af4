package models

// CollectorConfig bounds a single collection run
type CollectorConfig struct {
	MaxConcurrent        int `json:"maxConcurrent"`
	DelayBetweenRequests int `json:"delayBetweenRequests"` // ms
	RetryAttempts        int `json:"retryAttempts"`
	BatchSize            int `json:"batchSize"`
	Timeout              int `json:"timeout"`    // ms, per fetch attempt
	BatchDelay           int `json:"batchDelay"` // ms
}

// MarketConfig is the per-market policy
type MarketConfig struct {
	Enabled        bool `json:"enabled"`
	Priority       int  `json:"priority"`
	UpdateInterval *int `json:"updateInterval,omitempty"` // hours
	MaxConcurrent  *int `json:"maxConcurrent,omitempty"`
}

// MonitoringConfig controls status refresh and logging
type MonitoringConfig struct {
	Enabled         bool   `json:"enabled"`
	RefreshInterval int    `json:"refreshInterval"` // ms
	LogLevel        string `json:"logLevel"`
	MaxLogRetention int    `json:"maxLogRetention"` // days
}

// PerformanceConfig holds throttling and housekeeping knobs
type PerformanceConfig struct {
	EnableThrottling   bool `json:"enableThrottling"`
	AdaptiveThrottling bool `json:"adaptiveThrottling"`
	MaxMemoryUsage     int  `json:"maxMemoryUsage"`  // MB
	CleanupInterval    int  `json:"cleanupInterval"` // hours
}

// CollectionConfig is the runtime policy document
type CollectionConfig struct {
	Enabled          bool                    `json:"enabled"`
	AutoStart        bool                    `json:"autoStart"`
	ScheduleInterval string                  `json:"scheduleInterval"` // cron expression
	UpdateInterval   int                     `json:"updateInterval"`   // hours
	MaxAgeHours      int                     `json:"maxAgeHours"`
	Collector        CollectorConfig         `json:"collector"`
	Markets          map[string]MarketConfig `json:"markets"`
	Monitoring       MonitoringConfig        `json:"monitoring"`
	Performance      PerformanceConfig       `json:"performance"`
}

// DefaultCollectionConfig returns the built-in policy
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		Enabled:          true,
		AutoStart:        false,
		ScheduleInterval: "0 */6 * * *",
		UpdateInterval:   6,
		MaxAgeHours:      24,
		Collector: CollectorConfig{
			MaxConcurrent:        5,
			DelayBetweenRequests: 200,
			RetryAttempts:        3,
			BatchSize:            50,
			Timeout:              30000,
			BatchDelay:           2000,
		},
		Markets: map[string]MarketConfig{
			"TW": {Enabled: true, Priority: 1},
			"US": {Enabled: true, Priority: 2},
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			RefreshInterval: 5000,
			LogLevel:        "info",
			MaxLogRetention: 7,
		},
		Performance: PerformanceConfig{
			EnableThrottling:   true,
			AdaptiveThrottling: false,
			MaxMemoryUsage:     512,
			CleanupInterval:    24,
		},
	}
}

// Clone returns a deep copy; the markets map and optional fields are not shared
func (c CollectionConfig) Clone() CollectionConfig {
	out := c
	if c.Markets != nil {
		out.Markets = make(map[string]MarketConfig, len(c.Markets))
		for code, m := range c.Markets {
			out.Markets[code] = m.clone()
		}
	}
	return out
}

func (m MarketConfig) clone() MarketConfig {
	out := m
	if m.UpdateInterval != nil {
		v := *m.UpdateInterval
		out.UpdateInterval = &v
	}
	if m.MaxConcurrent != nil {
		v := *m.MaxConcurrent
		out.MaxConcurrent = &v
	}
	return out
}

// MarketEnabled reports whether collection is allowed for a market. Markets
// without an explicit policy entry are allowed.
func (c CollectionConfig) MarketEnabled(code string) bool {
	m, ok := c.Markets[code]
	return !ok || m.Enabled
}

// UpdateIntervalFor returns the staleness threshold in hours for a market: its
// own updateInterval when set, otherwise the global one.
func (c CollectionConfig) UpdateIntervalFor(code string) int {
	if m, ok := c.Markets[code]; ok && m.UpdateInterval != nil {
		return *m.UpdateInterval
	}
	return c.UpdateInterval
}

// ApplyPriorities replaces the priority of every stock whose market has a
// policy entry. Stocks of other markets keep the market file priority.
func (c CollectionConfig) ApplyPriorities(stocks []StockRef) {
	for i := range stocks {
		if m, ok := c.Markets[stocks[i].Market]; ok {
			stocks[i].Priority = m.Priority
		}
	}
}
