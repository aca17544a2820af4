package collectionconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// DefaultConfigFile is where the collection policy is persisted
const DefaultConfigFile = "data/collection_config.json"

// ConfigError lists every problem found in a rejected configuration
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid collection config: " + strings.Join(e.Problems, "; ")
}

// ConfigPatch updates top-level fields; nil fields are left unchanged
type ConfigPatch struct {
	Enabled          *bool                  `json:"enabled,omitempty"`
	AutoStart        *bool                  `json:"autoStart,omitempty"`
	ScheduleInterval *string                `json:"scheduleInterval,omitempty"`
	UpdateInterval   *int                   `json:"updateInterval,omitempty"`
	MaxAgeHours      *int                   `json:"maxAgeHours,omitempty"`
	Collector        *CollectorPatch        `json:"collector,omitempty"`
	Markets          map[string]MarketPatch `json:"markets,omitempty"`
	Monitoring       *MonitoringPatch       `json:"monitoring,omitempty"`
	Performance      *PerformancePatch      `json:"performance,omitempty"`
}

type CollectorPatch struct {
	MaxConcurrent        *int `json:"maxConcurrent,omitempty"`
	DelayBetweenRequests *int `json:"delayBetweenRequests,omitempty"`
	RetryAttempts        *int `json:"retryAttempts,omitempty"`
	BatchSize            *int `json:"batchSize,omitempty"`
	Timeout              *int `json:"timeout,omitempty"`
	BatchDelay           *int `json:"batchDelay,omitempty"`
}

type MarketPatch struct {
	Enabled        *bool `json:"enabled,omitempty"`
	Priority       *int  `json:"priority,omitempty"`
	UpdateInterval *int  `json:"updateInterval,omitempty"`
	MaxConcurrent  *int  `json:"maxConcurrent,omitempty"`
}

type MonitoringPatch struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	RefreshInterval *int    `json:"refreshInterval,omitempty"`
	LogLevel        *string `json:"logLevel,omitempty"`
	MaxLogRetention *int    `json:"maxLogRetention,omitempty"`
}

type PerformancePatch struct {
	EnableThrottling   *bool `json:"enableThrottling,omitempty"`
	AdaptiveThrottling *bool `json:"adaptiveThrottling,omitempty"`
	MaxMemoryUsage     *int  `json:"maxMemoryUsage,omitempty"`
	CleanupInterval    *int  `json:"cleanupInterval,omitempty"`
}

// Summary is a compact view of the active policy
type Summary struct {
	Enabled          bool     `json:"enabled"`
	AutoStart        bool     `json:"autoStart"`
	ScheduleInterval string   `json:"scheduleInterval"`
	UpdateInterval   int      `json:"updateInterval"`
	MaxAgeHours      int      `json:"maxAgeHours"`
	MaxConcurrent    int      `json:"maxConcurrent"`
	BatchSize        int      `json:"batchSize"`
	RetryAttempts    int      `json:"retryAttempts"`
	EnabledMarkets   []string `json:"enabledMarkets"`
	DisabledMarkets  []string `json:"disabledMarkets"`
	LogLevel         string   `json:"logLevel"`
	Throttling       bool     `json:"throttling"`
}

// Manager holds the runtime collection policy and persists it as JSON
type Manager struct {
	mu        sync.RWMutex
	filePath  string
	config    models.CollectionConfig
	listeners []func(models.CollectionConfig)
	log       *logger.Logger
}

// NewManager loads the policy from filePath. A missing, unreadable or invalid
// file yields the defaults.
func NewManager(filePath string) *Manager {
	if filePath == "" {
		filePath = DefaultConfigFile
	}
	m := &Manager{
		filePath: filePath,
		config:   models.DefaultCollectionConfig(),
		log:      logger.Category("config"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Infof("No collection config at %s, using defaults", m.filePath)
		} else {
			m.log.WithError(err).Warnf("Failed to read collection config %s, using defaults", m.filePath)
		}
		return
	}

	cfg, err := decode(data)
	if err != nil {
		m.log.WithError(err).Warnf("Ignoring collection config %s, using defaults", m.filePath)
		return
	}
	m.config = cfg
	m.log.Infof("Loaded collection config from %s", m.filePath)
}

// decode overlays data on the defaults and validates the result
func decode(data []byte) (models.CollectionConfig, error) {
	cfg := models.DefaultCollectionConfig()
	cfg.Markets = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.CollectionConfig{}, fmt.Errorf("failed to parse collection config: %w", err)
	}
	if cfg.Markets == nil {
		cfg.Markets = models.DefaultCollectionConfig().Markets
	}
	if err := Validate(cfg); err != nil {
		return models.CollectionConfig{}, err
	}
	return cfg, nil
}

// GetConfig returns a deep copy of the active policy
func (m *Manager) GetConfig() models.CollectionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// OnChange registers fn to be called with the new policy after every accepted change
func (m *Manager) OnChange(fn func(models.CollectionConfig)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// mutate applies fn to a copy, validates it, swaps it in and persists it.
// A failed save keeps the change in memory and returns the error.
func (m *Manager) mutate(what string, fn func(cfg *models.CollectionConfig)) error {
	m.mu.Lock()
	next := m.config.Clone()
	fn(&next)
	if err := Validate(next); err != nil {
		m.mu.Unlock()
		m.log.WithError(err).Warnf("Rejected %s", what)
		return err
	}
	m.config = next
	saveErr := m.saveLocked()
	listeners := append([]func(models.CollectionConfig){}, m.listeners...)
	m.mu.Unlock()

	if saveErr != nil {
		m.log.WithError(saveErr).Errorf("Applied %s but failed to persist it", what)
	} else {
		m.log.Infof("Applied %s", what)
	}

	for _, fn := range listeners {
		fn(next.Clone())
	}
	return saveErr
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal collection config: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write collection config: %w", err)
	}
	return nil
}

// UpdateConfig merges a top-level patch
func (m *Manager) UpdateConfig(p ConfigPatch) error {
	return m.mutate("config update", func(cfg *models.CollectionConfig) {
		setBool(&cfg.Enabled, p.Enabled)
		setBool(&cfg.AutoStart, p.AutoStart)
		if p.ScheduleInterval != nil {
			cfg.ScheduleInterval = strings.TrimSpace(*p.ScheduleInterval)
		}
		setInt(&cfg.UpdateInterval, p.UpdateInterval)
		setInt(&cfg.MaxAgeHours, p.MaxAgeHours)
		if p.Collector != nil {
			applyCollector(&cfg.Collector, *p.Collector)
		}
		for code, mp := range p.Markets {
			applyMarket(cfg, code, mp)
		}
		if p.Monitoring != nil {
			applyMonitoring(&cfg.Monitoring, *p.Monitoring)
		}
		if p.Performance != nil {
			applyPerformance(&cfg.Performance, *p.Performance)
		}
	})
}

// UpdateCollectorConfig merges collector settings
func (m *Manager) UpdateCollectorConfig(p CollectorPatch) error {
	return m.mutate("collector update", func(cfg *models.CollectionConfig) {
		applyCollector(&cfg.Collector, p)
	})
}

// UpdateMarketConfig merges the policy of one market, creating it if needed
func (m *Manager) UpdateMarketConfig(code string, p MarketPatch) error {
	return m.mutate("market "+code+" update", func(cfg *models.CollectionConfig) {
		applyMarket(cfg, code, p)
	})
}

// UpdateMonitoringConfig merges monitoring settings
func (m *Manager) UpdateMonitoringConfig(p MonitoringPatch) error {
	return m.mutate("monitoring update", func(cfg *models.CollectionConfig) {
		applyMonitoring(&cfg.Monitoring, p)
	})
}

// UpdatePerformanceConfig merges performance settings
func (m *Manager) UpdatePerformanceConfig(p PerformancePatch) error {
	return m.mutate("performance update", func(cfg *models.CollectionConfig) {
		applyPerformance(&cfg.Performance, p)
	})
}

// ResetToDefault restores the built-in policy
func (m *Manager) ResetToDefault() error {
	return m.mutate("reset to defaults", func(cfg *models.CollectionConfig) {
		*cfg = models.DefaultCollectionConfig()
	})
}

// ExportConfig returns the active policy as indented JSON
func (m *Manager) ExportConfig() ([]byte, error) {
	cfg := m.GetConfig()
	return json.MarshalIndent(cfg, "", "  ")
}

// ImportConfig replaces the whole policy. Invalid input leaves the current one untouched.
func (m *Manager) ImportConfig(data []byte) error {
	cfg, err := decode(data)
	if err != nil {
		m.log.WithError(err).Warn("Rejected config import")
		return err
	}
	return m.mutate("config import", func(dst *models.CollectionConfig) {
		*dst = cfg
	})
}

// SetScheduleInterval replaces the cron expression
func (m *Manager) SetScheduleInterval(expr string) error {
	return m.UpdateConfig(ConfigPatch{ScheduleInterval: &expr})
}

// SetUpdateInterval sets the global update interval in hours
func (m *Manager) SetUpdateInterval(hours int) error {
	return m.UpdateConfig(ConfigPatch{UpdateInterval: &hours})
}

// SetMarketUpdateInterval sets a market's update interval in hours
func (m *Manager) SetMarketUpdateInterval(code string, hours int) error {
	return m.UpdateMarketConfig(code, MarketPatch{UpdateInterval: &hours})
}

// GetSummary condenses the policy for display
func (m *Manager) GetSummary() Summary {
	cfg := m.GetConfig()
	s := Summary{
		Enabled:          cfg.Enabled,
		AutoStart:        cfg.AutoStart,
		ScheduleInterval: cfg.ScheduleInterval,
		UpdateInterval:   cfg.UpdateInterval,
		MaxAgeHours:      cfg.MaxAgeHours,
		MaxConcurrent:    cfg.Collector.MaxConcurrent,
		BatchSize:        cfg.Collector.BatchSize,
		RetryAttempts:    cfg.Collector.RetryAttempts,
		EnabledMarkets:   []string{},
		DisabledMarkets:  []string{},
		LogLevel:         cfg.Monitoring.LogLevel,
		Throttling:       cfg.Performance.EnableThrottling,
	}
	for _, code := range sortedMarketCodes(cfg) {
		if cfg.Markets[code].Enabled {
			s.EnabledMarkets = append(s.EnabledMarkets, code)
		} else {
			s.DisabledMarkets = append(s.DisabledMarkets, code)
		}
	}
	return s
}

// ValidateConfig reports whether cfg is acceptable
func ValidateConfig(cfg models.CollectionConfig) bool {
	return Validate(cfg) == nil
}

// Validate returns a *ConfigError describing every problem in cfg, or nil
func Validate(cfg models.CollectionConfig) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := cron.ParseStandard(cfg.ScheduleInterval); err != nil {
		add("scheduleInterval %q is not a valid cron expression: %v", cfg.ScheduleInterval, err)
	}
	if cfg.UpdateInterval <= 0 {
		add("updateInterval must be positive")
	}
	if cfg.MaxAgeHours <= 0 {
		add("maxAgeHours must be positive")
	}

	c := cfg.Collector
	if c.MaxConcurrent < 1 {
		add("collector.maxConcurrent must be at least 1")
	}
	if c.BatchSize < 1 {
		add("collector.batchSize must be at least 1")
	}
	if c.RetryAttempts < 1 {
		add("collector.retryAttempts must be at least 1")
	}
	if c.Timeout <= 0 {
		add("collector.timeout must be positive")
	}
	if c.DelayBetweenRequests < 0 {
		add("collector.delayBetweenRequests must not be negative")
	}
	if c.BatchDelay < 0 {
		add("collector.batchDelay must not be negative")
	}

	for _, code := range sortedMarketCodes(cfg) {
		mc := cfg.Markets[code]
		if strings.TrimSpace(code) == "" {
			add("market code must not be empty")
			continue
		}
		if mc.UpdateInterval != nil && *mc.UpdateInterval <= 0 {
			add("markets.%s.updateInterval must be positive", code)
		}
		if mc.MaxConcurrent != nil && *mc.MaxConcurrent < 1 {
			add("markets.%s.maxConcurrent must be at least 1", code)
		}
	}

	if cfg.Monitoring.RefreshInterval <= 0 {
		add("monitoring.refreshInterval must be positive")
	}
	if !logger.IsValidLevel(cfg.Monitoring.LogLevel) {
		add("monitoring.logLevel %q is not a known level", cfg.Monitoring.LogLevel)
	}
	if cfg.Monitoring.MaxLogRetention <= 0 {
		add("monitoring.maxLogRetention must be positive")
	}
	if cfg.Performance.MaxMemoryUsage <= 0 {
		add("performance.maxMemoryUsage must be positive")
	}
	if cfg.Performance.CleanupInterval <= 0 {
		add("performance.cleanupInterval must be positive")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func applyCollector(c *models.CollectorConfig, p CollectorPatch) {
	setInt(&c.MaxConcurrent, p.MaxConcurrent)
	setInt(&c.DelayBetweenRequests, p.DelayBetweenRequests)
	setInt(&c.RetryAttempts, p.RetryAttempts)
	setInt(&c.BatchSize, p.BatchSize)
	setInt(&c.Timeout, p.Timeout)
	setInt(&c.BatchDelay, p.BatchDelay)
}

func applyMarket(cfg *models.CollectionConfig, code string, p MarketPatch) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if cfg.Markets == nil {
		cfg.Markets = make(map[string]models.MarketConfig)
	}
	mc, ok := cfg.Markets[code]
	if !ok {
		mc = models.MarketConfig{Enabled: true, Priority: nextPriority(cfg.Markets)}
	}
	setBool(&mc.Enabled, p.Enabled)
	setInt(&mc.Priority, p.Priority)
	if p.UpdateInterval != nil {
		v := *p.UpdateInterval
		mc.UpdateInterval = &v
	}
	if p.MaxConcurrent != nil {
		v := *p.MaxConcurrent
		mc.MaxConcurrent = &v
	}
	cfg.Markets[code] = mc
}

func applyMonitoring(mc *models.MonitoringConfig, p MonitoringPatch) {
	setBool(&mc.Enabled, p.Enabled)
	setInt(&mc.RefreshInterval, p.RefreshInterval)
	if p.LogLevel != nil {
		mc.LogLevel = strings.ToLower(strings.TrimSpace(*p.LogLevel))
	}
	setInt(&mc.MaxLogRetention, p.MaxLogRetention)
}

func applyPerformance(pc *models.PerformanceConfig, p PerformancePatch) {
	setBool(&pc.EnableThrottling, p.EnableThrottling)
	setBool(&pc.AdaptiveThrottling, p.AdaptiveThrottling)
	setInt(&pc.MaxMemoryUsage, p.MaxMemoryUsage)
	setInt(&pc.CleanupInterval, p.CleanupInterval)
}

func nextPriority(markets map[string]models.MarketConfig) int {
	next := 1
	for _, mc := range markets {
		if mc.Priority >= next {
			next = mc.Priority + 1
		}
	}
	return next
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func sortedMarketCodes(cfg models.CollectionConfig) []string {
	codes := make([]string, 0, len(cfg.Markets))
	for code := range cfg.Markets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
