package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stock_research_backend/logger"
	"stock_research_backend/models"
	"stock_research_backend/scheduler"
	"stock_research_backend/services/collectionconfig"
)

// Action names one operation of the collection control surface
type Action string

const (
	ActionStart             Action = "start"
	ActionStop              Action = "stop"
	ActionTrigger           Action = "trigger"
	ActionAddStock          Action = "addStock"
	ActionRemoveStock       Action = "removeStock"
	ActionImportStocks      Action = "importStocks"
	ActionUpdateConfig      Action = "updateConfig"
	ActionSetInterval       Action = "setInterval"
	ActionSetMarketInterval Action = "setMarketInterval"

	ActionStatus         Action = "status"
	ActionJobs           Action = "jobs"
	ActionJob            Action = "job"
	ActionProgress       Action = "progress"
	ActionMonitor        Action = "monitor"
	ActionStocks         Action = "stocks"
	ActionStats          Action = "stats"
	ActionNeedsUpdate    Action = "needsUpdate"
	ActionMarkets        Action = "markets"
	ActionConfig         Action = "config"
	ActionConfigSummary  Action = "configSummary"
	ActionValidateConfig Action = "validateConfig"
)

var mutating = map[Action]bool{
	ActionStart:             true,
	ActionStop:              true,
	ActionTrigger:           true,
	ActionAddStock:          true,
	ActionRemoveStock:       true,
	ActionImportStocks:      true,
	ActionUpdateConfig:      true,
	ActionSetInterval:       true,
	ActionSetMarketInterval: true,
}

// Mutating reports whether the action changes state and needs admin rights
func (a Action) Mutating() bool {
	return mutating[a]
}

var (
	// ErrUnknownAction is returned for an action outside the enum
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotFound is returned when a job, market or symbol does not exist
	ErrNotFound = errors.New("not found")
)

// RequestError is a malformed or incomplete request
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

func badRequest(format string, args ...interface{}) error {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

// Request carries the parameters of every action; each handler reads the
// fields it needs.
type Request struct {
	Action   Action   `json:"action" form:"action"`
	JobID    string   `json:"jobId" form:"jobId"`
	Type     string   `json:"type" form:"type"`
	Market   string   `json:"market" form:"market"`
	Markets  []string `json:"markets" form:"markets"`
	Symbol   string   `json:"symbol" form:"symbol"`
	Symbols  []string `json:"symbols" form:"symbols"`
	Interval string   `json:"interval" form:"interval"`
	Hours    *int     `json:"hours" form:"hours"`
	MaxAge   *float64 `json:"maxAge" form:"maxAge"`

	// ConfigType selects the policy section Config is merged into:
	// general (the default), collector, market, monitoring or performance.
	ConfigType string          `json:"configType" form:"configType"`
	Config     json.RawMessage `json:"config" form:"-"`
}

// Policy sections accepted by updateConfig
const (
	ConfigTypeGeneral     = "general"
	ConfigTypeCollector   = "collector"
	ConfigTypeMarket      = "market"
	ConfigTypeMonitoring  = "monitoring"
	ConfigTypePerformance = "performance"
)

type handlerFunc func(ctx context.Context, req Request) (interface{}, error)

// Service dispatches control actions to the scheduler and its managers
type Service struct {
	sched    *scheduler.DataCollectionScheduler
	handlers map[Action]handlerFunc
	log      *logger.Logger
}

// NewService builds the action table over sched
func NewService(sched *scheduler.DataCollectionScheduler) *Service {
	s := &Service{sched: sched, log: logger.Category("admin")}
	s.handlers = map[Action]handlerFunc{
		ActionStart:             s.start,
		ActionStop:              s.stop,
		ActionTrigger:           s.trigger,
		ActionAddStock:          s.addStock,
		ActionRemoveStock:       s.removeStock,
		ActionImportStocks:      s.importStocks,
		ActionUpdateConfig:      s.updateConfig,
		ActionSetInterval:       s.setInterval,
		ActionSetMarketInterval: s.setMarketInterval,

		ActionStatus:         s.status,
		ActionJobs:           s.jobs,
		ActionJob:            s.job,
		ActionProgress:       s.progress,
		ActionMonitor:        s.monitorSnapshot,
		ActionStocks:         s.stocks,
		ActionStats:          s.stats,
		ActionNeedsUpdate:    s.needsUpdate,
		ActionMarkets:        s.markets,
		ActionConfig:         s.config,
		ActionConfigSummary:  s.configSummary,
		ActionValidateConfig: s.validateConfig,
	}
	return s
}

// Handle runs one action
func (s *Service) Handle(ctx context.Context, req Request) (interface{}, error) {
	h, ok := s.handlers[req.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if req.Action.Mutating() {
		s.log.WithField("action", req.Action).Info("Control action")
	}
	return h(ctx, req)
}

func (s *Service) start(ctx context.Context, req Request) (interface{}, error) {
	s.sched.Start()
	return s.sched.GetStatus(), nil
}

func (s *Service) stop(ctx context.Context, req Request) (interface{}, error) {
	s.sched.Stop()
	return s.sched.GetStatus(), nil
}

func (s *Service) trigger(ctx context.Context, req Request) (interface{}, error) {
	triggerType := req.Type
	if triggerType == "" {
		triggerType = string(models.JobModeFull)
	}
	markets := req.Markets
	if req.Market != "" {
		markets = append(markets, req.Market)
	}

	res, err := s.sched.TriggerCollection(ctx, triggerType, markets)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTrigger), errors.Is(err, scheduler.ErrMarketsRequired):
		return nil, badRequest("%v", err)
	case err != nil:
		return res, err
	}
	return res, nil
}

func (s *Service) addStock(ctx context.Context, req Request) (interface{}, error) {
	if req.Market == "" || req.Symbol == "" {
		return nil, badRequest("market and symbol are required")
	}
	if !s.sched.GetStockListManager().AddStockToMarket(req.Market, req.Symbol) {
		return nil, badRequest("could not add %s to %s: invalid, duplicate or not saved", req.Symbol, req.Market)
	}
	return s.sched.GetStockListManager().GetStocksByMarket(req.Market), nil
}

func (s *Service) removeStock(ctx context.Context, req Request) (interface{}, error) {
	if req.Market == "" || req.Symbol == "" {
		return nil, badRequest("market and symbol are required")
	}
	if !s.sched.GetStockListManager().RemoveStockFromMarket(req.Market, req.Symbol) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, req.Symbol, req.Market)
	}
	return s.sched.GetStockListManager().GetStocksByMarket(req.Market), nil
}

func (s *Service) importStocks(ctx context.Context, req Request) (interface{}, error) {
	if req.Market == "" {
		return nil, badRequest("market is required")
	}
	if !s.sched.GetStockListManager().ImportStockList(req.Market, req.Symbols) {
		return nil, badRequest("could not import into %q: invalid market code or not saved", req.Market)
	}
	return s.sched.GetStockListManager().GetStocksByMarket(req.Market), nil
}

func (s *Service) updateConfig(ctx context.Context, req Request) (interface{}, error) {
	if len(req.Config) == 0 {
		return nil, badRequest("config is required")
	}
	mgr := s.sched.GetConfigManager()

	var err error
	switch strings.ToLower(strings.TrimSpace(req.ConfigType)) {
	case "", ConfigTypeGeneral:
		var p collectionconfig.ConfigPatch
		if err = decodeSection(req.Config, &p); err == nil {
			err = mgr.UpdateConfig(p)
		}
	case ConfigTypeCollector:
		var p collectionconfig.CollectorPatch
		if err = decodeSection(req.Config, &p); err == nil {
			err = mgr.UpdateCollectorConfig(p)
		}
	case ConfigTypeMarket:
		if req.Market == "" {
			return nil, badRequest("market is required for configType %s", ConfigTypeMarket)
		}
		var p collectionconfig.MarketPatch
		if err = decodeSection(req.Config, &p); err == nil {
			err = mgr.UpdateMarketConfig(strings.ToUpper(req.Market), p)
		}
	case ConfigTypeMonitoring:
		var p collectionconfig.MonitoringPatch
		if err = decodeSection(req.Config, &p); err == nil {
			err = mgr.UpdateMonitoringConfig(p)
		}
	case ConfigTypePerformance:
		var p collectionconfig.PerformancePatch
		if err = decodeSection(req.Config, &p); err == nil {
			err = mgr.UpdatePerformanceConfig(p)
		}
	default:
		return nil, badRequest("unknown configType %q", req.ConfigType)
	}
	if err != nil {
		return nil, err
	}
	return mgr.GetConfig(), nil
}

func decodeSection(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return badRequest("invalid config: %v", err)
	}
	return nil
}

// setInterval changes the cron schedule, the global update interval, or both.
// Both values are validated together, so a bad one leaves the other unapplied.
func (s *Service) setInterval(ctx context.Context, req Request) (interface{}, error) {
	if req.Interval == "" && req.Hours == nil {
		return nil, badRequest("interval or hours is required")
	}
	var p collectionconfig.ConfigPatch
	if req.Interval != "" {
		interval := req.Interval
		p.ScheduleInterval = &interval
	}
	p.UpdateInterval = req.Hours

	mgr := s.sched.GetConfigManager()
	if err := mgr.UpdateConfig(p); err != nil {
		return nil, err
	}
	return mgr.GetSummary(), nil
}

func (s *Service) setMarketInterval(ctx context.Context, req Request) (interface{}, error) {
	if req.Market == "" || req.Hours == nil {
		return nil, badRequest("market and hours are required")
	}
	mgr := s.sched.GetConfigManager()
	if err := mgr.SetMarketUpdateInterval(strings.ToUpper(req.Market), *req.Hours); err != nil {
		return nil, err
	}
	return mgr.GetConfig().Markets[strings.ToUpper(req.Market)], nil
}

// StatusView combines the scheduler and monitor views
type StatusView struct {
	Scheduler scheduler.Status    `json:"scheduler"`
	System    models.SystemStatus `json:"system"`
}

func (s *Service) status(ctx context.Context, req Request) (interface{}, error) {
	return StatusView{
		Scheduler: s.sched.GetStatus(),
		System:    s.sched.GetMonitor().GetSystemStatus(),
	}, nil
}

func (s *Service) jobs(ctx context.Context, req Request) (interface{}, error) {
	return s.sched.GetAllJobs(), nil
}

func (s *Service) job(ctx context.Context, req Request) (interface{}, error) {
	if req.JobID == "" {
		return nil, badRequest("jobId is required")
	}
	job, ok := s.sched.GetJobStatus(req.JobID)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, req.JobID)
	}
	return job, nil
}

func (s *Service) progress(ctx context.Context, req Request) (interface{}, error) {
	if req.JobID == "" {
		return nil, badRequest("jobId is required")
	}
	p, ok := s.sched.GetMonitor().GetJobProgress(req.JobID)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, req.JobID)
	}
	return p, nil
}

// MonitorSnapshot is what the monitor action and the status stream publish
type MonitorSnapshot struct {
	System     models.SystemStatus              `json:"system"`
	ActiveJobs []*models.CollectionJob          `json:"activeJobs"`
	Markets    map[string]models.MarketProgress `json:"markets"`
}

// Snapshot reads the current monitor state
func (s *Service) Snapshot() MonitorSnapshot {
	mon := s.sched.GetMonitor()
	return MonitorSnapshot{
		System:     mon.GetSystemStatus(),
		ActiveJobs: mon.GetActiveJobs(),
		Markets:    mon.GetMarketProgress(),
	}
}

func (s *Service) monitorSnapshot(ctx context.Context, req Request) (interface{}, error) {
	return s.Snapshot(), nil
}

func (s *Service) stocks(ctx context.Context, req Request) (interface{}, error) {
	mgr := s.sched.GetStockListManager()
	if req.Market != "" {
		return mgr.GetStocksByMarket(req.Market), nil
	}
	return mgr.GetStocksSortedByPriority(), nil
}

func (s *Service) stats(ctx context.Context, req Request) (interface{}, error) {
	return s.sched.GetMonitor().GetDetailedStats(), nil
}

func (s *Service) needsUpdate(ctx context.Context, req Request) (interface{}, error) {
	maxAge := float64(s.sched.GetConfigManager().GetConfig().MaxAgeHours)
	if req.MaxAge != nil {
		if *req.MaxAge < 0 {
			return nil, badRequest("maxAge must not be negative")
		}
		maxAge = *req.MaxAge
	}
	mgr := s.sched.GetStockListManager()
	if req.Market != "" {
		return mgr.FilterNeedingUpdate(mgr.GetStocksByMarket(req.Market), maxAge), nil
	}
	return mgr.GetStocksNeedingUpdate(maxAge), nil
}

func (s *Service) markets(ctx context.Context, req Request) (interface{}, error) {
	return s.sched.GetStockListManager().GetMarkets(), nil
}

func (s *Service) config(ctx context.Context, req Request) (interface{}, error) {
	return s.sched.GetConfigManager().GetConfig(), nil
}

func (s *Service) configSummary(ctx context.Context, req Request) (interface{}, error) {
	return s.sched.GetConfigManager().GetSummary(), nil
}

// ValidationView is the result of the validateConfig action
type ValidationView struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

func (s *Service) validateConfig(ctx context.Context, req Request) (interface{}, error) {
	view := ValidationView{Valid: true, Problems: []string{}}
	err := collectionconfig.Validate(s.sched.GetConfigManager().GetConfig())
	var cfgErr *collectionconfig.ConfigError
	if errors.As(err, &cfgErr) {
		view.Valid = false
		view.Problems = cfgErr.Problems
	}
	return view, nil
}
