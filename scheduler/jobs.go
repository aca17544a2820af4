package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
)

// HistoryPruner removes persisted job history older than a cutoff
type HistoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// startMaintenance schedules history cleanup every cleanupInterval hours
func (s *DataCollectionScheduler) startMaintenance() {
	hours := s.config.GetConfig().Performance.CleanupInterval
	if hours <= 0 {
		hours = 24
	}

	cron := gocron.NewScheduler(time.UTC)
	if _, err := cron.Every(hours).Hours().WaitForSchedule().Do(func() {
		s.RunMaintenance(context.Background())
	}); err != nil {
		s.log.WithError(err).Error("Failed to schedule maintenance")
		return
	}
	cron.StartAsync()

	s.maintenance = cron
	s.maintenanceHours = hours
	s.log.Infof("Maintenance scheduled every %d hours", hours)
}

func (s *DataCollectionScheduler) stopMaintenance() {
	if s.maintenance != nil {
		s.maintenance.Stop()
		s.maintenance = nil
	}
}

// RunMaintenance prunes completed jobs and persisted history older than the
// retention window.
func (s *DataCollectionScheduler) RunMaintenance(ctx context.Context) {
	cfg := s.config.GetConfig()
	retention := time.Duration(cfg.Monitoring.MaxLogRetention) * 24 * time.Hour
	cutoff := s.clock.Now().Add(-retention)

	pruned := s.monitor.PruneCompletedJobs(cutoff)
	s.log.Infof("Pruned %d completed jobs older than %s", pruned, cutoff.Format(time.RFC3339))

	for _, p := range s.pruners {
		n, err := p.Prune(ctx, cutoff)
		if err != nil {
			s.log.WithError(err).Warn("Failed to prune job history")
			continue
		}
		if n > 0 {
			s.log.Infof("Pruned %d persisted history records", n)
		}
	}
}
