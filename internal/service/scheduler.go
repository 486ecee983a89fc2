package service

import (
	"context"
	"time"

	"smsrelay/internal/constants"
	"smsrelay/internal/metrics"

	"github.com/sirupsen/logrus"
)

// TaskPurger deletes finished tasks
type TaskPurger interface {
	PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Scheduler periodically removes SUCCEEDED, FAILED and CANCELLED tasks that
// finished more than retentionDays ago
type Scheduler struct {
	purger        TaskPurger
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
	now           func() time.Time
}

func NewScheduler(purger TaskPurger, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHour
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	return &Scheduler{
		purger:        purger,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled cleanup")

	deleted, err := s.purger.PurgeFinished(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup finished tasks")
		return
	}
	metrics.AddToCounter(metrics.CleanupDeleted, float64(deleted), nil, "Finished tasks removed by the cleanup scheduler")
	s.logger.WithField(LogFieldCount, deleted).Info("Successfully completed cleanup")
}
