// Package scheduler runs the periodic maintenance jobs: incremental sync
// polls and pruning of bounded-retention tables.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"
	"dealer-intel/backend/internal/service"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner and the jobs it drives
type Scheduler struct {
	cfg         *config.Config
	cron        *cron.Cron
	syncService *service.SyncService
	tasks       *repository.TaskRepository
	logs        *repository.SyncLogRepository
	events      *repository.WebhookEventRepository
}

// NewScheduler creates a scheduler
func NewScheduler(
	cfg *config.Config,
	syncService *service.SyncService,
	tasks *repository.TaskRepository,
	logs *repository.SyncLogRepository,
	events *repository.WebhookEventRepository,
) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		cron:        cron.New(),
		syncService: syncService,
		tasks:       tasks,
		logs:        logs,
		events:      events,
	}
}

// Start registers and launches the periodic jobs
func (s *Scheduler) Start() error {
	pollSpec := fmt.Sprintf("@every %s", s.cfg.Sync.PollInterval)
	if _, err := s.cron.AddFunc(pollSpec, s.runIncrementalSync); err != nil {
		return fmt.Errorf("schedule incremental sync: %w", err)
	}

	// Hourly housekeeping of bounded-retention tables
	if _, err := s.cron.AddFunc("@hourly", s.runPruning); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}

	s.cron.Start()
	logger.Info().Str("poll_interval", s.cfg.Sync.PollInterval.String()).Msg("scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runIncrementalSync() {
	ctx := context.Background()
	enqueued, err := s.syncService.TriggerIncrementalSync(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("scheduled incremental sync failed")
		return
	}
	if enqueued > 0 {
		logger.Info().Int("enqueued", enqueued).Msg("scheduled incremental sync enqueued tasks")
	}
}

func (s *Scheduler) runPruning() {
	ctx := context.Background()
	now := time.Now()

	if n, err := s.events.Prune(ctx, now.Add(-s.cfg.Sync.ReplayWindow)); err != nil {
		logger.Error().Err(err).Msg("webhook event pruning failed")
	} else if n > 0 {
		logger.Info().Int64("pruned", n).Msg("pruned webhook events")
	}

	if n, err := s.tasks.PruneCompleted(ctx, now.Add(-s.cfg.Sync.TaskRetention)); err != nil {
		logger.Error().Err(err).Msg("completed task pruning failed")
	} else if n > 0 {
		logger.Info().Int64("pruned", n).Msg("pruned completed sync tasks")
	}

	// Audit entries follow the same retention as the tasks they describe
	if n, err := s.logs.Prune(ctx, now.Add(-s.cfg.Sync.TaskRetention)); err != nil {
		logger.Error().Err(err).Msg("sync log pruning failed")
	} else if n > 0 {
		logger.Info().Int64("pruned", n).Msg("pruned sync log entries")
	}
}
