package service

import (
	"context"
	"fmt"
	"time"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/crmapi"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"

	"github.com/google/uuid"
)

// listPageSize is how many remote records each list/changes call requests
const listPageSize = 200

// ChangeFeed is the remote read side used by the polling sync paths,
// satisfied by crmapi.Client and mockable in tests.
type ChangeFeed interface {
	List(ctx context.Context, entityType crm.EntityType, cursor string, limit int) (*crmapi.ChangePage, error)
	Changes(ctx context.Context, entityType crm.EntityType, since time.Time, cursor string, limit int) (*crmapi.ChangePage, error)
}

// SyncService drives poll-based synchronization and exposes the queue, log,
// and conflict state to the control API. Both full and incremental pulls
// funnel into the same change queue the webhook receiver feeds, so all
// reconciliation runs through one code path.
type SyncService struct {
	feed      ChangeFeed
	tasks     *repository.TaskRepository
	cursors   *repository.SyncCursorRepository
	logs      *repository.SyncLogRepository
	conflicts *repository.ConflictRepository
}

// NewSyncService creates a new sync service
func NewSyncService(
	feed ChangeFeed,
	tasks *repository.TaskRepository,
	cursors *repository.SyncCursorRepository,
	logs *repository.SyncLogRepository,
	conflicts *repository.ConflictRepository,
) *SyncService {
	return &SyncService{
		feed:      feed,
		tasks:     tasks,
		cursors:   cursors,
		logs:      logs,
		conflicts: conflicts,
	}
}

// TriggerFullSync pulls every record of every synced entity type and
// enqueues an inbound task per record. Returns the number of tasks enqueued.
func (s *SyncService) TriggerFullSync(ctx context.Context) (int, error) {
	total := 0
	for _, entityType := range crm.EntityTypes {
		enqueued, maxVersion, err := s.pullAll(ctx, entityType)
		total += enqueued
		if err != nil {
			return total, fmt.Errorf("full sync %s: %w", entityType, err)
		}
		if !maxVersion.IsZero() {
			if err := s.cursors.Advance(ctx, entityType, maxVersion); err != nil {
				return total, fmt.Errorf("advance cursor %s: %w", entityType, err)
			}
		}
	}
	logger.Info().Int("enqueued", total).Msg("full sync enqueued")
	return total, nil
}

// TriggerIncrementalSync pulls records changed since each entity type's
// watermark. Returns the number of tasks enqueued.
func (s *SyncService) TriggerIncrementalSync(ctx context.Context) (int, error) {
	total := 0
	for _, entityType := range crm.EntityTypes {
		since, err := s.cursors.Get(ctx, entityType)
		if err != nil {
			return total, fmt.Errorf("read cursor %s: %w", entityType, err)
		}

		enqueued, maxVersion, err := s.pullChanges(ctx, entityType, since)
		total += enqueued
		if err != nil {
			return total, fmt.Errorf("incremental sync %s: %w", entityType, err)
		}
		if !maxVersion.IsZero() {
			if err := s.cursors.Advance(ctx, entityType, maxVersion); err != nil {
				return total, fmt.Errorf("advance cursor %s: %w", entityType, err)
			}
		}
	}
	if total > 0 {
		logger.Info().Int("enqueued", total).Msg("incremental sync enqueued")
	}
	return total, nil
}

func (s *SyncService) pullAll(ctx context.Context, entityType crm.EntityType) (int, time.Time, error) {
	enqueued := 0
	var maxVersion time.Time
	cursor := ""
	for {
		page, err := s.feed.List(ctx, entityType, cursor, listPageSize)
		if err != nil {
			return enqueued, maxVersion, err
		}
		n, v, err := s.enqueuePage(ctx, entityType, page.Records)
		enqueued += n
		if v.After(maxVersion) {
			maxVersion = v
		}
		if err != nil {
			return enqueued, maxVersion, err
		}
		if page.Done || page.NextCursor == "" {
			return enqueued, maxVersion, nil
		}
		cursor = page.NextCursor
	}
}

func (s *SyncService) pullChanges(ctx context.Context, entityType crm.EntityType, since time.Time) (int, time.Time, error) {
	enqueued := 0
	var maxVersion time.Time
	cursor := ""
	for {
		page, err := s.feed.Changes(ctx, entityType, since, cursor, listPageSize)
		if err != nil {
			return enqueued, maxVersion, err
		}
		n, v, err := s.enqueuePage(ctx, entityType, page.Records)
		enqueued += n
		if v.After(maxVersion) {
			maxVersion = v
		}
		if err != nil {
			return enqueued, maxVersion, err
		}
		if page.Done || page.NextCursor == "" {
			return enqueued, maxVersion, nil
		}
		cursor = page.NextCursor
	}
}

func (s *SyncService) enqueuePage(ctx context.Context, entityType crm.EntityType, records []crmapi.RemoteRecord) (int, time.Time, error) {
	enqueued := 0
	var maxVersion time.Time
	for _, rec := range records {
		remoteVersion := rec.LastModified
		req := repository.EnqueueTaskRequest{
			Direction:  repository.DirectionInbound,
			EntityType: entityType,
			EntityID:   rec.ID,
			Payload:    rec.Fields,
		}
		if !remoteVersion.IsZero() {
			req.RemoteVersion = &remoteVersion
		}
		if _, err := s.tasks.Enqueue(ctx, req); err != nil {
			return enqueued, maxVersion, fmt.Errorf("enqueue inbound task for %s/%s: %w", entityType, rec.ID, err)
		}
		enqueued++
		if remoteVersion.After(maxVersion) {
			maxVersion = remoteVersion
		}
	}
	return enqueued, maxVersion, nil
}

// ListTasks exposes the change queue, including dead-lettered tasks
func (s *SyncService) ListTasks(ctx context.Context, status *repository.TaskStatus, limit, offset int32) ([]repository.SyncTask, error) {
	return s.tasks.List(ctx, status, limit, offset)
}

// ListLogs exposes the sync audit trail
func (s *SyncService) ListLogs(ctx context.Context, entityType *crm.EntityType, entityID *string, limit, offset int32) ([]repository.SyncLogEntry, error) {
	return s.logs.List(ctx, entityType, entityID, limit, offset)
}

// ListConflicts returns conflicts awaiting operator review
func (s *SyncService) ListConflicts(ctx context.Context, limit, offset int32) ([]repository.Conflict, error) {
	return s.conflicts.ListOpen(ctx, limit, offset)
}

// ResolveConflict acknowledges an open conflict after operator review
func (s *SyncService) ResolveConflict(ctx context.Context, id uuid.UUID, resolvedBy string) (*repository.Conflict, error) {
	return s.conflicts.Acknowledge(ctx, id, resolvedBy)
}
