package service

import (
	"context"
	"errors"
	"fmt"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/crmapi"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"

	"github.com/google/uuid"
)

// RemoteDeleter is the remote delete operation, satisfied by crmapi.Client
type RemoteDeleter interface {
	Delete(ctx context.Context, entityType crm.EntityType, id string) error
}

// RecordService applies local mutations and feeds the change queue. Every
// accepted create or update produces exactly one outbound sync task.
type RecordService struct {
	records *repository.RecordRepository
	tasks   *repository.TaskRepository
	remote  RemoteDeleter
}

// NewRecordService creates a new record service
func NewRecordService(records *repository.RecordRepository, tasks *repository.TaskRepository, remote RemoteDeleter) *RecordService {
	return &RecordService{records: records, tasks: tasks, remote: remote}
}

// Create validates and stores a new local record and enqueues its outbound create
func (s *RecordService) Create(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet) (*repository.LocalRecord, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("record must have at least one field")
	}
	if err := crm.ValidateFields(entityType, fields); err != nil {
		return nil, err
	}
	fields = crm.NormalizeFields(fields)

	record, err := s.records.Create(ctx, entityType, fields)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	if _, err := s.tasks.Enqueue(ctx, repository.EnqueueTaskRequest{
		Direction:  repository.DirectionOutbound,
		EntityType: entityType,
		EntityID:   record.ID.String(),
		Payload:    fields,
	}); err != nil {
		return nil, fmt.Errorf("enqueue outbound create: %w", err)
	}
	return record, nil
}

// Update validates and applies a local edit and enqueues its outbound push.
// The task carries the remote version the edit is based on, which is what
// the engine later compares against to detect concurrent remote edits.
func (s *RecordService) Update(ctx context.Context, id uuid.UUID, changed crm.FieldSet) (*repository.LocalRecord, error) {
	if len(changed) == 0 {
		return nil, fmt.Errorf("update must change at least one field")
	}

	existing, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := crm.ValidateFields(existing.EntityType, changed); err != nil {
		return nil, err
	}
	changed = crm.NormalizeFields(changed)

	record, err := s.records.ApplyLocalEdit(ctx, id, changed)
	if err != nil {
		return nil, fmt.Errorf("apply local edit: %w", err)
	}

	if _, err := s.tasks.Enqueue(ctx, repository.EnqueueTaskRequest{
		Direction:   repository.DirectionOutbound,
		EntityType:  record.EntityType,
		EntityID:    record.ID.String(),
		Payload:     changed,
		BaseVersion: existing.BaseRemoteVersion,
	}); err != nil {
		return nil, fmt.Errorf("enqueue outbound update: %w", err)
	}
	return record, nil
}

// Get retrieves a local record
func (s *RecordService) Get(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
	return s.records.GetByID(ctx, id)
}

// List retrieves local records of one type
func (s *RecordService) List(ctx context.Context, entityType crm.EntityType, limit, offset int32) ([]repository.LocalRecord, error) {
	return s.records.List(ctx, entityType, limit, offset)
}

// Delete removes a record locally and best-effort deletes it remotely.
// A remote record that is already gone counts as success.
func (s *RecordService) Delete(ctx context.Context, id uuid.UUID) error {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if record.RemoteID != nil {
		if err := s.remote.Delete(ctx, record.EntityType, *record.RemoteID); err != nil &&
			!errors.Is(err, crmapi.ErrRemoteNotFound) {
			logger.Warn().Err(err).
				Str("entity_type", string(record.EntityType)).
				Str("remote_id", *record.RemoteID).
				Msg("remote delete failed, local record kept")
			return fmt.Errorf("delete remote record: %w", err)
		}
	}

	return s.records.Delete(ctx, id)
}
