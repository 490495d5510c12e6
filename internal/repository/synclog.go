package repository

import (
	"context"
	"errors"
	"time"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// SyncOutcome classifies a completed sync attempt
type SyncOutcome string

const (
	OutcomeApplied  SyncOutcome = "applied"
	OutcomeConflict SyncOutcome = "conflict"
	OutcomeError    SyncOutcome = "error"
)

// SyncLogEntry is one append-only line in the sync audit trail
type SyncLogEntry struct {
	ID                 uuid.UUID      `json:"id"`
	TaskID             *uuid.UUID     `json:"task_id,omitempty"`
	Direction          TaskDirection  `json:"direction"`
	EntityType         crm.EntityType `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	Outcome            SyncOutcome    `json:"outcome"`
	ConflictResolution *string        `json:"conflict_resolution,omitempty"`
	RemoteVersion      *time.Time     `json:"remote_version,omitempty"`
	LocalVersion       *time.Time     `json:"local_version,omitempty"`
	Detail             *string        `json:"detail,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// AppendLogRequest holds parameters for appending a sync log entry
type AppendLogRequest struct {
	TaskID             *uuid.UUID
	Direction          TaskDirection
	EntityType         crm.EntityType
	EntityID           string
	Outcome            SyncOutcome
	ConflictResolution *string
	RemoteVersion      *time.Time
	LocalVersion       *time.Time
	Detail             *string
}

// SyncLogRepository handles the append-only sync audit trail
type SyncLogRepository struct {
	db DBTX
}

// NewSyncLogRepository creates a new sync log repository
func NewSyncLogRepository(db DBTX) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

const syncLogColumns = `id, task_id, direction, entity_type, entity_id, outcome,
	conflict_resolution, remote_version, local_version, detail, created_at`

func scanSyncLogEntry(row pgx.Row) (*SyncLogEntry, error) {
	var (
		id                 pgtype.UUID
		taskID             pgtype.UUID
		entry              SyncLogEntry
		direction          string
		entityType         string
		outcome            string
		conflictResolution pgtype.Text
		remoteVersion      pgtype.Timestamptz
		localVersion       pgtype.Timestamptz
		detail             pgtype.Text
		createdAt          pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &taskID, &direction, &entityType, &entry.EntityID, &outcome,
		&conflictResolution, &remoteVersion, &localVersion, &detail, &createdAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	entry.ID = pgUUIDToUUID(id)
	if taskID.Valid {
		t := pgUUIDToUUID(taskID)
		entry.TaskID = &t
	}
	entry.Direction = TaskDirection(direction)
	entry.EntityType = crm.EntityType(entityType)
	entry.Outcome = SyncOutcome(outcome)
	entry.ConflictResolution = pgTextToString(conflictResolution)
	entry.RemoteVersion = pgTimestamptzToTime(remoteVersion)
	entry.LocalVersion = pgTimestamptzToTime(localVersion)
	entry.Detail = pgTextToString(detail)
	if t := pgTimestamptzToTime(createdAt); t != nil {
		entry.CreatedAt = *t
	}
	return &entry, nil
}

// Append writes one log entry. Entries are never updated or deleted except by pruning.
func (r *SyncLogRepository) Append(ctx context.Context, req AppendLogRequest) (*SyncLogEntry, error) {
	var taskID pgtype.UUID
	if req.TaskID != nil {
		taskID = uuidToPgUUID(*req.TaskID)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO sync_log_entries (
			task_id, direction, entity_type, entity_id, outcome,
			conflict_resolution, remote_version, local_version, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+syncLogColumns,
		taskID, string(req.Direction), string(req.EntityType), req.EntityID,
		string(req.Outcome), stringToPgText(req.ConflictResolution),
		timeToPgTimestamptz(req.RemoteVersion), timeToPgTimestamptz(req.LocalVersion),
		stringToPgText(req.Detail))
	return scanSyncLogEntry(row)
}

// List retrieves log entries newest first, optionally filtered by entity
func (r *SyncLogRepository) List(ctx context.Context, entityType *crm.EntityType, entityID *string, limit, offset int32) ([]SyncLogEntry, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_log_entries`
	args := []any{}
	switch {
	case entityType != nil && entityID != nil:
		query += ` WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, string(*entityType), *entityID, limit, offset)
	case entityType != nil:
		query += ` WHERE entity_type = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, string(*entityType), limit, offset)
	default:
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		entry, err := scanSyncLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Prune deletes log entries older than the retention cutoff
func (r *SyncLogRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sync_log_entries WHERE created_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
