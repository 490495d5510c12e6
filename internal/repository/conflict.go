package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ConflictStatus is the review state of a detected conflict
type ConflictStatus string

const (
	ConflictStatusOpen         ConflictStatus = "open"
	ConflictStatusResolved     ConflictStatus = "resolved"
	ConflictStatusAcknowledged ConflictStatus = "acknowledged"
)

// ResolutionStrategy names which resolver rule decided a conflict
type ResolutionStrategy string

const (
	ResolutionMerged            ResolutionStrategy = "merged"
	ResolutionLastWriterWins    ResolutionStrategy = "last_writer_wins"
	ResolutionRemoteWinsFlagged ResolutionStrategy = "remote_wins_flagged"
)

// Conflict records a concurrent-edit collision. Both sides' values are
// retained so an operator can review what the automatic resolution chose,
// and what it discarded.
type Conflict struct {
	ID                 uuid.UUID          `json:"id"`
	EntityType         crm.EntityType     `json:"entity_type"`
	EntityID           string             `json:"entity_id"`
	LocalValue         crm.FieldSet       `json:"local_value"`
	RemoteValue        crm.FieldSet       `json:"remote_value"`
	LocalUpdatedAt     *time.Time         `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt    *time.Time         `json:"remote_updated_at,omitempty"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy"`
	ResolvedValue      crm.FieldSet       `json:"resolved_value,omitempty"`
	ResolvedBy         *string            `json:"resolved_by,omitempty"`
	Status             ConflictStatus     `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
}

// CreateConflictRequest holds parameters for recording a conflict
type CreateConflictRequest struct {
	EntityType         crm.EntityType
	EntityID           string
	LocalValue         crm.FieldSet
	RemoteValue        crm.FieldSet
	LocalUpdatedAt     *time.Time
	RemoteUpdatedAt    *time.Time
	ResolutionStrategy ResolutionStrategy
	ResolvedValue      crm.FieldSet // nil when the conflict stays open for review
	Status             ConflictStatus
}

// ConflictRepository handles conflict persistence
type ConflictRepository struct {
	db DBTX
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db DBTX) *ConflictRepository {
	return &ConflictRepository{db: db}
}

const conflictColumns = `id, entity_type, entity_id, local_value, remote_value,
	local_updated_at, remote_updated_at, resolution_strategy, resolved_value,
	resolved_by, status, created_at, resolved_at`

func scanConflict(row pgx.Row) (*Conflict, error) {
	var (
		id              pgtype.UUID
		c               Conflict
		entityType      string
		localValue      []byte
		remoteValue     []byte
		localUpdatedAt  pgtype.Timestamptz
		remoteUpdatedAt pgtype.Timestamptz
		strategy        string
		resolvedValue   []byte
		resolvedBy      pgtype.Text
		status          string
		createdAt       pgtype.Timestamptz
		resolvedAt      pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &entityType, &c.EntityID, &localValue, &remoteValue,
		&localUpdatedAt, &remoteUpdatedAt, &strategy, &resolvedValue,
		&resolvedBy, &status, &createdAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	c.ID = pgUUIDToUUID(id)
	c.EntityType = crm.EntityType(entityType)
	c.LocalUpdatedAt = pgTimestamptzToTime(localUpdatedAt)
	c.RemoteUpdatedAt = pgTimestamptzToTime(remoteUpdatedAt)
	c.ResolutionStrategy = ResolutionStrategy(strategy)
	c.ResolvedBy = pgTextToString(resolvedBy)
	c.Status = ConflictStatus(status)
	c.ResolvedAt = pgTimestamptzToTime(resolvedAt)
	if t := pgTimestamptzToTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	if len(localValue) > 0 {
		_ = json.Unmarshal(localValue, &c.LocalValue)
	}
	if len(remoteValue) > 0 {
		_ = json.Unmarshal(remoteValue, &c.RemoteValue)
	}
	if len(resolvedValue) > 0 {
		_ = json.Unmarshal(resolvedValue, &c.ResolvedValue)
	}
	return &c, nil
}

// Create records a conflict. Auto-resolved conflicts arrive with status
// resolved and a resolved value; rule-3 conflicts arrive open.
func (r *ConflictRepository) Create(ctx context.Context, req CreateConflictRequest) (*Conflict, error) {
	localValue, err := json.Marshal(req.LocalValue)
	if err != nil {
		return nil, err
	}
	remoteValue, err := json.Marshal(req.RemoteValue)
	if err != nil {
		return nil, err
	}
	var resolvedValue []byte
	if req.ResolvedValue != nil {
		if resolvedValue, err = json.Marshal(req.ResolvedValue); err != nil {
			return nil, err
		}
	}
	var resolvedAt pgtype.Timestamptz
	if req.Status == ConflictStatusResolved {
		resolvedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO conflicts (
			entity_type, entity_id, local_value, remote_value,
			local_updated_at, remote_updated_at, resolution_strategy,
			resolved_value, status, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+conflictColumns,
		string(req.EntityType), req.EntityID, localValue, remoteValue,
		timeToPgTimestamptz(req.LocalUpdatedAt), timeToPgTimestamptz(req.RemoteUpdatedAt),
		string(req.ResolutionStrategy), resolvedValue, string(req.Status), resolvedAt)
	return scanConflict(row)
}

// GetByID retrieves a conflict by UUID
func (r *ConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, uuidToPgUUID(id))
	return scanConflict(row)
}

// ListOpen retrieves conflicts awaiting operator review, oldest first
func (r *ConflictRepository) ListOpen(ctx context.Context, limit, offset int32) ([]Conflict, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE status = 'open'
		 ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// Acknowledge closes an open conflict after operator review. Acknowledging
// does not re-apply values; the operator issues a fresh edit if the
// automatic outcome was wrong.
func (r *ConflictRepository) Acknowledge(ctx context.Context, id uuid.UUID, resolvedBy string) (*Conflict, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE conflicts SET status = 'acknowledged', resolved_by = $2, resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING `+conflictColumns,
		uuidToPgUUID(id), resolvedBy)
	return scanConflict(row)
}
