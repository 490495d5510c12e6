package repository

import (
	"context"
	"errors"
	"time"

	"dealer-intel/backend/internal/crm"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// SyncCursorRepository persists the per-entity-type incremental sync
// watermark: the remote lastModified up to which changes have been pulled.
type SyncCursorRepository struct {
	db DBTX
}

// NewSyncCursorRepository creates a new sync cursor repository
func NewSyncCursorRepository(db DBTX) *SyncCursorRepository {
	return &SyncCursorRepository{db: db}
}

// Get returns the watermark for an entity type, or the zero time when no
// incremental sync has run yet.
func (r *SyncCursorRepository) Get(ctx context.Context, entityType crm.EntityType) (time.Time, error) {
	var since pgtype.Timestamptz
	err := r.db.QueryRow(ctx,
		`SELECT last_synced_at FROM sync_cursors WHERE entity_type = $1`,
		string(entityType)).Scan(&since)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !since.Valid {
		return time.Time{}, nil
	}
	return since.Time, nil
}

// Advance moves the watermark forward. A watermark never moves backward, so
// overlapping pulls after a crash re-deliver rather than skip changes.
func (r *SyncCursorRepository) Advance(ctx context.Context, entityType crm.EntityType, to time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sync_cursors (entity_type, last_synced_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (entity_type) DO UPDATE SET
			last_synced_at = GREATEST(sync_cursors.last_synced_at, EXCLUDED.last_synced_at),
			updated_at = now()`,
		string(entityType), pgtype.Timestamptz{Time: to, Valid: true})
	return err
}
