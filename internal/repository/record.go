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

// LocalRecord is the local copy of a CRM entity. RemoteID is nil until the
// record has been created on the remote side. DirtyFields lists field names
// changed locally since the last successful push, and BaseRemoteVersion is
// the remote lastModified the current local state was derived from.
type LocalRecord struct {
	ID                uuid.UUID      `json:"id"`
	EntityType        crm.EntityType `json:"entity_type"`
	RemoteID          *string        `json:"remote_id,omitempty"`
	Fields            crm.FieldSet   `json:"fields"`
	DirtyFields       []string       `json:"dirty_fields,omitempty"`
	BaseRemoteVersion *time.Time     `json:"base_remote_version,omitempty"`
	LocalUpdatedAt    time.Time      `json:"local_updated_at"`
	SyncedAt          *time.Time     `json:"synced_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RecordRepository handles local record persistence
type RecordRepository struct {
	db DBTX
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db DBTX) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `id, entity_type, remote_id, fields, dirty_fields,
	base_remote_version, local_updated_at, synced_at, created_at`

func scanRecord(row pgx.Row) (*LocalRecord, error) {
	var (
		id                pgtype.UUID
		rec               LocalRecord
		entityType        string
		remoteID          pgtype.Text
		fields            []byte
		baseRemoteVersion pgtype.Timestamptz
		localUpdatedAt    pgtype.Timestamptz
		syncedAt          pgtype.Timestamptz
		createdAt         pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &entityType, &remoteID, &fields, &rec.DirtyFields,
		&baseRemoteVersion, &localUpdatedAt, &syncedAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	rec.ID = pgUUIDToUUID(id)
	rec.EntityType = crm.EntityType(entityType)
	rec.RemoteID = pgTextToString(remoteID)
	rec.BaseRemoteVersion = pgTimestamptzToTime(baseRemoteVersion)
	rec.SyncedAt = pgTimestamptzToTime(syncedAt)
	if t := pgTimestamptzToTime(localUpdatedAt); t != nil {
		rec.LocalUpdatedAt = *t
	}
	if t := pgTimestamptzToTime(createdAt); t != nil {
		rec.CreatedAt = *t
	}
	if len(fields) > 0 {
		var fs crm.FieldSet
		if err := json.Unmarshal(fields, &fs); err == nil {
			rec.Fields = fs
		}
	}
	return &rec, nil
}

// Create inserts a new local record with every field marked dirty
func (r *RecordRepository) Create(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet) (*LocalRecord, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO records (entity_type, fields, dirty_fields, local_updated_at)
		VALUES ($1, $2, $3, now())
		RETURNING `+recordColumns,
		string(entityType), payload, fields.Names())
	return scanRecord(row)
}

// GetByID retrieves a record by local UUID
func (r *RecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*LocalRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, uuidToPgUUID(id))
	return scanRecord(row)
}

// GetByRemoteID retrieves a record by its remote identifier
func (r *RecordRepository) GetByRemoteID(ctx context.Context, entityType crm.EntityType, remoteID string) (*LocalRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = $1 AND remote_id = $2`,
		string(entityType), remoteID)
	return scanRecord(row)
}

// List retrieves records of one type, most recently updated first
func (r *RecordRepository) List(ctx context.Context, entityType crm.EntityType, limit, offset int32) ([]LocalRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = $1
		 ORDER BY local_updated_at DESC LIMIT $2 OFFSET $3`,
		string(entityType), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ListDirty retrieves records with unpushed local edits
func (r *RecordRepository) ListDirty(ctx context.Context, limit int32) ([]LocalRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE cardinality(dirty_fields) > 0
		 ORDER BY local_updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ApplyLocalEdit merges changed fields into the record and extends the dirty set
func (r *RecordRepository) ApplyLocalEdit(ctx context.Context, id uuid.UUID, changed crm.FieldSet) (*LocalRecord, error) {
	payload, err := json.Marshal(changed)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		UPDATE records SET
			fields = fields || $2::jsonb,
			dirty_fields = (
				SELECT array_agg(DISTINCT f)
				FROM unnest(dirty_fields || $3::text[]) AS f
			),
			local_updated_at = now()
		WHERE id = $1
		RETURNING `+recordColumns,
		uuidToPgUUID(id), payload, changed.Names())
	return scanRecord(row)
}

// ApplyRemoteState replaces the record's fields with the merged post-sync
// state, clears the dirty set, and advances the remote version watermark.
func (r *RecordRepository) ApplyRemoteState(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*LocalRecord, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		UPDATE records SET
			fields = $2,
			dirty_fields = '{}',
			base_remote_version = $3,
			synced_at = now()
		WHERE id = $1
		RETURNING `+recordColumns,
		uuidToPgUUID(id), payload,
		pgtype.Timestamptz{Time: remoteVersion, Valid: true})
	return scanRecord(row)
}

// MergeRemoteFields overlays remote fields while preserving the dirty set,
// used when an inbound update touches only fields without local edits.
func (r *RecordRepository) MergeRemoteFields(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*LocalRecord, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		UPDATE records SET
			fields = fields || $2::jsonb,
			base_remote_version = $3,
			synced_at = now()
		WHERE id = $1
		RETURNING `+recordColumns,
		uuidToPgUUID(id), payload,
		pgtype.Timestamptz{Time: remoteVersion, Valid: true})
	return scanRecord(row)
}

// BindRemoteID attaches the remote identifier assigned on first create
func (r *RecordRepository) BindRemoteID(ctx context.Context, id uuid.UUID, remoteID string, remoteVersion time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE records SET
			remote_id = $2,
			dirty_fields = '{}',
			base_remote_version = $3,
			synced_at = now()
		WHERE id = $1`,
		uuidToPgUUID(id), remoteID,
		pgtype.Timestamptz{Time: remoteVersion, Valid: true})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// UpsertFromRemote creates or updates a record straight from remote state,
// used by full and incremental pulls for records with no local edits.
func (r *RecordRepository) UpsertFromRemote(ctx context.Context, entityType crm.EntityType, remoteID string, fields crm.FieldSet, remoteVersion time.Time) (*LocalRecord, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO records (entity_type, remote_id, fields, dirty_fields, base_remote_version, local_updated_at, synced_at)
		VALUES ($1, $2, $3, '{}', $4, now(), now())
		ON CONFLICT (entity_type, remote_id) DO UPDATE SET
			fields = records.fields || EXCLUDED.fields,
			base_remote_version = EXCLUDED.base_remote_version,
			synced_at = now()
		RETURNING `+recordColumns,
		string(entityType), remoteID, payload,
		pgtype.Timestamptz{Time: remoteVersion, Valid: true})
	return scanRecord(row)
}

// Delete removes a local record
func (r *RecordRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM records WHERE id = $1`, uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}
