package repository

import (
	"context"
	"errors"
	"time"

	"dealer-intel/backend/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Credential represents a stored OAuth credential set for one owner+environment
type Credential struct {
	ID                    uuid.UUID  `json:"id"`
	OwnerID               string     `json:"owner_id"`
	Environment           string     `json:"environment"`
	AccessTokenEncrypted  []byte     `json:"-"` // Never expose in JSON
	RefreshTokenEncrypted []byte     `json:"-"` // Never expose in JSON
	EncryptionNonce       []byte     `json:"-"` // Never expose in JSON
	InstanceURL           string     `json:"instance_url"`
	TokenType             string     `json:"token_type"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	Scopes                []string   `json:"scopes,omitempty"`
	Disconnected          bool       `json:"disconnected"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// CredentialStatus represents non-sensitive credential info for display
type CredentialStatus struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Environment  string     `json:"environment"`
	InstanceURL  string     `json:"instance_url"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	Disconnected bool       `json:"disconnected"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Status strips the sensitive fields from a credential
func (c *Credential) Status() CredentialStatus {
	return CredentialStatus{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		Environment:  c.Environment,
		InstanceURL:  c.InstanceURL,
		ExpiresAt:    c.ExpiresAt,
		Scopes:       c.Scopes,
		Disconnected: c.Disconnected,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// UpsertCredentialRequest holds parameters for creating/updating credentials
type UpsertCredentialRequest struct {
	OwnerID               string
	Environment           string
	AccessTokenEncrypted  []byte
	RefreshTokenEncrypted []byte
	EncryptionNonce       []byte
	InstanceURL           string
	TokenType             string
	ExpiresAt             *time.Time
	Scopes                []string
}

// UpdateCredentialTokensRequest holds parameters for updating tokens after a refresh
type UpdateCredentialTokensRequest struct {
	AccessTokenEncrypted  []byte
	RefreshTokenEncrypted []byte
	EncryptionNonce       []byte
	ExpiresAt             *time.Time
}

// CredentialRepository handles credential persistence
type CredentialRepository struct {
	db DBTX
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db DBTX) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, owner_id, environment, access_token_encrypted, refresh_token_encrypted,
	encryption_nonce, instance_url, token_type, expires_at, scopes, disconnected, created_at, updated_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var (
		id        pgtype.UUID
		cred      Credential
		expiresAt pgtype.Timestamptz
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &cred.OwnerID, &cred.Environment,
		&cred.AccessTokenEncrypted, &cred.RefreshTokenEncrypted, &cred.EncryptionNonce,
		&cred.InstanceURL, &cred.TokenType, &expiresAt, &cred.Scopes,
		&cred.Disconnected, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	cred.ID = pgUUIDToUUID(id)
	cred.ExpiresAt = pgTimestamptzToTime(expiresAt)
	if t := pgTimestamptzToTime(createdAt); t != nil {
		cred.CreatedAt = *t
	}
	if t := pgTimestamptzToTime(updatedAt); t != nil {
		cred.UpdatedAt = *t
	}
	return &cred, nil
}

// GetByID retrieves a credential by UUID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*Credential, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`,
		uuidToPgUUID(id))
	return scanCredential(row)
}

// GetByOwner retrieves the credential for an owner and environment
func (r *CredentialRepository) GetByOwner(ctx context.Context, ownerID, environment string) (*Credential, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_id = $1 AND environment = $2`,
		ownerID, environment)
	return scanCredential(row)
}

// List retrieves non-sensitive status info for all credentials
func (r *CredentialRepository) List(ctx context.Context) ([]CredentialStatus, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []CredentialStatus
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, cred.Status())
	}
	return statuses, rows.Err()
}

// Upsert creates or replaces the credential for an owner+environment
func (r *CredentialRepository) Upsert(ctx context.Context, req UpsertCredentialRequest) (*Credential, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO credentials (
			owner_id, environment, access_token_encrypted, refresh_token_encrypted,
			encryption_nonce, instance_url, token_type, expires_at, scopes, disconnected
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		ON CONFLICT (owner_id, environment) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			encryption_nonce = EXCLUDED.encryption_nonce,
			instance_url = EXCLUDED.instance_url,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			disconnected = false,
			updated_at = now()
		RETURNING `+credentialColumns,
		req.OwnerID, req.Environment,
		req.AccessTokenEncrypted, req.RefreshTokenEncrypted, req.EncryptionNonce,
		req.InstanceURL, req.TokenType, timeToPgTimestamptz(req.ExpiresAt), req.Scopes)
	return scanCredential(row)
}

// UpdateTokens updates only the token data for a credential after a refresh
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id uuid.UUID, req UpdateCredentialTokensRequest) (*Credential, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE credentials SET
			access_token_encrypted = $2,
			refresh_token_encrypted = $3,
			encryption_nonce = $4,
			expires_at = $5,
			updated_at = now()
		WHERE id = $1
		RETURNING `+credentialColumns,
		uuidToPgUUID(id),
		req.AccessTokenEncrypted, req.RefreshTokenEncrypted, req.EncryptionNonce,
		timeToPgTimestamptz(req.ExpiresAt))
	return scanCredential(row)
}

// MarkDisconnected flags a credential whose refresh token was rejected
func (r *CredentialRepository) MarkDisconnected(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credentials SET disconnected = true, updated_at = now() WHERE id = $1`,
		uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// Delete removes a credential by ID
func (r *CredentialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, uuidToPgUUID(id))
	return err
}
