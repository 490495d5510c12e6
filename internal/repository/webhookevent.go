package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// WebhookEventRepository tracks delivered webhook events for replay
// protection. Rows only need to outlive the signature acceptance window,
// with margin; the scheduler prunes them.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new webhook event repository
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record inserts an event and reports whether it was seen for the first
// time. A duplicate delivery returns false with no error.
func (r *WebhookEventRepository) Record(ctx context.Context, eventID, signature string, payload []byte, receivedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, signature, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, signature, payload,
		pgtype.Timestamptz{Time: receivedAt, Valid: true})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Prune deletes events older than the retention window
func (r *WebhookEventRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
