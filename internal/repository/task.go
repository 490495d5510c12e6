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

// TaskDirection indicates which store a sync task propagates toward
type TaskDirection string

const (
	DirectionOutbound TaskDirection = "outbound"
	DirectionInbound  TaskDirection = "inbound"
)

// TaskStatus is the lifecycle state of a sync task
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusInFlight     TaskStatus = "in_flight"
	TaskStatusDone         TaskStatus = "done"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// SyncTask is one pending (or completed) sync operation in the change queue.
// LaneID is the serialization key: tasks sharing a lane are processed one at
// a time, in enqueue order, regardless of direction.
type SyncTask struct {
	ID            uuid.UUID      `json:"id"`
	Direction     TaskDirection  `json:"direction"`
	EntityType    crm.EntityType `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	LaneID        string         `json:"lane_id"`
	Payload       crm.FieldSet   `json:"payload"`
	BaseVersion   *time.Time     `json:"base_version,omitempty"`
	RemoteVersion *time.Time     `json:"remote_version,omitempty"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	Status        TaskStatus     `json:"status"`
	LastError     *string        `json:"last_error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// EnqueueTaskRequest holds parameters for enqueueing a sync task
type EnqueueTaskRequest struct {
	Direction     TaskDirection
	EntityType    crm.EntityType
	EntityID      string
	Payload       crm.FieldSet
	BaseVersion   *time.Time // outbound: remote version the local edit is based on
	RemoteVersion *time.Time // inbound: the remote lastModified carried by the event
}

// TaskRepository is the durable change queue
type TaskRepository struct {
	db DBTX
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db DBTX) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, direction, entity_type, entity_id, lane_id, payload, base_version, remote_version,
	attempts, next_attempt_at, status, last_error, enqueued_at, completed_at`

func scanTask(row pgx.Row) (*SyncTask, error) {
	var (
		id            pgtype.UUID
		task          SyncTask
		direction     string
		entityType    string
		payload       []byte
		baseVersion   pgtype.Timestamptz
		remoteVersion pgtype.Timestamptz
		nextAttemptAt pgtype.Timestamptz
		status        string
		lastError     pgtype.Text
		enqueuedAt    pgtype.Timestamptz
		completedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &direction, &entityType, &task.EntityID, &task.LaneID, &payload,
		&baseVersion, &remoteVersion, &task.Attempts, &nextAttemptAt,
		&status, &lastError, &enqueuedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	task.ID = pgUUIDToUUID(id)
	task.Direction = TaskDirection(direction)
	task.EntityType = crm.EntityType(entityType)
	task.Status = TaskStatus(status)
	task.BaseVersion = pgTimestamptzToTime(baseVersion)
	task.RemoteVersion = pgTimestamptzToTime(remoteVersion)
	task.LastError = pgTextToString(lastError)
	task.CompletedAt = pgTimestamptzToTime(completedAt)
	if t := pgTimestamptzToTime(nextAttemptAt); t != nil {
		task.NextAttemptAt = *t
	}
	if t := pgTimestamptzToTime(enqueuedAt); t != nil {
		task.EnqueuedAt = *t
	}
	if len(payload) > 0 {
		var fields crm.FieldSet
		if err := json.Unmarshal(payload, &fields); err == nil {
			task.Payload = fields
		}
	}
	return &task, nil
}

// Enqueue inserts a pending task, immediately eligible for processing.
// Outbound tasks carry the local record UUID as entity_id; inbound tasks
// carry the remote id. The lane is resolved to the local record UUID when
// the remote id is already bound, so both directions serialize on the same
// key for the same underlying record.
func (r *TaskRepository) Enqueue(ctx context.Context, req EnqueueTaskRequest) (*SyncTask, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO sync_tasks (
			direction, entity_type, entity_id, lane_id, payload, base_version, remote_version,
			attempts, next_attempt_at, status
		) VALUES (
			$1, $2, $3,
			CASE WHEN $1 = 'inbound' THEN COALESCE(
				(SELECT r.id::text FROM records r
				 WHERE r.entity_type = $2 AND r.remote_id = $3), $3)
			ELSE $3 END,
			$4, $5, $6, 0, now(), 'pending')
		RETURNING `+taskColumns,
		string(req.Direction), string(req.EntityType), req.EntityID, payload,
		timeToPgTimestamptz(req.BaseVersion), timeToPgTimestamptz(req.RemoteVersion))
	return scanTask(row)
}

// DequeueReady claims the oldest ready task and marks it in-flight.
// A task is ready when next_attempt_at has passed AND no earlier live task
// exists in the same (entity_type, lane_id) lane, which keeps same-record
// tasks strictly ordered. Ties on enqueued_at break on id so two tasks
// inserted in the same transaction still form a total order.
// Returns db.ErrNotFound when nothing is ready.
func (r *TaskRepository) DequeueReady(ctx context.Context, now time.Time) (*SyncTask, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE sync_tasks SET status = 'in_flight'
		WHERE id = (
			SELECT t.id FROM sync_tasks t
			WHERE t.status = 'pending'
			  AND t.next_attempt_at <= $1
			  AND NOT EXISTS (
				SELECT 1 FROM sync_tasks earlier
				WHERE earlier.entity_type = t.entity_type
				  AND earlier.lane_id = t.lane_id
				  AND earlier.status IN ('pending', 'in_flight')
				  AND (earlier.enqueued_at < t.enqueued_at
					OR (earlier.enqueued_at = t.enqueued_at AND earlier.id < t.id))
			  )
			ORDER BY t.enqueued_at, t.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		pgtype.Timestamptz{Time: now, Valid: true})
	return scanTask(row)
}

// Complete marks a task done
func (r *TaskRepository) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_tasks SET status = 'done', completed_at = now(), last_error = NULL
		WHERE id = $1`, uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// Reschedule returns a task to pending with a future attempt time
func (r *TaskRepository) Reschedule(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_tasks SET
			status = 'pending',
			attempts = attempts + 1,
			next_attempt_at = $2,
			last_error = $3
		WHERE id = $1`,
		uuidToPgUUID(id), pgtype.Timestamptz{Time: nextAttemptAt, Valid: true}, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// DeadLetter terminally fails a task, retaining the reason for inspection
func (r *TaskRepository) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_tasks SET
			status = 'dead_lettered',
			attempts = attempts + 1,
			completed_at = now(),
			last_error = $2
		WHERE id = $1`,
		uuidToPgUUID(id), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// RequeueStuck returns in-flight tasks to pending. Run at startup so tasks
// claimed by a crashed worker are not lost.
func (r *TaskRepository) RequeueStuck(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_tasks SET status = 'pending', next_attempt_at = now()
		WHERE status = 'in_flight'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetByID retrieves a task by UUID
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*SyncTask, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, uuidToPgUUID(id))
	return scanTask(row)
}

// List retrieves tasks, optionally filtered by status, newest first
func (r *TaskRepository) List(ctx context.Context, status *TaskStatus, limit, offset int32) ([]SyncTask, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+taskColumns+` FROM sync_tasks WHERE status = $1
			 ORDER BY enqueued_at DESC LIMIT $2 OFFSET $3`,
			string(*status), limit, offset)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+taskColumns+` FROM sync_tasks
			 ORDER BY enqueued_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []SyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// CountReady returns the number of tasks eligible for processing
func (r *TaskRepository) CountReady(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM sync_tasks
		WHERE status = 'pending' AND next_attempt_at <= $1`,
		pgtype.Timestamptz{Time: now, Valid: true}).Scan(&count)
	return count, err
}

// PruneCompleted deletes done tasks older than the retention window.
// Dead-lettered tasks are kept until an operator clears them.
func (r *TaskRepository) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM sync_tasks
		WHERE status = 'done' AND completed_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
