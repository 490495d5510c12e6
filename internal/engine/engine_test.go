package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/crmapi"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Function-field mocks so each test overrides only what it needs

type mockQueue struct {
	DequeueReadyFunc func(ctx context.Context, now time.Time) (*repository.SyncTask, error)
	CompleteFunc     func(ctx context.Context, id uuid.UUID) error
	RescheduleFunc   func(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	DeadLetterFunc   func(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStuckFunc func(ctx context.Context) (int64, error)
}

func (m *mockQueue) DequeueReady(ctx context.Context, now time.Time) (*repository.SyncTask, error) {
	if m.DequeueReadyFunc != nil {
		return m.DequeueReadyFunc(ctx, now)
	}
	return nil, db.ErrNotFound
}

func (m *mockQueue) Complete(ctx context.Context, id uuid.UUID) error {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, id)
	}
	return nil
}

func (m *mockQueue) Reschedule(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	if m.RescheduleFunc != nil {
		return m.RescheduleFunc(ctx, id, nextAttemptAt, lastError)
	}
	return nil
}

func (m *mockQueue) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	if m.DeadLetterFunc != nil {
		return m.DeadLetterFunc(ctx, id, reason)
	}
	return nil
}

func (m *mockQueue) RequeueStuck(ctx context.Context) (int64, error) {
	if m.RequeueStuckFunc != nil {
		return m.RequeueStuckFunc(ctx)
	}
	return 0, nil
}

type mockRecordStore struct {
	GetByIDFunc           func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error)
	GetByRemoteIDFunc     func(ctx context.Context, entityType crm.EntityType, remoteID string) (*repository.LocalRecord, error)
	ApplyRemoteStateFunc  func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
	MergeRemoteFieldsFunc func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
	BindRemoteIDFunc      func(ctx context.Context, id uuid.UUID, remoteID string, remoteVersion time.Time) error
	UpsertFromRemoteFunc  func(ctx context.Context, entityType crm.EntityType, remoteID string, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
}

func (m *mockRecordStore) GetByID(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, db.ErrNotFound
}

func (m *mockRecordStore) GetByRemoteID(ctx context.Context, entityType crm.EntityType, remoteID string) (*repository.LocalRecord, error) {
	if m.GetByRemoteIDFunc != nil {
		return m.GetByRemoteIDFunc(ctx, entityType, remoteID)
	}
	return nil, db.ErrNotFound
}

func (m *mockRecordStore) ApplyRemoteState(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
	if m.ApplyRemoteStateFunc != nil {
		return m.ApplyRemoteStateFunc(ctx, id, fields, remoteVersion)
	}
	return &repository.LocalRecord{ID: id, Fields: fields}, nil
}

func (m *mockRecordStore) MergeRemoteFields(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
	if m.MergeRemoteFieldsFunc != nil {
		return m.MergeRemoteFieldsFunc(ctx, id, fields, remoteVersion)
	}
	return &repository.LocalRecord{ID: id, Fields: fields}, nil
}

func (m *mockRecordStore) BindRemoteID(ctx context.Context, id uuid.UUID, remoteID string, remoteVersion time.Time) error {
	if m.BindRemoteIDFunc != nil {
		return m.BindRemoteIDFunc(ctx, id, remoteID, remoteVersion)
	}
	return nil
}

func (m *mockRecordStore) UpsertFromRemote(ctx context.Context, entityType crm.EntityType, remoteID string, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
	if m.UpsertFromRemoteFunc != nil {
		return m.UpsertFromRemoteFunc(ctx, entityType, remoteID, fields, remoteVersion)
	}
	return &repository.LocalRecord{EntityType: entityType, RemoteID: &remoteID, Fields: fields}, nil
}

type mockConflictStore struct {
	CreateFunc func(ctx context.Context, req repository.CreateConflictRequest) (*repository.Conflict, error)
}

func (m *mockConflictStore) Create(ctx context.Context, req repository.CreateConflictRequest) (*repository.Conflict, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return &repository.Conflict{}, nil
}

type mockLogStore struct {
	AppendFunc func(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error)
}

func (m *mockLogStore) Append(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error) {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, req)
	}
	return &repository.SyncLogEntry{}, nil
}

type mockRemoteClient struct {
	GetFunc    func(ctx context.Context, entityType crm.EntityType, id string) (*crmapi.RemoteRecord, error)
	CreateFunc func(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error)
	UpdateFunc func(ctx context.Context, entityType crm.EntityType, id string, fields crm.FieldSet, baseVersion *time.Time, idempotencyKey string) (*crmapi.RemoteRecord, error)
}

func (m *mockRemoteClient) Get(ctx context.Context, entityType crm.EntityType, id string) (*crmapi.RemoteRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, entityType, id)
	}
	return nil, crmapi.ErrRemoteNotFound
}

func (m *mockRemoteClient) Create(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, entityType, fields, idempotencyKey)
	}
	return &crmapi.RemoteRecord{ID: "R-1", LastModified: time.Now(), Fields: fields}, nil
}

func (m *mockRemoteClient) Update(ctx context.Context, entityType crm.EntityType, id string, fields crm.FieldSet, baseVersion *time.Time, idempotencyKey string) (*crmapi.RemoteRecord, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, entityType, id, fields, baseVersion, idempotencyKey)
	}
	return &crmapi.RemoteRecord{ID: id, LastModified: time.Now(), Fields: fields}, nil
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func newTestEngine(q Queue, r RecordStore, c ConflictStore, l LogStore, rc RemoteClient) *Engine {
	e := NewEngine(config.TestConfig(), q, r, c, l, rc)
	e.rng = newTestRand()
	return e
}

// TestProcessTask_OutboundCreate verifies a record with no remote id is
// created remotely under the task's idempotency key and bound locally.
func TestProcessTask_OutboundCreate(t *testing.T) {
	localID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &repository.SyncTask{
		ID:         uuid.New(),
		Direction:  repository.DirectionOutbound,
		EntityType: crm.EntityLead,
		EntityID:   localID.String(),
		Payload:    crm.FieldSet{"last_name": "Nguyen", "company": "Acme"},
	}

	var createdKey string
	var boundRemoteID string
	var completed bool

	records := &mockRecordStore{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
			require.Equal(t, localID, id)
			return &repository.LocalRecord{
				ID:             localID,
				EntityType:     crm.EntityLead,
				Fields:         task.Payload,
				DirtyFields:    []string{"last_name", "company"},
				LocalUpdatedAt: now,
			}, nil
		},
		BindRemoteIDFunc: func(ctx context.Context, id uuid.UUID, remoteID string, remoteVersion time.Time) error {
			boundRemoteID = remoteID
			return nil
		},
	}
	client := &mockRemoteClient{
		CreateFunc: func(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error) {
			createdKey = idempotencyKey
			return &crmapi.RemoteRecord{ID: "L-900", LastModified: now, Fields: fields}, nil
		},
	}
	queue := &mockQueue{
		CompleteFunc: func(ctx context.Context, id uuid.UUID) error {
			completed = true
			return nil
		},
	}

	var logged []repository.AppendLogRequest
	logs := &mockLogStore{
		AppendFunc: func(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error) {
			logged = append(logged, req)
			return &repository.SyncLogEntry{}, nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, logs, client)
	e.ProcessTask(context.Background(), task)

	assert.Equal(t, task.ID.String(), createdKey, "create must use the task id as idempotency key")
	assert.Equal(t, "L-900", boundRemoteID)
	assert.True(t, completed)
	require.Len(t, logged, 1)
	assert.Equal(t, repository.OutcomeApplied, logged[0].Outcome)
}

// TestProcessTask_RateLimitedHonorsRetryAfter verifies a 429 reschedules the
// task at the delay the remote asked for instead of the backoff schedule.
func TestProcessTask_RateLimitedHonorsRetryAfter(t *testing.T) {
	localID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &repository.SyncTask{
		ID:         uuid.New(),
		Direction:  repository.DirectionOutbound,
		EntityType: crm.EntityContact,
		EntityID:   localID.String(),
		Payload:    crm.FieldSet{"phone": "555-0100"},
		Attempts:   1,
	}

	records := &mockRecordStore{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{ID: localID, EntityType: crm.EntityContact, Fields: task.Payload}, nil
		},
	}
	client := &mockRemoteClient{
		CreateFunc: func(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error) {
			return nil, &crmapi.RateLimitedError{RetryAfter: 30 * time.Second}
		},
	}

	var rescheduledAt time.Time
	var deadLettered bool
	queue := &mockQueue{
		RescheduleFunc: func(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
			rescheduledAt = nextAttemptAt
			return nil
		},
		DeadLetterFunc: func(ctx context.Context, id uuid.UUID, reason string) error {
			deadLettered = true
			return nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, &mockLogStore{}, client)
	e.now = func() time.Time { return now }
	e.ProcessTask(context.Background(), task)

	assert.False(t, deadLettered)
	assert.Equal(t, now.Add(30*time.Second), rescheduledAt)
}

// TestProcessTask_DeadLettersAfterMaxAttempts verifies a task that keeps
// failing transiently is terminally failed once the attempt budget is spent.
func TestProcessTask_DeadLettersAfterMaxAttempts(t *testing.T) {
	cfg := config.TestConfig()
	localID := uuid.New()
	task := &repository.SyncTask{
		ID:         uuid.New(),
		Direction:  repository.DirectionOutbound,
		EntityType: crm.EntityLead,
		EntityID:   localID.String(),
		Payload:    crm.FieldSet{"company": "Acme"},
		Attempts:   cfg.Sync.MaxAttempts - 1,
	}

	records := &mockRecordStore{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{ID: localID, EntityType: crm.EntityLead, Fields: task.Payload}, nil
		},
	}
	client := &mockRemoteClient{
		CreateFunc: func(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error) {
			return nil, &crmapi.UnavailableError{Status: 503}
		},
	}

	var deadLetterReason string
	var rescheduled bool
	queue := &mockQueue{
		DeadLetterFunc: func(ctx context.Context, id uuid.UUID, reason string) error {
			deadLetterReason = reason
			return nil
		},
		RescheduleFunc: func(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
			rescheduled = true
			return nil
		},
	}

	var logged []repository.AppendLogRequest
	logs := &mockLogStore{
		AppendFunc: func(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error) {
			logged = append(logged, req)
			return &repository.SyncLogEntry{}, nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, logs, client)
	e.ProcessTask(context.Background(), task)

	assert.False(t, rescheduled)
	assert.Contains(t, deadLetterReason, "retries exhausted")
	require.Len(t, logged, 1)
	assert.Equal(t, repository.OutcomeError, logged[0].Outcome)
}

// TestProcessTask_ValidationErrorDeadLettersImmediately verifies a remote
// rejection that retrying cannot fix skips the retry schedule entirely.
func TestProcessTask_ValidationErrorDeadLettersImmediately(t *testing.T) {
	localID := uuid.New()
	task := &repository.SyncTask{
		ID:         uuid.New(),
		Direction:  repository.DirectionOutbound,
		EntityType: crm.EntityLead,
		EntityID:   localID.String(),
		Payload:    crm.FieldSet{"email": "not-an-email"},
		Attempts:   0,
	}

	records := &mockRecordStore{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{ID: localID, EntityType: crm.EntityLead, Fields: task.Payload}, nil
		},
	}
	client := &mockRemoteClient{
		CreateFunc: func(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error) {
			return nil, &crmapi.ValidationError{Message: "email is malformed"}
		},
	}

	var deadLettered, rescheduled bool
	queue := &mockQueue{
		DeadLetterFunc: func(ctx context.Context, id uuid.UUID, reason string) error {
			deadLettered = true
			return nil
		},
		RescheduleFunc: func(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
			rescheduled = true
			return nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, &mockLogStore{}, client)
	e.ProcessTask(context.Background(), task)

	assert.True(t, deadLettered, "validation failures must dead-letter on the first attempt")
	assert.False(t, rescheduled)
}

// TestProcessTask_OutboundConflictRemoteNewer verifies the full outbound
// conflict path: the remote changed the same field more recently, so the
// remote value lands locally and a resolved conflict row is recorded.
func TestProcessTask_OutboundConflictRemoteNewer(t *testing.T) {
	localID := uuid.New()
	remoteID := "L-100"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	localAt := base.Add(time.Minute)
	remoteAt := base.Add(5 * time.Minute)

	task := &repository.SyncTask{
		ID:          uuid.New(),
		Direction:   repository.DirectionOutbound,
		EntityType:  crm.EntityLead,
		EntityID:    localID.String(),
		Payload:     crm.FieldSet{"status": "working"},
		BaseVersion: &base,
	}

	var appliedState crm.FieldSet
	records := &mockRecordStore{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{
				ID:                localID,
				EntityType:        crm.EntityLead,
				RemoteID:          &remoteID,
				Fields:            crm.FieldSet{"status": "working", "company": "Acme"},
				DirtyFields:       []string{"status"},
				BaseRemoteVersion: &base,
				LocalUpdatedAt:    localAt,
			}, nil
		},
		ApplyRemoteStateFunc: func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			appliedState = fields
			return &repository.LocalRecord{ID: id, Fields: fields}, nil
		},
	}

	client := &mockRemoteClient{
		GetFunc: func(ctx context.Context, entityType crm.EntityType, id string) (*crmapi.RemoteRecord, error) {
			return &crmapi.RemoteRecord{
				ID:           remoteID,
				LastModified: remoteAt,
				Fields:       crm.FieldSet{"status": "qualified", "company": "Acme"},
			}, nil
		},
	}

	var conflict *repository.CreateConflictRequest
	conflicts := &mockConflictStore{
		CreateFunc: func(ctx context.Context, req repository.CreateConflictRequest) (*repository.Conflict, error) {
			conflict = &req
			return &repository.Conflict{}, nil
		},
	}

	var completed bool
	queue := &mockQueue{
		CompleteFunc: func(ctx context.Context, id uuid.UUID) error {
			completed = true
			return nil
		},
	}

	var logged []repository.AppendLogRequest
	logs := &mockLogStore{
		AppendFunc: func(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error) {
			logged = append(logged, req)
			return &repository.SyncLogEntry{}, nil
		},
	}

	e := newTestEngine(queue, records, conflicts, logs, client)
	e.ProcessTask(context.Background(), task)

	assert.True(t, completed)
	assert.Equal(t, "qualified", appliedState["status"], "newer remote value must win the contested field")

	require.NotNil(t, conflict, "a resolved conflict row must be recorded")
	assert.Equal(t, repository.ResolutionLastWriterWins, conflict.ResolutionStrategy)
	assert.Equal(t, repository.ConflictStatusResolved, conflict.Status)
	assert.Equal(t, "working", conflict.LocalValue["status"])
	assert.Equal(t, "qualified", conflict.RemoteValue["status"])

	require.Len(t, logged, 1)
	assert.Equal(t, repository.OutcomeConflict, logged[0].Outcome)
}

// TestProcessTask_InboundNewRecordUpserts verifies the first inbound sighting
// of a remote record materializes it locally.
func TestProcessTask_InboundNewRecordUpserts(t *testing.T) {
	remoteAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := &repository.SyncTask{
		ID:            uuid.New(),
		Direction:     repository.DirectionInbound,
		EntityType:    crm.EntityContact,
		EntityID:      "C-42",
		Payload:       crm.FieldSet{"first_name": "Dana", "email": "dana@example.com"},
		RemoteVersion: &remoteAt,
	}

	var upserted crm.FieldSet
	records := &mockRecordStore{
		GetByRemoteIDFunc: func(ctx context.Context, entityType crm.EntityType, remoteID string) (*repository.LocalRecord, error) {
			return nil, db.ErrNotFound
		},
		UpsertFromRemoteFunc: func(ctx context.Context, entityType crm.EntityType, remoteID string, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			assert.Equal(t, "C-42", remoteID)
			assert.Equal(t, remoteAt, remoteVersion)
			upserted = fields
			return &repository.LocalRecord{EntityType: entityType, RemoteID: &remoteID, Fields: fields}, nil
		},
	}

	var completed bool
	queue := &mockQueue{
		CompleteFunc: func(ctx context.Context, id uuid.UUID) error {
			completed = true
			return nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, &mockLogStore{}, &mockRemoteClient{})
	e.ProcessTask(context.Background(), task)

	assert.True(t, completed)
	assert.Equal(t, "Dana", upserted["first_name"])
}

// TestProcessTask_InboundStaleVersionSkipped verifies an event older than the
// local copy's version watermark completes without touching the record.
func TestProcessTask_InboundStaleVersionSkipped(t *testing.T) {
	current := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	stale := current.Add(-time.Hour)
	remoteID := "C-42"
	task := &repository.SyncTask{
		ID:            uuid.New(),
		Direction:     repository.DirectionInbound,
		EntityType:    crm.EntityContact,
		EntityID:      remoteID,
		Payload:       crm.FieldSet{"email": "old@example.com"},
		RemoteVersion: &stale,
	}

	var touched bool
	records := &mockRecordStore{
		GetByRemoteIDFunc: func(ctx context.Context, entityType crm.EntityType, id string) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{
				ID:                uuid.New(),
				EntityType:        crm.EntityContact,
				RemoteID:          &remoteID,
				Fields:            crm.FieldSet{"email": "new@example.com"},
				BaseRemoteVersion: &current,
			}, nil
		},
		MergeRemoteFieldsFunc: func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			touched = true
			return nil, nil
		},
		ApplyRemoteStateFunc: func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			touched = true
			return nil, nil
		},
	}

	var completed bool
	queue := &mockQueue{
		CompleteFunc: func(ctx context.Context, id uuid.UUID) error {
			completed = true
			return nil
		},
	}

	e := newTestEngine(queue, records, &mockConflictStore{}, &mockLogStore{}, &mockRemoteClient{})
	e.ProcessTask(context.Background(), task)

	assert.True(t, completed)
	assert.False(t, touched, "stale events must not modify the local record")
}

// TestProcessTask_InboundDirtyOverlapKeepsLocalEdits verifies an inbound
// change that collides with a newer local edit leaves the local value and its
// dirty flag in place so the queued outbound push still happens.
func TestProcessTask_InboundDirtyOverlapKeepsLocalEdits(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	remoteAt := base.Add(time.Minute)
	localAt := base.Add(2 * time.Minute) // local edit is newer
	remoteID := "C-42"

	task := &repository.SyncTask{
		ID:            uuid.New(),
		Direction:     repository.DirectionInbound,
		EntityType:    crm.EntityContact,
		EntityID:      remoteID,
		Payload:       crm.FieldSet{"phone": "555-0200", "email": "remote@example.com"},
		RemoteVersion: &remoteAt,
	}

	var merged crm.FieldSet
	var clearedDirty bool
	records := &mockRecordStore{
		GetByRemoteIDFunc: func(ctx context.Context, entityType crm.EntityType, id string) (*repository.LocalRecord, error) {
			return &repository.LocalRecord{
				ID:                uuid.New(),
				EntityType:        crm.EntityContact,
				RemoteID:          &remoteID,
				Fields:            crm.FieldSet{"phone": "555-0100", "email": "old@example.com"},
				DirtyFields:       []string{"phone"},
				BaseRemoteVersion: &base,
				LocalUpdatedAt:    localAt,
			}, nil
		},
		MergeRemoteFieldsFunc: func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			merged = fields
			return &repository.LocalRecord{ID: id, Fields: fields}, nil
		},
		ApplyRemoteStateFunc: func(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error) {
			clearedDirty = true
			return &repository.LocalRecord{ID: id, Fields: fields}, nil
		},
	}

	var conflict *repository.CreateConflictRequest
	conflicts := &mockConflictStore{
		CreateFunc: func(ctx context.Context, req repository.CreateConflictRequest) (*repository.Conflict, error) {
			conflict = &req
			return &repository.Conflict{}, nil
		},
	}

	queue := &mockQueue{}
	e := newTestEngine(queue, records, conflicts, &mockLogStore{}, &mockRemoteClient{})
	e.ProcessTask(context.Background(), task)

	assert.False(t, clearedDirty, "dirty set must survive so the outbound push still runs")
	require.NotNil(t, merged)
	assert.Equal(t, "remote@example.com", merged["email"], "uncontested remote field applies")
	assert.NotContains(t, merged, "phone", "contested field won by local must not be overwritten")

	require.NotNil(t, conflict)
	assert.Equal(t, repository.ResolutionLastWriterWins, conflict.ResolutionStrategy)
	assert.Equal(t, repository.ConflictStatusResolved, conflict.Status)
}

// TestEngine_StartStopLiveness verifies the pool starts after requeueing
// stuck tasks and drains cleanly on Stop.
func TestEngine_StartStopLiveness(t *testing.T) {
	var requeued bool
	queue := &mockQueue{
		RequeueStuckFunc: func(ctx context.Context) (int64, error) {
			requeued = true
			return 2, nil
		},
	}

	e := newTestEngine(queue, &mockRecordStore{}, &mockConflictStore{}, &mockLogStore{}, &mockRemoteClient{})
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, requeued, "startup must recover tasks stranded in flight")

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop within timeout")
	}
}
