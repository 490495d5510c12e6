// Package engine is the sync orchestrator: a worker pool that drains the
// durable change queue, reconciles local and remote state, and persists the
// outcome plus an audit log entry for every task.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/crmapi"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"

	"github.com/google/uuid"
)

// dequeueInterval is how long an idle worker sleeps before polling the
// queue again.
const dequeueInterval = 250 * time.Millisecond

// Queue is the change-queue interface the engine drains, satisfied by
// repository.TaskRepository and mockable in tests.
type Queue interface {
	DequeueReady(ctx context.Context, now time.Time) (*repository.SyncTask, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	DeadLetter(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStuck(ctx context.Context) (int64, error)
}

// RecordStore is the local record interface the engine reads and writes
type RecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.LocalRecord, error)
	GetByRemoteID(ctx context.Context, entityType crm.EntityType, remoteID string) (*repository.LocalRecord, error)
	ApplyRemoteState(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
	MergeRemoteFields(ctx context.Context, id uuid.UUID, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
	BindRemoteID(ctx context.Context, id uuid.UUID, remoteID string, remoteVersion time.Time) error
	UpsertFromRemote(ctx context.Context, entityType crm.EntityType, remoteID string, fields crm.FieldSet, remoteVersion time.Time) (*repository.LocalRecord, error)
}

// ConflictStore persists detected conflicts
type ConflictStore interface {
	Create(ctx context.Context, req repository.CreateConflictRequest) (*repository.Conflict, error)
}

// LogStore appends to the sync audit trail
type LogStore interface {
	Append(ctx context.Context, req repository.AppendLogRequest) (*repository.SyncLogEntry, error)
}

// RemoteClient is the subset of the CRM API client the engine uses
type RemoteClient interface {
	Get(ctx context.Context, entityType crm.EntityType, id string) (*crmapi.RemoteRecord, error)
	Create(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*crmapi.RemoteRecord, error)
	Update(ctx context.Context, entityType crm.EntityType, id string, fields crm.FieldSet, baseVersion *time.Time, idempotencyKey string) (*crmapi.RemoteRecord, error)
}

// Engine drains the change queue with a bounded worker pool. Per-entity
// ordering is enforced by the queue's lane discipline, so two workers never
// hold tasks for the same record at once.
type Engine struct {
	cfg       *config.Config
	queue     Queue
	records   RecordStore
	conflicts ConflictStore
	logs      LogStore
	client    RemoteClient

	now func() time.Time
	rng *rand.Rand
	mu  sync.Mutex // guards rng

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewEngine creates a sync engine
func NewEngine(cfg *config.Config, queue Queue, records RecordStore, conflicts ConflictStore, logs LogStore, client RemoteClient) *Engine {
	return &Engine{
		cfg:       cfg,
		queue:     queue,
		records:   records,
		conflicts: conflicts,
		logs:      logs,
		client:    client,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start requeues tasks stranded in-flight by a previous crash, then launches
// the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	requeued, err := e.queue.RequeueStuck(ctx)
	if err != nil {
		return fmt.Errorf("requeue stuck tasks: %w", err)
	}
	if requeued > 0 {
		logger.Info().Int64("count", requeued).Msg("requeued in-flight tasks from previous run")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.stop = cancel

	workers := e.cfg.Sync.Workers
	if workers <= 0 {
		workers = 8
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx, i)
	}
	logger.Info().Int("workers", workers).Msg("sync engine started")
	return nil
}

// Stop signals the workers and waits for in-progress tasks to finish
func (e *Engine) Stop() {
	if e.stop != nil {
		e.stop()
	}
	e.wg.Wait()
	logger.Info().Msg("sync engine stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.queue.DequeueReady(ctx, e.now())
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				logger.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueInterval):
			}
			continue
		}

		e.ProcessTask(ctx, task)
	}
}

// ProcessTask runs one task end to end: remote call, reconciliation, outcome
// persistence. Every path terminates the task in done, pending (rescheduled),
// or dead_lettered.
func (e *Engine) ProcessTask(ctx context.Context, task *repository.SyncTask) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Sync.RequestTimeout)
	defer cancel()

	var err error
	switch task.Direction {
	case repository.DirectionOutbound:
		err = e.processOutbound(callCtx, task)
	case repository.DirectionInbound:
		err = e.processInbound(callCtx, task)
	default:
		err = &crmapi.ValidationError{Message: fmt.Sprintf("unknown direction %q", task.Direction)}
	}
	if err != nil {
		e.handleFailure(ctx, task, err)
	}
}

// processOutbound pushes a local edit to the remote store
func (e *Engine) processOutbound(ctx context.Context, task *repository.SyncTask) error {
	localID, err := uuid.Parse(task.EntityID)
	if err != nil {
		return &crmapi.ValidationError{Message: fmt.Sprintf("outbound task has non-uuid entity id %q", task.EntityID)}
	}
	record, err := e.records.GetByID(ctx, localID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return &crmapi.ValidationError{Message: "local record no longer exists"}
		}
		return &crmapi.UnavailableError{Err: err}
	}

	if record.RemoteID == nil {
		return e.outboundCreate(ctx, task, record)
	}
	return e.outboundUpdate(ctx, task, record)
}

// outboundCreate first-creates the record remotely. The idempotency key is
// the task id, so a retried create lands on the same remote record.
func (e *Engine) outboundCreate(ctx context.Context, task *repository.SyncTask, record *repository.LocalRecord) error {
	remote, err := e.client.Create(ctx, task.EntityType, record.Fields, task.ID.String())
	if err != nil {
		return err
	}
	if err := e.records.BindRemoteID(ctx, record.ID, remote.ID, remote.LastModified); err != nil {
		return &crmapi.UnavailableError{Err: err}
	}
	e.appendLog(ctx, task, repository.OutcomeApplied, nil, &remote.LastModified, &record.LocalUpdatedAt, nil)
	return e.completeTask(ctx, task)
}

// outboundUpdate pushes changed fields, detecting concurrent remote edits by
// comparing the remote lastModified against the version the edit is based on.
func (e *Engine) outboundUpdate(ctx context.Context, task *repository.SyncTask, record *repository.LocalRecord) error {
	remote, err := e.client.Get(ctx, task.EntityType, *record.RemoteID)
	if err != nil {
		if errors.Is(err, crmapi.ErrRemoteNotFound) {
			// Remote record vanished; re-create it from local state
			return e.outboundRecreate(ctx, task, record)
		}
		return err
	}

	baseUnchanged := task.BaseVersion != nil && !remote.LastModified.After(*task.BaseVersion)
	if task.BaseVersion == nil {
		baseUnchanged = record.BaseRemoteVersion != nil && !remote.LastModified.After(*record.BaseRemoteVersion)
	}

	if baseUnchanged {
		updated, err := e.client.Update(ctx, task.EntityType, *record.RemoteID, task.Payload, &remote.LastModified, task.ID.String())
		if err != nil {
			var conflict *crmapi.RemoteConflictError
			if errors.As(err, &conflict) {
				// Lost the race between Get and Update; reconcile below
				return e.outboundConflict(ctx, task, record)
			}
			return err
		}
		if _, err := e.records.ApplyRemoteState(ctx, record.ID, record.Fields.Merge(task.Payload), updated.LastModified); err != nil {
			return &crmapi.UnavailableError{Err: err}
		}
		e.appendLog(ctx, task, repository.OutcomeApplied, nil, &updated.LastModified, &record.LocalUpdatedAt, nil)
		return e.completeTask(ctx, task)
	}

	return e.outboundConflict(ctx, task, record)
}

// outboundRecreate handles a remote record deleted out from under a local
// edit: the full local state is re-created under a fresh remote id.
func (e *Engine) outboundRecreate(ctx context.Context, task *repository.SyncTask, record *repository.LocalRecord) error {
	remote, err := e.client.Create(ctx, task.EntityType, record.Fields, task.ID.String())
	if err != nil {
		return err
	}
	if err := e.records.BindRemoteID(ctx, record.ID, remote.ID, remote.LastModified); err != nil {
		return &crmapi.UnavailableError{Err: err}
	}
	detail := "remote record was deleted; re-created"
	e.appendLog(ctx, task, repository.OutcomeApplied, nil, &remote.LastModified, &record.LocalUpdatedAt, &detail)
	return e.completeTask(ctx, task)
}

// outboundConflict reconciles a local edit with a remote record that changed
// since the edit was made.
func (e *Engine) outboundConflict(ctx context.Context, task *repository.SyncTask, record *repository.LocalRecord) error {
	remote, err := e.client.Get(ctx, task.EntityType, *record.RemoteID)
	if err != nil {
		return err
	}

	remoteChanged := crm.FieldSet{}
	for _, name := range remote.Fields.Diff(record.Fields) {
		if v, ok := remote.Fields[name]; ok {
			remoteChanged[name] = v
		}
	}

	res := Resolve(task.Payload, remoteChanged, record.LocalUpdatedAt, remote.LastModified)
	return e.applyResolution(ctx, task, record, remote, res)
}

// processInbound applies a remote change to the local store
func (e *Engine) processInbound(ctx context.Context, task *repository.SyncTask) error {
	remoteVersion := e.now()
	if task.RemoteVersion != nil {
		remoteVersion = *task.RemoteVersion
	}

	record, err := e.records.GetByRemoteID(ctx, task.EntityType, task.EntityID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// First sight of this remote record
			if _, err := e.records.UpsertFromRemote(ctx, task.EntityType, task.EntityID, task.Payload, remoteVersion); err != nil {
				return &crmapi.UnavailableError{Err: err}
			}
			e.appendLog(ctx, task, repository.OutcomeApplied, nil, &remoteVersion, nil, nil)
			return e.completeTask(ctx, task)
		}
		return &crmapi.UnavailableError{Err: err}
	}

	// Stale event: the local copy already reflects a newer remote version
	if record.BaseRemoteVersion != nil && !remoteVersion.After(*record.BaseRemoteVersion) {
		detail := "remote version not newer than local copy; skipped"
		e.appendLog(ctx, task, repository.OutcomeApplied, nil, &remoteVersion, &record.LocalUpdatedAt, &detail)
		return e.completeTask(ctx, task)
	}

	if len(record.DirtyFields) == 0 {
		if _, err := e.records.MergeRemoteFields(ctx, record.ID, task.Payload, remoteVersion); err != nil {
			return &crmapi.UnavailableError{Err: err}
		}
		e.appendLog(ctx, task, repository.OutcomeApplied, nil, &remoteVersion, &record.LocalUpdatedAt, nil)
		return e.completeTask(ctx, task)
	}

	localChanged := crm.FieldSet{}
	for _, name := range record.DirtyFields {
		if v, ok := record.Fields[name]; ok {
			localChanged[name] = v
		}
	}

	res := Resolve(localChanged, task.Payload, record.LocalUpdatedAt, remoteVersion)
	remote := &crmapi.RemoteRecord{ID: task.EntityID, LastModified: remoteVersion, Fields: task.Payload}
	return e.applyResolution(ctx, task, record, remote, res)
}

// applyResolution persists a resolver outcome: local record state, a
// conflict row when one of the conflict rules fired, and the audit entry.
func (e *Engine) applyResolution(ctx context.Context, task *repository.SyncTask, record *repository.LocalRecord, remote *crmapi.RemoteRecord, res Resolution) error {
	// Push surviving local edits outward first, so a transient remote
	// failure retries the whole reconciliation.
	if task.Direction == repository.DirectionOutbound && len(res.PushLocal) > 0 {
		updated, err := e.client.Update(ctx, task.EntityType, remote.ID, res.PushLocal, nil, task.ID.String())
		if err != nil {
			return err
		}
		remote = &crmapi.RemoteRecord{ID: remote.ID, LastModified: updated.LastModified, Fields: remote.Fields}
	}

	keepDirty := task.Direction == repository.DirectionInbound && len(res.PushLocal) > 0
	if keepDirty {
		// Local edits survived and their outbound task is still queued:
		// overlay the remote's winning values without clearing the dirty set.
		if _, err := e.records.MergeRemoteFields(ctx, record.ID, withoutLocal(res.Apply, res.PushLocal), remote.LastModified); err != nil {
			return &crmapi.UnavailableError{Err: err}
		}
	} else {
		if _, err := e.records.ApplyRemoteState(ctx, record.ID, record.Fields.Merge(res.Apply), remote.LastModified); err != nil {
			return &crmapi.UnavailableError{Err: err}
		}
	}

	strategy := string(res.Strategy)
	if res.Strategy == repository.ResolutionMerged {
		// Disjoint edits merge cleanly; no conflict to record
		e.appendLog(ctx, task, repository.OutcomeApplied, &strategy, &remote.LastModified, &record.LocalUpdatedAt, nil)
		return e.completeTask(ctx, task)
	}

	status := repository.ConflictStatusResolved
	var resolvedValue crm.FieldSet
	if res.NeedsReview {
		status = repository.ConflictStatusOpen
	} else {
		resolvedValue = res.Apply
	}
	_, err := e.conflicts.Create(ctx, repository.CreateConflictRequest{
		EntityType:         task.EntityType,
		EntityID:           task.EntityID,
		LocalValue:         contested(record.Fields, res.Contested),
		RemoteValue:        contested(remote.Fields, res.Contested),
		LocalUpdatedAt:     &record.LocalUpdatedAt,
		RemoteUpdatedAt:    &remote.LastModified,
		ResolutionStrategy: res.Strategy,
		ResolvedValue:      resolvedValue,
		Status:             status,
	})
	if err != nil {
		return &crmapi.UnavailableError{Err: err}
	}

	e.appendLog(ctx, task, repository.OutcomeConflict, &strategy, &remote.LastModified, &record.LocalUpdatedAt, nil)
	return e.completeTask(ctx, task)
}

// handleFailure maps an error class to the task's next state: reschedule
// with backoff, reschedule at the remote's requested delay, or dead-letter.
func (e *Engine) handleFailure(ctx context.Context, task *repository.SyncTask, err error) {
	maxAttempts := e.cfg.Sync.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	var validation *crmapi.ValidationError
	if errors.As(err, &validation) {
		logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("task dead-lettered on validation error")
		e.deadLetter(ctx, task, err.Error())
		return
	}

	// The client already performed the one refresh + one retry; a surfaced
	// auth failure is treated as a transient outage until the operator
	// reconnects the credential.
	attempt := task.Attempts
	if attempt+1 >= maxAttempts {
		logger.Error().Err(err).Str("task_id", task.ID.String()).Int("attempts", attempt+1).Msg("task dead-lettered after exhausting retries")
		e.deadLetter(ctx, task, fmt.Sprintf("retries exhausted: %v", err))
		return
	}

	delay := e.retryDelay(attempt, err)
	nextAttempt := e.now().Add(delay)
	if qerr := e.queue.Reschedule(ctx, task.ID, nextAttempt, err.Error()); qerr != nil {
		logger.Error().Err(qerr).Str("task_id", task.ID.String()).Msg("failed to reschedule task")
		return
	}
	logger.Debug().Str("task_id", task.ID.String()).Dur("delay", delay).Int("attempt", attempt+1).Msg("task rescheduled")
}

// retryDelay honors Retry-After when the remote sent one, otherwise applies
// the exponential backoff schedule.
func (e *Engine) retryDelay(attempt int, err error) time.Duration {
	var rateLimited *crmapi.RateLimitedError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		return rateLimited.RetryAfter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return nextBackoff(attempt, e.cfg.Sync.BackoffBase, e.cfg.Sync.BackoffCap, e.rng)
}

func (e *Engine) deadLetter(ctx context.Context, task *repository.SyncTask, reason string) {
	if err := e.queue.DeadLetter(ctx, task.ID, reason); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to dead-letter task")
		return
	}
	e.appendLog(ctx, task, repository.OutcomeError, nil, nil, nil, &reason)
}

func (e *Engine) completeTask(ctx context.Context, task *repository.SyncTask) error {
	if err := e.queue.Complete(ctx, task.ID); err != nil {
		return &crmapi.UnavailableError{Err: err}
	}
	return nil
}

func (e *Engine) appendLog(ctx context.Context, task *repository.SyncTask, outcome repository.SyncOutcome, resolution *string, remoteVersion, localVersion *time.Time, detail *string) {
	_, err := e.logs.Append(ctx, repository.AppendLogRequest{
		TaskID:             &task.ID,
		Direction:          task.Direction,
		EntityType:         task.EntityType,
		EntityID:           task.EntityID,
		Outcome:            outcome,
		ConflictResolution: resolution,
		RemoteVersion:      remoteVersion,
		LocalVersion:       localVersion,
		Detail:             detail,
	})
	if err != nil {
		logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to append sync log entry")
	}
}

// contested extracts the named fields from a field set, for conflict audit rows
func contested(fields crm.FieldSet, names []string) crm.FieldSet {
	if len(names) == 0 {
		return fields.Clone()
	}
	out := crm.FieldSet{}
	for _, n := range names {
		if v, ok := fields[n]; ok {
			out[n] = v
		}
	}
	return out
}

// withoutLocal strips the surviving local edits from the apply set so the
// dirty local values are not overwritten before their outbound push.
func withoutLocal(apply, pushLocal crm.FieldSet) crm.FieldSet {
	out := apply.Clone()
	for name := range pushLocal {
		delete(out, name)
	}
	return out
}
