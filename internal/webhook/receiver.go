// Package webhook ingests push notifications from the CRM: signature
// verification, replay protection, and translation into inbound sync tasks.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"
)

// Header names the CRM sets on every delivery
const (
	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-Id"
	HeaderTimestamp = "X-Timestamp"
)

// retryDrainInterval is how often parked events are retried against the queue
const retryDrainInterval = 5 * time.Second

// ErrSignatureInvalid rejects a delivery whose HMAC does not match
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrOutsideWindow rejects a delivery whose timestamp falls outside the
// acceptance window, closing the replay hole for captured requests.
var ErrOutsideWindow = errors.New("webhook timestamp outside acceptance window")

// MalformedError rejects a syntactically invalid delivery
type MalformedError struct {
	Message string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed webhook delivery: %s", e.Message)
}

// Delivery is one raw webhook request
type Delivery struct {
	Body      []byte
	Signature string
	EventID   string
	Timestamp string
}

// Disposition is the outcome of processing a delivery
type Disposition string

const (
	DispositionAccepted  Disposition = "accepted"
	DispositionDuplicate Disposition = "duplicate"
)

// event is the CRM's change-notification payload
type event struct {
	EventType     string       `json:"eventType"`
	EntityType    string       `json:"entityType"`
	EntityID      string       `json:"entityId"`
	ChangedFields crm.FieldSet `json:"changedFields"`
	LastModified  string       `json:"lastModified"`
}

// TaskEnqueuer accepts inbound sync tasks, satisfied by repository.TaskRepository
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, req repository.EnqueueTaskRequest) (*repository.SyncTask, error)
}

// EventLog deduplicates deliveries by event id
type EventLog interface {
	Record(ctx context.Context, eventID, signature string, payload []byte, receivedAt time.Time) (bool, error)
}

// Receiver verifies and translates webhook deliveries. A delivery that
// authenticates is always acknowledged: transient enqueue failures park the
// event in an in-process buffer drained by a background goroutine, so the
// CRM never sees a retryable failure and amplifies load.
type Receiver struct {
	cfg    *config.Config
	secret []byte
	events EventLog
	queue  TaskEnqueuer
	now    func() time.Time

	mu     sync.Mutex
	parked []repository.EnqueueTaskRequest

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewReceiver creates a webhook receiver
func NewReceiver(cfg *config.Config, events EventLog, queue TaskEnqueuer) *Receiver {
	return &Receiver{
		cfg:    cfg,
		secret: []byte(cfg.CRM.WebhookSecret),
		events: events,
		queue:  queue,
		now:    time.Now,
	}
}

// Process authenticates, deduplicates, and enqueues one delivery.
// Error classes map to HTTP statuses at the handler: ErrSignatureInvalid and
// ErrOutsideWindow to 401, MalformedError to 400.
func (r *Receiver) Process(ctx context.Context, d Delivery) (Disposition, error) {
	if d.EventID == "" {
		return "", &MalformedError{Message: "missing " + HeaderEventID}
	}
	if d.Signature == "" {
		return "", ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(d.Timestamp, 10, 64)
	if err != nil {
		return "", &MalformedError{Message: "invalid " + HeaderTimestamp}
	}
	drift := r.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > r.cfg.Sync.AcceptWindow {
		return "", ErrOutsideWindow
	}

	if !r.verifySignature(d.Body, d.Signature) {
		return "", ErrSignatureInvalid
	}

	var evt event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		return "", &MalformedError{Message: "invalid JSON body"}
	}
	entityType, err := crm.ParseEntityType(evt.EntityType)
	if err != nil {
		return "", &MalformedError{Message: err.Error()}
	}
	if evt.EntityID == "" {
		return "", &MalformedError{Message: "missing entityId"}
	}

	first, err := r.events.Record(ctx, d.EventID, d.Signature, d.Body, r.now())
	if err != nil {
		// Dedup store unavailable: ack anyway and park the task; a rare
		// duplicate application is caught by the engine's version check.
		logger.Error().Err(err).Str("event_id", d.EventID).Msg("webhook dedup store unavailable")
		r.park(taskRequest(entityType, evt))
		return DispositionAccepted, nil
	}
	if !first {
		logger.Debug().Str("event_id", d.EventID).Msg("webhook event replayed, acknowledged without processing")
		return DispositionDuplicate, nil
	}

	req := taskRequest(entityType, evt)
	if _, err := r.queue.Enqueue(ctx, req); err != nil {
		logger.Error().Err(err).Str("event_id", d.EventID).Msg("webhook enqueue failed, parking event for retry")
		r.park(req)
	}
	return DispositionAccepted, nil
}

// verifySignature computes HMAC-SHA256 over the raw body and compares it to
// the hex signature in constant time.
func (r *Receiver) verifySignature(body []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the hex signature for a body, used by tests and by the
// outbound side of local tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func taskRequest(entityType crm.EntityType, evt event) repository.EnqueueTaskRequest {
	req := repository.EnqueueTaskRequest{
		Direction:  repository.DirectionInbound,
		EntityType: entityType,
		EntityID:   evt.EntityID,
		Payload:    evt.ChangedFields,
	}
	if evt.LastModified != "" {
		if t, err := time.Parse(time.RFC3339Nano, evt.LastModified); err == nil {
			req.RemoteVersion = &t
		}
	}
	return req
}

// park buffers a task whose enqueue failed transiently
func (r *Receiver) park(req repository.EnqueueTaskRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parked = append(r.parked, req)
}

// ParkedCount reports the retry-buffer depth, exposed for health reporting
func (r *Receiver) ParkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// Start launches the background drain of the parked-event buffer
func (r *Receiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(retryDrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.drain(ctx)
			}
		}
	}()
}

// Stop halts the background drain after a final attempt to flush the buffer
func (r *Receiver) Stop() {
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()
	r.drain(context.Background())
}

// drain retries parked enqueues; whatever still fails stays parked
func (r *Receiver) drain(ctx context.Context) {
	r.mu.Lock()
	pending := r.parked
	r.parked = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var failed []repository.EnqueueTaskRequest
	for _, req := range pending {
		if _, err := r.queue.Enqueue(ctx, req); err != nil {
			failed = append(failed, req)
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		r.parked = append(failed, r.parked...)
		r.mu.Unlock()
		logger.Warn().Int("parked", len(failed)).Msg("webhook retry buffer still has undelivered events")
	} else {
		logger.Info().Int("count", len(pending)).Msg("webhook retry buffer drained")
	}
}
