package crmapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/token"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// lastModifiedFormat is the timestamp format used in record payloads and
// the If-Unmodified-Since precondition header.
const lastModifiedFormat = time.RFC3339Nano

// TokenProvider supplies access tokens for outgoing calls. Satisfied by
// token.Manager and mockable in tests.
type TokenProvider interface {
	GetValidToken(ctx context.Context, ownerID string) (*token.AccessToken, error)
	ForceRefresh(ctx context.Context, ownerID string) (*token.AccessToken, error)
}

// RemoteRecord is one record as the CRM holds it
type RemoteRecord struct {
	ID           string       `json:"id"`
	LastModified time.Time    `json:"last_modified"`
	Fields       crm.FieldSet `json:"fields"`
}

// ChangePage is one page of records from a list or changes call
type ChangePage struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Done       bool           `json:"done"`
}

// BulkResult reports the per-record outcome of a batch upsert
type BulkResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client talks to the CRM REST API. Every call authenticates through the
// token provider; a 401 triggers one forced refresh and one retry before the
// auth failure is surfaced.
type Client struct {
	cfg    *config.Config
	tokens TokenProvider
	owner  string
	http   *http.Client
}

// NewClient creates a CRM API client bound to one credential owner
func NewClient(cfg *config.Config, tokens TokenProvider, owner string) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		owner:  owner,
		http:   &http.Client{Timeout: cfg.Sync.RequestTimeout},
	}
}

// api returns a request builder rooted at the credential's instance, with
// default status validation disabled so statusError can classify instead.
func (c *Client) api(tok *token.AccessToken) *requests.Builder {
	return requests.
		URL(tok.InstanceURL).
		Client(c.http).
		Bearer(tok.Value).
		AddValidator(nil)
}

// Get fetches a single record
func (c *Client) Get(ctx context.Context, entityType crm.EntityType, id string) (*RemoteRecord, error) {
	var body []byte
	err := c.withAuth(ctx, func(tok *token.AccessToken) error {
		return wrapFetch(c.api(tok).
			Pathf("/api/%s/records/%s/%s", c.cfg.CRM.APIVersion, entityType, id).
			Handle(captureBody(&body)).
			Fetch(ctx))
	})
	if err != nil {
		return nil, err
	}
	return parseRecord(body)
}

// Create creates a record and returns its assigned ID and version. The
// idempotency key makes retried creates safe against duplicates.
func (c *Client) Create(ctx context.Context, entityType crm.EntityType, fields crm.FieldSet, idempotencyKey string) (*RemoteRecord, error) {
	var body []byte
	err := c.withAuth(ctx, func(tok *token.AccessToken) error {
		return wrapFetch(c.api(tok).
			Pathf("/api/%s/records/%s", c.cfg.CRM.APIVersion, entityType).
			Header("Idempotency-Key", idempotencyKey).
			BodyJSON(map[string]any{"fields": fields}).
			Handle(captureBody(&body)).
			Fetch(ctx))
	})
	if err != nil {
		return nil, err
	}
	return parseRecord(body)
}

// Update patches fields on a record. When baseVersion is set the write is
// conditional: the remote rejects it with a conflict if the record changed
// after that timestamp.
func (c *Client) Update(ctx context.Context, entityType crm.EntityType, id string, fields crm.FieldSet, baseVersion *time.Time, idempotencyKey string) (*RemoteRecord, error) {
	var body []byte
	err := c.withAuth(ctx, func(tok *token.AccessToken) error {
		b := c.api(tok).
			Pathf("/api/%s/records/%s/%s", c.cfg.CRM.APIVersion, entityType, id).
			Patch().
			Header("Idempotency-Key", idempotencyKey).
			BodyJSON(map[string]any{"fields": fields})
		if baseVersion != nil {
			b = b.Header("If-Unmodified-Since", baseVersion.UTC().Format(lastModifiedFormat))
		}
		return wrapFetch(b.Handle(captureBody(&body)).Fetch(ctx))
	})
	if err != nil {
		return nil, err
	}
	return parseRecord(body)
}

// Delete removes a record. Deleting an already-deleted record returns
// ErrRemoteNotFound, which callers may treat as success.
func (c *Client) Delete(ctx context.Context, entityType crm.EntityType, id string) error {
	return c.withAuth(ctx, func(tok *token.AccessToken) error {
		return wrapFetch(c.api(tok).
			Pathf("/api/%s/records/%s/%s", c.cfg.CRM.APIVersion, entityType, id).
			Delete().
			Handle(captureBody(new([]byte))).
			Fetch(ctx))
	})
}

// BulkUpsert writes records in batches of the configured size. Results are
// returned in input order across all batches; the first transport-level
// failure aborts remaining batches.
func (c *Client) BulkUpsert(ctx context.Context, entityType crm.EntityType, records []RemoteRecord, idempotencyKey string) ([]BulkResult, error) {
	limit := c.cfg.CRM.BatchLimit
	if limit <= 0 {
		limit = 200
	}

	var results []BulkResult
	for start := 0; start < len(records); start += limit {
		end := start + limit
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		payload, err := bulkPayload(chunk)
		if err != nil {
			return nil, err
		}

		var body []byte
		err = c.withAuth(ctx, func(tok *token.AccessToken) error {
			return wrapFetch(c.api(tok).
				Pathf("/api/%s/records/%s/batch", c.cfg.CRM.APIVersion, entityType).
				Post().
				Header("Idempotency-Key", fmt.Sprintf("%s-%d", idempotencyKey, start)).
				ContentType("application/json").
				BodyBytes(payload).
				Handle(captureBody(&body)).
				Fetch(ctx))
		})
		if err != nil {
			return results, err
		}

		for _, r := range gjson.GetBytes(body, "results").Array() {
			results = append(results, BulkResult{
				ID:      r.Get("id").String(),
				Success: r.Get("success").Bool(),
				Message: r.Get("message").String(),
			})
		}
	}
	return results, nil
}

// List pages through all records of a type, for full synchronization
func (c *Client) List(ctx context.Context, entityType crm.EntityType, cursor string, limit int) (*ChangePage, error) {
	var body []byte
	err := c.withAuth(ctx, func(tok *token.AccessToken) error {
		b := c.api(tok).
			Pathf("/api/%s/records/%s", c.cfg.CRM.APIVersion, entityType).
			Param("limit", strconv.Itoa(limit))
		if cursor != "" {
			b = b.Param("cursor", cursor)
		}
		return wrapFetch(b.Handle(captureBody(&body)).Fetch(ctx))
	})
	if err != nil {
		return nil, err
	}
	return parsePage(body)
}

// Changes pages through records modified at or after the watermark, for
// incremental synchronization.
func (c *Client) Changes(ctx context.Context, entityType crm.EntityType, since time.Time, cursor string, limit int) (*ChangePage, error) {
	var body []byte
	err := c.withAuth(ctx, func(tok *token.AccessToken) error {
		b := c.api(tok).
			Pathf("/api/%s/changes/%s", c.cfg.CRM.APIVersion, entityType).
			Param("since", since.UTC().Format(lastModifiedFormat)).
			Param("limit", strconv.Itoa(limit))
		if cursor != "" {
			b = b.Param("cursor", cursor)
		}
		return wrapFetch(b.Handle(captureBody(&body)).Fetch(ctx))
	})
	if err != nil {
		return nil, err
	}
	return parsePage(body)
}

// withAuth runs fn with a valid token, forcing one refresh and one retry
// when the remote rejects a token that looked valid locally.
func (c *Client) withAuth(ctx context.Context, fn func(tok *token.AccessToken) error) error {
	tok, err := c.tokens.GetValidToken(ctx, c.owner)
	if err != nil {
		return authError(err)
	}

	err = fn(tok)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}

	tok, err = c.tokens.ForceRefresh(ctx, c.owner)
	if err != nil {
		return authError(err)
	}
	return fn(tok)
}

// authError maps token-manager failures into this package's taxonomy
func authError(err error) error {
	if errors.Is(err, token.ErrReauthRequired) || errors.Is(err, token.ErrNotConnected) {
		return ErrAuthExpired
	}
	return &UnavailableError{Err: err}
}

// captureBody reads the response body and classifies non-2xx statuses
func captureBody(out *[]byte) func(res *http.Response) error {
	return func(res *http.Response) error {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return &UnavailableError{Err: err}
		}
		if err := statusError(res, body); err != nil {
			return err
		}
		*out = body
		return nil
	}
}

// statusError maps an HTTP status to the package error taxonomy
func statusError(res *http.Response, body []byte) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case res.StatusCode == http.StatusNotFound:
		return ErrRemoteNotFound
	case res.StatusCode == http.StatusConflict || res.StatusCode == http.StatusPreconditionFailed:
		return &RemoteConflictError{Message: remoteMessage(body)}
	case res.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		return &ValidationError{Message: remoteMessage(body)}
	default:
		return &UnavailableError{Status: res.StatusCode, Err: errors.New(remoteMessage(body))}
	}
}

// wrapFetch converts transport-level failures (connection refused, timeout)
// into UnavailableError, passing already-classified errors through.
func wrapFetch(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrRemoteNotFound) {
		return err
	}
	var (
		rl *RateLimitedError
		rc *RemoteConflictError
		ve *ValidationError
		un *UnavailableError
	)
	if errors.As(err, &rl) || errors.As(err, &rc) || errors.As(err, &ve) || errors.As(err, &un) {
		return err
	}
	return &UnavailableError{Err: err}
}

func remoteMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return msg
	}
	return string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func parseRecord(body []byte) (*RemoteRecord, error) {
	doc := gjson.ParseBytes(body)
	rec := &RemoteRecord{
		ID:     doc.Get("id").String(),
		Fields: crm.FieldSet{},
	}
	if lm := doc.Get("last_modified").String(); lm != "" {
		t, err := time.Parse(time.RFC3339Nano, lm)
		if err != nil {
			return nil, fmt.Errorf("parse last_modified %q: %w", lm, err)
		}
		rec.LastModified = t
	}
	doc.Get("fields").ForEach(func(k, v gjson.Result) bool {
		rec.Fields[k.String()] = v.String()
		return true
	})
	return rec, nil
}

func parsePage(body []byte) (*ChangePage, error) {
	doc := gjson.ParseBytes(body)
	page := &ChangePage{
		NextCursor: doc.Get("next_cursor").String(),
		Done:       doc.Get("done").Bool(),
	}
	for _, r := range doc.Get("records").Array() {
		rec := RemoteRecord{
			ID:     r.Get("id").String(),
			Fields: crm.FieldSet{},
		}
		if lm := r.Get("last_modified").String(); lm != "" {
			t, err := time.Parse(time.RFC3339Nano, lm)
			if err != nil {
				return nil, fmt.Errorf("parse last_modified %q: %w", lm, err)
			}
			rec.LastModified = t
		}
		r.Get("fields").ForEach(func(k, v gjson.Result) bool {
			rec.Fields[k.String()] = v.String()
			return true
		})
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// bulkPayload builds the batch body with one records[] element per input
func bulkPayload(records []RemoteRecord) ([]byte, error) {
	payload := []byte(`{"records":[]}`)
	var err error
	for i, r := range records {
		prefix := fmt.Sprintf("records.%d", i)
		if r.ID != "" {
			if payload, err = sjson.SetBytes(payload, prefix+".id", r.ID); err != nil {
				return nil, err
			}
		}
		for name, value := range r.Fields {
			if payload, err = sjson.SetBytes(payload, prefix+".fields."+name, value); err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}
