package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crypto"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store for tests
type memoryStore struct {
	mu    sync.Mutex
	creds map[uuid.UUID]*repository.Credential
}

func newMemoryStore() *memoryStore {
	return &memoryStore{creds: make(map[uuid.UUID]*repository.Credential)}
}

func (s *memoryStore) GetByID(ctx context.Context, id uuid.UUID) (*repository.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[id]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, db.ErrNotFound
}

func (s *memoryStore) GetByOwner(ctx context.Context, ownerID, environment string) (*repository.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.OwnerID == ownerID && c.Environment == environment {
			copied := *c
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memoryStore) List(ctx context.Context) ([]repository.CredentialStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.CredentialStatus
	for _, c := range s.creds {
		out = append(out, c.Status())
	}
	return out, nil
}

func (s *memoryStore) Upsert(ctx context.Context, req repository.UpsertCredentialRequest) (*repository.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.OwnerID == req.OwnerID && c.Environment == req.Environment {
			c.AccessTokenEncrypted = req.AccessTokenEncrypted
			c.RefreshTokenEncrypted = req.RefreshTokenEncrypted
			c.EncryptionNonce = req.EncryptionNonce
			c.InstanceURL = req.InstanceURL
			c.TokenType = req.TokenType
			c.ExpiresAt = req.ExpiresAt
			c.Scopes = req.Scopes
			c.Disconnected = false
			c.UpdatedAt = time.Now()
			copied := *c
			return &copied, nil
		}
	}
	cred := &repository.Credential{
		ID:                    uuid.New(),
		OwnerID:               req.OwnerID,
		Environment:           req.Environment,
		AccessTokenEncrypted:  req.AccessTokenEncrypted,
		RefreshTokenEncrypted: req.RefreshTokenEncrypted,
		EncryptionNonce:       req.EncryptionNonce,
		InstanceURL:           req.InstanceURL,
		TokenType:             req.TokenType,
		ExpiresAt:             req.ExpiresAt,
		Scopes:                req.Scopes,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}
	s.creds[cred.ID] = cred
	copied := *cred
	return &copied, nil
}

func (s *memoryStore) UpdateTokens(ctx context.Context, id uuid.UUID, req repository.UpdateCredentialTokensRequest) (*repository.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c.AccessTokenEncrypted = req.AccessTokenEncrypted
	c.RefreshTokenEncrypted = req.RefreshTokenEncrypted
	c.EncryptionNonce = req.EncryptionNonce
	c.ExpiresAt = req.ExpiresAt
	c.UpdatedAt = time.Now()
	copied := *c
	return &copied, nil
}

func (s *memoryStore) MarkDisconnected(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return db.ErrNotFound
	}
	c.Disconnected = true
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(config.TestConfig(), store)
	require.NoError(t, err)
	return m
}

// seedCredential stores an encrypted credential directly, as the exchange
// flow would have.
func seedCredential(t *testing.T, m *Manager, store *memoryStore, access, refresh string, expiresAt time.Time) *repository.Credential {
	t.Helper()
	enc, err := crypto.NewTokenEncryptor(config.TestConfig().External.TokenEncryptionKey)
	require.NoError(t, err)

	accessCiphertext, nonce, err := enc.Encrypt(access)
	require.NoError(t, err)
	refreshCiphertext, err := enc.EncryptWithNonce(refresh, nonce)
	require.NoError(t, err)

	var exp *time.Time
	if !expiresAt.IsZero() {
		exp = &expiresAt
	}
	cred, err := store.Upsert(context.Background(), repository.UpsertCredentialRequest{
		OwnerID:               DefaultOwner,
		Environment:           m.cfg.CRM.Environment,
		AccessTokenEncrypted:  accessCiphertext,
		RefreshTokenEncrypted: refreshCiphertext,
		EncryptionNonce:       nonce,
		InstanceURL:           "https://na1.crm.example.com",
		TokenType:             "Bearer",
		ExpiresAt:             exp,
		Scopes:                Scopes,
	})
	require.NoError(t, err)
	return cred
}

// TestGetValidToken_ReturnsStoredTokenBeforeExpiry verifies no refresh call
// happens while the stored token has plenty of life left.
func TestGetValidToken_ReturnsStoredTokenBeforeExpiry(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = "http://127.0.0.1:1/oauth/token" // any refresh attempt fails loudly

	seedCredential(t, m, store, "stored-access", "stored-refresh", time.Now().Add(time.Hour))

	tok, err := m.GetValidToken(context.Background(), DefaultOwner)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", tok.Value)
	assert.Equal(t, "https://na1.crm.example.com", tok.InstanceURL)
}

// TestGetValidToken_NotConnected verifies the sentinel when no credential exists
func TestGetValidToken_NotConnected(t *testing.T) {
	m := newTestManager(t, newMemoryStore())
	_, err := m.GetValidToken(context.Background(), DefaultOwner)
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestGetValidToken_RefreshesNearExpiry verifies the proactive refresh path:
// a token inside the expiry leeway is exchanged for a fresh one and the
// rotated refresh token is persisted.
func TestGetValidToken_RefreshesNearExpiry(t *testing.T) {
	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "stored-refresh", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "fresh-access",
			"token_type": "Bearer",
			"refresh_token": "rotated-refresh",
			"expires_in": 3600
		}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	cred := seedCredential(t, m, store, "stored-access", "stored-refresh", time.Now().Add(10*time.Second))

	tok, err := m.GetValidToken(context.Background(), DefaultOwner)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.Value)
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls))

	// The rotated refresh token must be what the store now holds
	updated, err := store.GetByID(context.Background(), cred.ID)
	require.NoError(t, err)
	enc, err := crypto.NewTokenEncryptor(config.TestConfig().External.TokenEncryptionKey)
	require.NoError(t, err)
	rotated, err := enc.Decrypt(updated.RefreshTokenEncrypted, updated.EncryptionNonce)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", rotated)
}

// TestForceRefresh_CoalescesConcurrentCallers verifies that a burst of
// concurrent refreshes for the same owner results in exactly one request to
// the token endpoint, with every caller receiving the same fresh token.
func TestForceRefresh_CoalescesConcurrentCallers(t *testing.T) {
	var refreshCalls int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		<-release // hold the first request open so callers pile up
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "fresh-access", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	seedCredential(t, m, store, "stored-access", "stored-refresh", time.Now().Add(10*time.Second))

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.ForceRefresh(context.Background(), DefaultOwner)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = tok.Value
		}(i)
	}

	// Give the goroutines time to converge on the in-flight refresh
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, "fresh-access", results[i], "caller %d", i)
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls), "concurrent refreshes must coalesce into one upstream call")
}

// TestRefresh_InvalidGrantMarksDisconnected verifies a dead refresh token
// flags the credential and surfaces the re-auth sentinel without retrying.
func TestRefresh_InvalidGrantMarksDisconnected(t *testing.T) {
	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "expired authorization code"}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	cred := seedCredential(t, m, store, "stored-access", "dead-refresh", time.Now().Add(10*time.Second))

	_, err := m.GetValidToken(context.Background(), DefaultOwner)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls), "invalid_grant must not be retried")

	updated, err := store.GetByID(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.True(t, updated.Disconnected)

	// Subsequent calls short-circuit on the disconnected flag
	_, err = m.GetValidToken(context.Background(), DefaultOwner)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls))
}

// TestRefresh_TransientFailureRetries verifies a 5xx from the token endpoint
// is retried and the refresh eventually succeeds.
func TestRefresh_TransientFailureRetries(t *testing.T) {
	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&refreshCalls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "fresh-access", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	seedCredential(t, m, store, "stored-access", "stored-refresh", time.Now().Add(10*time.Second))

	tok, err := m.ForceRefresh(context.Background(), DefaultOwner)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.Value)
	assert.EqualValues(t, 2, atomic.LoadInt64(&refreshCalls))
}

// TestExchange_RequiresInstanceURL verifies the exchange rejects a token
// response that omits the instance URL the API client needs.
func TestExchange_RequiresInstanceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "a", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	_, err := m.Exchange(context.Background(), "auth-code", DefaultOwner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance_url")
}

// TestExchange_StoresEncryptedCredential verifies the full exchange path:
// tokens land in the store encrypted, with the instance URL captured.
func TestExchange_StoresEncryptedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "exchanged-access",
			"token_type": "Bearer",
			"refresh_token": "exchanged-refresh",
			"expires_in": 3600,
			"instance_url": "https://na7.crm.example.com"
		}`)
	}))
	defer srv.Close()

	store := newMemoryStore()
	m := newTestManager(t, store)
	m.oauth.Endpoint.TokenURL = srv.URL + "/oauth/token"

	status, err := m.Exchange(context.Background(), "auth-code", DefaultOwner)
	require.NoError(t, err)
	assert.Equal(t, DefaultOwner, status.OwnerID)
	assert.Equal(t, "https://na7.crm.example.com", status.InstanceURL)
	assert.False(t, status.Disconnected)

	cred, err := store.GetByID(context.Background(), status.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(cred.AccessTokenEncrypted), "exchanged-access", "tokens must be stored encrypted")

	enc, err := crypto.NewTokenEncryptor(config.TestConfig().External.TokenEncryptionKey)
	require.NoError(t, err)
	access, err := enc.Decrypt(cred.AccessTokenEncrypted, cred.EncryptionNonce)
	require.NoError(t, err)
	assert.Equal(t, "exchanged-access", access)
}

// TestGenerateState_Unique verifies states are non-empty and do not repeat
func TestGenerateState_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		s, err := GenerateState()
		require.NoError(t, err)
		require.NotEmpty(t, s)
		assert.False(t, seen[s], "state must be unique")
		seen[s] = true
	}
}
