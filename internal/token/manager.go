package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crypto"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Scopes defines the OAuth scopes requested from the CRM
var Scopes = []string{"api", "refresh_token"}

// DefaultOwner identifies the single operator account this deployment
// connects on behalf of.
const DefaultOwner = "default"

// expiryLeeway is how early a token is treated as expired, so calls never go
// out with a token about to lapse mid-flight.
const expiryLeeway = 60 * time.Second

// ErrNotConnected means no credential exists for the owner+environment.
var ErrNotConnected = errors.New("crm account not connected")

// ErrReauthRequired means the refresh token was rejected and the operator
// must run the authorization flow again. The credential is kept, flagged
// disconnected, so its instance URL and history survive.
var ErrReauthRequired = errors.New("crm connection requires re-authorization")

// AccessToken is a decrypted, ready-to-use bearer token
type AccessToken struct {
	Value       string
	TokenType   string
	InstanceURL string
	ExpiresAt   time.Time
}

// Store is the credential persistence interface, satisfied by
// repository.CredentialRepository and mockable in tests.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.Credential, error)
	GetByOwner(ctx context.Context, ownerID, environment string) (*repository.Credential, error)
	List(ctx context.Context) ([]repository.CredentialStatus, error)
	Upsert(ctx context.Context, req repository.UpsertCredentialRequest) (*repository.Credential, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, req repository.UpdateCredentialTokensRequest) (*repository.Credential, error)
	MarkDisconnected(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Manager owns the OAuth token lifecycle: exchange, proactive refresh,
// reactive refresh after a 401, and revocation. Concurrent refreshes for the
// same owner are coalesced into a single upstream call.
type Manager struct {
	cfg       *config.Config
	oauth     *oauth2.Config
	store     Store
	encryptor *crypto.TokenEncryptor
	group     singleflight.Group
}

// NewManager creates a token manager
func NewManager(cfg *config.Config, store Store) (*Manager, error) {
	if !cfg.CRMEnabled() {
		return nil, fmt.Errorf("crm OAuth credentials not configured")
	}

	encryptor, err := crypto.NewTokenEncryptor(cfg.External.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create token encryptor: %w", err)
	}

	loginURL := cfg.CRMLoginURL()
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		RedirectURL:  cfg.CRM.RedirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   loginURL + "/oauth/authorize",
			TokenURL:  loginURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &Manager{
		cfg:       cfg,
		oauth:     oauthConfig,
		store:     store,
		encryptor: encryptor,
	}, nil
}

// GenerateState generates a secure random state for CSRF protection
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// AuthURL returns the URL to redirect the operator to for authorization
func (m *Manager) AuthURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens and stores them encrypted
func (m *Manager) Exchange(ctx context.Context, code, ownerID string) (*repository.CredentialStatus, error) {
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, fmt.Errorf("token response missing instance_url")
	}

	cred, err := m.storeToken(ctx, ownerID, instanceURL, tok)
	if err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	status := cred.Status()
	return &status, nil
}

// GetValidToken returns a usable access token for the owner, refreshing
// proactively when the stored token expires within the leeway window.
func (m *Manager) GetValidToken(ctx context.Context, ownerID string) (*AccessToken, error) {
	cred, err := m.store.GetByOwner(ctx, ownerID, m.cfg.CRM.Environment)
	if err != nil {
		return nil, ErrNotConnected
	}
	if cred.Disconnected {
		return nil, ErrReauthRequired
	}

	if cred.ExpiresAt == nil || time.Until(*cred.ExpiresAt) > expiryLeeway {
		access, err := m.encryptor.Decrypt(cred.AccessTokenEncrypted, cred.EncryptionNonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		return &AccessToken{
			Value:       access,
			TokenType:   cred.TokenType,
			InstanceURL: cred.InstanceURL,
			ExpiresAt:   expiresAtOrZero(cred.ExpiresAt),
		}, nil
	}

	return m.refresh(ctx, ownerID)
}

// ForceRefresh discards the current access token and fetches a new one, used
// after the remote rejects a token that looked valid locally. Concurrent
// callers for the same owner share one refresh.
func (m *Manager) ForceRefresh(ctx context.Context, ownerID string) (*AccessToken, error) {
	return m.refresh(ctx, ownerID)
}

// refresh coalesces concurrent refreshes per owner through singleflight
func (m *Manager) refresh(ctx context.Context, ownerID string) (*AccessToken, error) {
	key := ownerID + "/" + m.cfg.CRM.Environment
	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.doRefresh(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug().Str("owner_id", ownerID).Msg("token refresh shared with concurrent caller")
	}
	return v.(*AccessToken), nil
}

// doRefresh performs one refresh against the token endpoint, retrying
// transient failures. An invalid_grant response means the refresh token is
// dead: the credential is flagged and the owner must reconnect.
func (m *Manager) doRefresh(ctx context.Context, ownerID string) (*AccessToken, error) {
	cred, err := m.store.GetByOwner(ctx, ownerID, m.cfg.CRM.Environment)
	if err != nil {
		return nil, ErrNotConnected
	}
	if cred.Disconnected {
		return nil, ErrReauthRequired
	}
	if len(cred.RefreshTokenEncrypted) == 0 {
		return nil, ErrReauthRequired
	}

	refreshToken, err := m.encryptor.Decrypt(cred.RefreshTokenEncrypted, cred.EncryptionNonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	var tok *oauth2.Token
	operation := func() error {
		src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		t, err := src.Token()
		if err != nil {
			if isInvalidGrant(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tok = t
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		if isInvalidGrant(err) {
			logger.Warn().Str("owner_id", ownerID).Msg("refresh token rejected, marking credential disconnected")
			if markErr := m.store.MarkDisconnected(ctx, cred.ID); markErr != nil {
				logger.Error().Err(markErr).Str("owner_id", ownerID).Msg("failed to mark credential disconnected")
			}
			return nil, ErrReauthRequired
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	// Refresh tokens are sometimes rotated; persist whichever one came back
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	updated, err := m.updateToken(ctx, cred.ID, tok)
	if err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	logger.Info().Str("owner_id", ownerID).Time("expires_at", tok.Expiry).Msg("access token refreshed")

	return &AccessToken{
		Value:       tok.AccessToken,
		TokenType:   tok.TokenType,
		InstanceURL: updated.InstanceURL,
		ExpiresAt:   tok.Expiry,
	}, nil
}

// Revoke tells the CRM to invalidate the token, then deletes the credential.
// Remote revocation failures are logged but do not block local deletion.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID) error {
	cred, err := m.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}

	accessToken, err := m.encryptor.Decrypt(cred.AccessTokenEncrypted, cred.EncryptionNonce)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to decrypt token for revocation")
	} else {
		revokeURL := m.cfg.CRMLoginURL() + "/oauth/revoke"
		resp, err := http.Post(revokeURL, "application/x-www-form-urlencoded",
			strings.NewReader(url.Values{"token": {accessToken}}.Encode()))
		if err != nil {
			logger.Warn().Err(err).Msg("failed to revoke token with CRM")
		} else {
			if err := resp.Body.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close revoke response body")
			}
			if resp.StatusCode != http.StatusOK {
				logger.Warn().Int("status", resp.StatusCode).Msg("CRM revoke returned non-OK status")
			}
		}
	}

	return m.store.Delete(ctx, id)
}

// ListConnections returns non-sensitive status for all stored credentials
func (m *Manager) ListConnections(ctx context.Context) ([]repository.CredentialStatus, error) {
	return m.store.List(ctx)
}

// storeToken encrypts and upserts a freshly exchanged token
func (m *Manager) storeToken(ctx context.Context, ownerID, instanceURL string, tok *oauth2.Token) (*repository.Credential, error) {
	accessCiphertext, nonce, err := m.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	var refreshCiphertext []byte
	if tok.RefreshToken != "" {
		refreshCiphertext, err = m.encryptor.EncryptWithNonce(tok.RefreshToken, nonce)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}

	return m.store.Upsert(ctx, repository.UpsertCredentialRequest{
		OwnerID:               ownerID,
		Environment:           m.cfg.CRM.Environment,
		AccessTokenEncrypted:  accessCiphertext,
		RefreshTokenEncrypted: refreshCiphertext,
		EncryptionNonce:       nonce,
		InstanceURL:           instanceURL,
		TokenType:             tok.TokenType,
		ExpiresAt:             expiresAt,
		Scopes:                Scopes,
	})
}

// updateToken persists the token data after a refresh
func (m *Manager) updateToken(ctx context.Context, id uuid.UUID, tok *oauth2.Token) (*repository.Credential, error) {
	accessCiphertext, nonce, err := m.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	var refreshCiphertext []byte
	if tok.RefreshToken != "" {
		refreshCiphertext, err = m.encryptor.EncryptWithNonce(tok.RefreshToken, nonce)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}

	return m.store.UpdateTokens(ctx, id, repository.UpdateCredentialTokensRequest{
		AccessTokenEncrypted:  accessCiphertext,
		RefreshTokenEncrypted: refreshCiphertext,
		EncryptionNonce:       nonce,
		ExpiresAt:             expiresAt,
	})
}

// isInvalidGrant reports whether the token endpoint rejected the grant
// itself, as opposed to failing transiently.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	return retrieveErr.Response != nil &&
		(retrieveErr.Response.StatusCode == http.StatusBadRequest ||
			retrieveErr.Response.StatusCode == http.StatusUnauthorized) &&
		strings.Contains(string(retrieveErr.Body), "invalid_grant")
}

func expiresAtOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
