package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// stateTTL bounds how long an issued CSRF state stays redeemable
const stateTTL = 10 * time.Minute

// OAuthHandler handles the CRM authorization flow
type OAuthHandler struct {
	manager *token.Manager

	mu     sync.Mutex
	states map[string]time.Time
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(manager *token.Manager) *OAuthHandler {
	return &OAuthHandler{
		manager: manager,
		states:  make(map[string]time.Time),
	}
}

// AuthURL issues an authorization URL plus the CSRF state the callback must echo
func (h *OAuthHandler) AuthURL(c *gin.Context) {
	state, err := token.GenerateState()
	if err != nil {
		api.SendInternalError(c, "failed to generate state")
		return
	}

	h.mu.Lock()
	h.states[state] = time.Now().Add(stateTTL)
	h.mu.Unlock()

	api.SendSuccess(c, http.StatusOK, gin.H{
		"url":   h.manager.AuthURL(state),
		"state": state,
	}, nil)
}

// CallbackRequest is the authorization-code exchange payload
type CallbackRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// Callback exchanges the authorization code for tokens and stores them
func (h *OAuthHandler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	if !h.consumeState(req.State) {
		api.SendUnauthorized(c, "unknown or expired state")
		return
	}

	status, err := h.manager.Exchange(c.Request.Context(), req.Code, token.DefaultOwner)
	if err != nil {
		api.SendError(c, http.StatusBadGateway, api.ErrCodeUnavailable, "code exchange failed", err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, status, nil)
}

// DisconnectRequest optionally names the credential to revoke
type DisconnectRequest struct {
	CredentialID string `json:"credential_id"`
}

// Disconnect revokes the stored credential and deletes it
func (h *OAuthHandler) Disconnect(c *gin.Context) {
	var req DisconnectRequest
	_ = c.ShouldBindJSON(&req)

	id, err := h.resolveCredentialID(c, req.CredentialID)
	if err != nil {
		return // response already sent
	}

	if err := h.manager.Revoke(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "credential")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, gin.H{"disconnected": true}, nil)
}

// Connections lists stored credentials without sensitive fields
func (h *OAuthHandler) Connections(c *gin.Context) {
	statuses, err := h.manager.ListConnections(c.Request.Context())
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, statuses, nil)
}

// consumeState redeems a state exactly once, expiring stale entries as it goes
func (h *OAuthHandler) consumeState(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for s, expiry := range h.states {
		if now.After(expiry) {
			delete(h.states, s)
		}
	}

	expiry, ok := h.states[state]
	if !ok || now.After(expiry) {
		return false
	}
	delete(h.states, state)
	return true
}

// resolveCredentialID picks the credential to operate on: the one named in
// the request, or the only stored credential when the request names none.
func (h *OAuthHandler) resolveCredentialID(c *gin.Context, raw string) (uuid.UUID, error) {
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			api.SendValidationError(c, "invalid credential_id", err.Error())
			return uuid.Nil, err
		}
		return id, nil
	}

	statuses, err := h.manager.ListConnections(c.Request.Context())
	if err != nil {
		api.SendInternalError(c, err.Error())
		return uuid.Nil, err
	}
	if len(statuses) != 1 {
		err := errors.New("credential_id required when multiple credentials exist")
		api.SendValidationError(c, err.Error(), "")
		return uuid.Nil, err
	}
	return statuses[0].ID, nil
}
