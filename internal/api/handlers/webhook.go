package handlers

import (
	"context"
	"errors"
	"net/http"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/webhook"

	"github.com/gin-gonic/gin"
)

// WebhookHandler handles inbound CRM push notifications
type WebhookHandler struct {
	cfg      *config.Config
	receiver *webhook.Receiver
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(cfg *config.Config, receiver *webhook.Receiver) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, receiver: receiver}
}

// Receive processes one delivery. The handler runs under its own short
// budget, independent of downstream queue processing.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		api.SendBadRequest(c, "unable to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Sync.WebhookTimeout)
	defer cancel()

	disposition, err := h.receiver.Process(ctx, webhook.Delivery{
		Body:      body,
		Signature: c.GetHeader(webhook.HeaderSignature),
		EventID:   c.GetHeader(webhook.HeaderEventID),
		Timestamp: c.GetHeader(webhook.HeaderTimestamp),
	})
	if err != nil {
		var malformed *webhook.MalformedError
		switch {
		case errors.Is(err, webhook.ErrSignatureInvalid), errors.Is(err, webhook.ErrOutsideWindow):
			api.SendUnauthorized(c, err.Error())
		case errors.As(err, &malformed):
			api.SendBadRequest(c, malformed.Message)
		default:
			api.SendInternalError(c, err.Error())
		}
		return
	}

	api.SendSuccess(c, http.StatusOK, gin.H{"disposition": disposition}, nil)
}
