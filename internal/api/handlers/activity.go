package handlers

import (
	"net/http"
	"time"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// ActivityHandler records user actions as CRM activities
type ActivityHandler struct {
	activityService *service.ActivityService
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(activityService *service.ActivityService) *ActivityHandler {
	return &ActivityHandler{activityService: activityService}
}

// LogActivityRequest is the activity logging payload
type LogActivityRequest struct {
	Kind            string `json:"kind" binding:"required,oneof=email_sent call_made"`
	Subject         string `json:"subject" binding:"required"`
	Description     string `json:"description"`
	OccurredAt      string `json:"occurred_at"` // RFC3339; defaults to now
	ContactID       string `json:"contact_id"`
	LeadID          string `json:"lead_id"`
	DurationMinutes int    `json:"duration_minutes" binding:"gte=0"`
}

// Log records an activity and queues its outbound create
func (h *ActivityHandler) Log(c *gin.Context) {
	var req LogActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	input := service.ActivityInput{
		Kind:            req.Kind,
		Subject:         req.Subject,
		Description:     req.Description,
		ContactID:       req.ContactID,
		LeadID:          req.LeadID,
		DurationMinutes: req.DurationMinutes,
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			api.SendValidationError(c, "invalid occurred_at", err.Error())
			return
		}
		input.OccurredAt = t
	}

	record, err := h.activityService.LogActivity(c.Request.Context(), input)
	if err != nil {
		api.SendValidationError(c, "activity rejected", err.Error())
		return
	}
	api.SendSuccess(c, http.StatusCreated, record, nil)
}
