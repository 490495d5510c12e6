package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/repository"
	"dealer-intel/backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Pagination bounds
const (
	maxLimit     = 100
	defaultLimit = 20
)

// parsePagination parses and validates pagination parameters
func parsePagination(c *gin.Context) (limit, offset int32) {
	l, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || l < 0 {
		l = defaultLimit
	}
	if l > maxLimit {
		l = maxLimit
	}

	o, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || o < 0 {
		o = 0
	}

	return int32(l), int32(o)
}

// SyncHandler handles sync control requests
type SyncHandler struct {
	syncService *service.SyncService
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(syncService *service.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

// TriggerFull starts a full pull of every synced entity type
func (h *SyncHandler) TriggerFull(c *gin.Context) {
	enqueued, err := h.syncService.TriggerFullSync(c.Request.Context())
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusAccepted, gin.H{"enqueued": enqueued}, nil)
}

// TriggerIncremental pulls changes since each entity type's watermark
func (h *SyncHandler) TriggerIncremental(c *gin.Context) {
	enqueued, err := h.syncService.TriggerIncrementalSync(c.Request.Context())
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusAccepted, gin.H{"enqueued": enqueued}, nil)
}

// ListTasks exposes the change queue, filterable by status
func (h *SyncHandler) ListTasks(c *gin.Context) {
	limit, offset := parsePagination(c)

	var status *repository.TaskStatus
	if s := c.Query("status"); s != "" {
		ts := repository.TaskStatus(s)
		switch ts {
		case repository.TaskStatusPending, repository.TaskStatusInFlight,
			repository.TaskStatusDone, repository.TaskStatusDeadLettered:
			status = &ts
		default:
			api.SendValidationError(c, "invalid status filter", s)
			return
		}
	}

	tasks, err := h.syncService.ListTasks(c.Request.Context(), status, limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, tasks, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(tasks)},
	})
}

// ListLogs exposes the sync audit trail, filterable by entity
func (h *SyncHandler) ListLogs(c *gin.Context) {
	limit, offset := parsePagination(c)

	var entityType *crm.EntityType
	if s := c.Query("entity_type"); s != "" {
		t, err := crm.ParseEntityType(s)
		if err != nil {
			api.SendValidationError(c, "invalid entity_type filter", err.Error())
			return
		}
		entityType = &t
	}
	var entityID *string
	if s := c.Query("entity_id"); s != "" {
		entityID = &s
	}

	entries, err := h.syncService.ListLogs(c.Request.Context(), entityType, entityID, limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, entries, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(entries)},
	})
}

// ListConflicts returns conflicts awaiting operator review
func (h *SyncHandler) ListConflicts(c *gin.Context) {
	limit, offset := parsePagination(c)

	conflicts, err := h.syncService.ListConflicts(c.Request.Context(), limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, conflicts, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(conflicts)},
	})
}

// ResolveConflictRequest is the conflict acknowledgement payload
type ResolveConflictRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

// ResolveConflict acknowledges an open conflict
func (h *SyncHandler) ResolveConflict(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "invalid conflict ID", err.Error())
		return
	}

	var req ResolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	conflict, err := h.syncService.ResolveConflict(c.Request.Context(), id, req.ResolvedBy)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "open conflict")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, conflict, nil)
}
