package handlers

import (
	"errors"
	"net/http"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RecordHandler handles local record CRUD, the mutation source that feeds
// the outbound side of the change queue.
type RecordHandler struct {
	recordService *service.RecordService
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(recordService *service.RecordService) *RecordHandler {
	return &RecordHandler{recordService: recordService}
}

// CreateRecordRequest is the record creation payload
type CreateRecordRequest struct {
	EntityType string            `json:"entity_type" binding:"required"`
	Fields     map[string]string `json:"fields" binding:"required"`
}

// Create stores a new local record and queues its outbound create
func (h *RecordHandler) Create(c *gin.Context) {
	var req CreateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	entityType, err := crm.ParseEntityType(req.EntityType)
	if err != nil {
		api.SendValidationError(c, "invalid entity_type", err.Error())
		return
	}

	record, err := h.recordService.Create(c.Request.Context(), entityType, crm.FieldSet(req.Fields))
	if err != nil {
		api.SendValidationError(c, "record rejected", err.Error())
		return
	}
	api.SendSuccess(c, http.StatusCreated, record, nil)
}

// UpdateRecordRequest is the record edit payload
type UpdateRecordRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// Update applies a local edit and queues its outbound push
func (h *RecordHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "invalid record ID", err.Error())
		return
	}

	var req UpdateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	record, err := h.recordService.Update(c.Request.Context(), id, crm.FieldSet(req.Fields))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "record")
			return
		}
		api.SendValidationError(c, "update rejected", err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, record, nil)
}

// Get retrieves one local record
func (h *RecordHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "invalid record ID", err.Error())
		return
	}

	record, err := h.recordService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "record")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, record, nil)
}

// List retrieves local records of one entity type
func (h *RecordHandler) List(c *gin.Context) {
	entityType, err := crm.ParseEntityType(c.DefaultQuery("entity_type", string(crm.EntityLead)))
	if err != nil {
		api.SendValidationError(c, "invalid entity_type", err.Error())
		return
	}
	limit, offset := parsePagination(c)

	records, err := h.recordService.List(c.Request.Context(), entityType, limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, records, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(records)},
	})
}

// Delete removes a record locally and best-effort remotely
func (h *RecordHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "invalid record ID", err.Error())
		return
	}

	if err := h.recordService.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "record")
			return
		}
		api.SendError(c, http.StatusBadGateway, api.ErrCodeUnavailable, "delete failed", err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, gin.H{"deleted": true}, nil)
}
