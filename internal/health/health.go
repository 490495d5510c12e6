// Package health reports liveness of the service and its dependencies.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks database reachability, satisfied by db.Database
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// QueueStats reports change-queue pressure
type QueueStats interface {
	CountReady(ctx context.Context, now time.Time) (int64, error)
}

// Response is the health endpoint payload
type Response struct {
	Status     string `json:"status"`
	Database   string `json:"database"`
	ReadyTasks int64  `json:"ready_tasks"`
}

// Handler serves GET /health
type Handler struct {
	db    Pinger
	queue QueueStats
}

// NewHandler creates a health handler
func NewHandler(db Pinger, queue QueueStats) *Handler {
	return &Handler{db: db, queue: queue}
}

// Check reports overall health; a failing database makes the check degraded
func (h *Handler) Check(c *gin.Context) {
	resp := Response{Status: "ok", Database: "ok"}

	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if ready, err := h.queue.CountReady(c.Request.Context(), time.Now()); err == nil {
		resp.ReadyTasks = ready
	}

	c.JSON(http.StatusOK, resp)
}
