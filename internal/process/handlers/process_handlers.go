package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
)

// defaultListLimit caps GET /api/processes when no limit is given.
const defaultListLimit = 50

type ProcessHandlers struct {
	store  store.Store
	logger *logger.Logger
}

func NewProcessHandlers(st store.Store, log *logger.Logger) *ProcessHandlers {
	return &ProcessHandlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "process-handlers")),
	}
}

func RegisterProcessRoutes(router *gin.Engine, st store.Store, log *logger.Logger) {
	h := NewProcessHandlers(st, log)
	api := router.Group("/api")
	api.POST("/processes", h.createProcess)
	api.GET("/processes", h.listProcesses)
	api.DELETE("/processes", h.clearProcesses)
	api.GET("/processes/:id", h.getProcess)
	api.PATCH("/processes/:id", h.updateProcess)
	api.DELETE("/processes/:id", h.removeProcess)
	api.POST("/processes/:id/cancel", h.cancelProcess)
	api.GET("/processes/:id/stream", h.streamProcess)
}

// createProcessRequest accepts a top-level workspaceId for convenience and
// folds it into the process metadata.
type createProcessRequest struct {
	models.AIProcess
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (h *ProcessHandlers) createProcess(c *gin.Context) {
	var body createProcessRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.ID == "" || body.PromptPreview == "" || body.Status == "" || body.StartTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, promptPreview, status and startTime are required"})
		return
	}
	if !models.ValidProcessStatus(body.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %q", body.Status)})
		return
	}

	proc := body.AIProcess
	if body.WorkspaceID != "" {
		if proc.Metadata == nil {
			proc.Metadata = map[string]any{}
		}
		proc.Metadata["workspaceId"] = body.WorkspaceID
	}

	created, err := h.store.AddProcess(c.Request.Context(), &proc)
	if err != nil {
		handleError(c, h.logger, err, "process not created")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *ProcessHandlers) listProcesses(c *gin.Context) {
	filter, err := parseProcessFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	procs, err := h.store.GetAllProcesses(c.Request.Context(), filter)
	if err != nil {
		handleError(c, h.logger, err, "processes not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": procs})
}

func parseProcessFilter(c *gin.Context) (models.ProcessFilter, error) {
	filter := models.ProcessFilter{
		WorkspaceID: c.Query("workspace"),
		Type:        c.Query("type"),
		Statuses:    models.ParseStatusList(c.Query("status")),
		Limit:       defaultListLimit,
	}
	if since := c.Query("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = ts
		} else if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = time.UnixMilli(ms)
		} else {
			return filter, fmt.Errorf("invalid since value %q", since)
		}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", raw)
		}
		filter.Offset = n
	}
	return filter, nil
}

func (h *ProcessHandlers) getProcess(c *gin.Context) {
	proc, err := h.store.GetProcess(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "process not found")
		return
	}
	c.JSON(http.StatusOK, proc)
}

func (h *ProcessHandlers) updateProcess(c *gin.Context) {
	var update models.ProcessUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if update.Status != nil && !models.ValidProcessStatus(*update.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %q", *update.Status)})
		return
	}
	proc, err := h.store.UpdateProcess(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		handleError(c, h.logger, err, "process not updated")
		return
	}
	if proc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	c.JSON(http.StatusOK, proc)
}

func (h *ProcessHandlers) removeProcess(c *gin.Context) {
	removed, err := h.store.RemoveProcess(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "process not removed")
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ProcessHandlers) clearProcesses(c *gin.Context) {
	statuses := models.ParseStatusList(c.Query("status"))
	if len(statuses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status query parameter is required"})
		return
	}
	count, err := h.store.ClearProcesses(c.Request.Context(), models.ProcessFilter{
		Statuses:    statuses,
		WorkspaceID: c.Query("workspace"),
	})
	if err != nil {
		handleError(c, h.logger, err, "processes not cleared")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": count})
}

func (h *ProcessHandlers) cancelProcess(c *gin.Context) {
	id := c.Param("id")
	proc, err := h.store.GetProcess(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err, "process not found")
		return
	}
	if proc.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("process already %s", proc.Status)})
		return
	}

	status := models.StatusCancelled
	now := time.Now()
	updated, err := h.store.UpdateProcess(c.Request.Context(), id, models.ProcessUpdate{
		Status:  &status,
		EndTime: &now,
	})
	if err != nil {
		handleError(c, h.logger, err, "process not cancelled")
		return
	}
	if updated == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	// Release any stream watchers and dispose the output bus.
	h.store.EmitProcessComplete(id, status, now.Sub(proc.StartTime).Milliseconds())
	c.JSON(http.StatusOK, updated)
}
