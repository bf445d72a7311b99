package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/queue"
)

// TaskCanceller cancels a queued or running task. The executor satisfies
// this; cancelling a running task also tears down its execution context.
type TaskCanceller interface {
	CancelTask(id string) bool
}

type QueueHandlers struct {
	manager   *queue.Manager
	canceller TaskCanceller
	logger    *logger.Logger
}

func NewQueueHandlers(manager *queue.Manager, canceller TaskCanceller, log *logger.Logger) *QueueHandlers {
	return &QueueHandlers{
		manager:   manager,
		canceller: canceller,
		logger:    log.WithFields(zap.String("component", "queue-handlers")),
	}
}

// RegisterQueueRoutes mounts the queue REST surface. The reserved names
// stats, history, pause, and resume are dispatched inside the :id handlers
// so gin's per-method route trees never mix static and param siblings.
func RegisterQueueRoutes(router *gin.Engine, manager *queue.Manager, canceller TaskCanceller, log *logger.Logger) {
	h := NewQueueHandlers(manager, canceller, log)
	api := router.Group("/api")
	api.GET("/queue", h.getQueue)
	api.POST("/queue", h.enqueueTask)
	api.DELETE("/queue", h.clearQueue)
	api.GET("/queue/:id", h.getTask)
	api.POST("/queue/:id", h.controlQueue)
	api.DELETE("/queue/:id", h.deleteTask)
	api.POST("/queue/:id/move-to-top", h.moveToTop)
	api.POST("/queue/:id/move-up", h.moveUp)
	api.POST("/queue/:id/move-down", h.moveDown)
}

func (h *QueueHandlers) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queued":  h.manager.Queued(),
		"running": h.manager.Running(),
		"stats":   h.manager.Stats(),
	})
}

func (h *QueueHandlers) enqueueTask(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if errors.Is(err, queue.ErrInvalidTaskType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.manager.Enqueue(req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (h *QueueHandlers) getTask(c *gin.Context) {
	switch c.Param("id") {
	case "stats":
		c.JSON(http.StatusOK, h.manager.Stats())
		return
	case "history":
		c.JSON(http.StatusOK, gin.H{"history": h.manager.History()})
		return
	}
	task, ok := h.manager.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (h *QueueHandlers) controlQueue(c *gin.Context) {
	switch c.Param("id") {
	case "pause":
		h.manager.Pause()
	case "resume":
		h.manager.Resume()
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": h.manager.Paused()})
}

func (h *QueueHandlers) clearQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.manager.Clear()})
}

func (h *QueueHandlers) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if id == "history" {
		h.manager.ClearHistory()
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	if !h.cancelTask(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QueueHandlers) cancelTask(id string) bool {
	if h.canceller != nil {
		return h.canceller.CancelTask(id)
	}
	return h.manager.CancelTask(id)
}

func (h *QueueHandlers) moveToTop(c *gin.Context) { h.move(c, h.manager.MoveToTop) }
func (h *QueueHandlers) moveUp(c *gin.Context)    { h.move(c, h.manager.MoveUp) }
func (h *QueueHandlers) moveDown(c *gin.Context)  { h.move(c, h.manager.MoveDown) }

func (h *QueueHandlers) move(c *gin.Context, move func(string) bool) {
	if !move(c.Param("id")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot move task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
