package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
)

type WorkspaceHandlers struct {
	store  store.Store
	logger *logger.Logger
}

func NewWorkspaceHandlers(st store.Store, log *logger.Logger) *WorkspaceHandlers {
	return &WorkspaceHandlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "workspace-handlers")),
	}
}

func RegisterWorkspaceRoutes(router *gin.Engine, st store.Store, log *logger.Logger) {
	h := NewWorkspaceHandlers(st, log)
	api := router.Group("/api")
	api.POST("/workspaces", h.createWorkspace)
	api.GET("/workspaces", h.listWorkspaces)
}

func (h *WorkspaceHandlers) createWorkspace(c *gin.Context) {
	var ws models.WorkspaceInfo
	if err := c.ShouldBindJSON(&ws); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if ws.ID == "" || ws.Name == "" || ws.RootPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, name and rootPath are required"})
		return
	}
	if err := h.store.RegisterWorkspace(c.Request.Context(), ws); err != nil {
		handleError(c, h.logger, err, "workspace not registered")
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (h *WorkspaceHandlers) listWorkspaces(c *gin.Context) {
	workspaces, err := h.store.GetWorkspaces(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err, "workspaces not listed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}
