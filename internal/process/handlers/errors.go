package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/process/store"
)

// handleError maps store errors onto the REST taxonomy: unknown ids become
// 404 with the fallback message, anything else is logged and returned as an
// opaque 500.
func handleError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	if errors.Is(err, store.ErrProcessNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
		return
	}
	log.Error("process request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}
