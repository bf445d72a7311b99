package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/queue"
)

// handleError maps queue errors onto the REST taxonomy: validation and
// capacity errors become 400 with the error text, anything else is logged
// and returned as an opaque 500.
func handleError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrInvalidTaskType),
		errors.Is(err, queue.ErrInvalidPriority):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("queue request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
