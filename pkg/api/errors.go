package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
)

// writeError maps a core error to an HTTP status and JSON body.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, brainerrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, brainerrors.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, brainerrors.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, retry"})
	case errors.Is(err, brainerrors.ErrAgentUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, brainerrors.ErrSecurityBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, brainerrors.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		slog.Error("api: unexpected error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
