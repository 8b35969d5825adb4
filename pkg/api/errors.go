package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neonharbour/sentinel/pkg/faults"
)

// respondError maps classified errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindNotFound, faults.KindConnectorNotFound:
		status = http.StatusNotFound
	case faults.KindPermissionDenied, faults.KindAuth:
		status = http.StatusForbidden
	case faults.KindRateLimit:
		status = http.StatusTooManyRequests
	case faults.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		slog.Error("Unexpected API error", "error", err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
