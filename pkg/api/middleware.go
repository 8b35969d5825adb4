package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neonharbour/sentinel/pkg/tenancy"
)

// TenantHeader carries the caller's tenant. Authentication itself is an
// external collaborator; this middleware only threads the identity.
const TenantHeader = "X-Tenant-ID"

// UserHeader optionally carries the acting user.
const UserHeader = "X-User-ID"

// tenantMiddleware rejects requests without a tenant and attaches the
// identity to the request context.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "missing " + TenantHeader + " header",
			})
			return
		}
		id := tenancy.Identity{
			TenantID:      tenantID,
			UserID:        c.GetHeader(UserHeader),
			CorrelationID: uuid.New().String(),
		}
		c.Request = c.Request.WithContext(tenancy.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// requestLogger logs one line per request in slog style.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
