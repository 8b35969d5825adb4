package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/neonharbour/sentinel/pkg/tenancy"
)

// handleEventStream upgrades to WebSocket and hands the connection to the
// events ConnectionManager. The client subscribes with
// {"action":"subscribe","run_id":...,"last_sequence":...} and resumes by
// last seen sequence after reconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	tenantID := tenancy.TenantID(c.Request.Context())
	runID := c.Param("runId")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin policy is enforced by the fronting proxy; the API itself
		// is not exposed cross-origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "run_id", runID, "error", err)
		c.Status(http.StatusBadRequest)
		return
	}

	s.connManager.HandleConnection(c.Request.Context(), conn, tenantID)
}
