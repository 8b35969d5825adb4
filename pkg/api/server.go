// Package api provides the HTTP surface: investigation operations, evidence
// search, connector introspection and the event-stream WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neonharbour/sentinel/pkg/connector"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/evidence"
	"github.com/neonharbour/sentinel/pkg/metrics"
	"github.com/neonharbour/sentinel/pkg/orchestrator"
	"github.com/neonharbour/sentinel/pkg/version"
)

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	orch        *orchestrator.Orchestrator
	registry    *connector.Registry
	evidence    *evidence.Service
	connManager *events.ConnectionManager
	metrics     *metrics.Metrics
}

// NewServer creates the API server and wires its routes.
func NewServer(orch *orchestrator.Orchestrator, registry *connector.Registry, evidenceSvc *evidence.Service, connManager *events.ConnectionManager, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		router:      router,
		orch:        orch,
		registry:    registry,
		evidence:    evidenceSvc,
		connManager: connManager,
		metrics:     m,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1", tenantMiddleware())
	{
		v1.POST("/investigations", s.handleStartInvestigation)
		v1.GET("/investigations", s.handleListInvestigations)
		v1.GET("/investigations/:id", s.handleGetStatus)
		v1.GET("/investigations/:id/timeline", s.handleGetTimeline)
		v1.GET("/investigations/:id/report", s.handleGetReport)
		v1.POST("/investigations/:id/feedback", s.handlePostFeedback)
		v1.POST("/investigations/:id/pause", s.handlePause)
		v1.POST("/investigations/:id/resume", s.handleResume)
		v1.POST("/investigations/:id/approvals/:requestId", s.handleRespondApproval)
		v1.POST("/investigations/:id/extend", s.handleExtendTimeout)
		v1.GET("/investigations/:id/network", s.handleCorrelationNetwork)
		v1.GET("/stats", s.handleStats)
		v1.GET("/evidence/search", s.handleSearchEvidence)
		v1.GET("/connectors", s.handleListConnectors)
		v1.GET("/events/:runId/ws", s.handleEventStream)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on the port. Blocks until shutdown.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "port", port, "version", version.Full())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}
