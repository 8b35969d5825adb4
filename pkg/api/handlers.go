package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/orchestrator"
	"github.com/neonharbour/sentinel/pkg/tenancy"
)

// StartInvestigationRequest is the POST /investigations body.
type StartInvestigationRequest struct {
	Alert          *models.Alert `json:"alert" binding:"required"`
	Priority       int           `json:"priority,omitempty"`
	TimeoutMs      int64         `json:"timeout_ms,omitempty"`
	CorrelationKey string        `json:"correlation_key,omitempty"`
}

func (s *Server) handleStartInvestigation(c *gin.Context) {
	var req StartInvestigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	identity, _ := tenancy.FromContext(c.Request.Context())
	inv, err := s.orch.StartInvestigation(c.Request.Context(), identity.TenantID, req.Alert,
		orchestrator.StartOptions{
			Priority:       req.Priority,
			TimeoutMs:      req.TimeoutMs,
			UserID:         identity.UserID,
			CorrelationKey: req.CorrelationKey,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"investigation_id": inv.InvestigationID,
		"status":           inv.Status,
	})
}

func (s *Server) handleListInvestigations(c *gin.Context) {
	filters := models.InvestigationFilters{
		Status: models.InvestigationStatus(c.Query("status")),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if from := c.Query("created_after"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filters.CreatedAfter = &ts
		}
	}
	if to := c.Query("created_before"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filters.CreatedBefore = &ts
		}
	}

	list, err := s.orch.ListInvestigations(c.Request.Context(), tenancy.TenantID(c.Request.Context()), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetStatus(c *gin.Context) {
	status, err := s.orch.GetStatus(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGetTimeline(c *gin.Context) {
	timeline, err := s.orch.GetTimeline(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}

func (s *Server) handleGetReport(c *gin.Context) {
	report, err := s.orch.GetReport(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PostFeedbackRequest is the POST feedback body.
type PostFeedbackRequest struct {
	Type    models.FeedbackType `json:"type" binding:"required"`
	Content map[string]any      `json:"content,omitempty"`
}

func (s *Server) handlePostFeedback(c *gin.Context) {
	var req PostFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	identity, _ := tenancy.FromContext(c.Request.Context())
	fb, err := s.orch.PostFeedback(c.Request.Context(), identity.TenantID, &models.Feedback{
		InvestigationID: c.Param("id"),
		UserID:          identity.UserID,
		Type:            req.Type,
		Content:         req.Content,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fb)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.orch.Pause(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.StatusPaused})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.orch.Resume(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.StatusExecuting})
}

// RespondApprovalRequest is the approval decision body.
type RespondApprovalRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	var req RespondApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.orch.RespondApproval(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"),
		c.Param("requestId"), req.Approve); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": c.Param("requestId"), "approved": req.Approve})
}

// ExtendTimeoutRequest is the timeout extension body.
type ExtendTimeoutRequest struct {
	DeltaMs int64 `json:"delta_ms" binding:"required,min=1"`
}

func (s *Server) handleExtendTimeout(c *gin.Context) {
	var req ExtendTimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	deadline, err := s.orch.ExtendTimeout(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"),
		time.Duration(req.DeltaMs)*time.Millisecond)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadline": deadline})
}

func (s *Server) handleCorrelationNetwork(c *gin.Context) {
	network, err := s.evidence.CorrelationNetwork(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, network)
}

func (s *Server) handleStats(c *gin.Context) {
	timeframe := models.StatsTimeframe(c.DefaultQuery("timeframe", string(models.Timeframe24h)))
	stats, err := s.orch.Stats(c.Request.Context(), tenancy.TenantID(c.Request.Context()), timeframe)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSearchEvidence(c *gin.Context) {
	result, err := s.evidence.Search(c.Request.Context(),
		tenancy.TenantID(c.Request.Context()), c.Query("q"),
		intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListConnectors(c *gin.Context) {
	infos := s.registry.List(tenancy.TenantID(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"connectors": infos})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
