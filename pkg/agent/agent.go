// Package agent provides the investigation agents (planner, analyst,
// responder) and the shared base that wraps every agent execution with
// validation, per-execution timeouts, retry with exponential backoff and
// metrics.
package agent

import (
	"context"

	"github.com/neonharbour/sentinel/pkg/models"
)

// Agent names as they appear in turn events.
const (
	NamePlanner   = "planner"
	NameAnalyst   = "analyst"
	NameResponder = "responder"
)

// ExecutionContext carries everything an agent may read. Agents are
// deterministic given the same context; the only non-deterministic
// collaborator is the optional Reasoner, whose output is stored as
// evidence and never steers control flow.
type ExecutionContext struct {
	TenantID        string
	InvestigationID string
	RunID           string

	Alert *models.Alert

	// AvailableSources lists the connector types currently selectable for
	// this tenant.
	AvailableSources []models.ConnectorType

	// Evidence and Relationships accumulate as the plan executes.
	Evidence      []*models.Evidence
	Relationships []*models.EvidenceRelationship

	// Limitations names the data sources that were unavailable.
	Limitations []string

	// Corrections holds pending verdict_correction feedback, oldest first.
	Corrections []*models.Feedback

	// Summary is the execution engine's outcome, present from the
	// analyzing state onward.
	Summary *models.ExecutionSummary

	// Verdict is the analyst's conclusion, present for the responder.
	Verdict *models.Verdict
}

// ExecutionResult is what an agent turn produces.
type ExecutionResult struct {
	Plan            *models.Plan
	Verdict         *models.Verdict
	Recommendations []models.Recommendation
}

// ValidationResult reports input validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Agent is one investigation agent. Execute is only called after Validate
// passes.
type Agent interface {
	Name() string
	Validate(ec *ExecutionContext) ValidationResult
	Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error)
}

// Reasoner is the opaque AI callable. Implementations are external; the
// orchestrator records their output as enrichment evidence.
type Reasoner interface {
	Reason(ctx context.Context, prompt string, context map[string]any) (string, error)
}
