// Package learning defines the feedback hook consumed by the external
// adaptation pipeline. Only the interface is in scope; the statistical
// methods behind it are an external collaborator.
package learning

import (
	"context"
	"log/slog"

	"github.com/neonharbour/sentinel/pkg/models"
)

// Snapshot is what a completed investigation hands to the learning
// pipeline.
type Snapshot struct {
	Investigation *models.Investigation
	Summary       *models.ExecutionSummary
	Feedback      []*models.Feedback
	EvidenceCount int
}

// Hook consumes completed investigations. Implementations must be
// non-blocking or internally buffered; the orchestrator calls them
// asynchronously and ignores failures beyond logging.
type Hook interface {
	OnInvestigationComplete(ctx context.Context, snapshot Snapshot)
}

// LoggingHook is the default no-op implementation: it records that a
// snapshot was produced and drops it.
type LoggingHook struct{}

// OnInvestigationComplete implements Hook.
func (LoggingHook) OnInvestigationComplete(_ context.Context, snapshot Snapshot) {
	if snapshot.Investigation == nil {
		return
	}
	slog.Debug("Learning snapshot produced",
		"investigation_id", snapshot.Investigation.InvestigationID,
		"status", snapshot.Investigation.Status,
		"evidence_count", snapshot.EvidenceCount,
		"feedback_count", len(snapshot.Feedback))
}
