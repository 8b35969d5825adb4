package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/neonharbour/sentinel/pkg/models"
)

// Responder turns the verdict into response recommendations. Containment of
// hosts or users is high-risk and requires human approval; escalations are
// generated whenever the verdict is shaky.
type Responder struct{}

// NewResponder creates the response agent.
func NewResponder() *Responder { return &Responder{} }

// Name implements Agent.
func (r *Responder) Name() string { return NameResponder }

// Validate implements Agent.
func (r *Responder) Validate(ec *ExecutionContext) ValidationResult {
	var errs []string
	if ec.Verdict == nil {
		errs = append(errs, "verdict is required")
	}
	if ec.Alert == nil {
		errs = append(errs, "alert is required")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Execute implements Agent.
func (r *Responder) Execute(_ context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
	var recs []models.Recommendation

	switch ec.Verdict.Classification {
	case models.VerdictTruePositive:
		recs = append(recs, models.Recommendation{
			Action:           models.ActionContain,
			Priority:         containPriority(ec.Alert.Severity),
			Description:      containDescription(ec),
			RequiresApproval: true,
			Targets:          affectedEntities(ec),
		})
		recs = append(recs, models.Recommendation{
			Action:      models.ActionMonitor,
			Priority:    "medium",
			Description: "Monitor involved entities for renewed activity over the next 24 hours.",
		})

	case models.VerdictFalsePositive:
		recs = append(recs, models.Recommendation{
			Action:      models.ActionClose,
			Priority:    "low",
			Description: "Close the alert as a false positive and record the disposition for tuning.",
		})

	case models.VerdictRequiresReview:
		recs = append(recs, models.Recommendation{
			Action:      models.ActionMonitor,
			Priority:    "medium",
			Description: "Keep the involved entities under observation pending analyst review.",
		})
	}

	// Shaky verdicts always escalate to a human at high priority.
	if ec.Verdict.Confidence < 0.5 || ec.Verdict.Classification == models.VerdictRequiresReview {
		description := "Escalate to a senior analyst: verdict confidence is low."
		if len(ec.Verdict.Limitations) > 0 {
			description = fmt.Sprintf(
				"Escalate to a senior analyst: verdict was produced with limited data sources (%s).",
				strings.Join(ec.Verdict.Limitations, ", "))
		}
		recs = append(recs, models.Recommendation{
			Action:      models.ActionEscalate,
			Priority:    "high",
			Description: description,
		})
	}

	return &ExecutionResult{Recommendations: recs}, nil
}

func containPriority(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityHigh:
		return "high"
	default:
		return "medium"
	}
}

func containDescription(ec *ExecutionContext) string {
	targets := affectedEntities(ec)
	if hosts := targets["hostname"]; len(hosts) > 0 {
		return fmt.Sprintf("Isolate host(s) %s from the network.", strings.Join(hosts, ", "))
	}
	if ips := targets["ip"]; len(ips) > 0 {
		return fmt.Sprintf("Block traffic involving %s at the perimeter.", strings.Join(ips, ", "))
	}
	return "Contain the affected assets identified in the evidence."
}

// affectedEntities unions the entities across the evidence set, bounded per
// kind to keep recommendations readable.
func affectedEntities(ec *ExecutionContext) map[string][]string {
	const perKindCap = 5
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, ev := range ec.Evidence {
		for kind, values := range ev.Entities {
			for _, v := range values {
				key := kind + ":" + v
				if seen[key] || len(out[kind]) >= perKindCap {
					continue
				}
				seen[key] = true
				out[kind] = append(out[kind], v)
			}
		}
	}
	return out
}
