package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/models"
)

func testAlert() *models.Alert {
	return &models.Alert{
		AlertID:  "alert-1",
		TenantID: "t",
		Title:    "Suspicious PowerShell execution",
		Severity: models.SeverityHigh,
		Source:   "siem",
		RawPayload: map[string]any{
			"src_ip":    "192.168.1.100",
			"dst_ip":    "10.0.0.5",
			"process":   "powershell.exe",
			"file_hash": "abc123def456",
			"domain":    "suspicious.com",
		},
	}
}

func plannerContext(sources ...models.ConnectorType) *ExecutionContext {
	return &ExecutionContext{
		TenantID:         "t",
		InvestigationID:  "inv-1",
		RunID:            "run-1",
		Alert:            testAlert(),
		AvailableSources: sources,
	}
}

func TestPlannerBuildsFullDAG(t *testing.T) {
	p := NewPlanner(PlannerConfig{StepTimeout: 5 * time.Second, MaxRetries: 2})
	result, err := p.Execute(context.Background(), plannerContext(
		models.ConnectorSIEM, models.ConnectorEDR, models.ConnectorThreatIntel))
	require.NoError(t, err)
	plan := result.Plan
	require.NotNil(t, plan)

	byType := map[models.StepType][]*models.Step{}
	for _, s := range plan.Steps {
		byType[s.Type] = append(byType[s.Type], s)
	}

	assert.Len(t, byType[models.StepTypeQuery], 3, "one query per available source")
	assert.NotEmpty(t, byType[models.StepTypeEnrich], "indicators produce enrich steps")
	require.Len(t, byType[models.StepTypeCorrelate], 1)
	require.Len(t, byType[models.StepTypeValidate], 1)

	// The correlate step depends on every query and enrich step.
	correlate := byType[models.StepTypeCorrelate][0]
	expectedDeps := len(byType[models.StepTypeQuery]) + len(byType[models.StepTypeEnrich])
	assert.Len(t, correlate.Dependencies, expectedDeps)
	assert.True(t, correlate.NonCritical)

	// The validate step gates on correlation.
	validate := byType[models.StepTypeValidate][0]
	assert.Equal(t, []string{correlate.StepID}, validate.Dependencies)

	// Step envelope stamped from config.
	for _, s := range byType[models.StepTypeQuery] {
		assert.EqualValues(t, 5000, s.TimeoutMs)
		assert.Equal(t, 2, s.MaxRetries)
	}
}

func TestPlannerWithoutThreatIntelSkipsEnrichment(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	result, err := p.Execute(context.Background(), plannerContext(models.ConnectorSIEM))
	require.NoError(t, err)

	for _, s := range result.Plan.Steps {
		assert.NotEqual(t, models.StepTypeEnrich, s.Type)
	}
}

func TestPlannerValidation(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	v := p.Validate(&ExecutionContext{InvestigationID: "inv-1"})
	assert.False(t, v.Valid)
	assert.Contains(t, v.Errors, "alert is required")
}

func analystContext(evidence []*models.Evidence, limitations []string) *ExecutionContext {
	return &ExecutionContext{
		TenantID:        "t",
		InvestigationID: "inv-1",
		Alert:           testAlert(),
		Evidence:        evidence,
		Limitations:     limitations,
	}
}

func maliciousEnrichment(id string) *models.Evidence {
	return &models.Evidence{
		EvidenceID: id, InvestigationID: "inv-1", TenantID: "t",
		Type: models.EvidenceEnrichment, Source: "threat_intel",
		QualityScore: 0.8, Confidence: 0.9,
		Payload: map[string]any{"verdict": "malicious"},
	}
}

func TestAnalystTruePositive(t *testing.T) {
	a := NewAnalyst()
	evidence := []*models.Evidence{
		maliciousEnrichment("e1"),
		maliciousEnrichment("e2"),
		{EvidenceID: "e3", Type: models.EvidenceNetwork, Source: "siem", QualityScore: 0.7},
	}
	ec := analystContext(evidence, nil)
	ec.Relationships = []*models.EvidenceRelationship{
		{FromEvidenceID: "e1", ToEvidenceID: "e3", Kind: models.RelEntity, Strength: 0.8},
	}

	result, err := a.Execute(context.Background(), ec)
	require.NoError(t, err)
	verdict := result.Verdict
	require.NotNil(t, verdict)

	assert.Equal(t, models.VerdictTruePositive, verdict.Classification)
	assert.GreaterOrEqual(t, verdict.Confidence, 0.5)
	assert.LessOrEqual(t, verdict.Confidence, 1.0)
	assert.NotEmpty(t, verdict.Reasoning)
}

func TestAnalystNoEvidenceRequiresReview(t *testing.T) {
	a := NewAnalyst()
	result, err := a.Execute(context.Background(),
		analystContext(nil, []string{"siem_unavailable", "edr_unavailable", "threat_intel_unavailable"}))
	require.NoError(t, err)

	verdict := result.Verdict
	assert.Equal(t, models.VerdictRequiresReview, verdict.Classification)
	assert.Less(t, verdict.Confidence, 0.5)
	assert.Contains(t, verdict.Reasoning, "limited data sources")
}

func TestAnalystLimitationsCapConfidence(t *testing.T) {
	a := NewAnalyst()
	evidence := []*models.Evidence{
		maliciousEnrichment("e1"),
		{EvidenceID: "e2", Type: models.EvidenceProcess, Source: "edr", QualityScore: 0.9},
	}
	result, err := a.Execute(context.Background(),
		analystContext(evidence, []string{"siem_unavailable"}))
	require.NoError(t, err)

	verdict := result.Verdict
	assert.Less(t, verdict.Confidence, 0.8)
	assert.Contains(t, verdict.Limitations, "siem_unavailable")
	assert.Contains(t, verdict.Reasoning, "limited data sources")
}

func TestAnalystHonorsVerdictCorrection(t *testing.T) {
	a := NewAnalyst()
	ec := analystContext([]*models.Evidence{maliciousEnrichment("e1")}, nil)
	ec.Corrections = []*models.Feedback{{
		FeedbackID: "fb-1", Type: models.FeedbackVerdictCorrection,
		Content: map[string]any{"classification": "false_positive"},
	}}

	result, err := a.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFalsePositive, result.Verdict.Classification)
	assert.Contains(t, result.Verdict.Reasoning, "corrected")
}

func TestAnalystDeterminism(t *testing.T) {
	a := NewAnalyst()
	ec := analystContext([]*models.Evidence{maliciousEnrichment("e1")}, nil)

	r1, err := a.Execute(context.Background(), ec)
	require.NoError(t, err)
	r2, err := a.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, r1.Verdict, r2.Verdict)
}

func TestResponderTruePositive(t *testing.T) {
	r := NewResponder()
	ec := &ExecutionContext{
		Alert: testAlert(),
		Evidence: []*models.Evidence{{
			EvidenceID: "e1",
			Entities:   map[string][]string{"ip": {"192.168.1.100"}},
		}},
		Verdict: &models.Verdict{
			Classification: models.VerdictTruePositive,
			Confidence:     0.9,
		},
	}

	result, err := r.Execute(context.Background(), ec)
	require.NoError(t, err)

	var contain *models.Recommendation
	for i := range result.Recommendations {
		if result.Recommendations[i].Action == models.ActionContain {
			contain = &result.Recommendations[i]
		}
	}
	require.NotNil(t, contain)
	assert.True(t, contain.RequiresApproval)
	assert.Equal(t, "high", contain.Priority)
	assert.Contains(t, contain.Targets["ip"], "192.168.1.100")
}

func TestResponderLowConfidenceEscalates(t *testing.T) {
	r := NewResponder()
	ec := &ExecutionContext{
		Alert: testAlert(),
		Verdict: &models.Verdict{
			Classification: models.VerdictRequiresReview,
			Confidence:     0.3,
			Limitations:    []string{"siem_unavailable"},
		},
	}

	result, err := r.Execute(context.Background(), ec)
	require.NoError(t, err)

	var escalation *models.Recommendation
	for i := range result.Recommendations {
		if result.Recommendations[i].Action == models.ActionEscalate {
			escalation = &result.Recommendations[i]
		}
	}
	require.NotNil(t, escalation, "shaky verdicts escalate")
	assert.Equal(t, "high", escalation.Priority)
	assert.Contains(t, escalation.Description, "limited data sources")
}

func TestResponderFalsePositiveCloses(t *testing.T) {
	r := NewResponder()
	ec := &ExecutionContext{
		Alert:   testAlert(),
		Verdict: &models.Verdict{Classification: models.VerdictFalsePositive, Confidence: 0.9},
	}

	result, err := r.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)
	rec := result.Recommendations[0]
	assert.Equal(t, models.ActionClose, rec.Action)
	assert.False(t, rec.RequiresApproval)
}
