package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/neonharbour/sentinel/pkg/models"
)

// confidenceCapWithLimitations bounds the verdict confidence whenever data
// sources were unavailable.
const confidenceCapWithLimitations = 0.79

// Analyst reads the accumulated evidence and produces the verdict. The
// analysis is a deterministic function of the evidence set, the
// relationships, the limitations and any pending verdict corrections.
type Analyst struct{}

// NewAnalyst creates the analyst agent.
func NewAnalyst() *Analyst { return &Analyst{} }

// Name implements Agent.
func (a *Analyst) Name() string { return NameAnalyst }

// Validate implements Agent.
func (a *Analyst) Validate(ec *ExecutionContext) ValidationResult {
	var errs []string
	if ec.InvestigationID == "" {
		errs = append(errs, "investigation id is required")
	}
	if ec.Alert == nil {
		errs = append(errs, "alert is required")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Execute implements Agent.
func (a *Analyst) Execute(_ context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
	score, signals := threatScore(ec)
	confidence := verdictConfidence(ec)

	var classification models.VerdictClassification
	switch {
	case confidence < 0.5:
		classification = models.VerdictRequiresReview
	case score >= 0.6:
		classification = models.VerdictTruePositive
	case score <= 0.25:
		classification = models.VerdictFalsePositive
	default:
		classification = models.VerdictRequiresReview
	}

	var reasoning strings.Builder
	fmt.Fprintf(&reasoning, "Analyzed %d evidence records with %d correlations; threat score %.2f.",
		len(ec.Evidence), len(ec.Relationships), score)
	for _, s := range signals {
		reasoning.WriteString(" ")
		reasoning.WriteString(s)
	}
	if len(ec.Limitations) > 0 {
		fmt.Fprintf(&reasoning,
			" Verdict reached with limited data sources (%s unavailable); confidence reduced.",
			strings.Join(ec.Limitations, ", "))
	}

	verdict := &models.Verdict{
		Classification: classification,
		Confidence:     confidence,
		Reasoning:      reasoning.String(),
		Limitations:    append([]string{}, ec.Limitations...),
	}

	// Human verdict corrections override the computed classification; the
	// latest correction wins.
	for _, correction := range ec.Corrections {
		if correction.Type != models.FeedbackVerdictCorrection {
			continue
		}
		raw, _ := correction.Content["classification"].(string)
		corrected := models.VerdictClassification(raw)
		if !corrected.IsValid() {
			continue
		}
		verdict.Classification = corrected
		verdict.Reasoning += fmt.Sprintf(
			" Classification corrected to %s by analyst feedback.", corrected)
		if verdict.Confidence < 0.9 && len(ec.Limitations) == 0 {
			verdict.Confidence = 0.9
		}
	}

	return &ExecutionResult{Verdict: verdict}, nil
}

// threatScore condenses the evidence into a [0,1] threat estimate plus
// human-readable signals.
func threatScore(ec *ExecutionContext) (float64, []string) {
	var signals []string
	var score float64

	malicious, enrichments := 0, 0
	for _, ev := range ec.Evidence {
		if ev.Type != models.EvidenceEnrichment {
			continue
		}
		enrichments++
		if verdict, _ := ev.Payload["verdict"].(string); verdict == "malicious" || verdict == "suspicious" {
			malicious++
		}
	}
	if enrichments > 0 {
		ratio := float64(malicious) / float64(enrichments)
		score += 0.45 * ratio
		if malicious > 0 {
			signals = append(signals, fmt.Sprintf(
				"%d of %d threat-intel enrichments flagged indicators.", malicious, enrichments))
		}
	}

	if len(ec.Evidence) > 0 {
		density := float64(len(ec.Relationships)) / float64(len(ec.Evidence))
		if density > 1 {
			density = 1
		}
		score += 0.3 * density
		if len(ec.Relationships) > 0 {
			signals = append(signals, fmt.Sprintf(
				"Evidence is interlinked (%d correlations).", len(ec.Relationships)))
		}
	}

	switch ec.Alert.Severity {
	case models.SeverityCritical:
		score += 0.25
	case models.SeverityHigh:
		score += 0.2
	case models.SeverityMedium:
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score, signals
}

// verdictConfidence derives confidence from evidence quality and source
// coverage. Missing sources cap it below 0.8; an empty evidence set caps it
// below 0.5.
func verdictConfidence(ec *ExecutionContext) float64 {
	if len(ec.Evidence) == 0 {
		return 0.3
	}

	var qualitySum float64
	for _, ev := range ec.Evidence {
		qualitySum += ev.QualityScore
	}
	confidence := 0.5 + 0.5*(qualitySum/float64(len(ec.Evidence)))

	if len(ec.Limitations) > 0 {
		// Each missing source erodes confidence further.
		confidence -= 0.1 * float64(len(ec.Limitations))
		if confidence > confidenceCapWithLimitations {
			confidence = confidenceCapWithLimitations
		}
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
