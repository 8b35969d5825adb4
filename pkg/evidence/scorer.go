// Package evidence provides the evidence service: tenant-scoped persistence
// with serialized per-investigation writes, pure quality scoring,
// deterministic correlation, and the search surface.
package evidence

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/neonharbour/sentinel/pkg/models"
)

// Dimension weights. They sum to 1.
const (
	weightSource       = 0.25
	weightCompleteness = 0.20
	weightFreshness    = 0.15
	weightValidation   = 0.10
	weightConsistency  = 0.15
	weightRelevance    = 0.15
)

// freshnessTau is the exponential decay constant for the freshness
// dimension.
const freshnessTau = 24 * time.Hour

// staleAge is the age beyond which freshness is capped low.
const (
	staleAge          = 30 * 24 * time.Hour
	staleFreshnessCap = 0.3
)

// sourceReliability is the static reliability table keyed by source.
var sourceReliability = map[string]float64{
	"siem":         0.9,
	"edr":          0.85,
	"threat_intel": 0.8,
	"firewall":     0.75,
	"dns":          0.7,
	"proxy":        0.7,
	"manual":       0.6,
}

// unknownSourceReliability applies to sources missing from the table.
const unknownSourceReliability = 0.4

// expectedFields lists the payload fields a well-formed record of each type
// carries. Completeness is the present fraction.
var expectedFields = map[models.EvidenceType][]string{
	models.EvidenceNetwork:     {"src_ip", "dst_ip", "protocol", "bytes"},
	models.EvidenceProcess:     {"process", "pid", "command_line", "user"},
	models.EvidenceFile:        {"path", "file_hash", "size"},
	models.EvidenceLog:         {"message", "level", "host"},
	models.EvidenceAlert:       {"title", "severity", "source"},
	models.EvidenceEnrichment:  {"value", "kind", "verdict"},
	models.EvidenceCorrelation: {"members", "kind", "strength"},
}

// ScoreEvidence computes the quality score of one evidence record. It is a
// pure function of (e, now, relationships): no I/O, no clock reads.
func ScoreEvidence(e *models.Evidence, now time.Time, relationships []*models.EvidenceRelationship) models.QualityScore {
	var factors []string

	source := scoreSource(e)
	if source <= unknownSourceReliability {
		factors = append(factors, fmt.Sprintf("source %q has no reliability rating", e.Source))
	}

	completeness := scoreCompleteness(e)
	if completeness < 0.5 {
		factors = append(factors, "payload is missing expected fields")
	}

	freshness := scoreFreshness(e, now)
	if freshness <= staleFreshnessCap {
		factors = append(factors, "evidence is stale")
	}

	validation := scoreValidation(e)
	if validation < 1 {
		factors = append(factors, "structural validation failed")
	}

	consistency := scoreConsistency(e, now, completeness)
	if consistency < 1 {
		factors = append(factors, "internal consistency checks failed")
	}

	relevance := scoreRelevance(e, relationships)
	if relevance == 0 {
		factors = append(factors, "no links to other evidence")
	}

	breakdown := models.QualityBreakdown{
		Source:       source,
		Completeness: completeness,
		Freshness:    freshness,
		Validation:   validation,
		Consistency:  consistency,
		Relevance:    relevance,
	}
	overall := weightSource*source +
		weightCompleteness*completeness +
		weightFreshness*freshness +
		weightValidation*validation +
		weightConsistency*consistency +
		weightRelevance*relevance

	return models.QualityScore{
		Overall:   clamp01(overall),
		Breakdown: breakdown,
		Factors:   factors,
	}
}

func scoreSource(e *models.Evidence) float64 {
	if r, ok := sourceReliability[strings.ToLower(e.Source)]; ok {
		return r
	}
	return unknownSourceReliability
}

func scoreCompleteness(e *models.Evidence) float64 {
	expected := expectedFields[e.Type]
	if len(expected) == 0 {
		expected = []string{"message"}
	}
	present := 0
	for _, field := range expected {
		if v, ok := e.Payload[field]; ok && v != nil && v != "" {
			present++
		}
	}
	score := float64(present) / float64(len(expected))

	// Bonuses for extracted entities and extra context, capped at 1.
	if len(e.Entities) > 0 {
		score += 0.1
	}
	if len(e.Payload) > len(expected) {
		score += 0.05
	}
	return clamp01(score)
}

func scoreFreshness(e *models.Evidence, now time.Time) float64 {
	age := now.Sub(e.Timestamp)
	if age < 0 {
		age = 0
	}
	score := math.Exp(-age.Hours() / freshnessTau.Hours())
	if age >= staleAge && score > staleFreshnessCap {
		score = staleFreshnessCap
	}
	return clamp01(score)
}

func scoreValidation(e *models.Evidence) float64 {
	if !e.Type.IsValid() {
		return 0
	}
	if e.EvidenceID == "" || e.InvestigationID == "" || e.TenantID == "" {
		return 0
	}
	if e.Source == "" || e.Timestamp.IsZero() {
		return 0
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return 0
	}
	return 1
}

// scoreConsistency runs three checks: payload entities appear in the
// entities map, the timestamp is not more than a minute in the future, and
// confidence is not contradicted by low completeness.
func scoreConsistency(e *models.Evidence, now time.Time, completeness float64) float64 {
	passed, total := 0, 3

	if payloadEntitiesListed(e) {
		passed++
	}
	if !e.Timestamp.After(now.Add(time.Minute)) {
		passed++
	}
	if !(e.Confidence > 0.8 && completeness < 0.3) {
		passed++
	}
	return float64(passed) / float64(total)
}

// payloadEntitiesListed verifies that the well-known entity-bearing payload
// fields are reflected in the entities map.
func payloadEntitiesListed(e *models.Evidence) bool {
	checks := map[string]string{
		"src_ip":    "ip",
		"dst_ip":    "ip",
		"hostname":  "hostname",
		"user":      "user",
		"file_hash": "hash",
	}
	for field, kind := range checks {
		raw, ok := e.Payload[field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		if !e.HasEntity(kind, value) {
			return false
		}
	}
	return true
}

func scoreRelevance(e *models.Evidence, relationships []*models.EvidenceRelationship) float64 {
	var score float64
	for _, rel := range relationships {
		if rel.FromEvidenceID != e.EvidenceID && rel.ToEvidenceID != e.EvidenceID {
			continue
		}
		switch rel.Kind {
		case models.RelCausal:
			score += 0.3
		case models.RelBehavioral:
			score += 0.25
		case models.RelEntity:
			score += 0.2
		default:
			score += 0.15
		}
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
