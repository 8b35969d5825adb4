package evidence

import (
	"fmt"
	"time"

	"github.com/neonharbour/sentinel/pkg/models"
)

// DefaultTimeWindow is the temporal correlation window.
const DefaultTimeWindow = 5 * time.Minute

// Correlator derives temporal, entity and behavioral links between evidence
// records. All three analyses are deterministic.
type Correlator struct {
	timeWindow time.Duration
}

// NewCorrelator creates a correlator. window <= 0 uses the default.
func NewCorrelator(window time.Duration) *Correlator {
	if window <= 0 {
		window = DefaultTimeWindow
	}
	return &Correlator{timeWindow: window}
}

// Correlate links the candidate against each of the existing records and
// returns the derived relationship rows (candidate side first).
func (c *Correlator) Correlate(candidate *models.Evidence, existing []*models.Evidence) []*models.EvidenceRelationship {
	var out []*models.EvidenceRelationship
	for _, other := range existing {
		if other.EvidenceID == candidate.EvidenceID {
			continue
		}
		if rel := c.temporal(candidate, other); rel != nil {
			out = append(out, rel)
		}
		if rel := c.entity(candidate, other); rel != nil {
			out = append(out, rel)
		}
		if rel := c.behavioral(candidate, other); rel != nil {
			out = append(out, rel)
		}
	}
	return out
}

// temporal links two records whose timestamps fall within the window.
// Strength is proportional to 1 − Δt/window.
func (c *Correlator) temporal(a, b *models.Evidence) *models.EvidenceRelationship {
	delta := a.Timestamp.Sub(b.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta > c.timeWindow {
		return nil
	}
	strength := 1 - float64(delta)/float64(c.timeWindow)
	return &models.EvidenceRelationship{
		FromEvidenceID: a.EvidenceID,
		ToEvidenceID:   b.EvidenceID,
		Kind:           models.RelTemporal,
		Strength:       strength,
		Rationale:      fmt.Sprintf("events %s apart within a %s window", delta, c.timeWindow),
	}
}

// maxEntityOverlap normalizes the entity-link strength.
const maxEntityOverlap = 3

// entity links two records sharing at least one entity of the same
// kind+value. Strength is min(1, overlapCount/maxOverlap).
func (c *Correlator) entity(a, b *models.Evidence) *models.EvidenceRelationship {
	overlap := 0
	var shared []string
	for kind, values := range a.Entities {
		for _, v := range values {
			if b.HasEntity(kind, v) {
				overlap++
				if len(shared) < 3 {
					shared = append(shared, kind+":"+v)
				}
			}
		}
	}
	if overlap == 0 {
		return nil
	}
	strength := float64(overlap) / maxEntityOverlap
	if strength > 1 {
		strength = 1
	}
	return &models.EvidenceRelationship{
		FromEvidenceID: a.EvidenceID,
		ToEvidenceID:   b.EvidenceID,
		Kind:           models.RelEntity,
		Strength:       strength,
		Rationale:      fmt.Sprintf("shared entities: %v", shared),
	}
}

// behavioral links two records with overlapping MITRE techniques or
// tactics. Strength is the Jaccard overlap of the union of both sets.
func (c *Correlator) behavioral(a, b *models.Evidence) *models.EvidenceRelationship {
	aSet := mitreSet(a)
	bSet := mitreSet(b)
	if len(aSet) == 0 || len(bSet) == 0 {
		return nil
	}
	intersection := 0
	union := len(bSet)
	for item := range aSet {
		if bSet[item] {
			intersection++
		} else {
			union++
		}
	}
	if intersection == 0 {
		return nil
	}
	strength := float64(intersection) / float64(union)
	return &models.EvidenceRelationship{
		FromEvidenceID: a.EvidenceID,
		ToEvidenceID:   b.EvidenceID,
		Kind:           models.RelBehavioral,
		Strength:       strength,
		Rationale:      fmt.Sprintf("%d shared MITRE techniques/tactics", intersection),
	}
}

// mitreSet collects the record's MITRE technique and tactic identifiers
// from the payload contract fields.
func mitreSet(e *models.Evidence) map[string]bool {
	set := make(map[string]bool)
	for _, field := range []string{"mitre_techniques", "mitre_tactics"} {
		raw, ok := e.Payload[field]
		if !ok {
			continue
		}
		switch values := raw.(type) {
		case []string:
			for _, v := range values {
				set[v] = true
			}
		case []any:
			for _, v := range values {
				if s, ok := v.(string); ok {
					set[s] = true
				}
			}
		}
	}
	return set
}
