package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// Masker redacts sensitive material from payloads before persistence.
// Implemented by pkg/masking; nil disables masking.
type Masker interface {
	MaskPayload(payload map[string]any) map[string]any
}

// Service is the evidence write/read facade. Writes for one investigation
// are serialized through a per-investigation critical section so
// relationship derivation is race-free; reads are concurrent.
type Service struct {
	store      store.EvidenceStore
	correlator *Correlator
	clock      ident.Clock
	masker     Masker

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the evidence service. masker may be nil.
func NewService(st store.EvidenceStore, correlator *Correlator, clock ident.Clock, masker Masker) *Service {
	return &Service{
		store:      st,
		correlator: correlator,
		clock:      clock,
		masker:     masker,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Service) investigationLock(investigationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[investigationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[investigationID] = l
	}
	return l
}

// Record scores, persists and correlates one evidence record. The returned
// relationships are the links derived against previously stored evidence.
func (s *Service) Record(ctx context.Context, ev *models.Evidence) ([]*models.EvidenceRelationship, error) {
	if ev.EvidenceID == "" {
		ev.EvidenceID = ident.NewPrefixedID("ev")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	if !ev.Type.IsValid() {
		return nil, fmt.Errorf("evidence %s: unknown type %q", ev.EvidenceID, ev.Type)
	}
	if s.masker != nil {
		ev.Payload = s.masker.MaskPayload(ev.Payload)
	}

	lock := s.investigationLock(ev.InvestigationID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.store.ListEvidence(ctx, ev.TenantID, ev.InvestigationID)
	if err != nil {
		return nil, fmt.Errorf("listing evidence for correlation: %w", err)
	}
	priorRels, err := s.store.ListRelationships(ctx, ev.TenantID, ev.InvestigationID)
	if err != nil {
		return nil, fmt.Errorf("listing relationships for scoring: %w", err)
	}

	rels := s.correlator.Correlate(ev, existing)

	score := ScoreEvidence(ev, s.clock.Now(), append(priorRels, rels...))
	ev.QualityScore = score.Overall

	if err := s.store.AppendEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("persisting evidence %s: %w", ev.EvidenceID, err)
	}
	for _, rel := range rels {
		if err := s.store.AddRelationship(ctx, ev.TenantID, rel); err != nil {
			return nil, fmt.Errorf("persisting relationship %s→%s: %w",
				rel.FromEvidenceID, rel.ToEvidenceID, err)
		}
	}
	return rels, nil
}

// Supersede applies a confidence/quality correction by appending a new row
// tagged with the superseded id; the original is retained.
func (s *Service) Supersede(ctx context.Context, tenantID, evidenceID string, confidence float64) (*models.Evidence, error) {
	orig, err := s.store.GetEvidence(ctx, tenantID, evidenceID)
	if err != nil {
		return nil, err
	}
	updated := *orig
	updated.EvidenceID = ident.NewPrefixedID("ev")
	updated.Confidence = confidence
	updated.Tags = append(append([]string{}, orig.Tags...), "supersedes:"+orig.EvidenceID)

	lock := s.investigationLock(orig.InvestigationID)
	lock.Lock()
	defer lock.Unlock()

	rels, err := s.store.ListRelationships(ctx, tenantID, orig.InvestigationID)
	if err != nil {
		return nil, err
	}
	score := ScoreEvidence(&updated, s.clock.Now(), rels)
	updated.QualityScore = score.Overall

	if err := s.store.AppendEvidence(ctx, &updated); err != nil {
		return nil, fmt.Errorf("persisting superseding evidence: %w", err)
	}
	return &updated, nil
}

// List returns all evidence of an investigation.
func (s *Service) List(ctx context.Context, tenantID, investigationID string) ([]*models.Evidence, error) {
	return s.store.ListEvidence(ctx, tenantID, investigationID)
}

// Relationships returns all links of an investigation.
func (s *Service) Relationships(ctx context.Context, tenantID, investigationID string) ([]*models.EvidenceRelationship, error) {
	return s.store.ListRelationships(ctx, tenantID, investigationID)
}

// CorrelationNetwork builds the {nodes, edges} graph for an investigation.
// Node size is the count of evidence records involving the entity; edge
// width is the link strength.
func (s *Service) CorrelationNetwork(ctx context.Context, tenantID, investigationID string) (*models.CorrelationNetwork, error) {
	evidence, err := s.store.ListEvidence(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	rels, err := s.store.ListRelationships(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}

	type nodeKey struct{ kind, value string }
	nodeCounts := make(map[nodeKey]int)
	nodeOrder := []nodeKey{}
	evidenceEntities := make(map[string][]nodeKey)

	for _, ev := range evidence {
		for kind, values := range ev.Entities {
			for _, v := range values {
				key := nodeKey{kind, v}
				if nodeCounts[key] == 0 {
					nodeOrder = append(nodeOrder, key)
				}
				nodeCounts[key]++
				evidenceEntities[ev.EvidenceID] = append(evidenceEntities[ev.EvidenceID], key)
			}
		}
	}

	network := &models.CorrelationNetwork{}
	nodeID := func(k nodeKey) string { return k.kind + ":" + k.value }
	for _, key := range nodeOrder {
		network.Nodes = append(network.Nodes, models.NetworkNode{
			ID:    nodeID(key),
			Kind:  key.kind,
			Value: key.value,
			Size:  nodeCounts[key],
		})
	}

	// Project evidence-level links onto shared-entity node pairs.
	seen := make(map[string]bool)
	for _, rel := range rels {
		for _, from := range evidenceEntities[rel.FromEvidenceID] {
			for _, to := range evidenceEntities[rel.ToEvidenceID] {
				if from == to {
					continue
				}
				edgeKey := nodeID(from) + "|" + nodeID(to) + "|" + string(rel.Kind)
				if seen[edgeKey] {
					continue
				}
				seen[edgeKey] = true
				network.Edges = append(network.Edges, models.NetworkEdge{
					From:     nodeID(from),
					To:       nodeID(to),
					Kind:     rel.Kind,
					Strength: rel.Strength,
				})
			}
		}
	}
	return network, nil
}

// SearchResult is a paginated, faceted search response.
type SearchResult struct {
	Evidence []*models.Evidence `json:"evidence"`
	Total    int                `json:"total"`
	Facets   Facets             `json:"facets"`
}

// Facets aggregates the full (unpaginated) match set.
type Facets struct {
	ByType       map[string]int `json:"by_type"`
	BySource     map[string]int `json:"by_source"`
	ByConfidence map[string]int `json:"by_confidence"`
	ByTimeRange  map[string]int `json:"by_time_range"`
}

// Search parses the query grammar, runs the store search and computes
// facets over the full match set.
func (s *Service) Search(ctx context.Context, tenantID, query string, limit, offset int) (*SearchResult, error) {
	filter, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	// Facet pass over every match.
	all, total, err := s.store.SearchEvidence(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	facets := computeFacets(all, s.clock.Now())

	filter.Limit = limit
	filter.Offset = offset
	page, _, err := s.store.SearchEvidence(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}

	return &SearchResult{Evidence: page, Total: total, Facets: facets}, nil
}

func computeFacets(evidence []*models.Evidence, now time.Time) Facets {
	f := Facets{
		ByType:       make(map[string]int),
		BySource:     make(map[string]int),
		ByConfidence: make(map[string]int),
		ByTimeRange:  make(map[string]int),
	}
	for _, ev := range evidence {
		f.ByType[string(ev.Type)]++
		f.BySource[ev.Source]++

		switch {
		case ev.Confidence >= 0.8:
			f.ByConfidence["high"]++
		case ev.Confidence >= 0.5:
			f.ByConfidence["medium"]++
		default:
			f.ByConfidence["low"]++
		}

		age := now.Sub(ev.Timestamp)
		switch {
		case age <= time.Hour:
			f.ByTimeRange["last_hour"]++
		case age <= 24*time.Hour:
			f.ByTimeRange["last_day"]++
		case age <= 7*24*time.Hour:
			f.ByTimeRange["last_week"]++
		default:
			f.ByTimeRange["older"]++
		}
	}
	return f
}
