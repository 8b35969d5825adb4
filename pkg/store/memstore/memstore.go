// Package memstore is the in-memory store.Store implementation: the default
// for single-process deployments and the double every package test runs
// against.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

type tenantKey struct {
	tenantID string
	id       string
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	alerts         map[tenantKey]*models.Alert
	investigations map[tenantKey]*models.Investigation
	idempotency    map[tenantKey]string // key → investigationID
	plans          map[tenantKey]*models.Plan
	evidence       map[tenantKey]*models.Evidence
	evidenceByInv  map[tenantKey][]string // investigationID → evidenceIDs in insert order
	relationships  map[tenantKey][]*models.EvidenceRelationship
	events         map[tenantKey][]*models.Event // runID → ordered events
	feedback       map[tenantKey][]*models.Feedback
	connectors     map[tenantKey]*models.ConnectorInfo
}

// New creates an empty store.
func New() *Store {
	return &Store{
		alerts:         make(map[tenantKey]*models.Alert),
		investigations: make(map[tenantKey]*models.Investigation),
		idempotency:    make(map[tenantKey]string),
		plans:          make(map[tenantKey]*models.Plan),
		evidence:       make(map[tenantKey]*models.Evidence),
		evidenceByInv:  make(map[tenantKey][]string),
		relationships:  make(map[tenantKey][]*models.EvidenceRelationship),
		events:         make(map[tenantKey][]*models.Event),
		feedback:       make(map[tenantKey][]*models.Feedback),
		connectors:     make(map[tenantKey]*models.ConnectorInfo),
	}
}

var _ store.Store = (*Store)(nil)

// --- Alerts ---

// SaveAlert stores an ingested alert.
func (s *Store) SaveAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[tenantKey{alert.TenantID, alert.AlertID}] = &cp
	return nil
}

// GetAlert returns the alert within the tenant scope.
func (s *Store) GetAlert(_ context.Context, tenantID, alertID string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[tenantKey{tenantID, alertID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// --- Investigations ---

// CreateInvestigation stores a new investigation and registers its
// idempotency key.
func (s *Store) CreateInvestigation(_ context.Context, inv *models.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.investigations[tenantKey{inv.TenantID, inv.InvestigationID}] = &cp
	if inv.IdempotencyKey != "" {
		s.idempotency[tenantKey{inv.TenantID, inv.IdempotencyKey}] = inv.InvestigationID
	}
	return nil
}

// GetInvestigation returns the investigation within the tenant scope.
func (s *Store) GetInvestigation(_ context.Context, tenantID, investigationID string) (*models.Investigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.investigations[tenantKey{tenantID, investigationID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// UpdateInvestigation overwrites the stored investigation.
func (s *Store) UpdateInvestigation(_ context.Context, inv *models.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{inv.TenantID, inv.InvestigationID}
	if _, ok := s.investigations[key]; !ok {
		return store.ErrNotFound
	}
	cp := *inv
	s.investigations[key] = &cp
	return nil
}

// ListInvestigations returns a filtered, paginated listing, newest first.
func (s *Store) ListInvestigations(_ context.Context, tenantID string, filters models.InvestigationFilters) (*models.InvestigationList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Investigation
	for key, inv := range s.investigations {
		if key.tenantID != tenantID {
			continue
		}
		if filters.Status != "" && inv.Status != filters.Status {
			continue
		}
		if filters.CreatedAfter != nil && inv.CreatedAt.Before(*filters.CreatedAfter) {
			continue
		}
		if filters.CreatedBefore != nil && !inv.CreatedAt.Before(*filters.CreatedBefore) {
			continue
		}
		cp := *inv
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].InvestigationID < matched[j].InvestigationID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := filters.Limit
	if limit <= 0 || limit > models.MaxListLimit {
		limit = models.MaxListLimit
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &models.InvestigationList{
		Investigations: matched[offset:end],
		TotalCount:     total,
		Limit:          limit,
		Offset:         offset,
	}, nil
}

// FindByIdempotencyKey returns the investigation registered under the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Investigation, error) {
	s.mu.RLock()
	invID, ok := s.idempotency[tenantKey{tenantID, key}]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetInvestigation(ctx, tenantID, invID)
}

// DeleteInvestigation removes the investigation and everything it owns.
func (s *Store) DeleteInvestigation(_ context.Context, tenantID, investigationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey{tenantID, investigationID}
	inv, ok := s.investigations[key]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.investigations, key)
	if inv.IdempotencyKey != "" {
		delete(s.idempotency, tenantKey{tenantID, inv.IdempotencyKey})
	}
	delete(s.plans, key)
	for _, evID := range s.evidenceByInv[key] {
		delete(s.evidence, tenantKey{tenantID, evID})
	}
	delete(s.evidenceByInv, key)
	delete(s.relationships, key)
	delete(s.events, key)
	delete(s.feedback, key)
	return nil
}

// --- Plans ---

// SavePlan stores the plan for its investigation.
func (s *Store) SavePlan(_ context.Context, tenantID string, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[tenantKey{tenantID, plan.InvestigationID}] = clonePlan(plan)
	return nil
}

// GetPlan returns the plan within the tenant scope.
func (s *Store) GetPlan(_ context.Context, tenantID, investigationID string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[tenantKey{tenantID, investigationID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePlan(p), nil
}

// UpdateStep overwrites one step of the stored plan.
func (s *Store) UpdateStep(_ context.Context, tenantID, investigationID string, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[tenantKey{tenantID, investigationID}]
	if !ok {
		return store.ErrNotFound
	}
	for i, existing := range p.Steps {
		if existing.StepID == step.StepID {
			cp := *step
			p.Steps[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

// AppendStep adds an adapted step to the stored plan.
func (s *Store) AppendStep(_ context.Context, tenantID, investigationID string, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[tenantKey{tenantID, investigationID}]
	if !ok {
		return store.ErrNotFound
	}
	cp := *step
	p.Steps = append(p.Steps, &cp)
	return nil
}

// --- Evidence ---

// AppendEvidence stores an evidence row (append-only).
func (s *Store) AppendEvidence(_ context.Context, ev *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.evidence[tenantKey{ev.TenantID, ev.EvidenceID}] = &cp
	invKey := tenantKey{ev.TenantID, ev.InvestigationID}
	s.evidenceByInv[invKey] = append(s.evidenceByInv[invKey], ev.EvidenceID)
	return nil
}

// GetEvidence returns one evidence row within the tenant scope.
func (s *Store) GetEvidence(_ context.Context, tenantID, evidenceID string) (*models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evidence[tenantKey{tenantID, evidenceID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// ListEvidence returns all evidence of an investigation in insert order.
func (s *Store) ListEvidence(_ context.Context, tenantID, investigationID string) ([]*models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.evidenceByInv[tenantKey{tenantID, investigationID}]
	out := make([]*models.Evidence, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.evidence[tenantKey{tenantID, id}]; ok {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SearchEvidence scans the tenant's evidence against the filter and returns
// the requested page plus the total match count.
func (s *Store) SearchEvidence(_ context.Context, tenantID string, filter store.EvidenceFilter) ([]*models.Evidence, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Evidence
	for key, ev := range s.evidence {
		if key.tenantID != tenantID {
			continue
		}
		if !matchesFilter(ev, filter) {
			continue
		}
		cp := *ev
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].EvidenceID < matched[j].EvidenceID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < total {
		end = offset + filter.Limit
	}
	return matched[offset:end], total, nil
}

func matchesFilter(ev *models.Evidence, f store.EvidenceFilter) bool {
	if f.InvestigationID != "" && ev.InvestigationID != f.InvestigationID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	if f.MinConfidence != nil && ev.Confidence < *f.MinConfidence {
		return false
	}
	if f.EntityKind != "" {
		if f.EntityValue != "" {
			if !ev.HasEntity(f.EntityKind, f.EntityValue) {
				return false
			}
		} else if len(ev.Entities[f.EntityKind]) == 0 {
			return false
		}
	}
	if f.From != nil && ev.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !ev.Timestamp.Before(*f.To) {
		return false
	}
	if f.Text != "" && !matchesText(ev, f.Text) {
		return false
	}
	return true
}

func matchesText(ev *models.Evidence, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(ev.Source), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(string(ev.Type)), needle) {
		return true
	}
	for _, values := range ev.Entities {
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
	}
	for k, v := range ev.Payload {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		if sv, ok := v.(string); ok && strings.Contains(strings.ToLower(sv), needle) {
			return true
		}
	}
	return false
}

func containsType(types []models.EvidenceType, t models.EvidenceType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// AddRelationship stores an evidence link row. Both endpoints must belong to
// the tenant.
func (s *Store) AddRelationship(_ context.Context, tenantID string, rel *models.EvidenceRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.evidence[tenantKey{tenantID, rel.FromEvidenceID}]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := s.evidence[tenantKey{tenantID, rel.ToEvidenceID}]; !ok {
		return store.ErrNotFound
	}
	invKey := tenantKey{tenantID, from.InvestigationID}
	cp := *rel
	s.relationships[invKey] = append(s.relationships[invKey], &cp)
	return nil
}

// ListRelationships returns all links of an investigation.
func (s *Store) ListRelationships(_ context.Context, tenantID, investigationID string) ([]*models.EvidenceRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := s.relationships[tenantKey{tenantID, investigationID}]
	out := make([]*models.EvidenceRelationship, 0, len(rels))
	for _, r := range rels {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- Events ---

// AppendEvent persists an event, enforcing the (runID, sequence) unique
// index.
func (s *Store) AppendEvent(_ context.Context, tenantID, runID string, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, runID}
	for _, existing := range s.events[key] {
		if existing.Params.Sequence == event.Params.Sequence {
			return store.ErrDuplicateSequence
		}
	}
	cp := *event
	s.events[key] = append(s.events[key], &cp)
	return nil
}

// ListEvents returns events with sequence > fromSequence in order.
func (s *Store) ListEvents(_ context.Context, tenantID, runID string, fromSequence int64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, ev := range s.events[tenantKey{tenantID, runID}] {
		if ev.Params.Sequence > fromSequence {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Params.Sequence < out[j].Params.Sequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastSequence returns the highest persisted sequence for the run, 0 when
// the run has no events.
func (s *Store) LastSequence(_ context.Context, tenantID, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, ev := range s.events[tenantKey{tenantID, runID}] {
		if ev.Params.Sequence > last {
			last = ev.Params.Sequence
		}
	}
	return last, nil
}

// --- Feedback ---

// AppendFeedback stores a feedback row.
func (s *Store) AppendFeedback(_ context.Context, fb *models.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{fb.TenantID, fb.InvestigationID}
	cp := *fb
	s.feedback[key] = append(s.feedback[key], &cp)
	return nil
}

// ListFeedback returns all feedback of an investigation in creation order.
func (s *Store) ListFeedback(_ context.Context, tenantID, investigationID string) ([]*models.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.feedback[tenantKey{tenantID, investigationID}]
	out := make([]*models.Feedback, 0, len(rows))
	for _, fb := range rows {
		cp := *fb
		out = append(out, &cp)
	}
	return out, nil
}

// PendingFeedback returns unconsumed feedback in creation order.
func (s *Store) PendingFeedback(_ context.Context, tenantID, investigationID string) ([]*models.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Feedback
	for _, fb := range s.feedback[tenantKey{tenantID, investigationID}] {
		if !fb.Consumed {
			cp := *fb
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MarkConsumed flags a feedback row as consumed.
func (s *Store) MarkConsumed(_ context.Context, tenantID, feedbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rows := range s.feedback {
		if key.tenantID != tenantID {
			continue
		}
		for _, fb := range rows {
			if fb.FeedbackID == feedbackID {
				fb.Consumed = true
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// --- Connectors ---

// SaveConnector stores a connector definition.
func (s *Store) SaveConnector(_ context.Context, info *models.ConnectorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *info
	s.connectors[tenantKey{info.TenantID, info.ConnectorID}] = &cp
	return nil
}

// ListConnectors returns all connector definitions of a tenant.
func (s *Store) ListConnectors(_ context.Context, tenantID string) ([]*models.ConnectorInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConnectorInfo
	for key, info := range s.connectors {
		if key.tenantID != tenantID {
			continue
		}
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

func clonePlan(p *models.Plan) *models.Plan {
	cp := &models.Plan{
		PlanID:          p.PlanID,
		InvestigationID: p.InvestigationID,
		Steps:           make([]*models.Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	return cp
}
