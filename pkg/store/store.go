// Package store defines the persistence interfaces for sentinel's durable
// state. Every method is tenant-qualified: implementations must scope every
// read and write by tenantID, and a lookup across tenants behaves as
// not-found.
//
// pkg/store/memstore implements every interface and is used in tests and
// single-process deployments; pkg/database provides a Postgres EventStore
// only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/neonharbour/sentinel/pkg/models"
)

// ErrNotFound is returned when an entity does not exist in the caller's
// tenant scope.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicateSequence is returned when an event append violates the
// per-run sequence unique index.
var ErrDuplicateSequence = errors.New("duplicate event sequence for run")

// AlertStore persists ingested alerts. Alerts are immutable after ingest.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error)
}

// InvestigationStore persists investigations and their idempotency keys.
type InvestigationStore interface {
	CreateInvestigation(ctx context.Context, inv *models.Investigation) error
	GetInvestigation(ctx context.Context, tenantID, investigationID string) (*models.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *models.Investigation) error
	ListInvestigations(ctx context.Context, tenantID string, filters models.InvestigationFilters) (*models.InvestigationList, error)
	// FindByIdempotencyKey returns the investigation previously created
	// with the same key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Investigation, error)
	// DeleteInvestigation removes an investigation and everything it owns
	// (plan, steps, evidence, relationships, feedback, events).
	DeleteInvestigation(ctx context.Context, tenantID, investigationID string) error
}

// PlanStore persists an investigation's plan and step state.
type PlanStore interface {
	SavePlan(ctx context.Context, tenantID string, plan *models.Plan) error
	GetPlan(ctx context.Context, tenantID, investigationID string) (*models.Plan, error)
	UpdateStep(ctx context.Context, tenantID, investigationID string, step *models.Step) error
	AppendStep(ctx context.Context, tenantID, investigationID string, step *models.Step) error
}

// EvidenceFilter selects evidence rows. Zero fields are unconstrained.
type EvidenceFilter struct {
	InvestigationID string
	Types           []models.EvidenceType
	Sources         []string
	MinConfidence   *float64
	EntityKind      string
	EntityValue     string
	Text            string
	From            *time.Time
	To              *time.Time
	Limit           int
	Offset          int
}

// EvidenceStore persists append-only evidence rows, relationships and tags.
type EvidenceStore interface {
	AppendEvidence(ctx context.Context, ev *models.Evidence) error
	GetEvidence(ctx context.Context, tenantID, evidenceID string) (*models.Evidence, error)
	ListEvidence(ctx context.Context, tenantID, investigationID string) ([]*models.Evidence, error)
	SearchEvidence(ctx context.Context, tenantID string, filter EvidenceFilter) ([]*models.Evidence, int, error)
	AddRelationship(ctx context.Context, tenantID string, rel *models.EvidenceRelationship) error
	ListRelationships(ctx context.Context, tenantID, investigationID string) ([]*models.EvidenceRelationship, error)
}

// EventStore persists the per-run event log with a unique (runID, sequence)
// index.
type EventStore interface {
	// AppendEvent persists the event; ErrDuplicateSequence when the
	// sequence already exists for the run.
	AppendEvent(ctx context.Context, tenantID, runID string, event *models.Event) error
	// ListEvents returns events with sequence > fromSequence in sequence
	// order, up to limit (0 = no limit).
	ListEvents(ctx context.Context, tenantID, runID string, fromSequence int64, limit int) ([]*models.Event, error)
	LastSequence(ctx context.Context, tenantID, runID string) (int64, error)
}

// FeedbackStore persists append-only human feedback.
type FeedbackStore interface {
	AppendFeedback(ctx context.Context, fb *models.Feedback) error
	ListFeedback(ctx context.Context, tenantID, investigationID string) ([]*models.Feedback, error)
	// PendingFeedback returns unconsumed feedback in creation order.
	PendingFeedback(ctx context.Context, tenantID, investigationID string) ([]*models.Feedback, error)
	MarkConsumed(ctx context.Context, tenantID, feedbackID string) error
}

// ConnectorStore persists connector definitions owned by the registry.
type ConnectorStore interface {
	SaveConnector(ctx context.Context, info *models.ConnectorInfo) error
	ListConnectors(ctx context.Context, tenantID string) ([]*models.ConnectorInfo, error)
}

// Store bundles every interface; the memstore implementation satisfies it.
type Store interface {
	AlertStore
	InvestigationStore
	PlanStore
	EvidenceStore
	EventStore
	FeedbackStore
	ConnectorStore
}
