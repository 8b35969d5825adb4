package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
)

// PlannerConfig sets the step envelope the planner stamps onto every step.
type PlannerConfig struct {
	StepTimeout time.Duration
	MaxRetries  int
}

// Planner synthesizes the investigation plan: one query step per available
// data-source type, enrichment steps for the alert's indicators, a
// correlate step over everything, and a final validate gate.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates the planner agent.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	return &Planner{cfg: cfg}
}

// Name implements Agent.
func (p *Planner) Name() string { return NamePlanner }

// Validate implements Agent.
func (p *Planner) Validate(ec *ExecutionContext) ValidationResult {
	var errs []string
	if ec.Alert == nil {
		errs = append(errs, "alert is required")
	}
	if ec.InvestigationID == "" {
		errs = append(errs, "investigation id is required")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Execute implements Agent. The produced plan is deterministic for a given
// alert and source set, except for minted step ids.
func (p *Planner) Execute(_ context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
	plan := &models.Plan{
		PlanID:          ident.NewPrefixedID("plan"),
		InvestigationID: ec.InvestigationID,
	}

	sources := append([]models.ConnectorType{}, ec.AvailableSources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	var upstream []string
	for _, source := range sources {
		step := &models.Step{
			StepID:      ident.NewPrefixedID("step"),
			Name:        fmt.Sprintf("query_%s", source),
			Type:        models.StepTypeQuery,
			Agent:       NamePlanner,
			DataSources: []string{string(source)},
			Payload:     queryPayload(ec.Alert),
			TimeoutMs:   p.cfg.StepTimeout.Milliseconds(),
			MaxRetries:  p.cfg.MaxRetries,
			Status:      models.StepPending,
			// A dead source must not block correlation over the evidence
			// the other sources produced.
			NonCritical: true,
		}
		plan.Steps = append(plan.Steps, step)
		upstream = append(upstream, step.StepID)
	}

	// Indicator enrichment runs against threat intel when available.
	if hasSource(sources, models.ConnectorThreatIntel) {
		for _, indicator := range alertIndicators(ec.Alert) {
			step := &models.Step{
				StepID:      ident.NewPrefixedID("step"),
				Name:        fmt.Sprintf("enrich_%s_%s", indicator.kind, indicator.value),
				Type:        models.StepTypeEnrich,
				Agent:       NamePlanner,
				DataSources: []string{string(models.ConnectorThreatIntel)},
				Payload: map[string]any{
					"value": indicator.value,
					"kind":  indicator.kind,
				},
				TimeoutMs:   p.cfg.StepTimeout.Milliseconds(),
				MaxRetries:  p.cfg.MaxRetries,
				Status:      models.StepPending,
				NonCritical: true,
			}
			plan.Steps = append(plan.Steps, step)
			upstream = append(upstream, step.StepID)
		}
	}

	correlate := &models.Step{
		StepID:       ident.NewPrefixedID("step"),
		Name:         "correlate_evidence",
		Type:         models.StepTypeCorrelate,
		Agent:        NamePlanner,
		Dependencies: upstream,
		TimeoutMs:    p.cfg.StepTimeout.Milliseconds(),
		Status:       models.StepPending,
		// Correlation works with whatever evidence exists; failed queries
		// must not block it.
		NonCritical: true,
	}
	plan.Steps = append(plan.Steps, correlate)

	validate := &models.Step{
		StepID:       ident.NewPrefixedID("step"),
		Name:         "validate_evidence",
		Type:         models.StepTypeValidate,
		Agent:        NamePlanner,
		Dependencies: []string{correlate.StepID},
		Payload: map[string]any{
			"evidence_count": 1,
		},
		TimeoutMs: p.cfg.StepTimeout.Milliseconds(),
		Status:    models.StepPending,
	}
	plan.Steps = append(plan.Steps, validate)

	return &ExecutionResult{Plan: plan}, nil
}

func queryPayload(alert *models.Alert) map[string]any {
	payload := map[string]any{
		"alert_id": alert.AlertID,
		"severity": string(alert.Severity),
	}
	for k, v := range alert.RawPayload {
		payload[k] = v
	}
	return payload
}

func hasSource(sources []models.ConnectorType, want models.ConnectorType) bool {
	for _, s := range sources {
		if s == want {
			return true
		}
	}
	return false
}

type indicator struct {
	kind  string
	value string
}

// alertIndicators extracts the enrichable indicators from the alert payload
// in a stable order.
func alertIndicators(alert *models.Alert) []indicator {
	var out []indicator
	seen := make(map[indicator]bool)

	add := func(kind, value string) {
		ind := indicator{kind: kind, value: value}
		if value != "" && !seen[ind] {
			seen[ind] = true
			out = append(out, ind)
		}
	}

	for _, field := range []struct{ payloadKey, kind string }{
		{"domain", "domain"},
		{"file_hash", "hash"},
		{"src_ip", "ip"},
		{"dst_ip", "ip"},
	} {
		if v, ok := alert.RawPayload[field.payloadKey].(string); ok {
			add(field.kind, v)
		}
	}
	kinds := make([]string, 0, len(alert.Entities))
	for kind := range alert.Entities {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		sorted := append([]string{}, alert.Entities[kind]...)
		sort.Strings(sorted)
		for _, v := range sorted {
			add(kind, v)
		}
	}
	return out
}
