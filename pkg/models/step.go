package models

import "time"

// StepType is the kind of work a step performs.
type StepType string

// Step types.
const (
	StepTypeQuery     StepType = "query"
	StepTypeEnrich    StepType = "enrich"
	StepTypeCorrelate StepType = "correlate"
	StepTypeValidate  StepType = "validate"
)

// IsValid checks if the step type is a known value.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeQuery, StepTypeEnrich, StepTypeCorrelate, StepTypeValidate:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

// Step lifecycle states.
const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// IsValid checks if the step status is a known value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepComplete, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the step has finished (in any outcome).
func (s StepStatus) IsTerminal() bool {
	return s == StepComplete || s == StepFailed || s == StepSkipped
}

// Step is a typed unit of work inside a plan's DAG. A step starts only when
// every dependency is complete.
type Step struct {
	StepID       string         `json:"step_id"`
	Name         string         `json:"name"`
	Type         StepType       `json:"type"`
	Agent        string         `json:"agent,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	DataSources  []string       `json:"data_sources,omitempty"`
	TimeoutMs    int64          `json:"timeout_ms"`
	MaxRetries   int            `json:"max_retries"`
	// NonCritical steps do not block downstream dependency satisfaction
	// when they fail or are skipped.
	NonCritical bool       `json:"non_critical,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
}

// Plan is a directed acyclic graph of steps owned by one investigation.
type Plan struct {
	PlanID          string  `json:"plan_id"`
	InvestigationID string  `json:"investigation_id"`
	Steps           []*Step `json:"steps"`
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// ExecutionSummary describes the outcome of running a plan.
type ExecutionSummary struct {
	TotalSteps      int          `json:"total_steps"`
	CompletedSteps  int          `json:"completed_steps"`
	FailedSteps     int          `json:"failed_steps"`
	SkippedSteps    int          `json:"skipped_steps"`
	SuccessRate     float64      `json:"success_rate"`
	TotalEvidence   int          `json:"total_evidence"`
	TotalRetries    int          `json:"total_retries"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	Adaptations     []Adaptation `json:"adaptations,omitempty"`
}

// Adaptation records one plan-adaptation decision: a failed step replaced by
// an alternative with a different data-source subset.
type Adaptation struct {
	FailedStepID    string    `json:"failed_step_id"`
	NewStepID       string    `json:"new_step_id"`
	ExcludedSources []string  `json:"excluded_sources,omitempty"`
	Reason          string    `json:"reason"`
	AdaptedAt       time.Time `json:"adapted_at"`
}
