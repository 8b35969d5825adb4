package models

import "time"

// StatusResponse is the live view of an investigation for the API.
type StatusResponse struct {
	InvestigationID     string              `json:"investigation_id"`
	Status              InvestigationStatus `json:"status"`
	Progress            int                 `json:"progress"`
	CurrentAgent        string              `json:"current_agent,omitempty"`
	Steps               []*Step             `json:"steps,omitempty"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	EstimatedCompletion *time.Time          `json:"estimated_completion,omitempty"`
}

// TimelineEntry is one row of the investigation timeline.
type TimelineEntry struct {
	Name        string     `json:"name"`
	Agent       string     `json:"agent,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Retries     int        `json:"retries"`
}

// ReportSummary aggregates step outcomes for a terminal investigation.
type ReportSummary struct {
	TotalSteps   int `json:"total_steps"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	TotalRetries int `json:"total_retries"`
}

// Report is the terminal-only investigation report.
type Report struct {
	InvestigationID string          `json:"investigation_id"`
	Status          InvestigationStatus `json:"status"`
	DurationMs      int64           `json:"duration_ms"`
	Summary         ReportSummary   `json:"summary"`
	Timeline        []TimelineEntry `json:"timeline"`
	Feedback        []*Feedback     `json:"feedback"`
	Verdict         *Verdict        `json:"verdict,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// StatsTimeframe selects the aggregation window for Stats.
type StatsTimeframe string

// Stats timeframes.
const (
	Timeframe24h StatsTimeframe = "24h"
	Timeframe7d  StatsTimeframe = "7d"
	Timeframe30d StatsTimeframe = "30d"
)

// IsValid checks if the timeframe is a known value.
func (t StatsTimeframe) IsValid() bool {
	return t == Timeframe24h || t == Timeframe7d || t == Timeframe30d
}

// Duration returns the window length for the timeframe.
func (t StatsTimeframe) Duration() time.Duration {
	switch t {
	case Timeframe7d:
		return 7 * 24 * time.Hour
	case Timeframe30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Stats aggregates investigation outcomes over a timeframe.
type Stats struct {
	Timeframe        StatsTimeframe                 `json:"timeframe"`
	Total            int                            `json:"total"`
	ByStatus         map[InvestigationStatus]int    `json:"by_status"`
	ByVerdict        map[VerdictClassification]int  `json:"by_verdict"`
	AvgDurationMs    int64                          `json:"avg_duration_ms"`
	ActiveCount      int                            `json:"active_count"`
	QueuedCount      int                            `json:"queued_count"`
}
