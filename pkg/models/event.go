package models

import "time"

// SchemaVersion is the event envelope schema version.
const SchemaVersion = "1"

// Event method names published on the bus.
const (
	MethodRunStarted           = "run/started"
	MethodRunCompleted         = "run/completed"
	MethodRunFailed            = "run/failed"
	MethodRunMetrics           = "run/metrics"
	MethodArtifactCreated      = "artifact/created"
	MethodApprovalRequested    = "approval/requested"
	MethodApprovalApproved     = "approval/approved"
	MethodApprovalRejected     = "approval/rejected"
	MethodApprovalExpired      = "approval/expired"
	MethodPlanAdapted          = "plan_adapted"
	MethodConnectorFailover    = "connector_failover"
	MethodConnectorRetry       = "connector_retry"
	MethodDataSourceFailure    = "data_source_failure"
	MethodInvestigationTimeout = "investigation_timeout"
	MethodInvestigationCleanup = "investigation_cleanup"
)

// TurnMethod builds a turn lifecycle method name, e.g. "turn/planner/started".
func TurnMethod(agent, phase string) string {
	return "turn/" + agent + "/" + phase
}

// ItemMethod builds an item method name, e.g. "item/evidence".
func ItemMethod(itemType string) string {
	return "item/" + itemType
}

// EventParams is the envelope parameter block common to every event.
// All identity fields are required; consumers quarantine events missing any.
type EventParams struct {
	RunID         string         `json:"runId"`
	AgentID       string         `json:"agentId"`
	ThreadID      string         `json:"threadId"`
	TurnID        string         `json:"turnId"`
	ItemID        string         `json:"itemId"`
	Sequence      int64          `json:"sequence"`
	TS            string         `json:"ts"`
	SchemaVersion string         `json:"schemaVersion"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Event is the jsonrpc-like envelope published per run. Sequence is strictly
// monotonically increasing per runId, starting at 1.
type Event struct {
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

// MissingFields returns the names of required envelope fields that are
// absent. An event with any missing field must be quarantined, not applied.
func (e *Event) MissingFields() []string {
	var missing []string
	if e.Method == "" {
		missing = append(missing, "method")
	}
	if e.Params.RunID == "" {
		missing = append(missing, "runId")
	}
	if e.Params.AgentID == "" {
		missing = append(missing, "agentId")
	}
	if e.Params.ThreadID == "" {
		missing = append(missing, "threadId")
	}
	if e.Params.TurnID == "" {
		missing = append(missing, "turnId")
	}
	if e.Params.ItemID == "" {
		missing = append(missing, "itemId")
	}
	if e.Params.Sequence <= 0 {
		missing = append(missing, "sequence")
	}
	if e.Params.TS == "" {
		missing = append(missing, "ts")
	}
	if e.Params.SchemaVersion == "" {
		missing = append(missing, "schemaVersion")
	}
	return missing
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

// Approval request states.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsValid checks if the approval status is a known value.
func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	default:
		return false
	}
}

// ApprovalRequest asks a human to approve a high-risk response action.
// RequestID is deterministic when not supplied by the producer; Verified is
// false for such synthesized ids.
type ApprovalRequest struct {
	RequestID   string         `json:"request_id"`
	RunID       string         `json:"run_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Risk        string         `json:"risk,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      ApprovalStatus `json:"status"`
	Verified    bool           `json:"verified"`
	RequestedAt time.Time      `json:"requested_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}
