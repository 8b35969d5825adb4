// Package connector provides the typed data-source adapter framework: the
// connector plug-in contract, the managed wrapper gating every call through
// a rate limiter and circuit breaker, and the registry with health
// monitoring, load balancing and failover.
package connector

import (
	"context"

	"github.com/neonharbour/sentinel/pkg/config"
)

// Health is the result of a connector health probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Result is a connector operation result. Records carry the structured rows
// a query produced; Data carries operation-level metadata.
type Result struct {
	Records []map[string]any `json:"records,omitempty"`
	Data    map[string]any   `json:"data,omitempty"`
}

// Connector is the plug-in contract every connector type implements.
// Deadlines and cancellation arrive via ctx on every call; implementations
// must honor them.
type Connector interface {
	// Initialize prepares the connector from its configuration.
	Initialize(cfg config.ConnectorConfig) error
	// HealthCheck probes the upstream.
	HealthCheck(ctx context.Context) (Health, error)
	// Query runs a type-specific query.
	Query(ctx context.Context, payload map[string]any) (*Result, error)
	// Enrich looks up context for a single entity value.
	Enrich(ctx context.Context, value, kind string) (*Result, error)
	// Capabilities lists the operations this connector supports.
	Capabilities() []string
	// DataTypes lists the evidence types this connector produces.
	DataTypes() []string
	// Shutdown releases resources.
	Shutdown(ctx context.Context) error
}

// Factory builds an uninitialized connector of one type.
type Factory func() Connector
