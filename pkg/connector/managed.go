package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/ratelimit"
)

// unhealthyAfter is the number of consecutive health-probe failures that
// mark a connector unhealthy.
const unhealthyAfter = 3

// Managed wraps a Connector with its serialization points: rate limiter,
// circuit breaker, in-flight accounting and call metrics. Managed instances
// are shared across investigations of the same tenant.
type Managed struct {
	id       string
	tenantID string
	ctype    models.ConnectorType
	priority int
	inner    Connector
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	clock    ident.Clock

	mu                  sync.Mutex
	status              models.ConnectorStatus
	inFlight            int
	totalQueries        int64
	totalErrors         int64
	rateLimitHits       int64
	totalLatency        time.Duration
	consecutiveFailures int
	lastProbeAt         time.Time
}

func newManaged(tenantID string, cfg config.ConnectorConfig, inner Connector, clock ident.Clock, breakerCfg breaker.Config, onStateChange func(breaker.StateChange)) *Managed {
	return &Managed{
		id:       cfg.ID,
		tenantID: tenantID,
		ctype:    models.ConnectorType(cfg.Type),
		priority: cfg.Priority,
		inner:    inner,
		limiter: ratelimit.FromRates(clock,
			cfg.RateLimits.RequestsPerSecond,
			cfg.RateLimits.RequestsPerMinute,
			cfg.RateLimits.RequestsPerHour),
		breaker: breaker.New(tenantID+"/"+cfg.ID, breakerCfg, clock, onStateChange),
		clock:   clock,
		status:  models.ConnectorActive,
	}
}

// ID returns the connector instance id.
func (m *Managed) ID() string { return m.id }

// Type returns the connector type.
func (m *Managed) Type() models.ConnectorType { return m.ctype }

// Priority returns the failover priority (lower = primary).
func (m *Managed) Priority() int { return m.priority }

// Status returns the current health classification.
func (m *Managed) Status() models.ConnectorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// InFlight returns the count of calls currently executing.
func (m *Managed) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Info snapshots the registry view of this connector.
func (m *Managed) Info() *models.ConnectorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := models.ConnectorMetrics{
		TotalQueries:  m.totalQueries,
		RateLimitHits: m.rateLimitHits,
	}
	if m.totalQueries > 0 {
		metrics.AvgLatencyMs = float64(m.totalLatency.Milliseconds()) / float64(m.totalQueries)
		metrics.ErrorRate = float64(m.totalErrors) / float64(m.totalQueries)
	}
	info := &models.ConnectorInfo{
		ConnectorID: m.id,
		TenantID:    m.tenantID,
		Type:        m.ctype,
		Priority:    m.priority,
		Status:      m.status,
		Metrics:     metrics,
		InFlight:    m.inFlight,
	}
	if !m.lastProbeAt.IsZero() {
		probe := m.lastProbeAt
		info.LastProbeAt = &probe
	}
	return info
}

// Query runs a gated query call.
func (m *Managed) Query(ctx context.Context, payload map[string]any) (*Result, error) {
	return m.call(ctx, "query", func(ctx context.Context) (*Result, error) {
		return m.inner.Query(ctx, payload)
	})
}

// Enrich runs a gated enrichment call.
func (m *Managed) Enrich(ctx context.Context, value, kind string) (*Result, error) {
	return m.call(ctx, "enrich", func(ctx context.Context) (*Result, error) {
		return m.inner.Enrich(ctx, value, kind)
	})
}

// call gates one operation through the limiter and breaker, tracking
// in-flight count and metrics.
func (m *Managed) call(ctx context.Context, op string, fn func(context.Context) (*Result, error)) (*Result, error) {
	opName := fmt.Sprintf("%s/%s.%s", m.ctype, m.id, op)

	if decision := m.limiter.CheckRequest(); !decision.Allowed {
		m.mu.Lock()
		m.rateLimitHits++
		m.mu.Unlock()
		return nil, faults.New(faults.KindRateLimit, opName,
			fmt.Sprintf("rate limit exceeded on windows %v", decision.Exhausted)).
			WithRetryAfter(decision.RetryAfter)
	}

	if !m.breaker.Allow() {
		return nil, faults.Wrap(faults.KindCircuitOpen, opName, breaker.ErrCircuitOpen)
	}

	m.mu.Lock()
	m.inFlight++
	m.totalQueries++
	m.mu.Unlock()

	start := m.clock.Now()
	result, err := fn(ctx)
	elapsed := m.clock.Now().Sub(start)

	m.mu.Lock()
	m.inFlight--
	m.totalLatency += elapsed
	if err != nil {
		m.totalErrors++
	}
	m.mu.Unlock()

	m.breaker.RecordResult(!countsAsBreakerFailure(err))
	return result, err
}

// countsAsBreakerFailure reports whether the error should trip the breaker.
// Client-side rejections (validation, auth, not-found) say nothing about
// upstream availability and are not counted.
func countsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch faults.KindOf(err) {
	case faults.KindTimeout, faults.KindNetworkTransient, faults.KindServer5xx, faults.KindUnknown:
		return true
	default:
		return false
	}
}

// Probe runs one health check and updates the status classification:
// three consecutive failures mark the connector unhealthy, a success
// restores it to active.
func (m *Managed) Probe(ctx context.Context) models.ConnectorStatus {
	health, err := m.inner.HealthCheck(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProbeAt = m.clock.Now()

	if err != nil || !health.Healthy {
		m.consecutiveFailures++
		if m.consecutiveFailures >= unhealthyAfter {
			m.status = models.ConnectorUnhealthy
		} else {
			m.status = models.ConnectorDegraded
		}
	} else {
		m.consecutiveFailures = 0
		m.status = models.ConnectorActive
	}
	return m.status
}

// ResetBreaker manually closes the connector's circuit breaker.
func (m *Managed) ResetBreaker() { m.breaker.Reset() }

// BreakerState returns the connector's circuit breaker state.
func (m *Managed) BreakerState() breaker.State { return m.breaker.State() }

// Shutdown releases the wrapped connector.
func (m *Managed) Shutdown(ctx context.Context) error {
	err := m.inner.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutting down connector %s: %w", m.id, err)
	}
	return nil
}
