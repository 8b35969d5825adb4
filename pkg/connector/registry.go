package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
)

// FailoverEvent tells the caller that the registry moved a request from one
// connector to the next-best homologue.
type FailoverEvent struct {
	TenantID string
	Type     models.ConnectorType
	From     string
	To       string
	Reason   string
}

// Registry owns the connector instances: typed factories, per-tenant
// instantiation, periodic health probes, load balancing across homologues
// and failover by priority.
type Registry struct {
	clock         ident.Clock
	breakerCfg    breaker.Config
	probeInterval time.Duration
	onStateChange func(breaker.StateChange)
	onFailover    func(FailoverEvent)

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string][]*Managed // tenantID → instances
	rr        map[string]int        // tenantID+type → round-robin cursor

	settings    *gocache.Cache
	settingsSrc map[string]map[string]string // tenantID → raw settings

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures the registry.
type Option func(*Registry)

// WithProbeInterval sets the health probe cadence.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Registry) { r.probeInterval = d }
}

// WithBreakerConfig sets the per-connector breaker thresholds.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(r *Registry) { r.breakerCfg = cfg }
}

// WithStateChangeHook observes breaker transitions (published as
// stateChange events by the wiring layer).
func WithStateChangeHook(fn func(breaker.StateChange)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// WithFailoverHook observes failover decisions.
func WithFailoverHook(fn func(FailoverEvent)) Option {
	return func(r *Registry) { r.onFailover = fn }
}

// WithSettingsTTL sets the per-tenant settings cache TTL.
func WithSettingsTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.settings = gocache.New(ttl, 2*ttl) }
}

// NewRegistry creates an empty registry.
func NewRegistry(clock ident.Clock, opts ...Option) *Registry {
	r := &Registry{
		clock:         clock,
		breakerCfg:    breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
		probeInterval: 30 * time.Second,
		factories:     make(map[string]Factory),
		instances:     make(map[string][]*Managed),
		rr:            make(map[string]int),
		settings:      gocache.New(5*time.Minute, 10*time.Minute),
		settingsSrc:   make(map[string]map[string]string),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory registers the builder for one connector type.
func (r *Registry) RegisterFactory(ctype string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[ctype] = factory
}

// RegisterBuiltins registers the siem, edr and threat_intel factories.
func (r *Registry) RegisterBuiltins() {
	r.RegisterFactory(string(models.ConnectorSIEM), NewSIEM)
	r.RegisterFactory(string(models.ConnectorEDR), NewEDR)
	r.RegisterFactory(string(models.ConnectorThreatIntel), NewThreatIntel)
}

// Configure instantiates every connector declared for a tenant.
func (r *Registry) Configure(tenant config.TenantConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.settingsSrc[tenant.TenantID] = tenant.Settings

	for _, cfg := range tenant.Connectors {
		factory, ok := r.factories[cfg.Type]
		if !ok {
			return faults.New(faults.KindValidation, "registry.configure",
				fmt.Sprintf("no factory registered for connector type %q", cfg.Type))
		}
		inner := factory()
		if err := inner.Initialize(cfg); err != nil {
			return fmt.Errorf("initializing connector %s for tenant %s: %w",
				cfg.ID, tenant.TenantID, err)
		}
		managed := newManaged(tenant.TenantID, cfg, inner, r.clock, r.breakerCfg, r.onStateChange)
		r.instances[tenant.TenantID] = append(r.instances[tenant.TenantID], managed)
		slog.Info("Connector registered",
			"tenant_id", tenant.TenantID, "connector_id", cfg.ID, "type", cfg.Type)
	}
	return nil
}

// Setting reads one per-tenant setting through the TTL cache.
func (r *Registry) Setting(tenantID, key string) (string, bool) {
	cacheKey := tenantID + "/" + key
	if v, ok := r.settings.Get(cacheKey); ok {
		return v.(string), true
	}
	r.mu.RLock()
	raw, ok := r.settingsSrc[tenantID][key]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	r.settings.Set(cacheKey, raw, gocache.DefaultExpiration)
	return raw, true
}

// Get returns one connector instance by id.
func (r *Registry) Get(tenantID, connectorID string) (*Managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.instances[tenantID] {
		if m.ID() == connectorID {
			return m, nil
		}
	}
	return nil, faults.New(faults.KindConnectorNotFound, "registry.get",
		fmt.Sprintf("connector %s not found for tenant", connectorID))
}

// List snapshots every connector of a tenant.
func (r *Registry) List(tenantID string) []*models.ConnectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ConnectorInfo, 0, len(r.instances[tenantID]))
	for _, m := range r.instances[tenantID] {
		out = append(out, m.Info())
	}
	return out
}

// HasType reports whether the tenant has any non-unhealthy connector of the
// type.
func (r *Registry) HasType(tenantID string, ctype models.ConnectorType) bool {
	return len(r.candidates(tenantID, ctype, nil)) > 0
}

// Types returns the connector types available (non-unhealthy) for a tenant.
func (r *Registry) Types(tenantID string) []models.ConnectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[models.ConnectorType]bool)
	var out []models.ConnectorType
	for _, m := range r.instances[tenantID] {
		if m.Status() == models.ConnectorUnhealthy {
			continue
		}
		if !seen[m.Type()] {
			seen[m.Type()] = true
			out = append(out, m.Type())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// candidates returns the selection-ordered connectors of a type: active
// before degraded, then priority (lower first), then least in-flight, then
// round-robin. Connectors in exclude and unhealthy ones are skipped.
func (r *Registry) candidates(tenantID string, ctype models.ConnectorType, exclude map[string]bool) []*Managed {
	r.mu.Lock()
	defer r.mu.Unlock()

	type ranked struct {
		m        *Managed
		active   bool
		priority int
		inFlight int
		rotated  int
	}

	var pool []*Managed
	for _, m := range r.instances[tenantID] {
		if m.Type() != ctype || exclude[m.ID()] {
			continue
		}
		if m.Status() == models.ConnectorUnhealthy {
			continue
		}
		pool = append(pool, m)
	}
	if len(pool) == 0 {
		return nil
	}

	rrKey := tenantID + "/" + string(ctype)
	cursor := r.rr[rrKey]
	r.rr[rrKey] = cursor + 1

	candidates := make([]ranked, len(pool))
	for i, m := range pool {
		candidates[i] = ranked{
			m:        m,
			active:   m.Status() == models.ConnectorActive,
			priority: m.Priority(),
			inFlight: m.InFlight(),
			// Ties rotate deterministically with the round-robin cursor.
			rotated: (i + cursor) % len(pool),
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.active != b.active {
			return a.active
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		return a.rotated < b.rotated
	})

	out := make([]*Managed, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out
}

// Query runs a query against the best connector of the type, failing over
// to the next-best homologue on retryable failures. The id of the connector
// that served the request is returned alongside the result.
func (r *Registry) Query(ctx context.Context, tenantID string, ctype models.ConnectorType, payload map[string]any) (*Result, string, error) {
	return r.execute(ctx, tenantID, ctype, func(ctx context.Context, m *Managed) (*Result, error) {
		return m.Query(ctx, payload)
	})
}

// Enrich runs an enrichment against the best connector of the type with the
// same failover semantics as Query.
func (r *Registry) Enrich(ctx context.Context, tenantID string, ctype models.ConnectorType, value, kind string) (*Result, string, error) {
	return r.execute(ctx, tenantID, ctype, func(ctx context.Context, m *Managed) (*Result, error) {
		return m.Enrich(ctx, value, kind)
	})
}

func (r *Registry) execute(ctx context.Context, tenantID string, ctype models.ConnectorType, fn func(context.Context, *Managed) (*Result, error)) (*Result, string, error) {
	tried := make(map[string]bool)
	var lastErr error
	var lastID string

	for {
		candidates := r.candidates(tenantID, ctype, tried)
		if len(candidates) == 0 {
			break
		}
		m := candidates[0]

		if lastID != "" {
			event := FailoverEvent{
				TenantID: tenantID,
				Type:     ctype,
				From:     lastID,
				To:       m.ID(),
				Reason:   lastErr.Error(),
			}
			slog.Warn("Connector failover",
				"tenant_id", tenantID, "type", ctype, "from", event.From, "to", event.To)
			if r.onFailover != nil {
				r.onFailover(event)
			}
		}

		result, err := fn(ctx, m)
		if err == nil {
			return result, m.ID(), nil
		}

		// Unretryable failures surface immediately.
		if !faults.KindOf(err).Failover() {
			return nil, m.ID(), err
		}

		tried[m.ID()] = true
		lastErr = err
		lastID = m.ID()
	}

	if lastErr != nil {
		return nil, lastID, lastErr
	}
	return nil, "", faults.New(faults.KindConnectorNotFound, "registry.execute",
		fmt.Sprintf("no healthy %s connector available", ctype))
}

// Start launches the periodic health monitor.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ProbeAll(ctx)
			}
		}
	}()
}

// ProbeAll runs one health probe across every connector instance.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	var all []*Managed
	for _, instances := range r.instances {
		all = append(all, instances...)
	}
	r.mu.RUnlock()

	for _, m := range all {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		status := m.Probe(probeCtx)
		cancel()
		if status != models.ConnectorActive {
			slog.Warn("Connector probe unhealthy",
				"connector_id", m.ID(), "status", status)
		}
	}
}

// Stop halts the health monitor and shuts every connector down.
func (r *Registry) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, instances := range r.instances {
		for _, m := range instances {
			if err := m.Shutdown(ctx); err != nil {
				slog.Warn("Connector shutdown failed", "connector_id", m.ID(), "error", err)
			}
		}
	}
}
