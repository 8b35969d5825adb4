package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
)

// fakeConnector is a scriptable in-memory connector.
type fakeConnector struct {
	mu        sync.Mutex
	id        string
	queryErr  error
	healthErr error
	healthy   bool
	queries   int
	block     chan struct{} // non-nil: Query blocks until closed
}

func (f *fakeConnector) Initialize(cfg config.ConnectorConfig) error {
	f.id = cfg.ID
	f.healthy = true
	return nil
}

func (f *fakeConnector) HealthCheck(context.Context) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return Health{Healthy: false, Detail: f.healthErr.Error()}, f.healthErr
	}
	return Health{Healthy: f.healthy, LatencyMs: 1}, nil
}

func (f *fakeConnector) Query(ctx context.Context, payload map[string]any) (*Result, error) {
	f.mu.Lock()
	f.queries++
	err := f.queryErr
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{Records: []map[string]any{{"served_by": f.id}}}, nil
}

func (f *fakeConnector) Enrich(ctx context.Context, value, kind string) (*Result, error) {
	return f.Query(ctx, nil)
}

func (f *fakeConnector) Capabilities() []string      { return []string{"query", "enrich", "healthCheck"} }
func (f *fakeConnector) DataTypes() []string         { return []string{"log"} }
func (f *fakeConnector) Shutdown(context.Context) error { return nil }

func (f *fakeConnector) setQueryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

func (f *fakeConnector) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func testRegistry(t *testing.T, fakes map[string]*fakeConnector, connectors ...config.ConnectorConfig) (*Registry, *ident.FakeClock, *[]FailoverEvent) {
	t.Helper()
	clk := ident.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	failovers := &[]FailoverEvent{}
	r := NewRegistry(clk,
		WithBreakerConfig(breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}),
		WithFailoverHook(func(e FailoverEvent) {
			mu.Lock()
			*failovers = append(*failovers, e)
			mu.Unlock()
		}),
	)
	r.RegisterFactory("siem", func() Connector {
		// The factory is invoked once per configured instance; hand out
		// the scripted fake matching the next unbound id.
		return &dispatchConnector{fakes: fakes}
	})
	require.NoError(t, r.Configure(config.TenantConfig{
		TenantID:   "tenant-1",
		Connectors: connectors,
		Settings:   map[string]string{"region": "us-east-1"},
	}))
	return r, clk, failovers
}

// dispatchConnector routes Initialize to the scripted fake with that id.
type dispatchConnector struct {
	fakes map[string]*fakeConnector
	bound *fakeConnector
}

func (d *dispatchConnector) Initialize(cfg config.ConnectorConfig) error {
	d.bound = d.fakes[cfg.ID]
	return d.bound.Initialize(cfg)
}

func (d *dispatchConnector) HealthCheck(ctx context.Context) (Health, error) {
	return d.bound.HealthCheck(ctx)
}

func (d *dispatchConnector) Query(ctx context.Context, p map[string]any) (*Result, error) {
	return d.bound.Query(ctx, p)
}

func (d *dispatchConnector) Enrich(ctx context.Context, v, k string) (*Result, error) {
	return d.bound.Enrich(ctx, v, k)
}

func (d *dispatchConnector) Capabilities() []string         { return d.bound.Capabilities() }
func (d *dispatchConnector) DataTypes() []string            { return d.bound.DataTypes() }
func (d *dispatchConnector) Shutdown(ctx context.Context) error { return d.bound.Shutdown(ctx) }

func siemCfg(id string, priority int) config.ConnectorConfig {
	return config.ConnectorConfig{
		ID:       id,
		Type:     "siem",
		Priority: priority,
		Auth:     config.AuthConfig{Type: config.AuthNone},
	}
}

func TestSelectionPrefersLowerPriority(t *testing.T) {
	fakes := map[string]*fakeConnector{
		"primary":   {},
		"secondary": {},
	}
	r, _, _ := testRegistry(t, fakes, siemCfg("primary", 0), siemCfg("secondary", 1))

	result, servedBy, err := r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", servedBy)
	assert.Equal(t, "primary", result.Records[0]["served_by"])
}

func TestSelectionPrefersLeastLoaded(t *testing.T) {
	block := make(chan struct{})
	fakes := map[string]*fakeConnector{
		"a": {block: block},
		"b": {},
	}
	r, _, _ := testRegistry(t, fakes, siemCfg("a", 0), siemCfg("b", 0))

	// Occupy connector a with a blocked in-flight call.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	}()

	require.Eventually(t, func() bool {
		m, err := r.Get("tenant-1", "a")
		require.NoError(t, err)
		return m.InFlight() == 1
	}, time.Second, 5*time.Millisecond)

	_, servedBy, err := r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", servedBy, "least-loaded connector wins at equal priority")

	close(block)
	<-done
}

func TestFailoverOnRetryableFailure(t *testing.T) {
	fakes := map[string]*fakeConnector{
		"primary":   {},
		"secondary": {},
	}
	r, _, failovers := testRegistry(t, fakes, siemCfg("primary", 0), siemCfg("secondary", 1))

	fakes["primary"].setQueryErr(faults.New(faults.KindServer5xx, "siem.query", "upstream returned 503"))

	result, servedBy, err := r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	require.NoError(t, err)
	assert.Equal(t, "secondary", servedBy)
	assert.NotNil(t, result)

	require.Len(t, *failovers, 1)
	assert.Equal(t, "primary", (*failovers)[0].From)
	assert.Equal(t, "secondary", (*failovers)[0].To)
}

func TestUnretryableFailureSurfacesImmediately(t *testing.T) {
	fakes := map[string]*fakeConnector{
		"primary":   {},
		"secondary": {},
	}
	r, _, failovers := testRegistry(t, fakes, siemCfg("primary", 0), siemCfg("secondary", 1))

	fakes["primary"].setQueryErr(faults.New(faults.KindAuth, "siem.query", "bad credentials"))

	_, servedBy, err := r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindAuth, faults.KindOf(err))
	assert.Equal(t, "primary", servedBy)
	assert.Empty(t, *failovers, "auth failures do not fail over")
	assert.Zero(t, fakes["secondary"].queryCount())
}

func TestAllConnectorsFailing(t *testing.T) {
	fakes := map[string]*fakeConnector{
		"primary":   {},
		"secondary": {},
	}
	r, _, _ := testRegistry(t, fakes, siemCfg("primary", 0), siemCfg("secondary", 1))

	transient := faults.New(faults.KindNetworkTransient, "siem.query", "connection reset")
	fakes["primary"].setQueryErr(transient)
	fakes["secondary"].setQueryErr(transient)

	_, _, err := r.Query(context.Background(), "tenant-1", models.ConnectorSIEM, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindNetworkTransient, faults.KindOf(err))
}

func TestNoConnectorAvailable(t *testing.T) {
	r, _, _ := testRegistry(t, map[string]*fakeConnector{"only": {}}, siemCfg("only", 0))

	_, _, err := r.Query(context.Background(), "tenant-1", models.ConnectorEDR, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindConnectorNotFound, faults.KindOf(err))
}

func TestHealthProbesMarkUnhealthyAfterThreeFailures(t *testing.T) {
	fakes := map[string]*fakeConnector{"only": {}}
	r, _, _ := testRegistry(t, fakes, siemCfg("only", 0))
	ctx := context.Background()

	m, err := r.Get("tenant-1", "only")
	require.NoError(t, err)

	fakes["only"].mu.Lock()
	fakes["only"].healthErr = faults.New(faults.KindServer5xx, "health", "down")
	fakes["only"].mu.Unlock()

	assert.Equal(t, models.ConnectorDegraded, m.Probe(ctx))
	assert.Equal(t, models.ConnectorDegraded, m.Probe(ctx))
	assert.Equal(t, models.ConnectorUnhealthy, m.Probe(ctx))

	// Unhealthy connectors are excluded from selection.
	_, _, err = r.Query(ctx, "tenant-1", models.ConnectorSIEM, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindConnectorNotFound, faults.KindOf(err))

	// A successful probe restores it.
	fakes["only"].mu.Lock()
	fakes["only"].healthErr = nil
	fakes["only"].mu.Unlock()
	assert.Equal(t, models.ConnectorActive, m.Probe(ctx))

	_, _, err = r.Query(ctx, "tenant-1", models.ConnectorSIEM, nil)
	assert.NoError(t, err)
}

func TestSettingsReadThroughCache(t *testing.T) {
	r, _, _ := testRegistry(t, map[string]*fakeConnector{"only": {}}, siemCfg("only", 0))

	v, ok := r.Setting("tenant-1", "region")
	require.True(t, ok)
	assert.Equal(t, "us-east-1", v)

	_, ok = r.Setting("tenant-1", "missing")
	assert.False(t, ok)

	_, ok = r.Setting("other-tenant", "region")
	assert.False(t, ok)
}

func TestTypesListsAvailableConnectorTypes(t *testing.T) {
	fakes := map[string]*fakeConnector{"only": {}}
	r, _, _ := testRegistry(t, fakes, siemCfg("only", 0))

	types := r.Types("tenant-1")
	assert.Equal(t, []models.ConnectorType{models.ConnectorSIEM}, types)
	assert.True(t, r.HasType("tenant-1", models.ConnectorSIEM))
	assert.False(t, r.HasType("tenant-1", models.ConnectorEDR))
}
