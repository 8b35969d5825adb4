package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/connector"
	"github.com/neonharbour/sentinel/pkg/evidence"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store/memstore"
)

// stubConnector is a scriptable connector for engine tests.
type stubConnector struct {
	mu      sync.Mutex
	id      string
	errs    []error // consumed per call; nil entry = success
	records []map[string]any
	calls   int
}

func (s *stubConnector) Initialize(cfg config.ConnectorConfig) error {
	s.id = cfg.ID
	return nil
}

func (s *stubConnector) HealthCheck(context.Context) (connector.Health, error) {
	return connector.Health{Healthy: true}, nil
}

func (s *stubConnector) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubConnector) Query(ctx context.Context, payload map[string]any) (*connector.Result, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	records := s.records
	if records == nil {
		records = []map[string]any{{"message": "hit from " + s.id}}
	}
	return &connector.Result{Records: records}, nil
}

func (s *stubConnector) Enrich(ctx context.Context, value, kind string) (*connector.Result, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return &connector.Result{Data: map[string]any{"verdict": "malicious", "confidence": 0.9}}, nil
}

func (s *stubConnector) Capabilities() []string      { return []string{"query", "enrich"} }
func (s *stubConnector) DataTypes() []string         { return []string{"log"} }
func (s *stubConnector) Shutdown(context.Context) error { return nil }

func (s *stubConnector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	engine *Engine
	store  *memstore.Store
	bus    *events.Bus
	clock  *ident.FakeClock
	stubs  map[string]*stubConnector
}

// newHarness wires an engine over memstore with stub connectors. types maps
// connector id → type.
func newHarness(t *testing.T, stubs map[string]*stubConnector, types map[string]string) *harness {
	t.Helper()
	clk := ident.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	st := memstore.New()
	bus := events.NewBus(st, clk)

	registry := connector.NewRegistry(clk,
		connector.WithBreakerConfig(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Second}))
	for ctype := range map[string]bool{"siem": true, "edr": true, "threat_intel": true} {
		ctype := ctype
		registry.RegisterFactory(ctype, func() connector.Connector {
			return &routingStub{stubs: stubs}
		})
	}
	var cfgs []config.ConnectorConfig
	for id, ctype := range types {
		cfgs = append(cfgs, config.ConnectorConfig{
			ID: id, Type: ctype, Auth: config.AuthConfig{Type: config.AuthNone},
		})
	}
	require.NoError(t, registry.Configure(config.TenantConfig{TenantID: "t", Connectors: cfgs}))

	evSvc := evidence.NewService(st, evidence.NewCorrelator(5*time.Minute), clk, nil)
	eng := New(Config{
		MaxParallelSteps: 3,
		StepTimeout:      2 * time.Second,
		MaxRetryAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
	}, registry, evSvc, bus, st, clk)

	return &harness{engine: eng, store: st, bus: bus, clock: clk, stubs: stubs}
}

type routingStub struct {
	stubs map[string]*stubConnector
	bound *stubConnector
}

func (r *routingStub) Initialize(cfg config.ConnectorConfig) error {
	r.bound = r.stubs[cfg.ID]
	return r.bound.Initialize(cfg)
}
func (r *routingStub) HealthCheck(ctx context.Context) (connector.Health, error) {
	return r.bound.HealthCheck(ctx)
}
func (r *routingStub) Query(ctx context.Context, p map[string]any) (*connector.Result, error) {
	return r.bound.Query(ctx, p)
}
func (r *routingStub) Enrich(ctx context.Context, v, k string) (*connector.Result, error) {
	return r.bound.Enrich(ctx, v, k)
}
func (r *routingStub) Capabilities() []string          { return r.bound.Capabilities() }
func (r *routingStub) DataTypes() []string             { return r.bound.DataTypes() }
func (r *routingStub) Shutdown(ctx context.Context) error { return r.bound.Shutdown(ctx) }

func (h *harness) execContext(t *testing.T, plan *models.Plan) *Context {
	t.Helper()
	require.NoError(t, h.store.SavePlan(context.Background(), "t", plan))
	return &Context{
		TenantID:        "t",
		InvestigationID: plan.InvestigationID,
		RunID:           "run-" + plan.InvestigationID,
		Plan:            plan,
	}
}

func queryStep(id string, sources []string, deps ...string) *models.Step {
	return &models.Step{
		StepID: id, Name: "query_" + id, Type: models.StepTypeQuery,
		DataSources: sources, Dependencies: deps,
		MaxRetries: 2, Status: models.StepPending,
		Payload: map[string]any{"q": "all"},
	}
}

func TestExecuteHappyPathRespectsDependencies(t *testing.T) {
	stubs := map[string]*stubConnector{"siem-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{
		PlanID:          "p1",
		InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			{StepID: "s2", Name: "correlate", Type: models.StepTypeCorrelate,
				Dependencies: []string{"s1"}, NonCritical: true, Status: models.StepPending},
			{StepID: "s3", Name: "validate", Type: models.StepTypeValidate,
				Dependencies: []string{"s2"}, Status: models.StepPending,
				Payload: map[string]any{"evidence_count": 1}},
		},
	}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Summary.TotalSteps)
	assert.Equal(t, 3, outcome.Summary.CompletedSteps)
	assert.Zero(t, outcome.Summary.FailedSteps)
	assert.GreaterOrEqual(t, outcome.Summary.TotalEvidence, 1)
	assert.InDelta(t, 1.0, outcome.Summary.SuccessRate, 1e-9)
	assert.False(t, outcome.Escalate)
	assert.Empty(t, outcome.Limitations)

	// Completion order respects the dependency chain.
	for _, s := range plan.Steps {
		assert.Equal(t, models.StepComplete, s.Status, s.StepID)
	}
	require.NotNil(t, plan.Steps[0].CompletedAt)
	require.NotNil(t, plan.Steps[1].StartedAt)
	assert.False(t, plan.Steps[1].StartedAt.Before(*plan.Steps[0].CompletedAt),
		"dependent step must not start before its dependency completes")
}

func TestDependencyGatingNeverViolated(t *testing.T) {
	// A step only transitions to running when all dependencies are
	// complete; track observed states via step events.
	stubs := map[string]*stubConnector{"siem-1": {}, "edr-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem", "edr-1": "edr"})

	plan := &models.Plan{
		PlanID:          "p1",
		InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("a", []string{"siem"}),
			queryStep("b", []string{"edr"}),
			queryStep("c", []string{"siem"}, "a", "b"),
		},
	}
	ec := h.execContext(t, plan)

	_, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)

	events_, err := h.store.ListEvents(context.Background(), "t", ec.RunID, 0, 0)
	require.NoError(t, err)

	done := map[string]bool{}
	for _, ev := range events_ {
		if ev.Method != "item/step" {
			continue
		}
		stepID, _ := ev.Params.Payload["stepId"].(string)
		status, _ := ev.Params.Payload["status"].(string)
		if stepID == "c" && status == string(models.StepRunning) {
			assert.True(t, done["a"] && done["b"],
				"step c ran before both dependencies completed")
		}
		if status == string(models.StepComplete) {
			done[stepID] = true
		}
	}
	assert.True(t, done["c"])
}

func TestBoundedParallelism(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	gated := &gatedConnector{inFlight: &inFlight, maxInFlight: &maxInFlight}

	clk := ident.NewFakeClock(time.Now())
	st := memstore.New()
	bus := events.NewBus(st, clk)
	registry := connector.NewRegistry(clk)
	registry.RegisterFactory("siem", func() connector.Connector { return gated })
	require.NoError(t, registry.Configure(config.TenantConfig{
		TenantID: "t",
		Connectors: []config.ConnectorConfig{{
			ID: "siem-1", Type: "siem", Auth: config.AuthConfig{Type: config.AuthNone},
		}},
	}))
	evSvc := evidence.NewService(st, evidence.NewCorrelator(0), clk, nil)
	eng := New(Config{MaxParallelSteps: 2, StepTimeout: 2 * time.Second, RetryBaseDelay: time.Millisecond},
		registry, evSvc, bus, st, clk)

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1"}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		plan.Steps = append(plan.Steps, queryStep(id, []string{"siem"}))
	}
	require.NoError(t, st.SavePlan(context.Background(), "t", plan))

	_, err := eng.Execute(context.Background(), &Context{
		TenantID: "t", InvestigationID: "inv-1", RunID: "run-1", Plan: plan,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(2),
		"no more than MaxParallelSteps steps run at once")
}

type gatedConnector struct {
	inFlight    *atomic.Int64
	maxInFlight *atomic.Int64
}

func (g *gatedConnector) Initialize(config.ConnectorConfig) error { return nil }
func (g *gatedConnector) HealthCheck(context.Context) (connector.Health, error) {
	return connector.Health{Healthy: true}, nil
}
func (g *gatedConnector) Query(ctx context.Context, payload map[string]any) (*connector.Result, error) {
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		prev := g.maxInFlight.Load()
		if cur <= prev || g.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &connector.Result{Records: []map[string]any{{"message": "ok"}}}, nil
}
func (g *gatedConnector) Enrich(ctx context.Context, v, k string) (*connector.Result, error) {
	return g.Query(ctx, nil)
}
func (g *gatedConnector) Capabilities() []string          { return []string{"query"} }
func (g *gatedConnector) DataTypes() []string             { return []string{"log"} }
func (g *gatedConnector) Shutdown(context.Context) error  { return nil }

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	transient := faults.New(faults.KindNetworkTransient, "siem.query", "connection reset")
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{transient, transient}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{queryStep("s1", []string{"siem"})}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Summary.CompletedSteps)
	assert.Equal(t, 2, plan.Steps[0].RetryCount)
	assert.Equal(t, 2, outcome.Summary.TotalRetries)

	// connector_retry events were emitted for each retry.
	evs, err := h.store.ListEvents(context.Background(), "t", ec.RunID, 0, 0)
	require.NoError(t, err)
	retries := 0
	for _, ev := range evs {
		if ev.Method == models.MethodConnectorRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetriesExhaustedMarksStepFailed(t *testing.T) {
	transient := faults.New(faults.KindServer5xx, "siem.query", "upstream returned 500")
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{transient, transient, transient, transient}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{queryStep("s1", []string{"siem"})}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Summary.FailedSteps)
	assert.Equal(t, models.StepFailed, plan.Steps[0].Status)
	assert.NotEmpty(t, plan.Steps[0].LastError)
	assert.Contains(t, outcome.Limitations, "siem_unavailable")
}

func TestRateLimitRetriedOnceThenSkipped(t *testing.T) {
	throttle := faults.New(faults.KindRateLimit, "siem.query", "throttled").
		WithRetryAfter(time.Millisecond)
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{throttle, throttle}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{queryStep("s1", []string{"siem"})}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.StepSkipped, plan.Steps[0].Status)
	assert.Equal(t, 1, outcome.Summary.SkippedSteps)
	assert.Contains(t, plan.Steps[0].LastError, "rate limited")
}

func TestAuthFailureEscalates(t *testing.T) {
	authErr := faults.New(faults.KindAuth, "siem.query", "credentials rejected")
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{authErr}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{queryStep("s1", []string{"siem"})}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, outcome.Escalate, "auth failures escalate to human review")
	assert.Equal(t, models.StepFailed, plan.Steps[0].Status)
	assert.Equal(t, 1, stubs["siem-1"].callCount(), "auth failures are not retried")
}

func TestUnknownStepTypeFailsWithoutRetry(t *testing.T) {
	stubs := map[string]*stubConnector{"siem-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{{
			StepID: "s1", Name: "weird", Type: "teleport", Status: models.StepPending,
		}}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, plan.Steps[0].Status)
	assert.Equal(t, 1, outcome.Summary.FailedSteps)
	assert.Zero(t, stubs["siem-1"].callCount())
}

func TestFailedDependencySkipsDownstream(t *testing.T) {
	hardFail := faults.New(faults.KindValidation, "siem.query", "bad query")
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{hardFail}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			queryStep("s2", []string{"siem"}, "s1"),
			queryStep("s3", []string{"siem"}, "s2"),
		}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, plan.Steps[0].Status)
	assert.Equal(t, models.StepSkipped, plan.Steps[1].Status)
	assert.Equal(t, models.StepSkipped, plan.Steps[2].Status)
	assert.Equal(t, 2, outcome.Summary.SkippedSteps)
}

func TestNonCriticalFailureDoesNotBlockDownstream(t *testing.T) {
	hardFail := faults.New(faults.KindValidation, "siem.query", "bad query")
	stubs := map[string]*stubConnector{"siem-1": {errs: []error{hardFail}}, "edr-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem", "edr-1": "edr"})

	failing := queryStep("s1", []string{"siem"})
	failing.NonCritical = true
	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			failing,
			queryStep("s2", []string{"edr"}, "s1"),
		}}
	ec := h.execContext(t, plan)

	_, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, plan.Steps[0].Status)
	assert.Equal(t, models.StepComplete, plan.Steps[1].Status,
		"non-critical failures satisfy downstream dependencies")
}

func TestPlanAdaptationUsesAlternativeSources(t *testing.T) {
	hardFail := faults.New(faults.KindServer5xx, "siem.query", "down")
	stubs := map[string]*stubConnector{
		"siem-1": {errs: []error{hardFail, hardFail, hardFail, hardFail, hardFail, hardFail, hardFail, hardFail, hardFail}},
		"edr-1":  {},
	}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem", "edr-1": "edr"})

	// Three failing siem steps cross the adaptation threshold; edr remains
	// as the alternative source.
	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			queryStep("s2", []string{"siem"}),
			queryStep("s3", []string{"siem"}),
		}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)

	require.NotEmpty(t, outcome.Summary.Adaptations, "adaptation triggered at threshold")
	for _, a := range outcome.Summary.Adaptations {
		adaptedStep := plan.StepByID(a.NewStepID)
		require.NotNil(t, adaptedStep)
		assert.Equal(t, []string{"edr"}, adaptedStep.DataSources)
		assert.Contains(t, a.ExcludedSources, "siem")
	}

	// Adapted steps executed against the alternative source.
	assert.Greater(t, outcome.Summary.CompletedSteps, 0)
	assert.Greater(t, stubs["edr-1"].callCount(), 0)

	// plan_adapted events were published.
	evs, err := h.store.ListEvents(context.Background(), "t", ec.RunID, 0, 0)
	require.NoError(t, err)
	adaptedEvents := 0
	for _, ev := range evs {
		if ev.Method == models.MethodPlanAdapted {
			adaptedEvents++
		}
	}
	assert.Equal(t, len(outcome.Summary.Adaptations), adaptedEvents)
}

func TestAdaptationBoundedToOncePerStep(t *testing.T) {
	hardFail := faults.New(faults.KindServer5xx, "x.query", "down")
	// Both siem and edr always fail: the adapted steps fail too, but no
	// second-generation adaptations may be created.
	manyFails := make([]error, 64)
	for i := range manyFails {
		manyFails[i] = hardFail
	}
	stubs := map[string]*stubConnector{
		"siem-1": {errs: append([]error{}, manyFails...)},
		"edr-1":  {errs: append([]error{}, manyFails...)},
	}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem", "edr-1": "edr"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			queryStep("s2", []string{"siem"}),
			queryStep("s3", []string{"siem"}),
		}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)

	// 3 original + at most 3 adapted; adapted steps excluded siem, failed
	// on edr, and had no further alternative, so no more steps appear.
	assert.LessOrEqual(t, len(plan.Steps), 6)
	assert.LessOrEqual(t, len(outcome.Summary.Adaptations), 3)
}

func TestValidateStepCriteria(t *testing.T) {
	stubs := map[string]*stubConnector{"siem-1": {records: []map[string]any{
		{"src_ip": "192.168.1.100", "message": "blocked"},
	}}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			{StepID: "s2", Name: "validate", Type: models.StepTypeValidate,
				Dependencies: []string{"s1"}, Status: models.StepPending,
				Payload: map[string]any{
					"evidence_count": 1,
					"entity_presence": map[string]any{
						"kind": "ip", "value": "192.168.1.100",
					},
				}},
		}}
	ec := h.execContext(t, plan)

	_, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.StepComplete, plan.Steps[1].Status)

	evs, err := h.store.ListEvents(context.Background(), "t", ec.RunID, 0, 0)
	require.NoError(t, err)
	var validation *models.Event
	for _, ev := range evs {
		if ev.Method == "item/validation" {
			validation = ev
		}
	}
	require.NotNil(t, validation)
	assert.Equal(t, true, validation.Params.Payload["valid"])
}

func TestCorrelateStepProducesCorrelationEvidence(t *testing.T) {
	stubs := map[string]*stubConnector{
		"siem-1": {records: []map[string]any{{"src_ip": "10.0.0.5", "message": "conn"}}},
		"edr-1":  {records: []map[string]any{{"process": "powershell.exe", "src_ip": "10.0.0.5"}}},
	}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem", "edr-1": "edr"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			queryStep("s2", []string{"edr"}),
			{StepID: "s3", Name: "correlate", Type: models.StepTypeCorrelate,
				Dependencies: []string{"s1", "s2"}, Status: models.StepPending},
		}}
	ec := h.execContext(t, plan)

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Summary.CompletedSteps)

	all, err := h.store.ListEvidence(context.Background(), "t", "inv-1")
	require.NoError(t, err)
	var correlations int
	for _, ev := range all {
		if ev.Type == models.EvidenceCorrelation {
			correlations++
		}
	}
	assert.Greater(t, correlations, 0, "shared entity and temporal proximity produce correlation evidence")
}

func TestCancellationRetainsPartialEvidence(t *testing.T) {
	stubs := map[string]*stubConnector{"siem-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	slow := queryStep("s2", []string{"siem"}, "s1")
	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{queryStep("s1", []string{"siem"}), slow}}
	ec := h.execContext(t, plan)

	ctx, cancel := context.WithCancel(context.Background())
	boundary := make(chan struct{}, 8)
	ec.OnStepBoundary = func(context.Context) {
		boundary <- struct{}{}
		cancel()
	}

	outcome, err := h.engine.Execute(ctx, ec)
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.GreaterOrEqual(t, outcome.Summary.TotalEvidence, 1, "partial evidence is retained")
	assert.Equal(t, models.StepSkipped, plan.Steps[1].Status)
}

func TestValidatePlanRejectsCycles(t *testing.T) {
	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			{StepID: "a", Type: models.StepTypeQuery, DataSources: []string{"siem"},
				Dependencies: []string{"b"}, Status: models.StepPending},
			{StepID: "b", Type: models.StepTypeQuery, DataSources: []string{"siem"},
				Dependencies: []string{"a"}, Status: models.StepPending},
		}}
	err := ValidatePlan(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidatePlanRejectsUnknownDependency(t *testing.T) {
	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			{StepID: "a", Type: models.StepTypeQuery, DataSources: []string{"siem"},
				Dependencies: []string{"ghost"}, Status: models.StepPending},
		}}
	assert.Error(t, ValidatePlan(plan))
}

func TestPauseGateWithholdsNewSteps(t *testing.T) {
	stubs := map[string]*stubConnector{"siem-1": {}}
	h := newHarness(t, stubs, map[string]string{"siem-1": "siem"})

	plan := &models.Plan{PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{
			queryStep("s1", []string{"siem"}),
			queryStep("s2", []string{"siem"}, "s1"),
		}}
	ec := h.execContext(t, plan)

	gate := &testGate{resume: make(chan struct{})}
	ec.Gate = gate
	ec.OnStepBoundary = func(context.Context) {
		// Pause after the first step completes, then release shortly after.
		if gate.pauseOnce() {
			go func() {
				time.Sleep(30 * time.Millisecond)
				gate.doResume()
			}()
		}
	}

	outcome, err := h.engine.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Summary.CompletedSteps, "execution resumes after the gate opens")
}

type testGate struct {
	mu      sync.Mutex
	paused  bool
	started bool
	resume  chan struct{}
}

func (g *testGate) pauseOnce() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return false
	}
	g.started = true
	g.paused = true
	return true
}

func (g *testGate) doResume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	close(g.resume)
}

func (g *testGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *testGate) AwaitResume(ctx context.Context) error {
	select {
	case <-g.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
