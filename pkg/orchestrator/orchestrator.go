// Package orchestrator schedules investigations: priority admission under a
// bounded active set, the per-investigation state machine, hard timeouts,
// pause/resume and human-feedback injection.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/agent"
	"github.com/neonharbour/sentinel/pkg/connector"
	"github.com/neonharbour/sentinel/pkg/engine"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/evidence"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/learning"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// Config holds the orchestrator's scheduling envelope.
type Config struct {
	// MaxConcurrent bounds the active investigation set.
	MaxConcurrent int
	// DefaultTimeout applies when a start request names none.
	DefaultTimeout time.Duration
	// QueueSoftLimit is the backpressure threshold: beyond it, low-priority
	// admissions are refused until the queue drains.
	QueueSoftLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.QueueSoftLimit <= 0 {
		c.QueueSoftLimit = 100
	}
	return c
}

// lowPriorityThreshold: priorities below this are refused under
// backpressure.
const lowPriorityThreshold = 3

// StartOptions parameterize one StartInvestigation call.
type StartOptions struct {
	Priority       int
	TimeoutMs      int64
	UserID         string
	CorrelationKey string
}

// queued is one admission-queue entry. FIFO within priority, higher
// priority first.
type queued struct {
	investigationID string
	tenantID        string
	priority        int
	seq             int64
}

// Orchestrator runs investigations.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	bus       *events.Bus
	engine    *engine.Engine
	registry  *connector.Registry
	evidence  *evidence.Service
	planner   *agent.Base
	analyst   *agent.Base
	responder *agent.Base
	reasoner  agent.Reasoner
	hook      learning.Hook
	clock     ident.Clock

	mu       sync.Mutex
	queue    []queued
	nextSeq  int64
	active   map[string]*runtime // investigationID → runtime
	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Bus       *events.Bus
	Engine    *engine.Engine
	Registry  *connector.Registry
	Evidence  *evidence.Service
	Planner   *agent.Base
	Analyst   *agent.Base
	Responder *agent.Base
	// Reasoner is the optional opaque AI callable; nil disables it.
	Reasoner agent.Reasoner
	// Hook is the learning pipeline; nil falls back to LoggingHook.
	Hook  learning.Hook
	Clock ident.Clock
}

// New creates an orchestrator. Call Start before admitting work.
func New(cfg Config, deps Deps) *Orchestrator {
	hook := deps.Hook
	if hook == nil {
		hook = learning.LoggingHook{}
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		bus:       deps.Bus,
		engine:    deps.Engine,
		registry:  deps.Registry,
		evidence:  deps.Evidence,
		planner:   deps.Planner,
		analyst:   deps.Analyst,
		responder: deps.Responder,
		reasoner:  deps.Reasoner,
		hook:      hook,
		clock:     deps.Clock,
		active:    make(map[string]*runtime),
	}
}

// Start prepares the orchestrator for admissions.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.baseCtx, o.baseStop = context.WithCancel(ctx)
	slog.Info("Orchestrator started", "max_concurrent", o.cfg.MaxConcurrent)
}

// Stop cancels every active investigation and waits for their goroutines.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.baseStop != nil {
		o.baseStop()
	}
	for _, rt := range o.active {
		rt.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
	slog.Info("Orchestrator stopped")
}

// StartInvestigation admits an alert for investigation. Idempotent per
// (tenantID, alertID, correlationKey): repeat calls return the original
// investigation.
func (o *Orchestrator) StartInvestigation(ctx context.Context, tenantID string, alert *models.Alert, opts StartOptions) (*models.Investigation, error) {
	if alert == nil || alert.AlertID == "" {
		return nil, faults.New(faults.KindValidation, "orchestrator.start", "alert is required")
	}

	idemKey := ident.IdempotencyKey(tenantID, alert.AlertID, opts.CorrelationKey)
	if existing, err := o.store.FindByIdempotencyKey(ctx, tenantID, idemKey); err == nil {
		return existing, nil
	}

	priority := opts.Priority
	if priority < 1 || priority > 5 {
		priority = alert.Severity.DefaultPriority()
	}

	// Backpressure: refuse low-priority work while the queue is saturated.
	o.mu.Lock()
	if len(o.queue) >= o.cfg.QueueSoftLimit && priority < lowPriorityThreshold {
		o.mu.Unlock()
		return nil, faults.New(faults.KindRateLimit, "orchestrator.start",
			"queue saturated; low-priority admissions deferred")
	}
	o.mu.Unlock()

	timeout := o.cfg.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	alert.TenantID = tenantID
	if err := o.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persisting alert %s: %w", alert.AlertID, err)
	}

	inv := &models.Investigation{
		InvestigationID: ident.NewPrefixedID("inv"),
		TenantID:        tenantID,
		AlertID:         alert.AlertID,
		UserID:          opts.UserID,
		CorrelationKey:  opts.CorrelationKey,
		IdempotencyKey:  idemKey,
		Priority:        priority,
		Status:          models.StatusQueued,
		CreatedAt:       o.clock.Now(),
		TimeoutMs:       timeout.Milliseconds(),
	}
	if err := o.store.CreateInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("persisting investigation: %w", err)
	}

	o.mu.Lock()
	o.nextSeq++
	o.queue = append(o.queue, queued{
		investigationID: inv.InvestigationID,
		tenantID:        tenantID,
		priority:        priority,
		seq:             o.nextSeq,
	})
	o.mu.Unlock()

	slog.Info("Investigation queued",
		"investigation_id", inv.InvestigationID, "tenant_id", tenantID,
		"alert_id", alert.AlertID, "priority", priority)

	o.admit()
	return inv, nil
}

// admit moves queued investigations into the active set while capacity
// allows. Called on start requests and on every terminal transition.
func (o *Orchestrator) admit() {
	for {
		o.mu.Lock()
		if o.baseCtx == nil || o.baseCtx.Err() != nil ||
			len(o.queue) == 0 || len(o.active) >= o.cfg.MaxConcurrent {
			o.mu.Unlock()
			return
		}

		// FIFO within priority, higher priority first.
		sort.SliceStable(o.queue, func(i, j int) bool {
			if o.queue[i].priority != o.queue[j].priority {
				return o.queue[i].priority > o.queue[j].priority
			}
			return o.queue[i].seq < o.queue[j].seq
		})
		next := o.queue[0]
		o.queue = o.queue[1:]

		rt := newRuntime(o.baseCtx, next.tenantID, next.investigationID)
		o.active[next.investigationID] = rt
		o.wg.Add(1)
		o.mu.Unlock()

		go func() {
			defer o.wg.Done()
			o.run(rt)
			o.mu.Lock()
			delete(o.active, rt.investigationID)
			o.mu.Unlock()
			o.admit()
		}()
	}
}

// ActiveCount returns the size of the active set.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// QueueDepth returns the number of queued investigations.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) runtimeFor(tenantID, investigationID string) (*runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.active[investigationID]
	if !ok || rt.tenantID != tenantID {
		return nil, false
	}
	return rt, true
}
