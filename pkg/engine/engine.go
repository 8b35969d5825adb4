package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonharbour/sentinel/pkg/evidence"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"

	"github.com/neonharbour/sentinel/pkg/connector"
)

// Config holds the engine's execution envelope.
type Config struct {
	// MaxParallelSteps bounds concurrently running steps per plan.
	MaxParallelSteps int
	// StepTimeout applies to steps that declare no timeout of their own.
	StepTimeout time.Duration
	// MaxRetryAttempts applies to steps that declare no retry budget.
	MaxRetryAttempts int
	// RetryBaseDelay is the first retry backoff (doubles per attempt).
	RetryBaseDelay time.Duration
	// AdaptFailedCount and AdaptFailedRatio trigger plan adaptation when
	// either is reached.
	AdaptFailedCount int
	AdaptFailedRatio float64
}

func (c Config) withDefaults() Config {
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = 3
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Second
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.AdaptFailedCount <= 0 {
		c.AdaptFailedCount = 3
	}
	if c.AdaptFailedRatio <= 0 {
		c.AdaptFailedRatio = 0.5
	}
	return c
}

// Gate lets the orchestrator pause execution. Pause is honored at step
// boundaries only: in-flight steps finish, new steps are withheld.
type Gate interface {
	Paused() bool
	AwaitResume(ctx context.Context) error
}

// Context is one plan execution.
type Context struct {
	TenantID        string
	InvestigationID string
	RunID           string
	Plan            *models.Plan

	// Gate is optional pause support.
	Gate Gate
	// OnStepBoundary, when set, runs after every step completion (the
	// orchestrator consumes pending human feedback here).
	OnStepBoundary func(ctx context.Context)
}

// Outcome is what an execution produced beyond the persisted evidence.
type Outcome struct {
	Summary     models.ExecutionSummary
	Limitations []string
	// Escalate is set when an auth/permission failure demands human review.
	Escalate bool
}

// Engine executes plans.
type Engine struct {
	cfg      Config
	registry *connector.Registry
	evidence *evidence.Service
	bus      *events.Bus
	plans    store.PlanStore
	clock    ident.Clock
}

// New creates an execution engine.
func New(cfg Config, registry *connector.Registry, evidenceSvc *evidence.Service, bus *events.Bus, plans store.PlanStore, clock ident.Clock) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		registry: registry,
		evidence: evidenceSvc,
		bus:      bus,
		plans:    plans,
		clock:    clock,
	}
}

// stepDone carries one finished step back to the scheduler loop.
type stepDone struct {
	step *models.Step
	res  stepResult
}

// Execute runs the plan DAG to completion (or cancellation). Only a Fatal
// classification aborts with an error; every other failure is absorbed into
// step state and the summary.
func (e *Engine) Execute(ctx context.Context, ec *Context) (*Outcome, error) {
	if err := ValidatePlan(ec.Plan); err != nil {
		return nil, err
	}

	log := slog.With("investigation_id", ec.InvestigationID, "run_id", ec.RunID)
	start := e.clock.Now()

	running := make(map[string]bool)
	adapted := make(map[string]bool)
	failedSources := make(map[string][]string)
	failingSources := newStringSet()
	limitations := newStringSet()
	done := make(chan stepDone)

	outcome := &Outcome{}
	totalRetries := 0

	for {
		// Cancellation check. In-flight steps see the same ctx and wind
		// down on their own; partial evidence is retained.
		if ctx.Err() != nil {
			e.drain(running, done, ec, limitations, &totalRetries, outcome)
			e.skipPending(ctx, ec, "execution cancelled")
			e.finishSummary(ec, outcome, limitations, totalRetries, start)
			return outcome, ctx.Err()
		}

		// Pause boundary: withhold new dispatches, let in-flight steps
		// finish, then block until resumed.
		if ec.Gate != nil && ec.Gate.Paused() && len(running) == 0 {
			if err := ec.Gate.AwaitResume(ctx); err != nil {
				continue // ctx expired; handled at the top of the loop
			}
		}

		e.cascadeSkips(ctx, ec)

		dispatched := false
		if ec.Gate == nil || !ec.Gate.Paused() {
			for _, step := range ec.Plan.Steps {
				if len(running) >= e.cfg.MaxParallelSteps {
					break
				}
				if step.Status != models.StepPending || !e.eligible(ec.Plan, step) {
					continue
				}
				e.markRunning(ctx, ec, step)
				running[step.StepID] = true
				dispatched = true

				go func(step *models.Step) {
					res := e.runStep(ctx, ec, step)
					done <- stepDone{step: step, res: res}
				}(step)
			}
		}

		if len(running) == 0 {
			if !dispatched && !e.hasPending(ec.Plan) {
				break
			}
			if !dispatched {
				// Pending steps exist but none are eligible and nothing is
				// running: dependencies can never be satisfied. The sweep
				// above resolves this by skipping; if it did not, bail out
				// rather than spin.
				if !e.cascadeResolved(ctx, ec) {
					break
				}
				continue
			}
		}

		if len(running) > 0 {
			finished := <-done
			delete(running, finished.step.StepID)
			e.applyResult(ctx, ec, finished.step, finished.res, limitations, &totalRetries, outcome)

			if ec.OnStepBoundary != nil {
				ec.OnStepBoundary(ctx)
			}

			if finished.res.err != nil && faults.KindOf(finished.res.err) == faults.KindFatal {
				e.drain(running, done, ec, limitations, &totalRetries, outcome)
				e.skipPending(ctx, ec, "aborted by fatal error")
				e.finishSummary(ec, outcome, limitations, totalRetries, start)
				return outcome, finished.res.err
			}

			if len(finished.res.failedSources) > 0 && finished.res.err != nil {
				failedSources[finished.step.StepID] = finished.res.failedSources
				for _, s := range finished.res.failedSources {
					failingSources.add(s)
				}
			}
			e.maybeAdapt(ctx, ec, adapted, failedSources, failingSources, outcome)
		}
	}

	e.finishSummary(ec, outcome, limitations, totalRetries, start)
	log.Info("Plan execution finished",
		"completed", outcome.Summary.CompletedSteps,
		"failed", outcome.Summary.FailedSteps,
		"evidence", outcome.Summary.TotalEvidence,
		"adaptations", len(outcome.Summary.Adaptations))
	return outcome, nil
}

// eligible reports whether every dependency is satisfied: complete, or
// terminal and marked non-critical.
func (e *Engine) eligible(plan *models.Plan, step *models.Step) bool {
	for _, depID := range step.Dependencies {
		dep := plan.StepByID(depID)
		if dep == nil {
			return false
		}
		if dep.Status == models.StepComplete {
			continue
		}
		if dep.Status.IsTerminal() && dep.NonCritical {
			continue
		}
		return false
	}
	return true
}

// blocked reports whether a dependency has terminally failed in a way that
// can never satisfy this step.
func (e *Engine) blocked(plan *models.Plan, step *models.Step) bool {
	for _, depID := range step.Dependencies {
		dep := plan.StepByID(depID)
		if dep == nil {
			return true
		}
		if dep.Status.IsTerminal() && dep.Status != models.StepComplete && !dep.NonCritical {
			return true
		}
	}
	return false
}

// cascadeSkips marks steps whose dependencies can never be satisfied as
// skipped, repeating until a fixpoint.
func (e *Engine) cascadeSkips(ctx context.Context, ec *Context) {
	for {
		changed := false
		for _, step := range ec.Plan.Steps {
			if step.Status != models.StepPending {
				continue
			}
			if e.blocked(ec.Plan, step) {
				e.markTerminal(ctx, ec, step, models.StepSkipped, "dependency failed")
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (e *Engine) cascadeResolved(ctx context.Context, ec *Context) bool {
	before := e.countPending(ec.Plan)
	e.cascadeSkips(ctx, ec)
	return e.countPending(ec.Plan) < before
}

func (e *Engine) hasPending(plan *models.Plan) bool {
	return e.countPending(plan) > 0
}

func (e *Engine) countPending(plan *models.Plan) int {
	n := 0
	for _, s := range plan.Steps {
		if s.Status == models.StepPending {
			n++
		}
	}
	return n
}

// drain waits for every in-flight step so cancellation never leaks a
// goroutine blocked sending on the unbuffered done channel.
func (e *Engine) drain(running map[string]bool, done chan stepDone, ec *Context, limitations *stringSet, totalRetries *int, outcome *Outcome) {
	for len(running) > 0 {
		finished := <-done
		delete(running, finished.step.StepID)
		e.applyResult(context.Background(), ec, finished.step, finished.res, limitations, totalRetries, outcome)
	}
}

func (e *Engine) skipPending(ctx context.Context, ec *Context, reason string) {
	for _, step := range ec.Plan.Steps {
		if step.Status == models.StepPending {
			e.markTerminal(ctx, ec, step, models.StepSkipped, reason)
		}
	}
}

func (e *Engine) markRunning(ctx context.Context, ec *Context, step *models.Step) {
	now := e.clock.Now()
	step.Status = models.StepRunning
	step.StartedAt = &now
	e.persistStep(ctx, ec, step)
	e.publish(ctx, ec, models.ItemMethod("step"), map[string]any{
		"stepId": step.StepID,
		"name":   step.Name,
		"type":   string(step.Type),
		"status": string(models.StepRunning),
	})
}

func (e *Engine) markTerminal(ctx context.Context, ec *Context, step *models.Step, status models.StepStatus, reason string) {
	now := e.clock.Now()
	step.Status = status
	step.CompletedAt = &now
	if reason != "" && status != models.StepComplete {
		step.LastError = reason
	}
	e.persistStep(ctx, ec, step)
	e.publish(ctx, ec, models.ItemMethod("step"), map[string]any{
		"stepId": step.StepID,
		"name":   step.Name,
		"type":   string(step.Type),
		"status": string(status),
		"error":  reason,
	})
}

// applyResult moves a finished step into its terminal state. Step results
// become visible to downstream steps only here, after persistence and event
// emission: the happens-before edge.
func (e *Engine) applyResult(ctx context.Context, ec *Context, step *models.Step, res stepResult, limitations *stringSet, totalRetries *int, outcome *Outcome) {
	step.RetryCount += res.retries
	*totalRetries += res.retries
	if res.err != nil || res.skipped {
		// Sources that only hiccuped before an eventual success are not
		// limitations.
		for _, l := range res.limitations {
			limitations.add(l)
		}
	}
	if res.escalate {
		outcome.Escalate = true
	}
	outcome.Summary.TotalEvidence += res.evidenceCount

	switch {
	case res.err == nil && !res.skipped:
		e.markTerminal(ctx, ec, step, models.StepComplete, "")
	case res.skipped:
		e.markTerminal(ctx, ec, step, models.StepSkipped, res.reason)
	default:
		e.markTerminal(ctx, ec, step, models.StepFailed, res.err.Error())
	}
}

// maybeAdapt generates alternative steps for failed ones once the failure
// threshold is crossed. Each failed step is adapted at most once, and
// alternatives exclude every source known to be failing plan-wide.
func (e *Engine) maybeAdapt(ctx context.Context, ec *Context, adapted map[string]bool, failedSources map[string][]string, failingSources *stringSet, outcome *Outcome) {
	failed := 0
	for _, s := range ec.Plan.Steps {
		if s.Status == models.StepFailed {
			failed++
		}
	}
	total := len(ec.Plan.Steps)
	if failed < e.cfg.AdaptFailedCount && float64(failed)/float64(total) < e.cfg.AdaptFailedRatio {
		return
	}

	for _, step := range ec.Plan.Steps {
		if step.Status != models.StepFailed || adapted[step.StepID] {
			continue
		}
		if step.Type != models.StepTypeQuery && step.Type != models.StepTypeEnrich {
			continue
		}
		adapted[step.StepID] = true

		alternatives := e.alternativeSources(ec.TenantID, step, failingSources)
		if len(alternatives) == 0 {
			continue
		}

		newStep := &models.Step{
			StepID:       ident.NewPrefixedID("step"),
			Name:         step.Name + "_adapted",
			Type:         step.Type,
			Agent:        step.Agent,
			Dependencies: append([]string{}, step.Dependencies...),
			Payload:      step.Payload,
			DataSources:  alternatives,
			TimeoutMs:    step.TimeoutMs,
			MaxRetries:   step.MaxRetries,
			NonCritical:  step.NonCritical,
			Status:       models.StepPending,
		}
		ec.Plan.Steps = append(ec.Plan.Steps, newStep)
		if err := e.plans.AppendStep(ctx, ec.TenantID, ec.InvestigationID, newStep); err != nil {
			slog.Warn("Failed to persist adapted step",
				"investigation_id", ec.InvestigationID, "step_id", newStep.StepID, "error", err)
		}

		adaptation := models.Adaptation{
			FailedStepID:    step.StepID,
			NewStepID:       newStep.StepID,
			ExcludedSources: failingSources.values(),
			Reason:          fmt.Sprintf("step failed after %d retries; retrying with alternative sources", step.RetryCount),
			AdaptedAt:       e.clock.Now(),
		}
		outcome.Summary.Adaptations = append(outcome.Summary.Adaptations, adaptation)

		e.publish(ctx, ec, models.MethodPlanAdapted, map[string]any{
			"failedStepId":    step.StepID,
			"newStepId":       newStep.StepID,
			"excludedSources": failingSources.values(),
		})
	}
}

// alternativeSources returns the tenant's homologous source types minus the
// step's current sources and everything known to be failing plan-wide.
func (e *Engine) alternativeSources(tenantID string, step *models.Step, failing *stringSet) []string {
	exclude := newStringSet()
	for _, s := range step.DataSources {
		exclude.add(s)
	}
	for _, s := range failing.values() {
		exclude.add(s)
	}

	var out []string
	for _, t := range e.registry.Types(tenantID) {
		if !exclude.has(string(t)) {
			out = append(out, string(t))
		}
	}
	return out
}

func (e *Engine) finishSummary(ec *Context, outcome *Outcome, limitations *stringSet, totalRetries int, start time.Time) {
	s := &outcome.Summary
	s.TotalSteps = len(ec.Plan.Steps)
	for _, step := range ec.Plan.Steps {
		switch step.Status {
		case models.StepComplete:
			s.CompletedSteps++
		case models.StepFailed:
			s.FailedSteps++
		case models.StepSkipped:
			s.SkippedSteps++
		}
	}
	if s.TotalSteps > 0 {
		s.SuccessRate = float64(s.CompletedSteps) / float64(s.TotalSteps)
	}
	s.TotalRetries = totalRetries
	s.ExecutionTimeMs = e.clock.Now().Sub(start).Milliseconds()
	outcome.Limitations = limitations.values()
}

func (e *Engine) persistStep(ctx context.Context, ec *Context, step *models.Step) {
	if err := e.plans.UpdateStep(ctx, ec.TenantID, ec.InvestigationID, step); err != nil {
		slog.Warn("Failed to persist step state",
			"investigation_id", ec.InvestigationID, "step_id", step.StepID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, ec *Context, method string, payload map[string]any) {
	_, err := e.bus.Publish(ctx, ec.TenantID, ec.RunID, method, events.PublishInput{
		AgentID: "executor",
		Payload: payload,
	})
	if err != nil {
		slog.Warn("Failed to publish engine event",
			"run_id", ec.RunID, "method", method, "error", err)
	}
}

// ValidatePlan checks the plan is a well-formed DAG: unique ids, known
// dependencies, no cycles.
func ValidatePlan(plan *models.Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return faults.New(faults.KindValidation, "engine.validate", "plan has no steps")
	}

	byID := make(map[string]*models.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.StepID == "" {
			return faults.New(faults.KindValidation, "engine.validate", "step without id")
		}
		if _, dup := byID[s.StepID]; dup {
			return faults.New(faults.KindValidation, "engine.validate",
				fmt.Sprintf("duplicate step id %s", s.StepID))
		}
		byID[s.StepID] = s
	}

	for _, s := range plan.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return faults.New(faults.KindValidation, "engine.validate",
					fmt.Sprintf("step %s depends on unknown step %s", s.StepID, dep))
			}
		}
	}

	// Kahn topological check for cycles.
	indegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string)
	for _, s := range plan.Steps {
		indegree[s.StepID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(plan.Steps) {
		return faults.New(faults.KindValidation, "engine.validate", "plan contains a dependency cycle")
	}
	return nil
}

// stringSet is a tiny ordered set.
type stringSet struct {
	order []string
	seen  map[string]bool
}

func newStringSet() *stringSet {
	return &stringSet{seen: make(map[string]bool)}
}

func (s *stringSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.order = append(s.order, v)
}

func (s *stringSet) has(v string) bool { return s.seen[v] }

func (s *stringSet) values() []string {
	return append([]string{}, s.order...)
}
