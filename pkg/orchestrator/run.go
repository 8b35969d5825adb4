package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonharbour/sentinel/pkg/agent"
	"github.com/neonharbour/sentinel/pkg/engine"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/learning"
	"github.com/neonharbour/sentinel/pkg/models"
)

// run drives one investigation through the state machine. It owns every
// status transition except the timeout path, which races it through the
// finalize guard.
func (o *Orchestrator) run(rt *runtime) {
	ctx := rt.ctx
	log := slog.With("investigation_id", rt.investigationID, "tenant_id", rt.tenantID)

	inv, err := o.store.GetInvestigation(ctx, rt.tenantID, rt.investigationID)
	if err != nil {
		log.Error("Admitted investigation not found", "error", err)
		return
	}
	alert, err := o.store.GetAlert(ctx, rt.tenantID, inv.AlertID)
	if err != nil {
		o.finalize(rt, inv, models.StatusFailed, fmt.Sprintf("alert %s not found", inv.AlertID), nil)
		return
	}

	now := o.clock.Now()
	inv.StartedAt = &now
	runID := inv.InvestigationID

	rt.armTimeout(time.Duration(inv.TimeoutMs)*time.Millisecond, now, func() {
		o.onTimeout(rt)
	})

	o.publish(ctx, rt, models.MethodRunStarted, map[string]any{
		"investigationId": inv.InvestigationID,
		"alertId":         inv.AlertID,
		"priority":        inv.Priority,
	})

	// --- planning ---
	if !o.enterPhase(ctx, rt, inv, models.StatusPlanning) {
		return
	}
	ec := &agent.ExecutionContext{
		TenantID:         rt.tenantID,
		InvestigationID:  inv.InvestigationID,
		RunID:            runID,
		Alert:            alert,
		AvailableSources: o.registry.Types(rt.tenantID),
	}

	planOutcome := o.runAgentTurn(ctx, rt, o.planner, ec)
	if !planOutcome.Success {
		o.finalize(rt, inv, models.StatusFailed,
			fmt.Sprintf("planning failed: %v", planOutcome.Err), nil)
		return
	}
	plan := planOutcome.Result.Plan
	if err := o.store.SavePlan(ctx, rt.tenantID, plan); err != nil {
		o.finalize(rt, inv, models.StatusFailed, fmt.Sprintf("persisting plan: %v", err), nil)
		return
	}
	o.publish(ctx, rt, models.MethodArtifactCreated, map[string]any{
		"kind":   "plan",
		"planId": plan.PlanID,
		"steps":  len(plan.Steps),
	})

	// --- executing ---
	if !o.enterPhase(ctx, rt, inv, models.StatusExecuting) {
		return
	}
	execOutcome, execErr := o.engine.Execute(ctx, &engine.Context{
		TenantID:        rt.tenantID,
		InvestigationID: inv.InvestigationID,
		RunID:           runID,
		Plan:            plan,
		Gate:            rt,
		OnStepBoundary: func(stepCtx context.Context) {
			o.absorbNonVerdictFeedback(stepCtx, rt)
		},
	})
	if execErr != nil {
		if ctx.Err() != nil {
			// Timed out or cancelled: the timeout handler owns the
			// terminal transition.
			return
		}
		var summary *models.ExecutionSummary
		if execOutcome != nil {
			summary = &execOutcome.Summary
		}
		o.finalize(rt, inv, models.StatusFailed,
			fmt.Sprintf("execution aborted: %v", execErr), summary)
		return
	}
	o.publish(ctx, rt, models.TurnMethod("executor", "completed"), map[string]any{
		"completedSteps": execOutcome.Summary.CompletedSteps,
		"failedSteps":    execOutcome.Summary.FailedSteps,
		"totalEvidence":  execOutcome.Summary.TotalEvidence,
	})
	if execOutcome.Escalate {
		inv.ErrorMessage = "credential failure against a data source"
		o.finalize(rt, inv, models.StatusRequiresReview,
			"escalated: auth failure during execution", &execOutcome.Summary)
		return
	}

	// --- analyzing ---
	if !o.enterPhase(ctx, rt, inv, models.StatusAnalyzing) {
		return
	}
	o.recordReasonerInsight(ctx, rt, inv, alert)

	ec.Evidence = o.loadEvidence(ctx, rt)
	ec.Relationships = o.loadRelationships(ctx, rt)
	ec.Limitations = execOutcome.Limitations
	ec.Summary = &execOutcome.Summary

	verdict, ok := o.analystTurns(ctx, rt, inv, ec)
	if !ok {
		return
	}
	inv.Verdict = verdict

	// --- responding ---
	if !o.enterPhase(ctx, rt, inv, models.StatusResponding) {
		return
	}
	ec.Verdict = verdict
	ec.Corrections = nil

	respOutcome := o.runAgentTurn(ctx, rt, o.responder, ec)
	if !respOutcome.Success {
		o.finalize(rt, inv, models.StatusFailed,
			fmt.Sprintf("response generation failed: %v", respOutcome.Err), &execOutcome.Summary)
		return
	}
	inv.Recommendations = respOutcome.Result.Recommendations

	// A requires-review verdict hands the investigation to a human; no
	// approval gate, the recommendations already carry the escalation.
	if verdict.Classification == models.VerdictRequiresReview {
		o.finalize(rt, inv, models.StatusRequiresReview, "", &execOutcome.Summary)
		return
	}

	// --- approval gate ---
	if !o.awaitApprovals(ctx, rt, inv) {
		return
	}

	o.finalize(rt, inv, models.StatusComplete, "", &execOutcome.Summary)
}

// enterPhase transitions the investigation into a non-terminal phase,
// honoring pause and absorbing pending feedback at the boundary.
func (o *Orchestrator) enterPhase(ctx context.Context, rt *runtime, inv *models.Investigation, status models.InvestigationStatus) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := rt.AwaitResume(ctx); err != nil {
		return false
	}

	inv.Status = status
	if err := o.store.UpdateInvestigation(ctx, inv); err != nil {
		slog.Warn("Failed to persist phase transition",
			"investigation_id", inv.InvestigationID, "status", status, "error", err)
	}
	agentName := phaseAgent(status)
	if agentName != "" {
		o.publish(ctx, rt, models.TurnMethod(agentName, "started"), map[string]any{
			"status": string(status),
		})
	}
	return true
}

func phaseAgent(status models.InvestigationStatus) string {
	switch status {
	case models.StatusPlanning:
		return agent.NamePlanner
	case models.StatusAnalyzing:
		return agent.NameAnalyst
	case models.StatusResponding:
		return agent.NameResponder
	case models.StatusExecuting:
		return "executor"
	default:
		return ""
	}
}

// runAgentTurn executes one agent with retries, publishing turn lifecycle
// events.
func (o *Orchestrator) runAgentTurn(ctx context.Context, rt *runtime, base *agent.Base, ec *agent.ExecutionContext) agent.RetryOutcome {
	outcome := base.ExecuteWithRetry(ctx, ec)
	phase := "completed"
	payload := map[string]any{"attempts": outcome.Attempts}
	if !outcome.Success {
		phase = "failed"
		if outcome.Err != nil {
			payload["error"] = outcome.Err.Error()
		}
	}
	o.publish(ctx, rt, models.TurnMethod(base.Name(), phase), payload)
	return outcome
}

// analystTurns runs the analyst, re-running once when a verdict correction
// arrives between turns.
func (o *Orchestrator) analystTurns(ctx context.Context, rt *runtime, inv *models.Investigation, ec *agent.ExecutionContext) (*models.Verdict, bool) {
	ec.Corrections = o.consumeCorrections(ctx, rt)

	for turn := 0; turn < 2; turn++ {
		outcome := o.runAgentTurn(ctx, rt, o.analyst, ec)
		if !outcome.Success {
			o.finalize(rt, inv, models.StatusFailed,
				fmt.Sprintf("analysis failed: %v", outcome.Err), ec.Summary)
			return nil, false
		}

		// Feedback injected while the analyst ran re-steers the verdict:
		// corrected context, one more turn.
		corrections := o.consumeCorrections(ctx, rt)
		if len(corrections) == 0 {
			return outcome.Result.Verdict, true
		}
		ec.Corrections = append(ec.Corrections, corrections...)
	}

	// A second correction mid-flight keeps the last computed verdict; the
	// corrections are already part of the context.
	outcome := o.runAgentTurn(ctx, rt, o.analyst, ec)
	if !outcome.Success {
		o.finalize(rt, inv, models.StatusFailed,
			fmt.Sprintf("analysis failed: %v", outcome.Err), ec.Summary)
		return nil, false
	}
	return outcome.Result.Verdict, true
}

// consumeCorrections drains pending verdict_correction feedback, marking it
// consumed.
func (o *Orchestrator) consumeCorrections(ctx context.Context, rt *runtime) []*models.Feedback {
	pending, err := o.store.PendingFeedback(ctx, rt.tenantID, rt.investigationID)
	if err != nil {
		slog.Warn("Failed to poll pending feedback",
			"investigation_id", rt.investigationID, "error", err)
		return nil
	}
	var corrections []*models.Feedback
	for _, fb := range pending {
		if fb.Type != models.FeedbackVerdictCorrection {
			continue
		}
		corrections = append(corrections, fb)
		if err := o.store.MarkConsumed(ctx, rt.tenantID, fb.FeedbackID); err != nil {
			slog.Warn("Failed to mark feedback consumed",
				"feedback_id", fb.FeedbackID, "error", err)
		}
	}
	return corrections
}

// absorbNonVerdictFeedback consumes note/step feedback between steps so it
// shows up in the timeline without re-steering anything.
func (o *Orchestrator) absorbNonVerdictFeedback(ctx context.Context, rt *runtime) {
	pending, err := o.store.PendingFeedback(ctx, rt.tenantID, rt.investigationID)
	if err != nil {
		return
	}
	for _, fb := range pending {
		if fb.Type == models.FeedbackVerdictCorrection {
			continue // held for the analyst
		}
		if err := o.store.MarkConsumed(ctx, rt.tenantID, fb.FeedbackID); err == nil {
			o.publish(ctx, rt, models.ItemMethod("feedback"), map[string]any{
				"feedbackId": fb.FeedbackID,
				"type":       string(fb.Type),
			})
		}
	}
}

// recordReasonerInsight calls the opaque AI collaborator, if configured,
// and records its output as enrichment evidence. Its failure never affects
// the investigation.
func (o *Orchestrator) recordReasonerInsight(ctx context.Context, rt *runtime, inv *models.Investigation, alert *models.Alert) {
	if o.reasoner == nil {
		return
	}
	insight, err := o.reasoner.Reason(ctx,
		"Summarize the likely attack narrative for this alert.",
		map[string]any{"alert": alert.Title, "severity": string(alert.Severity)})
	if err != nil {
		slog.Warn("Reasoner call failed; continuing without it",
			"investigation_id", inv.InvestigationID, "error", err)
		return
	}
	ev := &models.Evidence{
		InvestigationID: inv.InvestigationID,
		TenantID:        rt.tenantID,
		Type:            models.EvidenceEnrichment,
		Source:          "ai_reasoner",
		Timestamp:       o.clock.Now(),
		Payload:         map[string]any{"insight": insight, "kind": "narrative"},
		Confidence:      0.5,
		Tags:            []string{"reasoner"},
	}
	if _, err := o.evidence.Record(ctx, ev); err != nil {
		slog.Warn("Failed to record reasoner evidence",
			"investigation_id", inv.InvestigationID, "error", err)
	}
}

// awaitApprovals publishes approval requests for recommendations that need
// one and blocks until every request is resolved (or the run is cancelled).
func (o *Orchestrator) awaitApprovals(ctx context.Context, rt *runtime, inv *models.Investigation) bool {
	needsApproval := false
	for _, rec := range inv.Recommendations {
		if rec.RequiresApproval {
			needsApproval = true
			break
		}
	}
	if !needsApproval {
		return true
	}

	// Transition first so the status is observable before the requests
	// land on the stream.
	if !o.enterPhase(ctx, rt, inv, models.StatusAwaitingApproval) {
		return false
	}

	var pending []*models.ApprovalRequest
	for _, rec := range inv.Recommendations {
		if !rec.RequiresApproval {
			continue
		}
		req, err := o.bus.PublishApproval(ctx, rt.tenantID, inv.InvestigationID, &models.ApprovalRequest{
			AgentID:     agent.NameResponder,
			Title:       fmt.Sprintf("%s: %s", rec.Action, rec.Description),
			Description: rec.Description,
			Risk:        rec.Priority,
			Payload:     map[string]any{"action": string(rec.Action)},
			RequestedAt: o.clock.Now(),
		})
		if err != nil {
			slog.Warn("Failed to publish approval request",
				"investigation_id", inv.InvestigationID, "error", err)
			continue
		}
		pending = append(pending, req)
	}
	if len(pending) == 0 {
		return true
	}

	unresolved := make(map[string]bool, len(pending))
	for _, req := range pending {
		unresolved[req.RequestID] = true
	}
	for len(unresolved) > 0 {
		select {
		case decision := <-rt.approvalCh:
			if !unresolved[decision.requestID] {
				continue
			}
			delete(unresolved, decision.requestID)
			method := models.MethodApprovalApproved
			if !decision.approved {
				method = models.MethodApprovalRejected
			}
			o.publish(ctx, rt, method, map[string]any{"requestId": decision.requestID})
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// finalize performs the single terminal transition of an investigation.
// The run goroutine and the timeout handler race here; exactly one wins.
func (o *Orchestrator) finalize(rt *runtime, inv *models.Investigation, status models.InvestigationStatus, reason string, summary *models.ExecutionSummary) {
	rt.finalizeOnce.Do(func() {
		rt.cancelTimeout()
		now := o.clock.Now()
		inv.Status = status
		inv.CompletedAt = &now
		if reason != "" && inv.ErrorMessage == "" {
			inv.ErrorMessage = reason
		}

		// Terminal persistence must survive a cancelled run context.
		ctx := context.Background()
		if err := o.store.UpdateInvestigation(ctx, inv); err != nil {
			slog.Error("Failed to persist terminal investigation state",
				"investigation_id", inv.InvestigationID, "status", status, "error", err)
		}

		if summary != nil {
			o.publish(ctx, rt, models.MethodRunMetrics, map[string]any{
				"totalSteps":     summary.TotalSteps,
				"completedSteps": summary.CompletedSteps,
				"failedSteps":    summary.FailedSteps,
				"totalEvidence":  summary.TotalEvidence,
				"totalRetries":   summary.TotalRetries,
				"successRate":    summary.SuccessRate,
			})
		}

		switch status {
		case models.StatusFailed, models.StatusTimedOut:
			o.publish(ctx, rt, models.MethodRunFailed, map[string]any{
				"status": string(status),
				"reason": reason,
			})
		default:
			payload := map[string]any{"status": string(status)}
			if inv.Verdict != nil {
				payload["verdict"] = string(inv.Verdict.Classification)
				payload["confidence"] = inv.Verdict.Confidence
			}
			o.publish(ctx, rt, models.MethodRunCompleted, payload)
		}

		slog.Info("Investigation finished",
			"investigation_id", inv.InvestigationID, "status", status)

		o.notifyLearning(ctx, rt, inv, summary)
		rt.cancel()
	})
}

func (o *Orchestrator) notifyLearning(ctx context.Context, rt *runtime, inv *models.Investigation, summary *models.ExecutionSummary) {
	feedback, err := o.store.ListFeedback(ctx, rt.tenantID, inv.InvestigationID)
	if err != nil {
		feedback = nil
	}
	evCount := len(o.loadEvidence(ctx, rt))
	snapshot := learning.Snapshot{
		Investigation: inv,
		Summary:       summary,
		Feedback:      feedback,
		EvidenceCount: evCount,
	}
	go o.hook.OnInvestigationComplete(context.Background(), snapshot)
}

// onTimeout is the hard-timeout path: transition to timedOut, emit
// investigation_timeout, cancel in-flight work, trigger cleanup.
func (o *Orchestrator) onTimeout(rt *runtime) {
	ctx := context.Background()
	inv, err := o.store.GetInvestigation(ctx, rt.tenantID, rt.investigationID)
	if err != nil || inv.Status.IsTerminal() {
		return
	}

	o.publish(ctx, rt, models.MethodInvestigationTimeout, map[string]any{
		"investigationId": rt.investigationID,
		"timeoutMs":       inv.TimeoutMs,
	})
	o.finalize(rt, inv, models.StatusTimedOut,
		fmt.Sprintf("investigation exceeded its %dms timeout", inv.TimeoutMs), nil)
	o.publish(ctx, rt, models.MethodInvestigationCleanup, map[string]any{
		"investigationId": rt.investigationID,
	})
}

func (o *Orchestrator) loadEvidence(ctx context.Context, rt *runtime) []*models.Evidence {
	all, err := o.evidence.List(ctx, rt.tenantID, rt.investigationID)
	if err != nil {
		slog.Warn("Failed to load evidence", "investigation_id", rt.investigationID, "error", err)
		return nil
	}
	return all
}

func (o *Orchestrator) loadRelationships(ctx context.Context, rt *runtime) []*models.EvidenceRelationship {
	rels, err := o.evidence.Relationships(ctx, rt.tenantID, rt.investigationID)
	if err != nil {
		return nil
	}
	return rels
}

func (o *Orchestrator) publish(ctx context.Context, rt *runtime, method string, payload map[string]any) {
	agentID := "orchestrator"
	_, err := o.bus.Publish(ctx, rt.tenantID, rt.investigationID, method, events.PublishInput{
		AgentID: agentID,
		Payload: payload,
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("Failed to publish orchestrator event",
			"investigation_id", rt.investigationID, "method", method, "error", err)
	}
}
