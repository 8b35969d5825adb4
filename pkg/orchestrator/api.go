package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// pausableStatuses gates the Pause operation. Terminal states and queued
// never pause.
var pausableStatuses = map[models.InvestigationStatus]bool{
	models.StatusPlanning:         true,
	models.StatusExecuting:        true,
	models.StatusAnalyzing:        true,
	models.StatusResponding:       true,
	models.StatusAwaitingApproval: true,
}

// GetStatus returns the live view of an investigation.
func (o *Orchestrator) GetStatus(ctx context.Context, tenantID, investigationID string) (*models.StatusResponse, error) {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}

	resp := &models.StatusResponse{
		InvestigationID: inv.InvestigationID,
		Status:          inv.Status,
		CurrentAgent:    phaseAgent(inv.Status),
		StartedAt:       inv.StartedAt,
	}

	plan, err := o.store.GetPlan(ctx, tenantID, investigationID)
	if err == nil {
		resp.Steps = plan.Steps
		resp.Progress = progress(plan)
		if inv.StartedAt != nil && resp.Progress > 0 && resp.Progress < 100 {
			elapsed := o.clock.Now().Sub(*inv.StartedAt)
			estimated := inv.StartedAt.Add(time.Duration(float64(elapsed) / float64(resp.Progress) * 100))
			resp.EstimatedCompletion = &estimated
		}
	}
	return resp, nil
}

// progress is completedSteps/totalSteps×100, zero before a plan exists.
func progress(plan *models.Plan) int {
	if plan == nil || len(plan.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range plan.Steps {
		if s.Status == models.StepComplete {
			completed++
		}
	}
	return completed * 100 / len(plan.Steps)
}

// GetTimeline returns the step timeline of an investigation.
func (o *Orchestrator) GetTimeline(ctx context.Context, tenantID, investigationID string) ([]models.TimelineEntry, error) {
	if _, err := o.getInvestigation(ctx, tenantID, investigationID); err != nil {
		return nil, err
	}
	plan, err := o.store.GetPlan(ctx, tenantID, investigationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []models.TimelineEntry{}, nil
		}
		return nil, err
	}

	entries := make([]models.TimelineEntry, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		entry := models.TimelineEntry{
			Name:        s.Name,
			Agent:       s.Agent,
			Status:      s.Status,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			Retries:     s.RetryCount,
		}
		if s.StartedAt != nil && s.CompletedAt != nil {
			entry.DurationMs = s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetReport returns the full report; only terminal investigations have one.
func (o *Orchestrator) GetReport(ctx context.Context, tenantID, investigationID string) (*models.Report, error) {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.IsTerminal() {
		return nil, faults.New(faults.KindValidation, "orchestrator.report",
			fmt.Sprintf("investigation is %s; reports exist only for terminal investigations", inv.Status))
	}

	timeline, err := o.GetTimeline(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	feedback, err := o.store.ListFeedback(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		InvestigationID: inv.InvestigationID,
		Status:          inv.Status,
		Timeline:        timeline,
		Feedback:        feedback,
		Verdict:         inv.Verdict,
		Recommendations: inv.Recommendations,
	}
	if inv.StartedAt != nil && inv.CompletedAt != nil {
		report.DurationMs = inv.CompletedAt.Sub(*inv.StartedAt).Milliseconds()
	}
	for _, entry := range timeline {
		report.Summary.TotalSteps++
		report.Summary.TotalRetries += entry.Retries
		switch entry.Status {
		case models.StepComplete:
			report.Summary.Completed++
		case models.StepFailed:
			report.Summary.Failed++
		}
	}
	return report, nil
}

// PostFeedback appends human feedback. Unknown types are rejected.
func (o *Orchestrator) PostFeedback(ctx context.Context, tenantID string, fb *models.Feedback) (*models.Feedback, error) {
	if fb == nil || !fb.Type.IsValid() {
		return nil, faults.New(faults.KindValidation, "orchestrator.feedback",
			fmt.Sprintf("unknown feedback type %q", feedbackType(fb)))
	}
	if _, err := o.getInvestigation(ctx, tenantID, fb.InvestigationID); err != nil {
		return nil, err
	}

	fb.FeedbackID = ident.NewPrefixedID("fb")
	fb.TenantID = tenantID
	fb.CreatedAt = o.clock.Now()
	if err := o.store.AppendFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("persisting feedback: %w", err)
	}
	return fb, nil
}

func feedbackType(fb *models.Feedback) models.FeedbackType {
	if fb == nil {
		return ""
	}
	return fb.Type
}

// Pause withholds new work at the next step or phase boundary. In-flight
// steps are never aborted.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, investigationID string) error {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return err
	}
	if !pausableStatuses[inv.Status] {
		return faults.New(faults.KindValidation, "orchestrator.pause",
			fmt.Sprintf("cannot pause an investigation in status %s", inv.Status))
	}
	rt, ok := o.runtimeFor(tenantID, investigationID)
	if !ok {
		return faults.New(faults.KindNotFound, "orchestrator.pause", "investigation is not active")
	}
	rt.pause()

	inv.Status = models.StatusPaused
	if err := o.store.UpdateInvestigation(ctx, inv); err != nil {
		return fmt.Errorf("persisting pause: %w", err)
	}
	return nil
}

// Resume re-enters execution after a pause.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, investigationID string) error {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return err
	}
	if inv.Status != models.StatusPaused {
		return faults.New(faults.KindValidation, "orchestrator.resume",
			fmt.Sprintf("cannot resume an investigation in status %s", inv.Status))
	}
	rt, ok := o.runtimeFor(tenantID, investigationID)
	if !ok {
		return faults.New(faults.KindNotFound, "orchestrator.resume", "investigation is not active")
	}

	inv.Status = models.StatusExecuting
	if err := o.store.UpdateInvestigation(ctx, inv); err != nil {
		return fmt.Errorf("persisting resume: %w", err)
	}
	rt.resume()
	return nil
}

// RespondApproval resolves a pending approval request.
func (o *Orchestrator) RespondApproval(ctx context.Context, tenantID, investigationID, requestID string, approve bool) error {
	if _, err := o.getInvestigation(ctx, tenantID, investigationID); err != nil {
		return err
	}
	rt, ok := o.runtimeFor(tenantID, investigationID)
	if !ok {
		return faults.New(faults.KindNotFound, "orchestrator.approval",
			"investigation is not awaiting approval")
	}
	select {
	case rt.approvalCh <- approvalDecision{requestID: requestID, approved: approve}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtendTimeout pushes an active investigation's deadline out by delta.
func (o *Orchestrator) ExtendTimeout(ctx context.Context, tenantID, investigationID string, delta time.Duration) (time.Time, error) {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return time.Time{}, err
	}
	if inv.Status.IsTerminal() {
		return time.Time{}, faults.New(faults.KindValidation, "orchestrator.extend",
			"cannot extend a terminal investigation")
	}
	rt, ok := o.runtimeFor(tenantID, investigationID)
	if !ok {
		return time.Time{}, faults.New(faults.KindNotFound, "orchestrator.extend", "investigation is not active")
	}
	deadline := rt.extendTimeout(delta, o.clock.Now())

	inv.TimeoutMs += delta.Milliseconds()
	if err := o.store.UpdateInvestigation(ctx, inv); err != nil {
		return time.Time{}, fmt.Errorf("persisting timeout extension: %w", err)
	}
	return deadline, nil
}

// Cancel aborts an active investigation; it lands in failed.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, investigationID, reason string) error {
	inv, err := o.getInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return err
	}
	if inv.Status.IsTerminal() {
		return faults.New(faults.KindValidation, "orchestrator.cancel",
			"investigation already terminal")
	}
	rt, ok := o.runtimeFor(tenantID, investigationID)
	if !ok {
		// Still queued: drop it from the queue and mark failed directly.
		o.mu.Lock()
		for i, q := range o.queue {
			if q.investigationID == investigationID && q.tenantID == tenantID {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
		o.mu.Unlock()
		now := o.clock.Now()
		inv.Status = models.StatusFailed
		inv.CompletedAt = &now
		inv.ErrorMessage = "cancelled: " + reason
		return o.store.UpdateInvestigation(ctx, inv)
	}

	o.finalize(rt, inv, models.StatusFailed, "cancelled: "+reason, nil)
	return nil
}

// ListInvestigations lists with filters; the page-size hard cap is
// enforced here.
func (o *Orchestrator) ListInvestigations(ctx context.Context, tenantID string, filters models.InvestigationFilters) (*models.InvestigationList, error) {
	if filters.Limit <= 0 || filters.Limit > models.MaxListLimit {
		filters.Limit = models.MaxListLimit
	}
	return o.store.ListInvestigations(ctx, tenantID, filters)
}

// Stats aggregates investigation outcomes over the timeframe.
func (o *Orchestrator) Stats(ctx context.Context, tenantID string, timeframe models.StatsTimeframe) (*models.Stats, error) {
	if !timeframe.IsValid() {
		return nil, faults.New(faults.KindValidation, "orchestrator.stats",
			fmt.Sprintf("unknown timeframe %q", timeframe))
	}
	since := o.clock.Now().Add(-timeframe.Duration())

	stats := &models.Stats{
		Timeframe: timeframe,
		ByStatus:  make(map[models.InvestigationStatus]int),
		ByVerdict: make(map[models.VerdictClassification]int),
	}

	offset := 0
	var durationSum int64
	var durationCount int64
	for {
		page, err := o.store.ListInvestigations(ctx, tenantID, models.InvestigationFilters{
			CreatedAfter: &since,
			Limit:        models.MaxListLimit,
			Offset:       offset,
		})
		if err != nil {
			return nil, err
		}
		for _, inv := range page.Investigations {
			stats.Total++
			stats.ByStatus[inv.Status]++
			if inv.Verdict != nil {
				stats.ByVerdict[inv.Verdict.Classification]++
			}
			if inv.Status == models.StatusQueued {
				stats.QueuedCount++
			}
			if inv.Status.IsActive() {
				stats.ActiveCount++
			}
			if inv.StartedAt != nil && inv.CompletedAt != nil {
				durationSum += inv.CompletedAt.Sub(*inv.StartedAt).Milliseconds()
				durationCount++
			}
		}
		offset += len(page.Investigations)
		if offset >= page.TotalCount || len(page.Investigations) == 0 {
			break
		}
	}
	if durationCount > 0 {
		stats.AvgDurationMs = durationSum / durationCount
	}
	return stats, nil
}

// SubscribeEvents resumes the run event stream at fromSequence.
func (o *Orchestrator) SubscribeEvents(ctx context.Context, tenantID, runID string, fromSequence int64) (<-chan *models.Event, context.CancelFunc, error) {
	return o.bus.Subscribe(ctx, tenantID, runID, fromSequence)
}

func (o *Orchestrator) getInvestigation(ctx context.Context, tenantID, investigationID string) (*models.Investigation, error) {
	inv, err := o.store.GetInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, faults.New(faults.KindNotFound, "orchestrator.get",
				fmt.Sprintf("investigation %s not found", investigationID))
		}
		return nil, err
	}
	return inv, nil
}
