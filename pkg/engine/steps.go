package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/models"
)

// maxRateLimitWait bounds how long a step honors a retryAfter hint.
const maxRateLimitWait = 30 * time.Second

// stepResult is the outcome of one step execution including its retries.
type stepResult struct {
	err           error
	skipped       bool
	reason        string
	retries       int
	evidenceCount int
	escalate      bool
	limitations   []string
	failedSources []string
}

// runStep validates, executes (with the per-kind failure policy) and
// reports one step. It never mutates the step; the scheduler loop applies
// the result.
//
// Retry waits go through backoff.Retry, the same machinery agent-level
// retry uses: retryable transport failures follow the exponential schedule
// (base RetryBaseDelay, factor 2), a rate-limited attempt waits out the
// upstream's retryAfter hint instead. Everything else is surfaced as a
// permanent error so the switch in the operation decides exactly once.
func (e *Engine) runStep(ctx context.Context, ec *Context, step *models.Step) stepResult {
	if err := validateStep(step); err != nil {
		return stepResult{err: err}
	}

	timeout := e.cfg.StepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetryAttempts
	}

	var result stepResult
	rateLimitRetried := false

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryBaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	delays := &policyDelays{expo: expo}

	operation := func() error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		execErr := e.executeStep(stepCtx, ec, step, &result)
		cancel()

		if execErr == nil {
			return nil
		}
		kind := faults.KindOf(execErr)

		switch {
		case kind == faults.KindFatal:
			result.err = execErr
			return backoff.Permanent(execErr)

		case kind == faults.KindRateLimit:
			if rateLimitRetried {
				result.skipped = true
				result.reason = "rate limited twice; step skipped"
				return backoff.Permanent(execErr)
			}
			rateLimitRetried = true
			result.retries++
			delays.override = boundedRetryAfter(execErr)
			e.publish(ctx, ec, models.MethodConnectorRetry, map[string]any{
				"stepId":       step.StepID,
				"reason":       "rate_limit",
				"retryAfterMs": faults.RetryAfterOf(execErr).Milliseconds(),
			})
			return execErr

		case kind.Escalates():
			result.err = execErr
			result.escalate = true
			return backoff.Permanent(execErr)

		case kind == faults.KindConnectorNotFound:
			// Degrade: continue with reduced data sources; the missing
			// sources are attached as limitations.
			result.skipped = true
			result.reason = execErr.Error()
			return backoff.Permanent(execErr)

		case kind.Retryable():
			if result.retries >= maxRetries {
				result.err = execErr
				return backoff.Permanent(execErr)
			}
			result.retries++
			e.publish(ctx, ec, models.MethodConnectorRetry, map[string]any{
				"stepId":  step.StepID,
				"attempt": result.retries,
				"reason":  string(kind),
			})
			return execErr

		default:
			// Validation and everything unclassified: no retry.
			result.err = execErr
			return backoff.Permanent(execErr)
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(delays, ctx)); err != nil {
		// Terminal outcomes were already recorded by the operation; what
		// remains is cancellation during a backoff wait.
		if result.err == nil && !result.skipped && !result.escalate {
			result.err = err
		}
	}
	return result
}

// policyDelays adapts the failure policy to the backoff.BackOff interface:
// a one-shot override (the rate limiter's retryAfter) takes precedence over
// the exponential schedule.
type policyDelays struct {
	expo     *backoff.ExponentialBackOff
	override time.Duration
}

func (p *policyDelays) NextBackOff() time.Duration {
	if p.override > 0 {
		d := p.override
		p.override = 0
		return d
	}
	return p.expo.NextBackOff()
}

func (p *policyDelays) Reset() {
	p.override = 0
	p.expo.Reset()
}

func boundedRetryAfter(err error) time.Duration {
	d := faults.RetryAfterOf(err)
	if d <= 0 {
		d = time.Second
	}
	if d > maxRateLimitWait {
		d = maxRateLimitWait
	}
	return d
}

// validateStep enforces the type-specific required fields.
func validateStep(step *models.Step) error {
	op := "engine.step." + step.StepID
	if !step.Type.IsValid() {
		return faults.New(faults.KindValidation, op,
			fmt.Sprintf("unknown step type %q", step.Type))
	}
	switch step.Type {
	case models.StepTypeQuery:
		if len(step.DataSources) == 0 {
			return faults.New(faults.KindValidation, op, "query step requires data sources")
		}
	case models.StepTypeEnrich:
		if v, _ := step.Payload["value"].(string); v == "" {
			return faults.New(faults.KindValidation, op, "enrich step requires a value")
		}
		if k, _ := step.Payload["kind"].(string); k == "" {
			return faults.New(faults.KindValidation, op, "enrich step requires an entity kind")
		}
	}
	return nil
}

// executeStep dispatches on the step type, accumulating evidence counts and
// limitations into result.
func (e *Engine) executeStep(ctx context.Context, ec *Context, step *models.Step, result *stepResult) error {
	switch step.Type {
	case models.StepTypeQuery:
		return e.executeQuery(ctx, ec, step, result)
	case models.StepTypeEnrich:
		return e.executeEnrich(ctx, ec, step, result)
	case models.StepTypeCorrelate:
		return e.executeCorrelate(ctx, ec, step, result)
	case models.StepTypeValidate:
		return e.executeValidate(ctx, ec, step)
	default:
		return faults.New(faults.KindValidation, "engine.step", "unreachable step type")
	}
}

// executeQuery tries the step's data sources in order; the step fails only
// when every candidate source fails.
func (e *Engine) executeQuery(ctx context.Context, ec *Context, step *models.Step, result *stepResult) error {
	var lastErr error
	succeeded := false

	for _, source := range step.DataSources {
		res, servedBy, err := e.registry.Query(ctx, ec.TenantID, models.ConnectorType(source), step.Payload)
		if err != nil {
			lastErr = err
			result.failedSources = appendUnique(result.failedSources, source)
			result.limitations = appendUnique(result.limitations, source+"_unavailable")
			e.publish(ctx, ec, models.MethodDataSourceFailure, map[string]any{
				"stepId": step.StepID,
				"source": source,
				"error":  err.Error(),
			})
			// Escalating failures abort the source walk immediately.
			if faults.KindOf(err).Escalates() || faults.KindOf(err) == faults.KindFatal {
				return err
			}
			continue
		}
		succeeded = true
		if err := e.storeQueryEvidence(ctx, ec, step, source, servedBy, res.Records, result); err != nil {
			return err
		}
	}

	if !succeeded {
		if lastErr == nil {
			return faults.New(faults.KindConnectorNotFound, "engine.query", "no data sources configured")
		}
		return fmt.Errorf("all data sources failed: %w", lastErr)
	}
	return nil
}

func (e *Engine) storeQueryEvidence(ctx context.Context, ec *Context, step *models.Step, source, servedBy string, records []map[string]any, result *stepResult) error {
	now := e.clock.Now()
	for _, record := range records {
		ev := &models.Evidence{
			InvestigationID: ec.InvestigationID,
			TenantID:        ec.TenantID,
			Type:            evidenceTypeFor(models.ConnectorType(source), record),
			Source:          source,
			Timestamp:       recordTimestamp(record, now),
			Payload:         record,
			Entities:        ExtractEntities(record),
			Confidence:      recordConfidence(record),
			Tags:            []string{"step:" + step.StepID, "connector:" + servedBy},
		}
		if _, err := e.evidence.Record(ctx, ev); err != nil {
			return faults.Wrap(faults.KindFatal, "engine.evidence", err)
		}
		result.evidenceCount++
		e.publish(ctx, ec, models.ItemMethod("evidence"), map[string]any{
			"evidenceId": ev.EvidenceID,
			"stepId":     step.StepID,
			"type":       string(ev.Type),
			"source":     source,
		})
	}
	return nil
}

func (e *Engine) executeEnrich(ctx context.Context, ec *Context, step *models.Step, result *stepResult) error {
	value, _ := step.Payload["value"].(string)
	kind, _ := step.Payload["kind"].(string)

	res, servedBy, err := e.registry.Enrich(ctx, ec.TenantID, models.ConnectorThreatIntel, value, kind)
	if err != nil {
		if faults.KindOf(err) == faults.KindConnectorNotFound {
			result.limitations = appendUnique(result.limitations, string(models.ConnectorThreatIntel)+"_unavailable")
		}
		result.failedSources = appendUnique(result.failedSources, string(models.ConnectorThreatIntel))
		return err
	}

	payload := map[string]any{"value": value, "kind": kind}
	for k, v := range res.Data {
		payload[k] = v
	}
	ev := &models.Evidence{
		InvestigationID: ec.InvestigationID,
		TenantID:        ec.TenantID,
		Type:            models.EvidenceEnrichment,
		Source:          string(models.ConnectorThreatIntel),
		Timestamp:       e.clock.Now(),
		Payload:         payload,
		Entities:        map[string][]string{kind: {value}},
		Confidence:      recordConfidence(payload),
		Tags:            []string{"step:" + step.StepID, "connector:" + servedBy},
	}
	if _, err := e.evidence.Record(ctx, ev); err != nil {
		return faults.Wrap(faults.KindFatal, "engine.evidence", err)
	}
	result.evidenceCount++
	e.publish(ctx, ec, models.ItemMethod("evidence"), map[string]any{
		"evidenceId": ev.EvidenceID,
		"stepId":     step.StepID,
		"type":       string(models.EvidenceEnrichment),
		"source":     string(models.ConnectorThreatIntel),
	})
	return nil
}

// executeCorrelate aggregates the pairwise links derived so far into
// correlation evidence, one record per relationship kind present.
func (e *Engine) executeCorrelate(ctx context.Context, ec *Context, step *models.Step, result *stepResult) error {
	rels, err := e.evidence.Relationships(ctx, ec.TenantID, ec.InvestigationID)
	if err != nil {
		return faults.Wrap(faults.KindFatal, "engine.correlate", err)
	}
	if len(rels) == 0 {
		return nil
	}

	type agg struct {
		members  *stringSet
		strength float64
		count    int
	}
	byKind := make(map[models.RelationshipKind]*agg)
	var kinds []models.RelationshipKind
	for _, rel := range rels {
		a, ok := byKind[rel.Kind]
		if !ok {
			a = &agg{members: newStringSet()}
			byKind[rel.Kind] = a
			kinds = append(kinds, rel.Kind)
		}
		a.members.add(rel.FromEvidenceID)
		a.members.add(rel.ToEvidenceID)
		a.strength += rel.Strength
		a.count++
	}

	for _, kind := range kinds {
		a := byKind[kind]
		correlation := models.Correlation{
			Kind:      kind,
			Members:   a.members.values(),
			Strength:  a.strength / float64(a.count),
			Rationale: fmt.Sprintf("%d %s links across %d evidence records", a.count, kind, len(a.members.values())),
		}
		ev := &models.Evidence{
			InvestigationID: ec.InvestigationID,
			TenantID:        ec.TenantID,
			Type:            models.EvidenceCorrelation,
			Source:          "correlator",
			Timestamp:       e.clock.Now(),
			Payload: map[string]any{
				"kind":     string(correlation.Kind),
				"members":  correlation.Members,
				"strength": correlation.Strength,
				"count":    a.count,
			},
			Confidence: correlation.Strength,
			Tags:       []string{"step:" + step.StepID},
		}
		if _, err := e.evidence.Record(ctx, ev); err != nil {
			return faults.Wrap(faults.KindFatal, "engine.correlate", err)
		}
		result.evidenceCount++
		e.publish(ctx, ec, models.ItemMethod("correlation"), map[string]any{
			"evidenceId": ev.EvidenceID,
			"kind":       string(kind),
			"members":    len(correlation.Members),
			"strength":   correlation.Strength,
		})
	}
	return nil
}

// executeValidate evaluates the step's criteria against the evidence set
// and publishes the per-criterion results.
func (e *Engine) executeValidate(ctx context.Context, ec *Context, step *models.Step) error {
	all, err := e.evidence.List(ctx, ec.TenantID, ec.InvestigationID)
	if err != nil {
		return faults.Wrap(faults.KindFatal, "engine.validate", err)
	}

	type criterion struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
		Detail string `json:"detail"`
	}
	var results []criterion
	valid := true

	if raw, ok := step.Payload["evidence_count"]; ok {
		min := asInt(raw)
		passed := len(all) >= min
		valid = valid && passed
		results = append(results, criterion{
			Name:   "evidence_count",
			Passed: passed,
			Detail: fmt.Sprintf("%d of %d required", len(all), min),
		})
	}

	if raw, ok := step.Payload["confidence_threshold"]; ok {
		threshold := asFloat(raw)
		var sum float64
		for _, ev := range all {
			sum += ev.Confidence
		}
		mean := 0.0
		if len(all) > 0 {
			mean = sum / float64(len(all))
		}
		passed := mean >= threshold
		valid = valid && passed
		results = append(results, criterion{
			Name:   "confidence_threshold",
			Passed: passed,
			Detail: fmt.Sprintf("mean confidence %.2f against threshold %.2f", mean, threshold),
		})
	}

	if raw, ok := step.Payload["entity_presence"].(map[string]any); ok {
		kind, _ := raw["kind"].(string)
		value, _ := raw["value"].(string)
		passed := false
		for _, ev := range all {
			if ev.HasEntity(kind, value) {
				passed = true
				break
			}
		}
		valid = valid && passed
		results = append(results, criterion{
			Name:   "entity_presence",
			Passed: passed,
			Detail: fmt.Sprintf("%s:%s", kind, value),
		})
	}

	payload := map[string]any{
		"stepId": step.StepID,
		"valid":  valid,
	}
	var rendered []map[string]any
	for _, c := range results {
		rendered = append(rendered, map[string]any{
			"name": c.Name, "passed": c.Passed, "detail": c.Detail,
		})
	}
	payload["criteriaResults"] = rendered
	e.publish(ctx, ec, models.ItemMethod("validation"), payload)
	return nil
}

// evidenceTypeFor infers the evidence type from the serving connector and
// the record shape.
func evidenceTypeFor(source models.ConnectorType, record map[string]any) models.EvidenceType {
	switch source {
	case models.ConnectorSIEM:
		if _, ok := record["src_ip"]; ok {
			return models.EvidenceNetwork
		}
		if _, ok := record["dst_ip"]; ok {
			return models.EvidenceNetwork
		}
		return models.EvidenceLog
	case models.ConnectorEDR:
		if _, ok := record["file_hash"]; ok {
			if _, isProc := record["process"]; !isProc {
				return models.EvidenceFile
			}
		}
		return models.EvidenceProcess
	case models.ConnectorThreatIntel:
		return models.EvidenceEnrichment
	default:
		return models.EvidenceLog
	}
}

func recordTimestamp(record map[string]any, fallback time.Time) time.Time {
	if raw, ok := record["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return fallback
}

func recordConfidence(record map[string]any) float64 {
	if raw, ok := record["confidence"]; ok {
		if v := asFloat(raw); v > 0 && v <= 1 {
			return v
		}
	}
	return 0.7
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func asInt(raw any) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func asFloat(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
