package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neonharbour/sentinel/pkg/faults"
)

// Metrics aggregates an agent's execution statistics.
type Metrics struct {
	TotalExecutions int64   `json:"total_executions"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	Retries         int64   `json:"retries"`
	SuccessRate     float64 `json:"success_rate"`
}

// RetryOutcome is the result of ExecuteWithRetry.
type RetryOutcome struct {
	Success  bool
	Result   *ExecutionResult
	Err      error
	Attempts int
}

// BaseConfig holds the retry/timeout envelope shared by all agents.
type BaseConfig struct {
	// Timeout caps each individual execution attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the first retry delay (doubles per attempt).
	InitialBackoff time.Duration
}

// Base wraps an Agent with validation, per-execution timeout, retry with
// exponential backoff and metrics.
type Base struct {
	agent Agent
	cfg   BaseConfig

	mu         sync.Mutex
	executions int64
	successful int64
	failed     int64
	retries    int64
}

// NewBase wraps an agent. Panics if agent is nil (programming error in the
// wiring).
func NewBase(agent Agent, cfg BaseConfig) *Base {
	if agent == nil {
		panic("agent.NewBase: agent must not be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Base{agent: agent, cfg: cfg}
}

// Name returns the wrapped agent's name.
func (b *Base) Name() string { return b.agent.Name() }

// Metrics snapshots the execution statistics.
func (b *Base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		TotalExecutions: b.executions,
		Successful:      b.successful,
		Failed:          b.failed,
		Retries:         b.retries,
	}
	if b.executions > 0 {
		m.SuccessRate = float64(b.successful) / float64(b.executions)
	}
	return m
}

// ExecuteWithRetry validates the context, then runs the agent with a
// per-attempt timeout, retrying retryable failures with exponential
// backoff (base 1s, factor 2).
func (b *Base) ExecuteWithRetry(ctx context.Context, ec *ExecutionContext) RetryOutcome {
	if v := b.agent.Validate(ec); !v.Valid {
		return RetryOutcome{
			Err: faults.New(faults.KindValidation, b.agent.Name()+".validate",
				fmt.Sprintf("invalid input: %v", v.Errors)),
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var result *ExecutionResult
	attempts := 0

	operation := func() error {
		attempts++
		b.mu.Lock()
		b.executions++
		if attempts > 1 {
			b.retries++
		}
		b.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()

		r, err := b.agent.Execute(attemptCtx, ec)
		if err != nil {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
			if !retryableAgentError(ctx, err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Agent execution failed, will retry",
				"agent", b.agent.Name(), "attempt", attempts, "error", err)
			return err
		}
		if r == nil {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("agent %s returned nil result", b.agent.Name()))
		}

		b.mu.Lock()
		b.successful++
		b.mu.Unlock()
		result = r
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.MaxRetries)), ctx))
	if err != nil {
		return RetryOutcome{Err: err, Attempts: attempts}
	}
	return RetryOutcome{Success: true, Result: result, Attempts: attempts}
}

// retryableAgentError decides retry eligibility. Parent-context
// cancellation is never retried; a per-attempt deadline is.
func retryableAgentError(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return faults.KindOf(err).Retryable()
}
