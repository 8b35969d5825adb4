package orchestrator

import (
	"context"
	"sync"
	"time"
)

// runtime is the in-memory state of one admitted investigation: its cancel
// handle, timeout timer, pause gate and pending approval channel.
type runtime struct {
	investigationID string
	tenantID        string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	timer     *time.Timer
	timeoutFn func()
	deadline  time.Time

	paused   bool
	resumeCh chan struct{}

	approvalCh chan approvalDecision

	// finalizeOnce guards the single terminal transition: the run
	// goroutine and the timeout handler race to it.
	finalizeOnce sync.Once
}

type approvalDecision struct {
	requestID string
	approved  bool
}

func newRuntime(parent context.Context, tenantID, investigationID string) *runtime {
	ctx, cancel := context.WithCancel(parent)
	return &runtime{
		investigationID: investigationID,
		tenantID:        tenantID,
		ctx:             ctx,
		cancel:          cancel,
		resumeCh:        make(chan struct{}),
		approvalCh:      make(chan approvalDecision, 4),
	}
}

// --- pause gate (engine.Gate) ---

// Paused implements engine.Gate.
func (r *runtime) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// AwaitResume implements engine.Gate: blocks until Resume or ctx expiry.
func (r *runtime) AwaitResume(ctx context.Context) error {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return nil
	}
	ch := r.resumeCh
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runtime) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		r.paused = true
		r.resumeCh = make(chan struct{})
	}
}

func (r *runtime) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
}

// --- timeout management ---

// armTimeout schedules fn at now+timeout, replacing any previous timer.
func (r *runtime) armTimeout(timeout time.Duration, now time.Time, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timeoutFn = fn
	r.deadline = now.Add(timeout)
	r.timer = time.AfterFunc(timeout, fn)
}

// extendTimeout pushes the deadline out by delta and re-arms the timer.
// Returns the new deadline.
func (r *runtime) extendTimeout(delta time.Duration, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadline = r.deadline.Add(delta)
	if r.timer != nil && r.timeoutFn != nil {
		remaining := r.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		r.timer.Stop()
		r.timer = time.AfterFunc(remaining, r.timeoutFn)
	}
	return r.deadline
}

// cancelTimeout stops the timer for good (terminal states).
func (r *runtime) cancelTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
