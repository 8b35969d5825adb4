// Package breaker implements a three-state circuit breaker
// (Closed → Open → HalfOpen → Closed).
//
// State is a pure function of the ordered sequence of success/failure/probe
// outcomes and the configured thresholds; the clock is injected so that
// recovery timing is deterministic under test.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/ident"
)

// State is the breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by Execute without calling fn while the
// breaker is Open (or while the single half-open probe is already taken).
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive-window failures trip Closed → Open.
	FailureThreshold int
	// RecoveryTimeout is how long Open waits before admitting one probe.
	RecoveryTimeout time.Duration
}

// StateChange describes one transition, delivered to the OnStateChange hook.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker is a single circuit breaker instance.
type Breaker struct {
	name   string
	cfg    Config
	clock  ident.Clock
	onChange func(StateChange)

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	probeInFlight bool
}

// New creates a closed breaker. onChange may be nil.
func New(name string, cfg Config, clock ident.Clock, onChange func(StateChange)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		clock:    clock,
		onChange: onChange,
		state:    StateClosed,
	}
}

// State returns the current state, applying any due Open → HalfOpen
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Execute runs fn under the breaker. When Open it fails fast with
// ErrCircuitOpen; in HalfOpen exactly one probe call is admitted.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// Allow reports whether a call may proceed right now, reserving the
// half-open probe slot when applicable. Callers that use Allow must report
// the outcome via RecordResult.
func (b *Breaker) Allow() bool {
	return b.acquire() == nil
}

// RecordResult reports the outcome of a call admitted via Allow.
func (b *Breaker) RecordResult(success bool) {
	b.record(success)
}

// Reset returns the breaker to Closed with zeroed counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.failureCount = 0
	b.probeInFlight = false
	b.setState(StateClosed, prev)
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.failureCount = 0
			b.setState(StateClosed, StateHalfOpen)
		} else {
			b.openedAt = b.clock.Now()
			b.setState(StateOpen, StateHalfOpen)
		}
	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openedAt = b.clock.Now()
			b.setState(StateOpen, StateClosed)
		}
	case StateOpen:
		// A call that started before the trip finished; outcome is moot.
	}
}

// maybeHalfOpen applies the timed Open → HalfOpen transition. Caller holds
// the lock.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.probeInFlight = false
		b.setState(StateHalfOpen, StateOpen)
	}
}

// setState transitions and fires the change hook. Caller holds the lock.
func (b *Breaker) setState(to, from State) {
	if to == from {
		return
	}
	b.state = to
	change := StateChange{Name: b.name, From: from, To: to, At: b.clock.Now()}
	slog.Debug("Circuit breaker state change",
		"breaker", b.name, "from", from, "to", to)
	if b.onChange != nil {
		// Hook runs outside the lock to keep publish paths deadlock-free.
		go b.onChange(change)
	}
}
