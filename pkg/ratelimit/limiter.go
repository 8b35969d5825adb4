// Package ratelimit implements a multi-window token bucket.
//
// A request is allowed only when every configured window (per-second,
// per-minute, per-hour, ...) simultaneously has capacity. Rejections carry
// the longest retry-after among exhausted windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/ident"
)

// Window configures one bucket: Capacity tokens refilled linearly over
// Interval.
type Window struct {
	Name     string
	Capacity float64
	Interval time.Duration
}

// Decision is the outcome of CheckRequest.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Window names that had no capacity (empty when allowed).
	Exhausted []string
}

type bucket struct {
	window Window
	tokens float64
}

// Limiter gates requests against all configured windows atomically.
type Limiter struct {
	mu         sync.Mutex
	buckets    []*bucket
	clock      ident.Clock
	lastRefill time.Time
}

// New creates a limiter with the given windows, full at creation.
// A limiter with no windows allows everything.
func New(clock ident.Clock, windows ...Window) *Limiter {
	l := &Limiter{clock: clock, lastRefill: clock.Now()}
	for _, w := range windows {
		if w.Capacity <= 0 || w.Interval <= 0 {
			continue
		}
		l.buckets = append(l.buckets, &bucket{window: w, tokens: w.Capacity})
	}
	return l
}

// FromRates builds the conventional second/minute/hour windows, skipping
// zero-valued rates.
func FromRates(clock ident.Clock, perSecond, perMinute, perHour int) *Limiter {
	var windows []Window
	if perSecond > 0 {
		windows = append(windows, Window{Name: "per_second", Capacity: float64(perSecond), Interval: time.Second})
	}
	if perMinute > 0 {
		windows = append(windows, Window{Name: "per_minute", Capacity: float64(perMinute), Interval: time.Minute})
	}
	if perHour > 0 {
		windows = append(windows, Window{Name: "per_hour", Capacity: float64(perHour), Interval: time.Hour})
	}
	return New(clock, windows...)
}

// TryConsume atomically takes n tokens from every window. Either all windows
// are debited or none.
func (l *Limiter) TryConsume(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()

	for _, b := range l.buckets {
		if b.tokens < n {
			return false
		}
	}
	for _, b := range l.buckets {
		b.tokens -= n
	}
	return true
}

// CheckRequest consumes one token if every window permits it. On rejection,
// RetryAfter is the longest wait among exhausted windows.
func (l *Limiter) CheckRequest() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()

	var exhausted []string
	var retryAfter time.Duration
	for _, b := range l.buckets {
		if b.tokens >= 1 {
			continue
		}
		exhausted = append(exhausted, b.window.Name)
		// Time until one whole token has accrued in this window.
		missing := 1 - b.tokens
		perToken := b.window.Interval.Seconds() / b.window.Capacity
		wait := time.Duration(missing * perToken * float64(time.Second))
		if wait > retryAfter {
			retryAfter = wait
		}
	}
	if len(exhausted) > 0 {
		return Decision{Allowed: false, RetryAfter: retryAfter, Exhausted: exhausted}
	}

	for _, b := range l.buckets {
		b.tokens--
	}
	return Decision{Allowed: true}
}

// refill credits every bucket by the wall-clock elapsed since the last
// refill. Caller holds the lock.
func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	for _, b := range l.buckets {
		rate := b.window.Capacity / b.window.Interval.Seconds()
		b.tokens += rate * elapsed.Seconds()
		if b.tokens > b.window.Capacity {
			b.tokens = b.window.Capacity
		}
	}
}

// Tokens returns the current token count of the named window, for
// introspection and tests.
func (l *Limiter) Tokens(name string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	for _, b := range l.buckets {
		if b.window.Name == name {
			return b.tokens
		}
	}
	return 0
}
