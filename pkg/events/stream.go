package events

import (
	"fmt"
	"sync"

	"github.com/neonharbour/sentinel/pkg/models"
)

// Bounded buffer defaults for stream consumers. Eviction is FIFO.
const (
	DefaultEventBuffer = 200
	quarantineCap      = 50
	issuesCap          = 200
)

// Outcome says what the validator did with one incoming event.
type Outcome string

// Apply outcomes.
const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeReplay      Outcome = "replay"
	OutcomeGap         Outcome = "gap"
	OutcomeQuarantined Outcome = "quarantined"
)

// Gap is a contiguous range of sequences that never arrived.
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Counters are the validator's running totals.
type Counters struct {
	Applied     int64 `json:"applied"`
	Duplicates  int64 `json:"duplicates"`
	Replays     int64 `json:"replays"`
	Gaps        int64 `json:"gaps"`
	Quarantined int64 `json:"quarantined"`
}

// StreamValidator is the client-side consumer guard for one run's event
// stream. It enforces the envelope contract: required fields present,
// strictly increasing sequences, duplicates and replays counted but not
// applied, gaps recorded with the gapped event still applied.
type StreamValidator struct {
	mu sync.Mutex

	runID      string
	lastSeen   int64
	bufferSize int

	events      []*models.Event // most recent, FIFO-evicted at bufferSize
	quarantined []*models.Event
	gaps        []Gap
	issues      []string
	counters    Counters
}

// NewStreamValidator creates a validator for one run. bufferSize <= 0 uses
// the default.
func NewStreamValidator(runID string, bufferSize int) *StreamValidator {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	return &StreamValidator{runID: runID, bufferSize: bufferSize}
}

// Apply processes one incoming event and returns what happened to it.
func (v *StreamValidator) Apply(ev *models.Event) Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()

	if missing := ev.MissingFields(); len(missing) > 0 {
		v.counters.Quarantined++
		if len(v.quarantined) < quarantineCap {
			v.quarantined = append(v.quarantined, ev)
		}
		v.addIssue(fmt.Sprintf("quarantined event %q: missing %v", ev.Method, missing))
		return OutcomeQuarantined
	}

	seq := ev.Params.Sequence
	switch {
	case seq == v.lastSeen:
		v.counters.Duplicates++
		v.addIssue(fmt.Sprintf("duplicate sequence %d", seq))
		return OutcomeDuplicate
	case seq < v.lastSeen:
		// Also covers re-delivery of any earlier sequence.
		if v.seen(seq) {
			v.counters.Duplicates++
			v.addIssue(fmt.Sprintf("duplicate sequence %d", seq))
			return OutcomeDuplicate
		}
		v.counters.Replays++
		v.addIssue(fmt.Sprintf("replayed sequence %d after %d", seq, v.lastSeen))
		return OutcomeReplay
	case seq > v.lastSeen+1:
		gap := Gap{From: v.lastSeen + 1, To: seq - 1}
		v.gaps = append(v.gaps, gap)
		v.counters.Gaps++
		v.addIssue(fmt.Sprintf("gap(%d..%d)", gap.From, gap.To))
		v.apply(ev)
		return OutcomeGap
	default: // seq == lastSeen+1
		v.apply(ev)
		return OutcomeApplied
	}
}

// apply appends the event and advances lastSeen. Caller holds the lock.
func (v *StreamValidator) apply(ev *models.Event) {
	v.counters.Applied++
	v.lastSeen = ev.Params.Sequence
	v.events = append(v.events, ev)
	if len(v.events) > v.bufferSize {
		v.events = v.events[len(v.events)-v.bufferSize:]
	}
}

// seen reports whether a sequence below lastSeen counts as already
// received: true unless it lies inside a recorded gap. The buffer is not
// consulted. Best-effort duplicate detection.
func (v *StreamValidator) seen(seq int64) bool {
	for _, g := range v.gaps {
		if seq >= g.From && seq <= g.To {
			return false
		}
	}
	return true
}

func (v *StreamValidator) addIssue(msg string) {
	v.issues = append(v.issues, msg)
	if len(v.issues) > issuesCap {
		v.issues = v.issues[len(v.issues)-issuesCap:]
	}
}

// LastSeen returns the highest applied sequence.
func (v *StreamValidator) LastSeen() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeen
}

// Counters returns a copy of the running totals.
func (v *StreamValidator) Counters() Counters {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counters
}

// Gaps returns the recorded sequence gaps. A subscriber holding gaps should
// request backfill from lastSeen via Subscribe(runID, lastSeen).
func (v *StreamValidator) Gaps() []Gap {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Gap, len(v.gaps))
	copy(out, v.gaps)
	return out
}

// Events returns the buffered (most recent) applied events.
func (v *StreamValidator) Events() []*models.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*models.Event, len(v.events))
	copy(out, v.events)
	return out
}

// Quarantined returns the isolated invalid events.
func (v *StreamValidator) Quarantined() []*models.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*models.Event, len(v.quarantined))
	copy(out, v.quarantined)
	return out
}

// Issues returns the bounded issue log.
func (v *StreamValidator) Issues() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.issues))
	copy(out, v.issues)
	return out
}
