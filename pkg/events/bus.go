// Package events provides the per-run, append-only, strictly-sequenced
// event log with subscriber resume semantics, plus the client-side stream
// validator and the WebSocket delivery manager.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// subscriberBuffer is the per-subscriber live channel capacity. A subscriber
// that falls further behind than this is dropped and must re-subscribe with
// its last seen sequence.
const subscriberBuffer = 256

// PublishInput carries the identity fields and payload of one event.
type PublishInput struct {
	AgentID  string
	ThreadID string
	TurnID   string
	ItemID   string
	Payload  map[string]any
}

// Bus assigns sequences, persists events and fans them out to live
// subscribers. The per-run sequence counter is the only shared mutable
// state; Publish holds its lock across assign + persist so sequences are
// gap-free on the server side.
type Bus struct {
	store store.EventStore
	clock ident.Clock

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	mu       sync.Mutex
	tenantID string
	lastSeq  int64
	loaded   bool
	subs     map[int]*subscriber
	nextSub  int
}

type subscriber struct {
	ch     chan *models.Event
	cancel context.CancelFunc
}

// NewBus creates a bus over the given event store.
func NewBus(st store.EventStore, clock ident.Clock) *Bus {
	return &Bus{store: st, clock: clock, runs: make(map[string]*runState)}
}

func (b *Bus) run(tenantID, runID string) *runState {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runState{tenantID: tenantID, subs: make(map[int]*subscriber)}
		b.runs[runID] = rs
	}
	return rs
}

// Publish assigns lastSeq+1, stamps the envelope, persists and fans out.
func (b *Bus) Publish(ctx context.Context, tenantID, runID, method string, in PublishInput) (*models.Event, error) {
	rs := b.run(tenantID, runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.loaded {
		last, err := b.store.LastSequence(ctx, tenantID, runID)
		if err != nil {
			return nil, fmt.Errorf("loading last sequence for run %s: %w", runID, err)
		}
		rs.lastSeq = last
		rs.loaded = true
	}

	if in.ItemID == "" {
		in.ItemID = ident.NewPrefixedID("item")
	}
	if in.TurnID == "" {
		in.TurnID = ident.NewPrefixedID("turn")
	}
	if in.ThreadID == "" {
		in.ThreadID = runID
	}

	event := &models.Event{
		Method: method,
		Params: models.EventParams{
			RunID:         runID,
			AgentID:       in.AgentID,
			ThreadID:      in.ThreadID,
			TurnID:        in.TurnID,
			ItemID:        in.ItemID,
			Sequence:      rs.lastSeq + 1,
			TS:            b.clock.Now().Format(time.RFC3339Nano),
			SchemaVersion: models.SchemaVersion,
			Payload:       in.Payload,
		},
	}

	if err := b.store.AppendEvent(ctx, tenantID, runID, event); err != nil {
		return nil, fmt.Errorf("persisting event %s seq %d: %w", method, event.Params.Sequence, err)
	}
	rs.lastSeq = event.Params.Sequence

	for id, sub := range rs.subs {
		select {
		case sub.ch <- event:
		default:
			// Subscriber too slow: drop it; resume-by-sequence recovers.
			slog.Warn("Dropping slow event subscriber",
				"run_id", runID, "subscriber", id, "sequence", event.Params.Sequence)
			sub.cancel()
			close(sub.ch)
			delete(rs.subs, id)
		}
	}
	return event, nil
}

// PublishApproval publishes an approval/requested event, synthesizing a
// deterministic request id when the producer did not supply one. Synthesized
// ids are marked verified=false.
func (b *Bus) PublishApproval(ctx context.Context, tenantID, runID string, req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	if req.RequestID == "" {
		req.RequestID = ident.ApprovalRequestID(ident.ApprovalSeed{
			RunID:       runID,
			AgentID:     req.AgentID,
			TS:          req.RequestedAt.UTC().Format(time.RFC3339Nano),
			Title:       req.Title,
			Description: req.Description,
			Payload:     req.Payload,
		})
		req.Verified = false
	} else {
		req.Verified = true
	}
	req.RunID = runID
	if req.Status == "" {
		req.Status = models.ApprovalPending
	}

	_, err := b.Publish(ctx, tenantID, runID, models.MethodApprovalRequested, PublishInput{
		AgentID: req.AgentID,
		ItemID:  req.RequestID,
		Payload: map[string]any{
			"requestId":   req.RequestID,
			"title":       req.Title,
			"description": req.Description,
			"risk":        req.Risk,
			"status":      string(req.Status),
			"verified":    req.Verified,
		},
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// LastSequence returns the persisted last sequence for a run.
func (b *Bus) LastSequence(ctx context.Context, tenantID, runID string) (int64, error) {
	rs := b.run(tenantID, runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.loaded {
		return rs.lastSeq, nil
	}
	return b.store.LastSequence(ctx, tenantID, runID)
}

// Subscribe delivers every persisted event with sequence > fromSequence in
// order, then the live tail. Delivery is in-order per subscriber,
// at-least-once overall. The returned cancel releases the subscription.
func (b *Bus) Subscribe(ctx context.Context, tenantID, runID string, fromSequence int64) (<-chan *models.Event, context.CancelFunc, error) {
	rs := b.run(tenantID, runID)

	subCtx, cancel := context.WithCancel(ctx)

	// Register the live channel and snapshot the current sequence under the
	// run lock, so no event can fall between catch-up and the live tail.
	rs.mu.Lock()
	if !rs.loaded {
		last, err := b.store.LastSequence(ctx, tenantID, runID)
		if err != nil {
			rs.mu.Unlock()
			cancel()
			return nil, nil, fmt.Errorf("loading last sequence for run %s: %w", runID, err)
		}
		rs.lastSeq = last
		rs.loaded = true
	}
	snapshot := rs.lastSeq
	live := make(chan *models.Event, subscriberBuffer)
	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = &subscriber{ch: live, cancel: cancel}
	rs.mu.Unlock()

	out := make(chan *models.Event, subscriberBuffer)

	unregister := func() {
		rs.mu.Lock()
		if sub, ok := rs.subs[id]; ok {
			delete(rs.subs, id)
			close(sub.ch)
		}
		rs.mu.Unlock()
	}

	go func() {
		defer close(out)
		defer unregister()

		// Catch-up phase: persisted events (fromSequence, snapshot].
		if snapshot > fromSequence {
			stored, err := b.store.ListEvents(subCtx, tenantID, runID, fromSequence, 0)
			if err != nil {
				slog.Error("Event catch-up query failed", "run_id", runID, "error", err)
				return
			}
			for _, ev := range stored {
				if ev.Params.Sequence > snapshot {
					break
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}

		// Live tail: skip anything at or below the snapshot (already
		// delivered by catch-up).
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Params.Sequence <= snapshot || ev.Params.Sequence <= fromSequence {
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}
