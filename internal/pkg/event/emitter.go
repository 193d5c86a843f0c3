package event

import (
	"sync"
	"time"

	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/google/uuid"
)

// Emitter builds events from contexts and hands them to an Observer. It
// must be called without any context lock held.
type Emitter struct {
	observer Observer
	metrics  *metrics.Metrics
}

// NewEmitter creates an Emitter. A nil observer discards events.
func NewEmitter(observer Observer, m *metrics.Metrics) *Emitter {
	if observer == nil {
		observer = Discard
	}
	return &Emitter{observer: observer, metrics: m}
}

// Emit builds an event for ctx and delivers it. The address chain is taken
// from the ancestor stack of ctx, excluding the root. A context whose
// ancestors were swept away while it was in use has no complete chain; its
// event is dropped and nil is returned.
func (e *Emitter) Emit(ctx *flowtree.Context, kind Kind, ts time.Time, detail any) *Event {
	stack := flowtree.AncestorStack(ctx)
	if stack[0].Kind() != flowtree.KindRoot {
		e.metrics.EventDropped(kind.String(), "detached")
		logger.Debug("Event dropped", "kind", kind.String(), "context", ctx.String(), "reason", "detached")
		return nil
	}
	chain := make(Chain, 0, len(stack)-1)
	for _, c := range stack[1:] {
		chain = append(chain, c.Flow())
	}

	info, ok := flowtree.RootOf(ctx)
	if !ok {
		// The root went between the two walks.
		e.metrics.EventDropped(kind.String(), "detached")
		return nil
	}
	ev := &Event{
		ID:        uuid.New(),
		Kind:      kind,
		DeviceID:  info.DeviceID,
		NetworkID: info.NetworkID,
		Timestamp: ts,
		ContextID: ctx.ID(),
		Chain:     chain,
		Detail:    detail,
	}
	if !info.Trigger.IsZero() {
		ev.Trigger = info.Trigger.String()
	}

	e.metrics.EventEmitted(kind.String())
	e.observer.Observe(ev)
	return ev
}

// Recorder is an Observer that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// Observe appends ev.
func (r *Recorder) Observe(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind, in emission order.
func (r *Recorder) OfKind(kind Kind) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
