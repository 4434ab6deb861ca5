package engine

import (
	"slices"

	"github.com/roach88/livesync/internal/ir"
)

// EventType identifies what happened.
type EventType string

const (
	// EventQueued: a write was accepted locally while offline. Informational.
	EventQueued EventType = "queued"
	// EventSynced: the transport confirmed a write.
	EventSynced EventType = "synced"
	// EventRejected: the transport declined a write and it was rolled back.
	// Delivered even when the original Mutate call returned long ago.
	EventRejected EventType = "rejected"
	// EventQueryFailed: a refresh failed after all retries.
	EventQueryFailed EventType = "query_failed"
	// EventCallbackError: a subscriber callback panicked.
	EventCallbackError EventType = "callback_error"
	// EventOnline and EventOffline report connectivity transitions.
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event is delivered to listeners registered with Listen.
type Event struct {
	Type EventType

	// Mutation is set for queued, synced and rejected events.
	Mutation *ir.Mutation

	Query string
	Key   ir.QueryKey

	// Err is a *SyncError for rejected, query_failed and callback_error.
	Err error
}

// Listen registers fn for every subsequent event and returns a function
// that removes it. Listeners run synchronously on the goroutine that raised
// the event, with no engine lock held; they must not block for long.
// EventSynced and EventRejected are raised on the drain goroutine, so a
// listener must not wait on an online Mutate.
func (e *Engine) Listen(fn func(Event)) (cancel func()) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.listenersMu.Unlock()

	for _, fn := range fns {
		e.callListener(fn, ev)
	}
}

func (e *Engine) callListener(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("event listener panicked", "event", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}
