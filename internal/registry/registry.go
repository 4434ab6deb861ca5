// Package registry tracks live subscribers and delivers cache snapshots to
// them.
//
// Delivery is serialized per subscription: a callback never runs
// concurrently with itself, and each subscriber receives its notifications
// in the order they were raised. Flush delivers everything it can before
// returning; a notification for a subscriber that is inside its callback,
// including one raised from that callback, is delivered by the goroutine
// running the callback once it returns.
//
// Every subscriber observes strictly increasing snapshot sequence numbers;
// anything older than (or equal to) what it already saw is skipped.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/livesync/internal/cache"
	"github.com/roach88/livesync/internal/ir"
)

// Callback receives a snapshot of the subscribed entry.
type Callback func(cache.Entry)

// PanicHandler is told about a callback that panicked. It runs on the
// flusher goroutine with no registry lock held.
type PanicHandler func(subscriptionID string, key ir.QueryKey, recovered any)

// Subscription describes a registered subscriber.
type Subscription struct {
	ID     string
	Key    ir.QueryKey
	Query  string
	Params map[string]any
}

type subscription struct {
	Subscription
	callback Callback
	lastSeq  int64
	active   bool

	queue  []cache.Entry
	busy   bool // a goroutine is inside callback
	listed bool // present in Registry.ready
}

// Options configures a Registry.
type Options struct {
	Logger  *slog.Logger
	OnPanic PanicHandler
}

// Registry maps query keys to live subscribers. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	byKey    map[ir.QueryKey][]*subscription
	byID     map[string]*subscription
	order    []*subscription // registration order, active only
	ready    []*subscription // subscriptions with queued entries
	nextID   int64
	logger   *slog.Logger
	onPanic  PanicHandler
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	r := &Registry{
		byKey:   make(map[ir.QueryKey][]*subscription),
		byID:    make(map[string]*subscription),
		logger:  opts.Logger,
		onPanic: opts.OnPanic,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Subscribe registers callback for key and returns the subscription ID.
// It does not deliver anything; use NotifyOne for the initial value.
func (r *Registry) Subscribe(key ir.QueryKey, query string, params map[string]any, callback Callback) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{
		Subscription: Subscription{
			ID:     fmt.Sprintf("sub-%d", r.nextID),
			Key:    key,
			Query:  query,
			Params: params,
		},
		callback: callback,
		active:   true,
	}
	r.byKey[key] = append(r.byKey[key], sub)
	r.byID[sub.ID] = sub
	r.order = append(r.order, sub)
	return sub.ID
}

// Unsubscribe deactivates the subscription. Queued deliveries to it are
// dropped. Returns false if it was already gone, so callers can treat a
// repeated call as a no-op.
func (r *Registry) Unsubscribe(id string) (ir.QueryKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return "", false
	}
	sub.active = false
	sub.queue = nil
	delete(r.byID, id)

	subs := r.byKey[sub.Key]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byKey, sub.Key)
	} else {
		r.byKey[sub.Key] = subs
	}
	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return sub.Key, true
}

// Notify queues entry for every live subscriber of entry.Key.
// Call Flush (without holding locks the callbacks might need) to deliver.
func (r *Registry) Notify(entry cache.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byKey[entry.Key] {
		sub.queue = append(sub.queue, entry)
		r.list(sub)
	}
}

// NotifyOne queues entry for a single subscription.
func (r *Registry) NotifyOne(id string, entry cache.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byID[id]; ok {
		sub.queue = append(sub.queue, entry)
		r.list(sub)
	}
}

// Flush delivers queued notifications and returns once every subscriber
// that is not inside a callback has received its queue. Subscribers busy on
// another goroutine (or further up this one) are left to that goroutine.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		sub := r.take()
		if sub == nil {
			return
		}
		entry := sub.queue[0]
		sub.queue[0] = cache.Entry{}
		sub.queue = sub.queue[1:]

		// Liveness and ordering are checked per invocation, not per batch.
		if entry.Seq <= sub.lastSeq {
			r.list(sub)
			continue
		}
		sub.lastSeq = entry.Seq
		sub.busy = true

		r.mu.Unlock()
		r.invoke(sub, entry)
		r.mu.Lock()

		sub.busy = false
		r.list(sub)
	}
}

// list marks sub as having work. Caller must hold r.mu.
func (r *Registry) list(sub *subscription) {
	if sub.listed || !sub.active || len(sub.queue) == 0 {
		return
	}
	sub.listed = true
	r.ready = append(r.ready, sub)
}

// take removes and returns the first ready subscription that is not inside
// a callback. Caller must hold r.mu.
func (r *Registry) take() *subscription {
	var next *subscription
	kept := r.ready[:0]
	for _, sub := range r.ready {
		switch {
		case !sub.active || len(sub.queue) == 0:
			sub.listed = false
		case next == nil && !sub.busy:
			sub.listed = false
			next = sub
		default:
			kept = append(kept, sub)
		}
	}
	clear(r.ready[len(kept):])
	r.ready = kept
	return next
}

func (r *Registry) invoke(sub *subscription, entry cache.Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber callback panicked",
				"subscription", sub.ID,
				"query", sub.Query,
				"key", sub.Key,
				"panic", rec)
			if r.onPanic != nil {
				r.onPanic(sub.ID, sub.Key, rec)
			}
		}
	}()
	sub.callback(entry)
}

// Active returns every live subscription in registration order.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, len(r.order))
	for i, sub := range r.order {
		out[i] = sub.Subscription
	}
	return out
}

// Count returns the number of live subscribers for key.
func (r *Registry) Count(key ir.QueryKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[key])
}

// Len returns the total number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
