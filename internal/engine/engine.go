package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/livesync/internal/cache"
	"github.com/roach88/livesync/internal/catalog"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/queue"
	"github.com/roach88/livesync/internal/registry"
)

// QueryHandler executes a read against the backend. Any error is a
// QueryFailed; an error wrapping ir.ErrUnavailable also takes the engine
// offline.
type QueryHandler func(ctx context.Context, query string, params map[string]any) (any, error)

// MutationHandler executes a write. A non-nil record is the server's
// canonical form of the written row and replaces the optimistic one. An
// error wrapping ir.ErrUnavailable means the write was not delivered: it
// stays queued and the engine goes offline. Any other error is a rejection.
type MutationHandler func(ctx context.Context, m ir.Mutation) (ir.Record, error)

// Snapshot is the value delivered to subscribers.
type Snapshot = cache.Entry

// Callback receives snapshots for a subscription.
type Callback func(Snapshot)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// DefaultRefreshConcurrency bounds reconnect refresh fan-out.
const DefaultRefreshConcurrency = 4

// Engine is the sync coordinator. It owns the cache, the subscription
// registry and the mutation queue; collaborators only use its methods.
//
// Every cache, registry and queue state change happens under mu. Callbacks,
// listeners and transport calls always run with mu released.
type Engine struct {
	mu       sync.Mutex
	cache    *cache.Cache
	registry *registry.Registry
	queue    *queue.Queue
	catalog  *catalog.Catalog
	clock    *Clock
	ids      IDGenerator
	query    QueryHandler
	mutation MutationHandler
	logger   *slog.Logger
	now      func() time.Time

	retry        RetryPolicy
	policy       queue.Policy
	idleCapacity int
	historySize  int
	fanout       int

	online    bool
	offlineCh chan struct{} // closed while offline
	closed    bool

	// waiting holds the rejection error for online Mutate calls still
	// blocked on their mutation; settling holds outcomes between dispatch
	// and the queue settling the mutation.
	waiting  map[string]error
	settling map[string]error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	flight singleflight.Group

	listenersMu  sync.Mutex
	listeners    map[int]func(Event)
	nextListener int
}

// New creates an Engine over the given transport handlers.
func New(query QueryHandler, mutation MutationHandler, opts ...EngineOption) *Engine {
	if query == nil || mutation == nil {
		panic("engine: query and mutation handlers are required")
	}

	e := &Engine{
		clock:       NewClock(),
		ids:         UUIDv7Generator{},
		query:       query,
		mutation:    mutation,
		logger:      slog.Default(),
		now:         time.Now,
		retry:       DefaultRetryPolicy,
		historySize: queue.DefaultHistorySize,
		fanout:      DefaultRefreshConcurrency,
		online:      true,
		waiting:     make(map[string]error),
		settling:    make(map[string]error),
		listeners:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cache = cache.New(cache.Options{
		Clock:        e.clock.Next,
		Now:          e.now,
		IdleCapacity: e.idleCapacity,
	})
	e.registry = registry.New(registry.Options{
		Logger:  e.logger,
		OnPanic: e.onCallbackPanic,
	})
	e.queue = queue.New(
		queue.WithPolicy(e.policy),
		queue.WithHistorySize(e.historySize),
		queue.WithOnSettle(e.onSettle),
	)
	e.offlineCh = make(chan struct{})
	if !e.online {
		close(e.offlineCh)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Subscribe registers callback for (query, params).
//
// If a cached value exists it is delivered before Subscribe returns (or, when
// called from inside another callback, right after that callback returns).
// While online, a refresh is started in the background; its result is
// delivered only if it differs from what the subscriber already has.
func (e *Engine) Subscribe(query string, params map[string]any, callback Callback) (Unsubscribe, error) {
	if callback == nil {
		return nil, fmt.Errorf("subscribe %s: callback is required", query)
	}
	key, err := ir.QueryKeyFor(query, params)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	params = ir.CloneRecord(params)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.cache.Retain(key)
	id := e.registry.Subscribe(key, query, params, registry.Callback(callback))
	if entry, ok := e.cache.Get(key); ok {
		e.registry.NotifyOne(id, entry)
	}
	online := e.online
	e.mu.Unlock()

	e.registry.Flush()
	e.logger.Debug("subscribed", "subscription", id, "query", query, "key", key)

	if online {
		e.refreshAsync(query, params)
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(id) })
	}, nil
}

func (e *Engine) unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.registry.Unsubscribe(id); ok {
		e.cache.Release(key)
		e.logger.Debug("unsubscribed", "subscription", id, "key", key)
	}
}

// Refresh fetches (query, params) from the transport and updates the cache.
// Concurrent refreshes of the same key share one transport call.
//
// On failure the cached value is kept and a QueryFailed *SyncError is
// returned. Returns ErrOffline without calling the transport while offline.
func (e *Engine) Refresh(ctx context.Context, query string, params map[string]any) error {
	key, err := ir.QueryKeyFor(query, params)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if err := e.checkOnline(); err != nil {
		return err
	}
	params = ir.CloneRecord(params)

	// The shared call runs on the engine's context; a caller only stops
	// waiting when its own ctx is done.
	res := make(chan error, 1)
	if !e.spawn(func(bg context.Context) {
		_, err, _ := e.flight.Do(string(key), func() (any, error) {
			return nil, e.refresh(bg, key, query, params)
		})
		res <- err
	}) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) refreshAsync(query string, params map[string]any) {
	e.spawn(func(ctx context.Context) {
		// Failures are logged and reported as events by refresh.
		_ = e.Refresh(ctx, query, params)
	})
}

func (e *Engine) refresh(ctx context.Context, key ir.QueryKey, query string, params map[string]any) error {
	e.mu.Lock()
	dispatch := e.clock.Next()
	e.cache.BeginRefresh(key)
	e.mu.Unlock()

	value, err := e.fetch(ctx, query, params)

	e.mu.Lock()
	if err != nil {
		e.cache.EndRefresh(key)
		e.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ir.ErrUnavailable) {
			e.goOffline("query transport unavailable")
		}
		e.logger.Warn("refresh failed, keeping cached value",
			"query", query,
			"key", key,
			"error", err)
		serr := newQueryFailed(query, key, err)
		e.emit(Event{Type: EventQueryFailed, Query: query, Key: key, Err: serr})
		return serr
	}

	_, existed := e.cache.Get(key)
	entry, changed := e.cache.Set(key, query, params, e.catalog.TableOf(query), value, dispatch)
	if !existed {
		entry = e.relayerPending(entry)
	}
	e.cache.EndRefresh(key)
	if changed {
		e.registry.Notify(entry)
	}
	e.mu.Unlock()

	e.registry.Flush()
	e.logger.Debug("refreshed",
		"query", query,
		"key", key,
		"changed", changed,
		"seq", entry.Seq)
	return nil
}

// relayerPending applies still-queued writes to an entry that did not exist
// when they were submitted. Caller must hold e.mu.
func (e *Engine) relayerPending(entry cache.Entry) cache.Entry {
	if !e.catalog.Optimistic(entry.Query) {
		return entry
	}
	for _, m := range e.queue.Pending() {
		if m.Kind == ir.KindDelete || m.Table != entry.Table {
			continue
		}
		if _, done := e.settling[m.ID]; done {
			continue
		}
		if snap, ok := e.cache.AppendOptimistic(entry.Key, m.ID, e.patchFor(m, m.Payload, entry)); ok {
			entry = snap
		}
	}
	return entry
}

// Mutate applies a write optimistically and submits it.
//
// Create and update are applied to every affected cached query and
// delivered to subscribers before Mutate blocks. Online, Mutate waits until
// the transport settles the write; a rejection rolls the write back and is
// returned as a MutationRejected *SyncError. Offline (or if connectivity is
// lost while waiting) the write stays queued, EventQueued is emitted and
// Mutate returns the ID with a nil error. Cancelling ctx stops the wait but
// not the write.
func (e *Engine) Mutate(ctx context.Context, kind ir.Kind, table string, data ir.Record) (string, error) {
	if !ir.ValidKinds[kind] {
		return "", fmt.Errorf("mutate: unknown kind %q", kind)
	}
	if table == "" {
		return "", fmt.Errorf("mutate: table is required")
	}
	payload := ir.CloneRecord(data)
	if payload == nil {
		payload = ir.Record{}
	}
	if kind != ir.KindCreate {
		if _, ok := ir.IDOf(payload); !ok {
			return "", fmt.Errorf("mutate: %s on %s requires an %q field", kind, table, ir.IDField)
		}
	}
	if _, err := ir.MarshalCanonical(payload); err != nil {
		return "", fmt.Errorf("mutate: payload: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	m := ir.Mutation{
		ID:        e.ids.Generate(),
		Kind:      kind,
		Table:     table,
		Payload:   payload,
		Status:    ir.StatusPending,
		Seq:       e.clock.Next(),
		Timestamp: e.now(),
	}
	changed := e.applyOptimistic(&m)
	m.Status = ir.StatusApplied
	if err := e.queue.Enqueue(m); err != nil {
		e.cache.Rollback(m.ID)
		e.mu.Unlock()
		return "", fmt.Errorf("mutate: %w", err)
	}
	for _, entry := range changed {
		e.registry.Notify(entry)
	}
	online := e.online
	offline := e.offlineCh
	if online {
		e.waiting[m.ID] = nil
	}
	e.mu.Unlock()

	e.registry.Flush()
	e.logger.Debug("mutation applied",
		"mutation", m.ID,
		"kind", kind,
		"table", table,
		"optimistic_keys", len(m.OptimisticRef))

	if !online {
		e.emitQueued(m)
		return m.ID, nil
	}

	done, _ := e.queue.Done(m.ID)
	e.drainAsync()

	select {
	case <-done:
	case <-offline:
		select {
		case <-done:
		default:
			e.forget(m.ID)
			e.emitQueued(m)
			return m.ID, nil
		}
	case <-ctx.Done():
		e.forget(m.ID)
		return m.ID, ctx.Err()
	case <-e.ctx.Done():
		e.forget(m.ID)
		return m.ID, ErrClosed
	}

	e.mu.Lock()
	err := e.waiting[m.ID]
	delete(e.waiting, m.ID)
	e.mu.Unlock()

	e.registry.Flush()
	return m.ID, err
}

// forget stops waiting for id and delivers whatever its dispatch left for
// the waiter to flush.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.waiting, id)
	e.mu.Unlock()
	e.registry.Flush()
}

// Await blocks until the write id settles and returns its final state.
// It is how callers of an offline Mutate learn the outcome of the replay.
func (e *Engine) Await(ctx context.Context, id string) (ir.Mutation, error) {
	m, err := e.queue.Wait(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return ir.Mutation{}, fmt.Errorf("await: %w", err)
	}
	return m, err
}

func (e *Engine) emitQueued(m ir.Mutation) {
	e.logger.Info("mutation queued while offline", "mutation", m.ID, "pending", e.queue.Len())
	e.emit(Event{Type: EventQueued, Mutation: &m})
}

// applyOptimistic layers m over every affected cached query and records
// the touched keys in m.OptimisticRef. Deletes are not applied until
// confirmed. Caller must hold e.mu.
func (e *Engine) applyOptimistic(m *ir.Mutation) []cache.Entry {
	if m.Kind == ir.KindDelete {
		return nil
	}
	var changed []cache.Entry
	for _, key := range e.cache.KeysForTable(m.Table) {
		entry, _ := e.cache.Get(key)
		if !e.catalog.Optimistic(entry.Query) {
			continue
		}
		snap, ok := e.cache.AppendOptimistic(key, m.ID, e.patchFor(*m, m.Payload, entry))
		m.OptimisticRef = append(m.OptimisticRef, key)
		if ok {
			changed = append(changed, snap)
		}
	}
	return changed
}

// patchFor builds the cache patch that applies rec on behalf of m to the
// result of entry's query.
func (e *Engine) patchFor(m ir.Mutation, rec ir.Record, entry cache.Entry) cache.PatchFunc {
	match := cache.Match(e.catalog.Matcher(entry.Query, entry.Params))
	switch m.Kind {
	case ir.KindCreate:
		return cache.CreatePatch(rec, match)
	case ir.KindUpdate:
		return cache.UpdatePatch(rec, match)
	default:
		id, _ := ir.IDOf(rec)
		return cache.DeletePatch(id)
	}
}

func (e *Engine) drainAsync() {
	e.spawn(func(ctx context.Context) {
		_ = e.drain(ctx)
	})
}

// drain replays the queue in submission order.
func (e *Engine) drain(ctx context.Context) error {
	err := e.queue.DrainInOrder(ctx, e.dispatch)

	var rejected *queue.RejectedError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ir.ErrUnavailable):
		e.goOffline("mutation transport unavailable")
	case errors.As(err, &rejected):
		e.logger.Warn("drain halted after rejected mutation",
			"mutation", rejected.MutationID,
			"pending", e.queue.Len())
	default:
		e.logger.Error("drain failed", "error", err)
	}
	return err
}

// dispatch delivers one queued mutation and reconciles the cache with the
// outcome. It is the queue's handler.
func (e *Engine) dispatch(ctx context.Context, m ir.Mutation) error {
	if !e.IsConnected() {
		return fmt.Errorf("dispatch %s: %w", m.ID, ir.ErrUnavailable)
	}

	rec, err := e.mutation(ctx, m)
	if errors.Is(err, ir.ErrUnavailable) {
		return err
	}
	if err != nil && ctx.Err() != nil {
		// Shutting down: the outcome is unknown, keep it queued.
		return fmt.Errorf("dispatch %s: %v: %w", m.ID, err, ir.ErrUnavailable)
	}

	if err != nil {
		serr := newMutationRejected(m, err)

		e.mu.Lock()
		for _, entry := range e.cache.Rollback(m.ID) {
			e.registry.Notify(entry)
		}
		_, waited := e.waiting[m.ID]
		if waited {
			e.waiting[m.ID] = serr
		}
		e.settling[m.ID] = serr
		e.mu.Unlock()

		e.deliverSettled(waited)
		e.logger.Warn("mutation rejected, rolled back",
			"mutation", m.ID,
			"kind", m.Kind,
			"table", m.Table,
			"error", err)
		return serr
	}

	e.mu.Lock()
	changed, stale := e.confirm(m, rec)
	for _, entry := range changed {
		e.registry.Notify(entry)
	}
	_, waited := e.waiting[m.ID]
	e.settling[m.ID] = nil
	e.mu.Unlock()

	e.deliverSettled(waited)
	for _, entry := range stale {
		e.refreshAsync(entry.Query, entry.Params)
	}
	e.logger.Debug("mutation synced", "mutation", m.ID, "kind", m.Kind, "table", m.Table)
	return nil
}

// deliverSettled flushes notifications raised by dispatch. Callbacks never
// run on the drain goroutine: a subscriber calling Mutate from its callback
// would wait on the drain that is running it. A blocked Mutate caller
// flushes on its own once its write settles; otherwise a fresh goroutine
// does.
func (e *Engine) deliverSettled(waited bool) {
	if waited {
		return
	}
	e.spawn(func(context.Context) {
		e.registry.Flush()
	})
}

// confirm folds a confirmed write into the cache. It returns the entries
// whose visible value changed and the subscribed entries that can only be
// brought up to date by a refresh. Caller must hold e.mu.
func (e *Engine) confirm(m ir.Mutation, rec ir.Record) (changed, stale []cache.Entry) {
	seq := e.clock.Next()
	keys := e.cache.KeysForTable(m.Table)

	touched := make(map[ir.QueryKey]bool)
	var replace func(cache.Entry) cache.PatchFunc

	switch m.Kind {
	case ir.KindDelete:
		for _, key := range keys {
			entry, _ := e.cache.Get(key)
			if _, ok := e.cache.AppendOptimistic(key, m.ID, e.patchFor(m, m.Payload, entry)); ok {
				touched[key] = true
			}
		}
	default:
		if rec != nil {
			canonical := ir.MergeRecord(m.Payload, rec)
			replace = func(entry cache.Entry) cache.PatchFunc {
				return e.patchFor(m, canonical, entry)
			}
		}
	}

	for _, entry := range e.cache.Confirm(m.ID, seq, replace) {
		touched[entry.Key] = true
	}

	for _, key := range keys {
		entry, ok := e.cache.Get(key)
		if !ok {
			continue
		}
		if touched[key] {
			changed = append(changed, entry)
		}
		if e.registry.Count(key) == 0 {
			continue
		}
		if m.Kind == ir.KindDelete || !e.catalog.Optimistic(entry.Query) {
			stale = append(stale, entry)
		}
	}
	return changed, stale
}

// onSettle runs after the queue moves a mutation to history.
func (e *Engine) onSettle(m ir.Mutation) {
	e.mu.Lock()
	err := e.settling[m.ID]
	delete(e.settling, m.ID)
	e.mu.Unlock()

	if m.Status == ir.StatusFailed {
		e.emit(Event{Type: EventRejected, Mutation: &m, Err: err})
		return
	}
	e.emit(Event{Type: EventSynced, Mutation: &m})
}

func (e *Engine) onCallbackPanic(subID string, key ir.QueryKey, recovered any) {
	e.emit(Event{
		Type: EventCallbackError,
		Key:  key,
		Err:  newCallbackError(subID, key, "", recovered),
	})
}

// OnOnline marks the engine online, then in the background drains the
// queue in order and refreshes every active subscription. Use Wait to block
// until that work is done.
func (e *Engine) OnOnline() {
	e.mu.Lock()
	if e.closed || e.online {
		e.mu.Unlock()
		return
	}
	e.online = true
	e.offlineCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("connectivity restored", "pending", e.queue.Len())
	e.emit(Event{Type: EventOnline})

	e.spawn(func(ctx context.Context) {
		if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("reconcile after reconnect incomplete", "error", err)
		}
	})
}

// OnOffline marks the engine offline. No transport call is started until
// OnOnline; a call already in flight completes normally.
func (e *Engine) OnOffline() {
	e.goOffline("connectivity lost")
}

func (e *Engine) goOffline(reason string) {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return
	}
	e.online = false
	close(e.offlineCh)
	e.mu.Unlock()

	e.logger.Info("engine offline", "reason", reason, "pending", e.queue.Len())
	e.emit(Event{Type: EventOffline})
}

// Reconcile drains the queue and then refreshes every actively subscribed
// query, at most WithRefreshConcurrency at a time. Rejected refreshes are
// reported through events and do not fail Reconcile.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.checkOnline(); err != nil {
		return err
	}
	if err := e.drain(ctx); errors.Is(err, ir.ErrUnavailable) {
		return ErrOffline
	}

	seen := make(map[ir.QueryKey]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanout)
	for _, sub := range e.registry.Active() {
		if seen[sub.Key] {
			continue
		}
		seen[sub.Key] = true
		sub := sub
		g.Go(func() error {
			if err := e.Refresh(gctx, sub.Query, sub.Params); err != nil && !IsQueryFailed(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) checkOnline() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.online {
		return ErrOffline
	}
	return nil
}

// spawn runs fn on a tracked goroutine unless the engine is closed, and
// reports whether it did.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// IsConnected reports the current connectivity state.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// PendingCount returns the number of writes not yet settled, including one
// in flight.
func (e *Engine) PendingCount() int {
	return e.queue.Len()
}

// Pending returns the unsettled writes in submission order.
func (e *Engine) Pending() []ir.Mutation {
	return e.queue.Pending()
}

// History returns recently settled writes, oldest first.
func (e *Engine) History() []ir.Mutation {
	return e.queue.History()
}

// Mutation returns a pending or recently settled write.
func (e *Engine) Mutation(id string) (ir.Mutation, bool) {
	return e.queue.Get(id)
}

// Peek returns the cached snapshot for (query, params) without subscribing.
func (e *Engine) Peek(query string, params map[string]any) (Snapshot, bool) {
	key, err := ir.QueryKeyFor(query, params)
	if err != nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(key)
}

// ClearCache drops the given keys, or every entry when none are given.
// Subscriptions stay registered and are filled again by the next refresh.
func (e *Engine) ClearCache(keys ...ir.QueryKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Clear(keys...)
	e.logger.Debug("cache cleared", "keys", len(keys))
}

// Wait blocks until every background refresh and drain started so far has
// finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops background work and rejects further calls. Queued writes are
// abandoned in memory.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.queue.Close()
	e.wg.Wait()
	e.logger.Debug("engine closed", "pending", e.queue.Len())
	return nil
}
