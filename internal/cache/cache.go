// Package cache holds the last known result for every distinct query.
//
// Each entry keeps a confirmed base (the most recent successful refresh) and
// an ordered stack of optimistic layers, one per write that touched it. The
// visible value is always the base with every still-relevant layer folded on
// top, so a concurrent refresh never swallows an unconfirmed write.
//
// The Cache is NOT safe for concurrent use. It is owned by the sync engine,
// which serializes every call under its own mutex; no other component holds
// a reference into its internals.
package cache

import (
	"bytes"
	"reflect"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/roach88/livesync/internal/ir"
)

// PatchFunc is a pure transform applied to a cached value. It must not modify
// its argument; it returns the patched copy (or the argument unchanged).
type PatchFunc func(current any) any

// Entry is a read-only snapshot of a cache entry.
// Value is shared with the cache and must be treated as immutable.
type Entry struct {
	Key         ir.QueryKey
	Query       string
	Params      map[string]any
	Table       string
	Value       any
	Seq         int64 // logical version, increases on every visible change
	LastUpdated time.Time
	Optimistic  bool // true while an unconfirmed layer is applied
}

type layer struct {
	mutationID string
	patch      PatchFunc
	confirmed  bool
	confirmSeq int64
}

type entry struct {
	key     ir.QueryKey
	query   string
	params  map[string]any
	table   string
	base    any
	baseSeq int64 // dispatch seq of the refresh that produced base
	layers  []layer
	value   any
	seq     int64
	updated time.Time
}

func (e *entry) snapshot() Entry {
	optimistic := false
	for _, l := range e.layers {
		if !l.confirmed {
			optimistic = true
			break
		}
	}
	return Entry{
		Key:         e.key,
		Query:       e.query,
		Params:      e.params,
		Table:       e.table,
		Value:       e.value,
		Seq:         e.seq,
		LastUpdated: e.updated,
		Optimistic:  optimistic,
	}
}

// recompute folds every layer over the base.
func (e *entry) recompute() any {
	v := e.base
	for _, l := range e.layers {
		v = l.patch(v)
	}
	return v
}

// Options configures a Cache.
type Options struct {
	// Clock stamps visible changes. Must be monotonic. Required.
	Clock func() int64

	// Now supplies LastUpdated timestamps. Defaults to time.Now.
	Now func() time.Time

	// IdleCapacity bounds how many zero-subscriber entries are kept warm.
	// The least recently released entry is evicted first. 0 disables eviction.
	IdleCapacity int
}

// Cache is the engine-owned query result store.
type Cache struct {
	entries  map[ir.QueryKey]*entry
	byTable  map[string]map[ir.QueryKey]struct{}
	retained map[ir.QueryKey]int
	inflight map[ir.QueryKey]int
	idle     *simplelru.LRU[ir.QueryKey, struct{}]
	idleCap  int
	clock    func() int64
	now      func() time.Time
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.Clock == nil {
		panic("cache: Options.Clock is required")
	}
	c := &Cache{
		entries:  make(map[ir.QueryKey]*entry),
		byTable:  make(map[string]map[ir.QueryKey]struct{}),
		retained: make(map[ir.QueryKey]int),
		inflight: make(map[ir.QueryKey]int),
		clock:    opts.Clock,
		now:      opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.IdleCapacity > 0 {
		// No eviction callback: simplelru also fires it on Remove and Purge,
		// which happen on resubscribe. markIdle evicts explicitly instead.
		c.idle, _ = simplelru.NewLRU[ir.QueryKey, struct{}](opts.IdleCapacity, nil)
		c.idleCap = opts.IdleCapacity
	}
	return c
}

// Get returns the entry for key. Never blocks; O(1).
func (c *Cache) Get(key ir.QueryKey) (Entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Set replaces the confirmed base of key with value and reports whether the
// visible value changed.
//
// dispatchSeq is the clock value taken when the refresh was dispatched:
//   - a result dispatched before the current base is stale and ignored
//   - confirmed layers whose confirmation predates dispatchSeq are already
//     reflected by the server and are dropped
//   - every other layer is re-applied on top of the new base
//
// A newly created entry always counts as changed.
func (c *Cache) Set(key ir.QueryKey, query string, params map[string]any, table string, value any, dispatchSeq int64) (Entry, bool) {
	e, exists := c.entries[key]
	if exists && dispatchSeq < e.baseSeq {
		return e.snapshot(), false
	}

	if !exists {
		e = &entry{key: key, query: query, params: params, table: table}
		c.entries[key] = e
		if c.byTable[table] == nil {
			c.byTable[table] = make(map[ir.QueryKey]struct{})
		}
		c.byTable[table][key] = struct{}{}
		if c.retained[key] == 0 {
			c.markIdle(key)
		}
	}

	e.base = value
	e.baseSeq = dispatchSeq
	e.layers = slices.DeleteFunc(e.layers, func(l layer) bool {
		return l.confirmed && l.confirmSeq < dispatchSeq
	})
	e.updated = c.now()

	return c.apply(e, e.recompute(), !exists)
}

// AppendOptimistic layers patch on top of key's current value on behalf of
// mutationID and reports whether the visible value changed. Keys that are
// not cached are ignored.
func (c *Cache) AppendOptimistic(key ir.QueryKey, mutationID string, patch PatchFunc) (Entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	e.layers = append(e.layers, layer{mutationID: mutationID, patch: patch})
	return c.apply(e, patch(e.value), false)
}

// Confirm marks mutationID's layers as confirmed at confirmSeq.
//
// If replace is non-nil it is asked, per affected entry, for a patch derived
// from the server's canonical record; a nil result keeps the original patch.
// Confirmed layers at the bottom of the stack are folded into the base unless
// a refresh is in flight for that key (the refresh decides whether it already
// reflects them). Returns the entries whose visible value changed.
func (c *Cache) Confirm(mutationID string, confirmSeq int64, replace func(Entry) PatchFunc) []Entry {
	var changed []Entry
	for _, key := range c.sortedKeys() {
		e := c.entries[key]
		idx := slices.IndexFunc(e.layers, func(l layer) bool { return l.mutationID == mutationID })
		if idx < 0 {
			continue
		}
		e.layers[idx].confirmed = true
		e.layers[idx].confirmSeq = confirmSeq
		if replace != nil {
			if p := replace(e.snapshot()); p != nil {
				e.layers[idx].patch = p
			}
		}
		if c.inflight[key] == 0 {
			c.fold(e)
		}
		if snap, ok := c.apply(e, e.recompute(), false); ok {
			changed = append(changed, snap)
		}
	}
	return changed
}

// Rollback removes mutationID's layers everywhere and returns the entries
// whose visible value changed. Later layers stay applied.
func (c *Cache) Rollback(mutationID string) []Entry {
	var changed []Entry
	for _, key := range c.sortedKeys() {
		e := c.entries[key]
		n := len(e.layers)
		e.layers = slices.DeleteFunc(e.layers, func(l layer) bool { return l.mutationID == mutationID })
		if len(e.layers) == n {
			continue
		}
		if snap, ok := c.apply(e, e.recompute(), false); ok {
			changed = append(changed, snap)
		}
	}
	return changed
}

// BeginRefresh records that a refresh for key has been dispatched.
func (c *Cache) BeginRefresh(key ir.QueryKey) {
	c.inflight[key]++
}

// EndRefresh records that a refresh for key settled (successfully or not)
// and folds confirmed layers once nothing is in flight.
func (c *Cache) EndRefresh(key ir.QueryKey) {
	if c.inflight[key] <= 1 {
		delete(c.inflight, key)
		if e, ok := c.entries[key]; ok {
			c.fold(e)
		}
		return
	}
	c.inflight[key]--
}

// Retain pins key while it has subscribers.
func (c *Cache) Retain(key ir.QueryKey) {
	c.retained[key]++
	if c.idle != nil {
		c.idle.Remove(key)
	}
}

// Release unpins key. When the last subscriber leaves, the entry stays warm
// in the idle list until evicted or cleared.
func (c *Cache) Release(key ir.QueryKey) {
	if c.retained[key] > 1 {
		c.retained[key]--
		return
	}
	delete(c.retained, key)
	if _, ok := c.entries[key]; ok {
		c.markIdle(key)
	}
}

// markIdle moves key to the front of the idle list, evicting the least
// recently released entry when the list is full. An evicted entry that
// still carries optimistic layers leaves the idle list but stays cached
// until its writes settle.
func (c *Cache) markIdle(key ir.QueryKey) {
	if c.idle == nil {
		return
	}
	if !c.idle.Contains(key) && c.idle.Len() >= c.idleCap {
		if oldest, _, ok := c.idle.RemoveOldest(); ok {
			if e := c.entries[oldest]; e == nil || len(e.layers) == 0 {
				c.drop(oldest)
			}
		}
	}
	c.idle.Add(key, struct{}{})
}

// KeysForTable returns every cached key owned by table, in stable order.
func (c *Cache) KeysForTable(table string) []ir.QueryKey {
	keys := make([]ir.QueryKey, 0, len(c.byTable[table]))
	for k := range c.byTable[table] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clear drops key, or every entry when no key is given.
func (c *Cache) Clear(keys ...ir.QueryKey) {
	if len(keys) == 0 {
		c.entries = make(map[ir.QueryKey]*entry)
		c.byTable = make(map[string]map[ir.QueryKey]struct{})
		if c.idle != nil {
			c.idle.Purge()
		}
		return
	}
	for _, key := range keys {
		if c.idle != nil {
			c.idle.Remove(key)
		}
		c.drop(key)
	}
}

// drop removes an entry and its table index without touching the idle list.
func (c *Cache) drop(key ir.QueryKey) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if tbl := c.byTable[e.table]; tbl != nil {
		delete(tbl, key)
		if len(tbl) == 0 {
			delete(c.byTable, e.table)
		}
	}
}

// fold merges the confirmed prefix of the layer stack into the base.
func (c *Cache) fold(e *entry) {
	n := 0
	for n < len(e.layers) && e.layers[n].confirmed {
		e.base = e.layers[n].patch(e.base)
		n++
	}
	if n > 0 {
		e.layers = slices.Delete(e.layers, 0, n)
	}
}

// apply installs next as the visible value, bumping seq when it differs.
func (c *Cache) apply(e *entry, next any, force bool) (Entry, bool) {
	if !force && sameValue(e.value, next) {
		e.value = next
		return e.snapshot(), false
	}
	e.value = next
	e.seq = c.clock()
	return e.snapshot(), true
}

// sameValue compares by canonical form so a confirmed record decoded with
// int64 ids does not count as a change over the int ids it replaces.
func sameValue(a, b any) bool {
	ca, errA := ir.MarshalCanonical(a)
	cb, errB := ir.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ca, cb)
}

func (c *Cache) sortedKeys() []ir.QueryKey {
	keys := make([]ir.QueryKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
