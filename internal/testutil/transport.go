package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/livesync/internal/catalog"
	"github.com/roach88/livesync/internal/ir"
)

// Transport is an in-memory backend with knobs for tests: handler calls can
// be held, rejected or made unavailable, and every call is logged.
//
// Queries are served from per-table rows. The table is the query name up to
// the first "."; every param except "limit" is an equality filter.
//
// Thread-safety: All methods are safe for concurrent use.
type Transport struct {
	mu          sync.Mutex
	tables      map[string][]ir.Record
	log         []string
	queryGate   chan struct{}
	mutateGate  chan struct{}
	queryErr    error
	reject      func(ir.Mutation) error
	unavailable bool
	nextID      int
	queries     int
}

// NewTransport creates an empty backend.
func NewTransport() *Transport {
	return &Transport{tables: make(map[string][]ir.Record)}
}

// Seed appends rows to table.
func (t *Transport) Seed(table string, rows ...ir.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.tables[table] = append(t.tables[table], ir.CloneRecord(r))
	}
}

// Rows returns a copy of table's rows.
func (t *Transport) Rows(table string) []ir.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneRows(t.tables[table])
}

// HoldQueries blocks query calls until release is called.
func (t *Transport) HoldQueries() (release func()) {
	return t.hold(&t.queryGate)
}

// HoldMutations blocks mutation calls until release is called.
func (t *Transport) HoldMutations() (release func()) {
	return t.hold(&t.mutateGate)
}

func (t *Transport) hold(gate *chan struct{}) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	*gate = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if *gate == ch {
				*gate = nil
			}
			t.mu.Unlock()
			close(ch)
		})
	}
}

// FailQueries makes every query return err. nil restores normal behavior.
func (t *Transport) FailQueries(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queryErr = err
}

// Reject installs a predicate deciding which mutations are rejected.
// fn returns nil to accept.
func (t *Transport) Reject(fn func(ir.Mutation) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject = fn
}

// SetUnavailable makes every call fail with ir.ErrUnavailable.
func (t *Transport) SetUnavailable(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = v
}

// Log returns the recorded call log.
func (t *Transport) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

// QueryCount returns how many query calls reached the backend.
func (t *Transport) QueryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries
}

func (t *Transport) record(format string, args ...any) {
	t.log = append(t.log, fmt.Sprintf(format, args...))
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query implements the engine's query handler.
func (t *Transport) Query(ctx context.Context, query string, params map[string]any) (any, error) {
	t.mu.Lock()
	gate := t.queryGate
	t.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("query %s", query)
	if t.unavailable {
		return nil, fmt.Errorf("query %s: %w", query, ir.ErrUnavailable)
	}
	t.queries++
	if t.queryErr != nil {
		return nil, t.queryErr
	}

	var out []ir.Record
	for _, row := range t.tables[catalog.DefaultTable(query)] {
		if matches(row, params) {
			out = append(out, ir.CloneRecord(row))
		}
	}
	if out == nil {
		out = []ir.Record{}
	}
	if limit, ok := params["limit"].(int); ok && limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(row ir.Record, params map[string]any) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "limit" {
			continue
		}
		if !ir.SameValue(row[k], params[k]) {
			return false
		}
	}
	return true
}

// Mutate implements the engine's mutation handler.
func (t *Transport) Mutate(ctx context.Context, m ir.Mutation) (ir.Record, error) {
	t.mu.Lock()
	gate := t.mutateGate
	t.record("mutate:start %s %s", m.Kind, m.ID)
	t.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.record("mutate:end %s %s", m.Kind, m.ID)

	if t.unavailable {
		return nil, fmt.Errorf("mutate %s: %w", m.ID, ir.ErrUnavailable)
	}
	if t.reject != nil {
		if err := t.reject(m); err != nil {
			return nil, err
		}
	}
	return t.apply(m)
}

func (t *Transport) apply(m ir.Mutation) (ir.Record, error) {
	rows := t.tables[m.Table]
	id, hasID := ir.IDOf(m.Payload)
	idx := -1
	if hasID {
		for i, r := range rows {
			if rid, ok := ir.IDOf(r); ok && ir.SameID(rid, id) {
				idx = i
				break
			}
		}
	}

	switch m.Kind {
	case ir.KindCreate:
		if idx >= 0 {
			return nil, fmt.Errorf("create %s: duplicate id %v", m.Table, id)
		}
		rec := ir.CloneRecord(m.Payload)
		if !hasID {
			t.nextID++
			rec[ir.IDField] = fmt.Sprintf("srv-%d", t.nextID)
		}
		t.tables[m.Table] = append(rows, rec)
		return ir.CloneRecord(rec), nil
	case ir.KindUpdate:
		if idx < 0 {
			return nil, fmt.Errorf("update %s: no row with id %v", m.Table, id)
		}
		rows[idx] = ir.MergeRecord(rows[idx], m.Payload)
		return ir.CloneRecord(rows[idx]), nil
	case ir.KindDelete:
		if idx < 0 {
			return nil, fmt.Errorf("delete %s: no row with id %v", m.Table, id)
		}
		t.tables[m.Table] = append(rows[:idx:idx], rows[idx+1:]...)
		return nil, nil
	default:
		return nil, errors.New("unknown mutation kind")
	}
}

func cloneRows(rows []ir.Record) []ir.Record {
	out := make([]ir.Record, len(rows))
	for i, r := range rows {
		out[i] = ir.CloneRecord(r)
	}
	return out
}
