// Package catalog holds optional per-query metadata that narrows which cached
// queries a write affects.
//
// A catalog is written in CUE:
//
//	query: "todos.open": {
//		table:   "todos"
//		filters: ["status"]
//	}
//
// Undeclared queries are owned by the table named before the first "." of
// the query name and are affected by every write to that table.
package catalog

import (
	"sort"
	"strings"

	"github.com/roach88/livesync/internal/ir"
)

// Query describes one declared query.
type Query struct {
	Name  string `json:"name"`
	Table string `json:"table"`

	// Filters lists params that must equal the record field of the same
	// name for a record to belong to the result set.
	Filters []string `json:"filters,omitempty"`

	// Optimistic is false for queries that should only change on refresh.
	Optimistic bool `json:"optimistic"`
}

// Catalog is an immutable set of declared queries. A nil *Catalog is valid
// and declares nothing.
type Catalog struct {
	queries map[string]Query
}

// New builds a catalog from already validated queries.
func New(queries ...Query) *Catalog {
	c := &Catalog{queries: make(map[string]Query, len(queries))}
	for _, q := range queries {
		c.queries[q.Name] = q
	}
	return c
}

// Lookup returns the declaration for name.
func (c *Catalog) Lookup(name string) (Query, bool) {
	if c == nil {
		return Query{}, false
	}
	q, ok := c.queries[name]
	return q, ok
}

// Queries returns every declaration sorted by name.
func (c *Catalog) Queries() []Query {
	if c == nil {
		return nil
	}
	out := make([]Query, 0, len(c.queries))
	for _, q := range c.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of declared queries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.queries)
}

// TableOf returns the table that owns query.
func (c *Catalog) TableOf(query string) string {
	if q, ok := c.Lookup(query); ok {
		return q.Table
	}
	return DefaultTable(query)
}

// DefaultTable derives the owning table from a query name: "todos.list"
// belongs to "todos", and a name without a dot is its own table.
func DefaultTable(query string) string {
	if i := strings.IndexByte(query, '.'); i >= 0 {
		return query[:i]
	}
	return query
}

// Optimistic reports whether writes are applied to query before the server
// confirms them.
func (c *Catalog) Optimistic(query string) bool {
	if q, ok := c.Lookup(query); ok {
		return q.Optimistic
	}
	return true
}

// Matcher returns the predicate deciding whether a record belongs to the
// result of (query, params). Undeclared queries and declared queries without
// filters accept every record.
//
// A filter param that is absent from params, or a field absent from the
// record, does not exclude the record.
func (c *Catalog) Matcher(query string, params map[string]any) func(ir.Record) bool {
	q, ok := c.Lookup(query)
	if !ok || len(q.Filters) == 0 {
		return nil
	}
	filters := make(map[string]any, len(q.Filters))
	for _, f := range q.Filters {
		if v, ok := params[f]; ok {
			filters[f] = v
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return func(r ir.Record) bool {
		for f, want := range filters {
			got, ok := r[f]
			if !ok {
				continue
			}
			if !ir.SameValue(got, want) {
				return false
			}
		}
		return true
	}
}
