package cache

import (
	"github.com/roach88/livesync/internal/ir"
)

// Match decides whether a record belongs in a cached result set.
// A nil Match accepts every record.
type Match func(ir.Record) bool

func (m Match) accepts(r ir.Record) bool {
	return m == nil || m(r)
}

// CreatePatch returns a patch that appends rec to list-shaped values when
// match accepts it. A record whose id is already present replaces the old
// copy instead, so replaying a create is harmless. Non-list values are left
// untouched.
func CreatePatch(rec ir.Record, match Match) PatchFunc {
	rec = ir.CloneRecord(rec)
	return func(current any) any {
		if !match.accepts(rec) {
			return current
		}
		id, hasID := ir.IDOf(rec)
		switch list := current.(type) {
		case []ir.Record:
			out := make([]ir.Record, 0, len(list)+1)
			replaced := false
			for _, r := range list {
				if hasID && !replaced && sameRow(r, id) {
					out = append(out, ir.CloneRecord(rec))
					replaced = true
					continue
				}
				out = append(out, r)
			}
			if !replaced {
				out = append(out, ir.CloneRecord(rec))
			}
			return out
		case []any:
			out := make([]any, 0, len(list)+1)
			replaced := false
			for _, elem := range list {
				if r, ok := elem.(map[string]any); ok && hasID && !replaced && sameRow(r, id) {
					out = append(out, ir.CloneRecord(rec))
					replaced = true
					continue
				}
				out = append(out, elem)
			}
			if !replaced {
				out = append(out, ir.CloneRecord(rec))
			}
			return out
		default:
			return current
		}
	}
}

// UpdatePatch returns a patch that merges fields into the row with the same
// id. In list values a row that no longer satisfies match is removed; a
// single-record value with the same id is merged unconditionally. Updates
// without an id are a no-op.
func UpdatePatch(fields ir.Record, match Match) PatchFunc {
	fields = ir.CloneRecord(fields)
	id, hasID := ir.IDOf(fields)
	return func(current any) any {
		if !hasID {
			return current
		}
		switch v := current.(type) {
		case []ir.Record:
			idx := indexOfRow(len(v), func(i int) ir.Record { return v[i] }, id)
			if idx < 0 {
				return current
			}
			merged := ir.MergeRecord(v[idx], fields)
			out := make([]ir.Record, 0, len(v))
			out = append(out, v[:idx]...)
			if match.accepts(merged) {
				out = append(out, merged)
			}
			return append(out, v[idx+1:]...)
		case []any:
			idx := indexOfRow(len(v), func(i int) ir.Record {
				r, _ := v[i].(map[string]any)
				return r
			}, id)
			if idx < 0 {
				return current
			}
			merged := ir.MergeRecord(v[idx].(map[string]any), fields)
			out := make([]any, 0, len(v))
			out = append(out, v[:idx]...)
			if match.accepts(merged) {
				out = append(out, merged)
			}
			return append(out, v[idx+1:]...)
		case map[string]any:
			if sameRow(v, id) {
				return ir.MergeRecord(v, fields)
			}
			return current
		default:
			return current
		}
	}
}

// DeletePatch returns a patch that removes the row with the same id from
// list values.
func DeletePatch(id any) PatchFunc {
	return func(current any) any {
		switch v := current.(type) {
		case []ir.Record:
			idx := indexOfRow(len(v), func(i int) ir.Record { return v[i] }, id)
			if idx < 0 {
				return current
			}
			out := make([]ir.Record, 0, len(v)-1)
			out = append(out, v[:idx]...)
			return append(out, v[idx+1:]...)
		case []any:
			idx := indexOfRow(len(v), func(i int) ir.Record {
				r, _ := v[i].(map[string]any)
				return r
			}, id)
			if idx < 0 {
				return current
			}
			out := make([]any, 0, len(v)-1)
			out = append(out, v[:idx]...)
			return append(out, v[idx+1:]...)
		default:
			return current
		}
	}
}

func sameRow(r ir.Record, id any) bool {
	rid, ok := ir.IDOf(r)
	return ok && ir.SameID(rid, id)
}

func indexOfRow(n int, at func(int) ir.Record, id any) int {
	for i := 0; i < n; i++ {
		if r := at(i); r != nil && sameRow(r, id) {
			return i
		}
	}
	return -1
}
