package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livesync/internal/ir"
)

// Reserved query params. Every other param is an equality filter on the
// record field of the same name.
const (
	ParamID    = "id"
	ParamLimit = "limit"
)

// Query implements the engine's query handler.
//
// The query's table comes from the catalog, or from the query name up to
// the first ".". With an id param the result is that single record (nil
// when absent); otherwise it is the table's records, filtered and limited,
// in write order. An empty result is an empty slice, never nil.
func (s *Store) Query(ctx context.Context, query string, params map[string]any) (any, error) {
	table := s.catalog.TableOf(query)
	if table == "" {
		return nil, fmt.Errorf("query %q: no table", query)
	}

	if id, ok := params[ParamID]; ok {
		rec, err := s.readOne(ctx, table, id)
		if err != nil || rec == nil {
			return nil, err
		}
		return rec, nil
	}

	limit := -1
	if v, ok := params[ParamLimit]; ok {
		n, ok := intParam(v)
		if !ok || n < 0 {
			return nil, fmt.Errorf("query %q: limit must be a non-negative integer, got %v", query, v)
		}
		limit = n
	}

	rows, err := s.ReadTable(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}

	out := make([]ir.Record, 0, len(rows))
	for _, rec := range rows {
		if limit >= 0 && len(out) == limit {
			break
		}
		if matchesParams(rec, params) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesParams(rec ir.Record, params map[string]any) bool {
	for _, k := range ir.SortedKeys(params) {
		if k == ParamLimit || k == ParamID {
			continue
		}
		got, ok := rec[k]
		if !ok || !ir.SameValue(got, params[k]) {
			return false
		}
	}
	return true
}

func (s *Store) readOne(ctx context.Context, table string, id any) (ir.Record, error) {
	key, err := ir.IDString(id)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	rec, err := s.getRecord(ctx, s.db, table, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return rec, nil
}

// querier is the subset of *sql.DB and *sql.Tx used by reads.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getRecord returns the record stored under (table, id), or nil.
func (s *Store) getRecord(ctx context.Context, q querier, table, id string) (ir.Record, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT data FROM records WHERE tbl = ? AND id = ?
	`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return unmarshalRecord(data)
}

// ReadTable returns every record of table.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the table has no records.
func (s *Store) ReadTable(ctx context.Context, table string) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM records
		WHERE tbl = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, table)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []ir.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Tables returns the names of every table holding at least one record,
// sorted.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tbl FROM records ORDER BY tbl COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return out, nil
}
