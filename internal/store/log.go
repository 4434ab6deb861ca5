package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/livesync/internal/ir"
)

// AppliedMutation is one entry of the idempotency log.
type AppliedMutation struct {
	ID       string  `json:"id"`
	Kind     ir.Kind `json:"kind"`
	Table    string  `json:"table"`
	RecordID string  `json:"record_id"`
	Seq      int64   `json:"seq"`
}

// AppliedMutations returns the idempotency log in apply order.
// Returns an empty slice (not nil) if nothing was applied.
func (s *Store) AppliedMutations(ctx context.Context) ([]AppliedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tbl, record_id, seq
		FROM applied_mutations
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query applied mutations: %w", err)
	}
	defer rows.Close()

	out := []AppliedMutation{}
	for rows.Next() {
		am, err := scanApplied(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied mutations: %w", err)
	}
	return out, nil
}

// HasApplied reports whether mutation id has been applied.
func (s *Store) HasApplied(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.appliedResult(ctx, s.db, id)
	return ok, err
}

func scanApplied(rows *sql.Rows) (AppliedMutation, error) {
	var am AppliedMutation
	var kind string
	if err := rows.Scan(&am.ID, &kind, &am.Table, &am.RecordID, &am.Seq); err != nil {
		return am, fmt.Errorf("scan applied mutation: %w", err)
	}
	am.Kind = ir.Kind(kind)
	return am, nil
}
