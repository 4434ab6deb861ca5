package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/livesync/internal/ir"
)

var (
	// ErrDuplicate rejects a create whose id already exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrNotFound rejects an update or delete of a missing record.
	ErrNotFound = errors.New("record not found")
)

// Mutate implements the engine's mutation handler.
//
// Create stores the payload, generating an id when it has none, and returns
// the stored record. Update merges the payload into the stored record and
// returns the result. Delete removes the record and returns nil.
//
// Writes are idempotent per mutation ID: replaying an applied mutation
// returns its original result without touching the records again. The
// write and its idempotency entry commit in one transaction.
func (s *Store) Mutate(ctx context.Context, m ir.Mutation) (ir.Record, error) {
	if !ir.ValidKinds[m.Kind] {
		return nil, fmt.Errorf("mutate %s: unknown kind %q", m.ID, m.Kind)
	}
	if m.ID == "" || m.Table == "" {
		return nil, fmt.Errorf("mutate: mutation id and table are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: begin tx: %w", m.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	prev, applied, err := s.appliedResult(ctx, tx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", m.ID, err)
	}
	if applied {
		s.logger.Debug("mutation already applied, returning stored result", "mutation", m.ID)
		return prev, nil
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM applied_mutations
	`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("mutate %s: next seq: %w", m.ID, err)
	}

	rec, key, err := s.apply(ctx, tx, m, seq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", m.Kind, m.Table, err)
	}

	var result sql.NullString
	if rec != nil {
		data, err := marshalRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("mutate %s: %w", m.ID, err)
		}
		result = sql.NullString{String: data, Valid: true}
		// Hand back what a later read returns, with numbers normalized.
		if rec, err = unmarshalRecord(data); err != nil {
			return nil, fmt.Errorf("mutate %s: %w", m.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (id, kind, tbl, record_id, result, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Kind), m.Table, key, result, seq); err != nil {
		return nil, fmt.Errorf("mutate %s: record applied: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mutate %s: commit: %w", m.ID, err)
	}

	s.logger.Debug("mutation applied",
		"mutation", m.ID,
		"kind", m.Kind,
		"table", m.Table,
		"record", key,
		"seq", seq)
	return rec, nil
}

// apply performs the write inside tx and returns the resulting record (nil
// for delete) and its storage key.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, m ir.Mutation, seq int64) (ir.Record, string, error) {
	rec := ir.CloneRecord(m.Payload)
	if rec == nil {
		rec = ir.Record{}
	}
	if m.Kind == ir.KindCreate {
		if _, ok := ir.IDOf(rec); !ok {
			rec[ir.IDField] = s.newID()
		}
	}

	key, ok, err := recordID(rec)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("payload has no %q field", ir.IDField)
	}

	existing, err := s.getRecord(ctx, tx, m.Table, key)
	if err != nil {
		return nil, "", err
	}

	switch m.Kind {
	case ir.KindCreate:
		if existing != nil {
			return nil, "", fmt.Errorf("id %s: %w", key, ErrDuplicate)
		}
		if err := s.putRecord(ctx, tx, m.Table, key, rec, seq); err != nil {
			return nil, "", err
		}
		return rec, key, nil

	case ir.KindUpdate:
		if existing == nil {
			return nil, "", fmt.Errorf("id %s: %w", key, ErrNotFound)
		}
		merged := ir.MergeRecord(existing, rec)
		if err := s.putRecord(ctx, tx, m.Table, key, merged, seq); err != nil {
			return nil, "", err
		}
		return merged, key, nil

	default:
		if existing == nil {
			return nil, "", fmt.Errorf("id %s: %w", key, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE tbl = ? AND id = ?
		`, m.Table, key); err != nil {
			return nil, "", fmt.Errorf("delete record: %w", err)
		}
		return nil, key, nil
	}
}

// putRecord inserts or replaces the record stored under (table, id).
// Replacing keeps the original seq so updates do not reorder results.
func (s *Store) putRecord(ctx context.Context, tx *sql.Tx, table, id string, rec ir.Record, seq int64) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET data = excluded.data
	`, table, id, data, seq)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// appliedResult looks up a previously applied mutation.
func (s *Store) appliedResult(ctx context.Context, q querier, id string) (ir.Record, bool, error) {
	var result sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT result FROM applied_mutations WHERE id = ?
	`, id).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check applied: %w", err)
	}
	if !result.Valid {
		return nil, true, nil
	}
	rec, err := unmarshalRecord(result.String)
	if err != nil {
		return nil, true, err
	}
	return rec, true, nil
}

// Seed inserts records into table as if each had been created by a
// mutation. Records without an id get a generated one. Used to prepare
// scenario fixtures.
func (s *Store) Seed(ctx context.Context, table string, records ...ir.Record) error {
	for i, rec := range records {
		m := ir.Mutation{
			ID:      "seed:" + uuid.NewString(),
			Kind:    ir.KindCreate,
			Table:   table,
			Payload: rec,
		}
		if _, err := s.Mutate(ctx, m); err != nil {
			return fmt.Errorf("seed %s record %d: %w", table, i, err)
		}
	}
	return nil
}
