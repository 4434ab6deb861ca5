package store

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/livesync/internal/ir"
)

// createTestStore creates a new store in a temp directory. Generated record
// ids are "gen-1", "gen-2", ... in creation order.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	n := 0
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDFunc(func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		}),
	}
	s, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a mutation with minimal required fields.
func createTestMutation(id string, kind ir.Kind, table string, payload ir.Record) ir.Mutation {
	return ir.Mutation{
		ID:      id,
		Kind:    kind,
		Table:   table,
		Payload: payload,
		Status:  ir.StatusApplied,
	}
}

// getTableIndexes returns the names of every index on table.
func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		t.Fatalf("index_list(%s) failed: %v", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			t.Fatalf("scan index_list: %v", err)
		}
		names = append(names, name)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
