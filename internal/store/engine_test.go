package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/engine"
	"github.com/roach88/livesync/internal/ir"
)

// The store plugs straight into the engine as its transport.
func TestStore_AsEngineTransport(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "todos", ir.Record{"id": 1, "text": "seeded"}))

	e := engine.New(s.Query, s.Mutate,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithIDGenerator(engine.NewSequentialGenerator("m")),
		engine.WithConnected(false))
	defer e.Close()

	var last engine.Snapshot
	_, err := e.Subscribe("todos.list", nil, func(snap engine.Snapshot) { last = snap })
	require.NoError(t, err)

	_, err = e.Mutate(ctx, ir.KindCreate, "todos", ir.Record{"text": "offline"})
	require.NoError(t, err)
	_, err = e.Mutate(ctx, ir.KindCreate, "todos", ir.Record{"id": 1})
	require.NoError(t, err, "queued while offline")

	e.OnOnline()
	e.Wait()

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, []ir.Record{
		{"id": int64(1), "text": "seeded"},
		{"id": "gen-1", "text": "offline"},
	}, last.Value)

	m, ok := e.Mutation("m-2")
	require.True(t, ok)
	assert.Equal(t, ir.StatusFailed, m.Status, "duplicate create is rejected on replay")

	applied, err := s.HasApplied(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, applied)
}
