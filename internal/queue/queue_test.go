package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/ir"
)

func mut(id string) ir.Mutation {
	return ir.Mutation{
		ID:      id,
		Kind:    ir.KindCreate,
		Table:   "todos",
		Payload: ir.Record{"text": id},
		Status:  ir.StatusApplied,
	}
}

func ids(ms []ir.Mutation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestQueue_EnqueuePreservesOrder(t *testing.T) {
	q := New()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Enqueue(mut(id)))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(q.Pending()))
}

func TestQueue_EnqueueRejectsBadInput(t *testing.T) {
	q := New()
	assert.Error(t, q.Enqueue(ir.Mutation{}))
	require.NoError(t, q.Enqueue(mut("m1")))
	assert.Error(t, q.Enqueue(mut("m1")))

	q.Close()
	assert.ErrorIs(t, q.Enqueue(mut("m2")), ErrClosed)
	assert.Equal(t, 1, q.Len(), "closing keeps queued mutations")
}

func TestQueue_EnqueueCopiesPayload(t *testing.T) {
	q := New()
	m := mut("m1")
	require.NoError(t, q.Enqueue(m))
	m.Payload["text"] = "changed"

	got, ok := q.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", got.Payload["text"])
}

func TestQueue_DrainInOrderIsSequential(t *testing.T) {
	q := New()
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(mut(fmt.Sprintf("m%d", i))))
	}

	var (
		mu       sync.Mutex
		inFlight int
		seen     []string
	)
	err := q.DrainInOrder(context.Background(), func(ctx context.Context, m ir.Mutation) error {
		mu.Lock()
		inFlight++
		assert.Equal(t, 1, inFlight, "never more than one call in flight")
		seen = append(seen, m.ID)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, seen)
	assert.Equal(t, 0, q.Len())

	for _, m := range q.History() {
		assert.Equal(t, ir.StatusSynced, m.Status)
	}
}

func TestQueue_ContinueOnFailure(t *testing.T) {
	q := New()
	for _, id := range []string{"m1", "bad", "m3"} {
		require.NoError(t, q.Enqueue(mut(id)))
	}

	var seen []string
	err := q.DrainInOrder(context.Background(), func(ctx context.Context, m ir.Mutation) error {
		seen = append(seen, m.ID)
		if m.ID == "bad" {
			return errors.New("conflict")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "bad", "m3"}, seen)

	bad, ok := q.Get("bad")
	require.True(t, ok)
	assert.Equal(t, ir.StatusFailed, bad.Status)
	assert.Equal(t, "conflict", bad.Error)

	m3, _ := q.Get("m3")
	assert.Equal(t, ir.StatusSynced, m3.Status)
}

func TestQueue_StopOnFailure(t *testing.T) {
	q := New(WithPolicy(StopOnFailure))
	for _, id := range []string{"m1", "bad", "m3"} {
		require.NoError(t, q.Enqueue(mut(id)))
	}

	var seen []string
	err := q.DrainInOrder(context.Background(), func(ctx context.Context, m ir.Mutation) error {
		seen = append(seen, m.ID)
		if m.ID == "bad" {
			return errors.New("conflict")
		}
		return nil
	})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "bad", rejected.MutationID)
	assert.Equal(t, []string{"m1", "bad"}, seen)
	assert.Equal(t, []string{"m3"}, ids(q.Pending()))

	bad, _ := q.Get("bad")
	assert.Equal(t, ir.StatusFailed, bad.Status)
}

func TestQueue_UnavailableKeepsHead(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(mut("m1")))
	require.NoError(t, q.Enqueue(mut("m2")))

	err := q.DrainInOrder(context.Background(), func(ctx context.Context, m ir.Mutation) error {
		return fmt.Errorf("dial: %w", ir.ErrUnavailable)
	})
	require.ErrorIs(t, err, ir.ErrUnavailable)
	assert.Equal(t, []string{"m1", "m2"}, ids(q.Pending()))

	m1, _ := q.Get("m1")
	assert.Equal(t, ir.StatusApplied, m1.Status)

	// A later drain resumes from the same head.
	var seen []string
	err = q.DrainInOrder(context.Background(), func(ctx context.Context, m ir.Mutation) error {
		seen = append(seen, m.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, seen)
}

func TestQueue_DrainRespectsContext(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(mut("m1")))
	require.NoError(t, q.Enqueue(mut("m2")))

	ctx, cancel := context.WithCancel(context.Background())
	err := q.DrainInOrder(ctx, func(ctx context.Context, m ir.Mutation) error {
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"m2"}, ids(q.Pending()))
}

func TestQueue_SingleDrainAtATime(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(mut("m1")))

	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	handler := func(ctx context.Context, m ir.Mutation) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if m.ID == "m1" {
			close(started)
			<-release
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.DrainInOrder(context.Background(), handler) }()
	<-started

	// Enqueued while the first drain is busy: the second call returns at
	// once and the active drain delivers m2.
	require.NoError(t, q.Enqueue(mut("m2")))
	require.NoError(t, q.DrainInOrder(context.Background(), handler))

	close(release)
	require.NoError(t, <-errCh)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"m1", "m2"}, ids(q.History()))
}

func TestQueue_WaitReturnsFinalState(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(mut("m1")))

	got := make(chan ir.Mutation, 1)
	go func() {
		m, err := q.Wait(context.Background(), "m1")
		assert.NoError(t, err)
		got <- m
	}()

	require.NoError(t, q.DrainInOrder(context.Background(), func(context.Context, ir.Mutation) error {
		return nil
	}))

	select {
	case m := <-got:
		assert.Equal(t, ir.StatusSynced, m.Status)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}

	// Waiting on a settled mutation returns immediately.
	m, err := q.Wait(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSynced, m.Status)

	_, err = q.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_WaitHonoursContext(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(mut("m1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Wait(ctx, "m1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_HistoryIsBounded(t *testing.T) {
	q := New(WithHistorySize(2))
	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(mut(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, q.DrainInOrder(context.Background(), func(context.Context, ir.Mutation) error {
		return nil
	}))

	assert.Equal(t, []string{"m3", "m4"}, ids(q.History()))
	_, ok := q.Get("m1")
	assert.False(t, ok)
}

func TestQueue_OnSettle(t *testing.T) {
	var settled []ir.Mutation
	q := New(WithOnSettle(func(m ir.Mutation) {
		settled = append(settled, m)
	}))
	require.NoError(t, q.Enqueue(mut("ok")))
	require.NoError(t, q.Enqueue(mut("bad")))

	require.NoError(t, q.DrainInOrder(context.Background(), func(_ context.Context, m ir.Mutation) error {
		if m.ID == "bad" {
			return errors.New("nope")
		}
		return nil
	}))

	require.Len(t, settled, 2)
	assert.Equal(t, ir.StatusSynced, settled[0].Status)
	assert.Equal(t, ir.StatusFailed, settled[1].Status)
	assert.Equal(t, "nope", settled[1].Error)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ContinueOnFailure, p)

	p, err = ParsePolicy("stop")
	require.NoError(t, err)
	assert.Equal(t, StopOnFailure, p)
	assert.Equal(t, "stop", p.String())

	_, err = ParsePolicy("retry")
	assert.Error(t, err)
}
