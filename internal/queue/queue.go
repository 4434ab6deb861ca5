// Package queue sequences writes that have not been confirmed by the
// transport yet.
//
// The queue is the single write path: online writes and writes accepted
// while offline go through the same FIFO, so a write can never overtake one
// submitted before it. DrainInOrder processes the queue strictly
// sequentially with at most one transport call in flight.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/livesync/internal/ir"
)

// ErrClosed is returned when enqueueing to a closed queue.
var ErrClosed = errors.New("mutation queue closed")

// ErrNotFound is returned by Wait for an unknown mutation ID.
var ErrNotFound = errors.New("mutation not found")

// DefaultHistorySize bounds how many settled mutations are kept for audit.
const DefaultHistorySize = 256

// Policy controls what a drain does after a rejected mutation.
type Policy int

const (
	// ContinueOnFailure marks the mutation failed and moves on.
	ContinueOnFailure Policy = iota
	// StopOnFailure marks the mutation failed and halts the drain.
	StopOnFailure
)

func (p Policy) String() string {
	switch p {
	case ContinueOnFailure:
		return "continue"
	case StopOnFailure:
		return "stop"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "continue" or "stop".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "continue":
		return ContinueOnFailure, nil
	case "stop":
		return StopOnFailure, nil
	default:
		return 0, fmt.Errorf("unknown drain policy %q (want continue or stop)", s)
	}
}

// Handler delivers one mutation to the transport.
//
// Returning an error that wraps ir.ErrUnavailable means the mutation was not
// delivered: it stays at the head of the queue and the drain stops. Any
// other error is a rejection.
type Handler func(ctx context.Context, m ir.Mutation) error

// RejectedError reports the mutation that halted a StopOnFailure drain.
type RejectedError struct {
	MutationID string
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutation %s rejected: %v", e.MutationID, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

type item struct {
	m    ir.Mutation
	done chan struct{}
}

// Queue is a thread-safe FIFO of pending mutations.
type Queue struct {
	mu          sync.Mutex
	items       []*item
	index       map[string]*item
	history     []ir.Mutation
	historySize int
	policy      Policy
	onSettle    func(ir.Mutation)
	draining    bool
	closed      bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the drain failure policy.
func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithHistorySize bounds the settled-mutation history. Values below 1 keep
// no history.
func WithHistorySize(n int) Option {
	return func(q *Queue) { q.historySize = n }
}

// WithOnSettle registers fn to run after each mutation settles, outside
// the queue lock and before the drain moves on.
func WithOnSettle(fn func(ir.Mutation)) Option {
	return func(q *Queue) { q.onSettle = fn }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		items:       make([]*item, 0, 16),
		index:       make(map[string]*item),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends m in submission order.
func (q *Queue) Enqueue(m ir.Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if m.ID == "" {
		return fmt.Errorf("enqueue: mutation ID is required")
	}
	if _, dup := q.index[m.ID]; dup {
		return fmt.Errorf("enqueue: duplicate mutation ID %s", m.ID)
	}

	it := &item{m: m.Clone(), done: make(chan struct{})}
	q.items = append(q.items, it)
	q.index[m.ID] = it
	return nil
}

// DrainInOrder delivers queued mutations to handler one at a time, in
// submission order, until the queue is empty, the handler reports
// ir.ErrUnavailable, ctx is cancelled, or (under StopOnFailure) a mutation is
// rejected.
//
// Only one drain runs at a time. A call made while another drain is active
// returns nil immediately; the active drain picks up anything enqueued
// before it observes an empty queue.
func (q *Queue) DrainInOrder(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	// draining is cleared under the same lock that observes the stop
	// condition, so a concurrent Enqueue is either seen here or starts its
	// own drain.
	for {
		q.mu.Lock()
		if err := ctx.Err(); err != nil || len(q.items) == 0 || q.closed {
			q.draining = false
			q.mu.Unlock()
			return err
		}
		head := q.items[0]
		m := head.m.Clone()
		q.mu.Unlock()

		err := handler(ctx, m)

		q.mu.Lock()
		if errors.Is(err, ir.ErrUnavailable) {
			q.draining = false
			q.mu.Unlock()
			return err
		}
		if err != nil {
			head.m.Status = ir.StatusFailed
			head.m.Error = err.Error()
		} else {
			head.m.Status = ir.StatusSynced
			head.m.Error = ""
		}
		q.settleHead()
		settled := head.m.Clone()
		stop := err != nil && q.policy == StopOnFailure
		if stop {
			q.draining = false
		}
		q.mu.Unlock()

		if q.onSettle != nil {
			q.onSettle(settled)
		}
		if stop {
			return &RejectedError{MutationID: m.ID, Err: err}
		}
	}
}

// settleHead moves the head item to history and wakes its waiters.
// Caller must hold q.mu.
func (q *Queue) settleHead() {
	head := q.items[0]
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	delete(q.index, head.m.ID)

	if q.historySize > 0 {
		q.history = append(q.history, head.m)
		if over := len(q.history) - q.historySize; over > 0 {
			q.history = append(q.history[:0:0], q.history[over:]...)
		}
	}
	close(head.done)
}

// Done returns a channel closed when mutation id settles. The second result
// is false if id is neither queued nor in history.
func (q *Queue) Done(id string) (<-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.index[id]; ok {
		return it.done, true
	}
	if _, ok := q.historyLocked(id); ok {
		ch := make(chan struct{})
		close(ch)
		return ch, true
	}
	return nil, false
}

// Wait blocks until mutation id settles and returns its final state.
func (q *Queue) Wait(ctx context.Context, id string) (ir.Mutation, error) {
	done, ok := q.Done(id)
	if !ok {
		return ir.Mutation{}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return ir.Mutation{}, ctx.Err()
	case <-done:
	}
	m, ok := q.Get(id)
	if !ok {
		// Settled and already pushed out of a tiny history.
		return ir.Mutation{}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// Get returns a copy of the mutation, queued or settled.
func (q *Queue) Get(id string) (ir.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.index[id]; ok {
		return it.m.Clone(), true
	}
	return q.historyLocked(id)
}

func (q *Queue) historyLocked(id string) (ir.Mutation, bool) {
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i].Clone(), true
		}
	}
	return ir.Mutation{}, false
}

// Pending returns copies of the queued mutations in submission order.
func (q *Queue) Pending() []ir.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ir.Mutation, len(q.items))
	for i, it := range q.items {
		out[i] = it.m.Clone()
	}
	return out
}

// History returns settled mutations, oldest first.
func (q *Queue) History() []ir.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ir.Mutation, len(q.history))
	for i, m := range q.history {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of unsettled mutations, including one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and stops any drain before its next item.
// Queued mutations are kept and still visible through Pending.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
