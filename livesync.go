// Package livesync is a client-side reactive synchronization engine.
//
// It keeps the last known result of every subscribed query, applies writes
// optimistically before the backend confirms them, rolls them back when
// the backend rejects them, and queues writes made offline for in-order
// replay on reconnect.
//
// The engine talks to a backend only through two handlers:
//
//	e := livesync.New(
//		func(ctx context.Context, query string, params map[string]any) (any, error) { ... },
//		func(ctx context.Context, m livesync.Mutation) (livesync.Record, error) { ... },
//		livesync.WithLogger(logger),
//	)
//	unsub, err := e.Subscribe("todos.list", nil, func(s livesync.Snapshot) { render(s.Value) })
//	id, err := e.Mutate(ctx, livesync.KindCreate, "todos", livesync.Record{"text": "milk"})
//
// Handlers return ErrUnavailable when the backend cannot be reached; any
// other error is a rejection.
package livesync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/livesync/internal/catalog"
	"github.com/roach88/livesync/internal/connectivity"
	"github.com/roach88/livesync/internal/engine"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/queue"
)

type (
	Engine          = engine.Engine
	Option          = engine.EngineOption
	QueryHandler    = engine.QueryHandler
	MutationHandler = engine.MutationHandler
	Snapshot        = engine.Snapshot
	Callback        = engine.Callback
	Unsubscribe     = engine.Unsubscribe
	Event           = engine.Event
	EventType       = engine.EventType
	SyncError       = engine.SyncError
	RetryPolicy     = engine.RetryPolicy
	IDGenerator     = engine.IDGenerator
	DrainPolicy     = queue.Policy

	Record   = ir.Record
	Mutation = ir.Mutation
	Kind     = ir.Kind
	Status   = ir.Status
	QueryKey = ir.QueryKey

	Catalog = catalog.Catalog
	Query   = catalog.Query

	ConnectivitySource = connectivity.Source
	ProbeFunc          = connectivity.ProbeFunc
)

const (
	KindCreate = ir.KindCreate
	KindUpdate = ir.KindUpdate
	KindDelete = ir.KindDelete

	StatusPending = ir.StatusPending
	StatusApplied = ir.StatusApplied
	StatusSynced  = ir.StatusSynced
	StatusFailed  = ir.StatusFailed

	EventQueued        = engine.EventQueued
	EventSynced        = engine.EventSynced
	EventRejected      = engine.EventRejected
	EventQueryFailed   = engine.EventQueryFailed
	EventCallbackError = engine.EventCallbackError
	EventOnline        = engine.EventOnline
	EventOffline       = engine.EventOffline

	ContinueOnFailure = queue.ContinueOnFailure
	StopOnFailure     = queue.StopOnFailure
)

var (
	ErrUnavailable = ir.ErrUnavailable
	ErrOffline     = engine.ErrOffline
	ErrClosed      = engine.ErrClosed

	IsQueryFailed      = engine.IsQueryFailed
	IsMutationRejected = engine.IsMutationRejected
	IsCallbackError    = engine.IsCallbackError

	WithLogger             = engine.WithLogger
	WithCatalog            = engine.WithCatalog
	WithDrainPolicy        = engine.WithDrainPolicy
	WithIdleCapacity       = engine.WithIdleCapacity
	WithHistorySize        = engine.WithHistorySize
	WithRetry              = engine.WithRetry
	WithIDGenerator        = engine.WithIDGenerator
	WithNow                = engine.WithNow
	WithConnected          = engine.WithConnected
	WithRefreshConcurrency = engine.WithRefreshConcurrency

	LoadCatalog = catalog.Load
	NewCatalog  = catalog.New
	QueryKeyFor = ir.QueryKeyFor

	NewManualSource = connectivity.NewManual
	NewProber       = connectivity.NewProber
)

// New creates an Engine over the given handlers.
func New(query QueryHandler, mutation MutationHandler, opts ...Option) *Engine {
	return engine.New(query, mutation, opts...)
}

// Client is an Engine whose connectivity follows a ConnectivitySource.
type Client struct {
	*Engine

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewClient creates an Engine and starts forwarding src's transitions to
// it until Close. The engine starts offline and goes online as soon as src
// reports it.
func NewClient(query QueryHandler, mutation MutationHandler, src ConnectivitySource, opts ...Option) *Client {
	opts = append([]Option{WithConnected(false)}, opts...)
	e := engine.New(query, mutation, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{Engine: e, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		if err := connectivity.Watch(ctx, src, e, nil); err != nil {
			slog.Default().Error("connectivity watch stopped", "error", err)
			c.err = err
		}
	}()
	return c
}

// Close stops the connectivity watch and closes the engine. It returns the
// watch error, if the source failed, or the engine's Close error.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		if err := c.Engine.Close(); c.err == nil {
			c.err = err
		}
	})
	return c.err
}
