package harness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/catalog"
	"github.com/roach88/livesync/internal/config"
	"github.com/roach88/livesync/internal/engine"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/queue"
	"github.com/roach88/livesync/internal/store"
	"github.com/roach88/livesync/internal/testutil"
)

// Options configures a scenario run.
type Options struct {
	// DBPath is the backend database. Defaults to a fresh in-memory database.
	// A file database should be empty: scenarios reuse mutation IDs, and the
	// backend treats a known ID as already applied.
	DBPath string

	// Logger receives engine and store logs. Defaults to discarding them.
	Logger *slog.Logger

	// Config supplies engine tuning and a fallback catalog. Settings that
	// would make the trace nondeterministic are overridden.
	Config *config.Config
}

// Harness executes one scenario against a real engine and store.
type Harness struct {
	engine *engine.Engine
	logger *slog.Logger

	mu     sync.Mutex
	step   int
	deliv  []TraceEvent
	events []TraceEvent

	subs map[string]engine.Unsubscribe
}

// Run executes a scenario in a fresh in-memory database.
func Run(scenario *Scenario) (*Result, error) {
	return RunWith(scenario, Options{})
}

// RunWith executes a scenario and returns the result.
//
// Execution flow:
//  1. Open the backend and load the catalog
//  2. Seed the backend
//  3. Build an engine with deterministic IDs, clock and fan-out
//  4. Run each step, waiting for background work after each one
//  5. Evaluate assertions and capture the final backend state
//
// An error is returned only when the scenario cannot be set up or a step
// fails in a way no expectation covers; failed expectations and assertions
// are reported in the Result.
func RunWith(scenario *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}

	catDir := scenario.Catalog
	if catDir == "" {
		catDir = cfg.Catalog
	}
	var cat *catalog.Catalog
	if catDir != "" {
		c, err := catalog.Load(catDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		cat = c
	}

	recordIDs := engine.NewSequentialGenerator("rec")
	st, err := store.Open(dbPath,
		store.WithCatalog(cat),
		store.WithLogger(logger),
		store.WithIDFunc(recordIDs.Generate),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, table := range ir.SortedKeys(scenario.Seed) {
		rows := make([]ir.Record, len(scenario.Seed[table]))
		for i, row := range scenario.Seed[table] {
			rows[i] = ir.Record(row)
		}
		if err := st.Seed(ctx, table, rows...); err != nil {
			return nil, fmt.Errorf("failed to seed: %w", err)
		}
	}

	engOpts := cfg.EngineOptions()
	if scenario.DrainPolicy != "" {
		policy, err := queue.ParsePolicy(scenario.DrainPolicy)
		if err != nil {
			return nil, err
		}
		engOpts = append(engOpts, engine.WithDrainPolicy(policy))
	}
	connected := scenario.Connected == nil || *scenario.Connected
	engOpts = append(engOpts,
		engine.WithLogger(logger),
		engine.WithCatalog(cat),
		engine.WithIDGenerator(engine.NewSequentialGenerator("m")),
		engine.WithNow(testutil.NewStepClock(time.Second).Now),
		engine.WithRefreshConcurrency(1),
		engine.WithConnected(connected),
	)

	h := &Harness{
		engine: engine.New(st.Query, st.Mutate, engOpts...),
		logger: logger,
		subs:   make(map[string]engine.Unsubscribe),
	}
	defer h.engine.Close()
	cancel := h.engine.Listen(h.onEvent)
	defer cancel()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action(), err)
		}
	}

	tables, err := st.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	for _, table := range tables {
		rows, err := st.ReadTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		result.State[table] = rows
	}

	actx := &AssertionContext{Engine: h.engine, Store: st, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// execute runs one step, waits for the engine to settle and appends the
// step, its deliveries and its events to the trace.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	h.mu.Lock()
	h.step = index
	h.mu.Unlock()

	ev := TraceEvent{Type: TypeStep, Step: index, Action: step.Action()}

	switch ev.Action {
	case ActionSubscribe:
		ev.Subscription = step.Subscribe
		ev.Query = step.Query
		alias := step.Subscribe
		unsub, err := h.engine.Subscribe(step.Query, step.Params, func(s engine.Snapshot) {
			h.record(TraceEvent{
				Type:         TypeDeliver,
				Subscription: alias,
				Query:        s.Query,
				Value:        s.Value,
				Optimistic:   s.Optimistic,
			})
		})
		if err != nil {
			return err
		}
		h.subs[alias] = unsub

	case ActionUnsubscribe:
		ev.Subscription = step.Unsubscribe
		unsub, ok := h.subs[step.Unsubscribe]
		if !ok {
			return fmt.Errorf("unknown subscription %q", step.Unsubscribe)
		}
		unsub()
		delete(h.subs, step.Unsubscribe)

	case ActionMutate:
		id, err := h.engine.Mutate(ctx, step.Mutate, step.Table, step.Data)
		if err != nil && !engine.IsMutationRejected(err) {
			return err
		}
		h.engine.Wait()
		ev.Mutation = id
		ev.Table = step.Table
		ev.Outcome = mutateOutcome(h.engine, id, err)

	case ActionRefresh:
		err := h.engine.Refresh(ctx, step.Refresh, step.Params)
		ev.Query = step.Refresh
		switch {
		case err == nil:
			ev.Outcome = OutcomeOK
		case errors.Is(err, engine.ErrOffline):
			ev.Outcome = OutcomeOffline
		case engine.IsQueryFailed(err):
			ev.Outcome = OutcomeFailed
		default:
			return err
		}

	case ActionConnectivity:
		ev.Outcome = step.Connectivity
		if step.Connectivity == "online" {
			h.engine.OnOnline()
		} else {
			h.engine.OnOffline()
		}

	case ActionClearCache:
		h.engine.ClearCache()

	default:
		return fmt.Errorf("exactly one action is required")
	}

	h.engine.Wait()

	if step.Expect != "" && step.Expect != ev.Outcome {
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s", index, ev.Action, step.Expect, ev.Outcome))
	}

	observed := h.flush()
	h.logger.Debug("step done",
		"step", index,
		"action", ev.Action,
		"outcome", ev.Outcome,
		"observed", len(observed))

	result.Trace = append(result.Trace, ev)
	result.Trace = append(result.Trace, observed...)
	return nil
}

// mutateOutcome classifies a settled Mutate call.
func mutateOutcome(e *engine.Engine, id string, err error) string {
	if engine.IsMutationRejected(err) {
		return OutcomeRejected
	}
	m, ok := e.Mutation(id)
	if !ok {
		return OutcomeQueued
	}
	switch m.Status {
	case ir.StatusSynced:
		return OutcomeSynced
	case ir.StatusFailed:
		return OutcomeRejected
	default:
		return OutcomeQueued
	}
}

func (h *Harness) onEvent(ev engine.Event) {
	te := TraceEvent{Type: TypeEvent, Action: string(ev.Type), Query: ev.Query}
	if ev.Mutation != nil {
		te.Mutation = ev.Mutation.ID
	}
	h.record(te)
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Step = h.step
	if ev.Type == TypeDeliver {
		h.deliv = append(h.deliv, ev)
	} else {
		h.events = append(h.events, ev)
	}
}

// flush returns what the current step produced: deliveries grouped by
// subscription in arrival order, then events in a stable order. Background
// work from one step may interleave, so only per-subscription order is
// meaningful for deliveries.
func (h *Harness) flush() []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	slices.SortStableFunc(h.deliv, func(a, b TraceEvent) int {
		return cmp.Compare(a.Subscription, b.Subscription)
	})
	slices.SortStableFunc(h.events, func(a, b TraceEvent) int {
		if c := cmp.Compare(a.Action, b.Action); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Mutation, b.Mutation); c != 0 {
			return c
		}
		return cmp.Compare(a.Query, b.Query)
	})

	out := make([]TraceEvent, 0, len(h.deliv)+len(h.events))
	out = append(out, h.deliv...)
	out = append(out, h.events...)
	h.deliv = nil
	h.events = nil
	return out
}
