package engine

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, tr *testutil.Transport, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithLogger(discardLogger()),
		WithIDGenerator(NewSequentialGenerator("m")),
		WithRetry(RetryPolicy{Attempts: 1}),
		WithNow(testutil.NewStepClock(0).Now),
	}
	e := New(tr.Query, tr.Mutate, append(base, opts...)...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// collector records every snapshot a subscriber receives.
type collector struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *collector) cb(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *collector) values() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.snaps))
	for i, s := range c.snaps {
		out[i] = s.Value
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

// eventLog records engine events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func listen(e *Engine) *eventLog {
	l := &eventLog{}
	e.Listen(func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	})
	return l
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func rows(rs ...ir.Record) []ir.Record {
	if rs == nil {
		return []ir.Record{}
	}
	return rs
}
