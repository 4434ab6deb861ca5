package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/livesync/internal/catalog"
	"github.com/roach88/livesync/internal/queue"
)

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCatalog narrows which cached queries a write touches. Without a
// catalog every cached query of the written table is affected.
func WithCatalog(c *catalog.Catalog) EngineOption {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithDrainPolicy sets what a drain does after a rejected write.
// Default: queue.ContinueOnFailure.
func WithDrainPolicy(p queue.Policy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithIdleCapacity bounds the number of zero-subscriber cache entries kept
// warm. 0 (the default) never evicts.
func WithIdleCapacity(n int) EngineOption {
	return func(e *Engine) {
		e.idleCapacity = n
	}
}

// WithHistorySize bounds how many settled mutations Mutation(id) can still
// find. Default: queue.DefaultHistorySize.
func WithHistorySize(n int) EngineOption {
	return func(e *Engine) {
		e.historySize = n
	}
}

// WithRetry sets the refresh retry policy.
func WithRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithIDGenerator sets the mutation ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithNow sets the wall clock used for timestamps (never for ordering).
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithConnected sets the initial connectivity state. Default: online.
func WithConnected(online bool) EngineOption {
	return func(e *Engine) {
		e.online = online
	}
}

// WithRefreshConcurrency bounds how many refreshes run at once when
// reconciling subscriptions after reconnect. Default: 4.
func WithRefreshConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.fanout = n
		}
	}
}
