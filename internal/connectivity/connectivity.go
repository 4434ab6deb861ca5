// Package connectivity turns connectivity signals into engine transitions.
//
// The engine never detects connectivity itself. A Source reports the
// current state and every change; Watch forwards changes to a Target such
// as *engine.Engine.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Target receives connectivity transitions. *engine.Engine implements it.
type Target interface {
	OnOnline()
	OnOffline()
	IsConnected() bool
}

// Source reports connectivity. Run calls fn with the current state, then
// with every change (or, for polling sources, every poll), until ctx is
// done. fn is never called concurrently.
type Source interface {
	Run(ctx context.Context, fn func(online bool)) error
}

// Watch forwards src's reports to target until ctx is done. The first
// report is always forwarded; later ones only when they disagree with the
// target, so a target that took itself offline is brought back by the next
// report that the network is up. Returns nil when ctx is cancelled.
func Watch(ctx context.Context, src Source, target Target, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	first := true
	err := src.Run(ctx, func(online bool) {
		if !first && target.IsConnected() == online {
			return
		}
		first = false
		logger.Debug("connectivity changed", "online", online)
		if online {
			target.OnOnline()
		} else {
			target.OnOffline()
		}
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Manual is a Source switched by hand, for tests, CLIs and hosts that
// already know their connectivity.
//
// Thread-safety: All methods are safe for concurrent use.
type Manual struct {
	mu       sync.Mutex
	online   bool
	watchers map[chan bool]struct{}
}

// NewManual creates a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, watchers: make(map[chan bool]struct{})}
}

// Set changes the state and wakes every running watcher.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	for ch := range m.watchers {
		// Keep only the latest state.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Online returns the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run implements Source.
func (m *Manual) Run(ctx context.Context, fn func(online bool)) error {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	current := m.online
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}()

	fn(current)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-ch:
			fn(online)
		}
	}
}

// ProbeFunc checks reachability. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// Prober is a Source that polls a ProbeFunc.
type Prober struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	// failures consecutive failed probes before reporting offline.
	failures int
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTimeout bounds each probe. Default: the poll interval.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFailureThreshold sets how many consecutive failed probes are needed
// before reporting offline. Default: 1.
func WithFailureThreshold(n int) ProberOption {
	return func(p *Prober) {
		if n > 0 {
			p.failures = n
		}
	}
}

// WithProbeLogger sets the logger. Default: slog.Default().
func WithProbeLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber creates a Prober that runs probe every interval.
func NewProber(probe ProbeFunc, interval time.Duration, opts ...ProberOption) *Prober {
	if probe == nil {
		panic("connectivity: probe is required")
	}
	if interval <= 0 {
		panic("connectivity: interval must be positive")
	}
	p := &Prober{
		probe:    probe,
		interval: interval,
		timeout:  interval,
		failures: 1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run implements Source. The first probe runs immediately.
func (p *Prober) Run(ctx context.Context, fn func(online bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failed := 0
	for {
		if err := p.check(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			p.logger.Debug("connectivity probe failed", "consecutive", failed, "error", err)
			if failed >= p.failures {
				fn(false)
			}
		} else {
			failed = 0
			fn(true)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.probe(ctx)
}
