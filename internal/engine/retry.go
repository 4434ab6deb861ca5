package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/livesync/internal/ir"
)

// RetryPolicy controls how failed refreshes are retried.
type RetryPolicy struct {
	// Attempts is the total number of query handler calls, including the
	// first. Values below 1 mean a single attempt.
	Attempts int

	// BaseDelay is the wait before the second attempt; it doubles for each
	// further attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used unless WithRetry is given.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 50 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

// Delay returns the wait before attempt n (n >= 1 is the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// fetch calls the query handler, retrying with exponential backoff.
// ir.ErrUnavailable and context errors are not retried.
func (e *Engine) fetch(ctx context.Context, query string, params map[string]any) (any, error) {
	attempts := max(e.retry.Attempts, 1)

	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			timer := time.NewTimer(e.retry.Delay(n))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		value, err := e.query(ctx, query, params)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if errors.Is(err, ir.ErrUnavailable) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("query attempt failed",
			"query", query,
			"attempt", n+1,
			"of", attempts,
			"error", err)
	}
	return nil, lastErr
}
