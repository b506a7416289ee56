// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds the retries.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Default is five attempts starting at 500ms and doubling.
var Default = Policy{Attempts: 5, Backoff: 500 * time.Millisecond}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Execute returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute calls fn until it succeeds, the attempts run out or ctx ends. It
// returns the last error.
func Execute(ctx context.Context, p Policy, logger *slog.Logger, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	backoff := p.Backoff

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.Attempts {
			break
		}
		if logger != nil {
			logger.Debug("send failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}
