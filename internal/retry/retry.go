package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Status classifies how a retried call ended.
type Status int

const (
	// StatusSucceeded means one attempt returned without error.
	StatusSucceeded Status = iota
	// StatusExhausted means every allowed attempt failed.
	StatusExhausted
	// StatusRejected means Allow refused before an attempt could run.
	StatusRejected
	// StatusCancelled means the context ended while waiting between attempts.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusExhausted:
		return "exhausted"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Policy parameterises Do.
type Policy struct {
	MaxAttempts int
	// Backoff returns the delay after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Allow is consulted before each attempt; a non-nil error stops the loop.
	Allow func() error
	// OnFailure observes each failed attempt.
	OnFailure func(attempt int, err error)
}

// Outcome is the typed result of Do.
type Outcome[T any] struct {
	Value    T
	Status   Status
	Attempts int
	Err      error
}

// OK reports whether the call succeeded.
func (o Outcome[T]) OK() bool {
	return o.Status == StatusSucceeded
}

// Error returns an error suitable for returning to callers, nil on success.
func (o Outcome[T]) Error() error {
	switch o.Status {
	case StatusSucceeded:
		return nil
	case StatusExhausted:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, o.Attempts, o.Err)
	default:
		return o.Err
	}
}

// Linear returns a backoff that grows as base * attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Do runs fn until it succeeds, attempts run out, Allow refuses, or ctx ends.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) Outcome[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out Outcome[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.Allow != nil {
			if err := p.Allow(); err != nil {
				out.Status = StatusRejected
				if out.Err != nil {
					out.Err = fmt.Errorf("%w (last attempt error: %v)", err, out.Err)
				} else {
					out.Err = err
				}
				return out
			}
		}

		value, err := fn(ctx)
		out.Attempts = attempt
		if err == nil {
			out.Value = value
			out.Status = StatusSucceeded
			out.Err = nil
			return out
		}

		out.Err = err
		if p.OnFailure != nil {
			p.OnFailure(attempt, err)
		}

		if attempt == maxAttempts || p.Backoff == nil {
			continue
		}
		delay := p.Backoff(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Status = StatusCancelled
			out.Err = fmt.Errorf("%w (last attempt error: %v)", ctx.Err(), err)
			return out
		case <-timer.C:
		}
	}

	out.Status = StatusExhausted
	return out
}
