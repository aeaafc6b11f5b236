// Package retry is the bounded exponential backoff policy used at every
// external boundary: the feed reconnect loop, safety providers, RPC and swap
// calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy is a bounded exponential backoff: Base, doubling per attempt
// (Factor), capped at Max, at most MaxAttempts tries in total.
type Policy struct {
	Base        time.Duration `yaml:"base" toml:"base"`
	Max         time.Duration `yaml:"max" toml:"max"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	Factor      float64       `yaml:"factor" toml:"factor"`
	Jitter      bool          `yaml:"jitter" toml:"jitter"`
}

// DefaultPolicy is 1s doubling to 60s, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         60 * time.Second,
		MaxAttempts: 5,
		Factor:      2,
	}
}

// Backoff returns a fresh jpillora backoff configured from the policy.
// Callers that manage their own loop (the feed) use it directly.
func (p Policy) Backoff() *backoff.Backoff {
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	return &backoff.Backoff{
		Min:    p.Base,
		Max:    p.Max,
		Factor: factor,
		Jitter: p.Jitter,
	}
}

// Delay returns the wait before the given retry (attempt 0 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	return p.Backoff().ForAttempt(float64(attempt))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a Permanent error, the context is
// cancelled, or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.Backoff()

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}
