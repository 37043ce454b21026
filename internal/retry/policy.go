// Package retry provides the fixed-delay retry policy shared by the delivery
// client's connectivity check and per-recipient sends.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts is the fixed attempt budget per operation.
	DefaultMaxAttempts = 3
	// DefaultDelay is the fixed wait between attempts.
	DefaultDelay = 15 * time.Second
)

// Policy retries an operation up to MaxAttempts times with a constant Delay
// between attempts. Retryable decides whether a failure is worth another
// attempt; a non-retryable error ends the loop immediately.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(error) bool
}

// Default returns the standard policy with the given retryable predicate.
func Default(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		Retryable:   retryable,
	}
}

// Do runs op under the policy and returns the number of attempts made along
// with the terminal error, if any. Context cancellation stops the wait
// between attempts.
func (p Policy) Do(ctx context.Context, op func() error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(maxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(wrapped, b)
	return attempts, err
}
