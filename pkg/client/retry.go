package client

import (
	"context"
	"time"

	relayerrors "github.com/bigdra50/unity-relay/pkg/errors"
)

// Policy implements capped exponential backoff under a wall-clock budget
// for retrying transient relay errors (INSTANCE_RELOADING, INSTANCE_BUSY,
// QUEUE_FULL, TIMEOUT). Non-transient errors fail fast.
type Policy struct {
	// Initial is the delay before the first retry; each subsequent delay
	// doubles, capped at Max.
	Initial time.Duration

	// Max caps a single backoff step.
	Max time.Duration

	// Budget is the total wall-clock allowance across all attempts. The
	// loop stops before a sleep that would cross it, surfacing the last
	// transient error.
	Budget time.Duration

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy mirrors the relay's documented retry schedule:
// 500ms, 1s, 2s, 4s, 8s, 8s... within a 30s budget.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     8 * time.Second,
		Budget:  30 * time.Second,
	}
}

// Delay returns the backoff for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Execute runs fn until it succeeds, fails with a non-transient error,
// or the budget is exhausted (in which case the last transient error is
// returned). Context cancellation stops the loop immediately.
func (p Policy) Execute(ctx context.Context, fn func() error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !relayerrors.IsRetryable(err) {
			return err
		}
		lastErr = err

		delay := p.Delay(attempt)
		if time.Since(start)+delay >= p.Budget {
			return lastErr
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
