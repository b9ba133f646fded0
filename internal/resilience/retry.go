package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultInitial     = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// RetryPolicy runs an operation with bounded exponential backoff. The delay
// doubles after each failed attempt up to MaxDelay, with up to Jitter of
// uniform random spread added so synchronized callers fan out.
//
// The zero value is usable; zero fields take the package defaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Initial is the delay before the second attempt.
	Initial time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter is the maximum random addition to each delay. Zero disables it.
	Jitter time.Duration

	// RetryIf decides whether an error is worth another attempt. When nil,
	// every error is retried until the budget runs out.
	RetryIf func(error) bool

	// OnRetry is called before each wait with the attempt number just failed
	// (1-based), its error, and the upcoming delay. May be nil.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do runs fn until it succeeds, an attempt fails with a non-retryable error,
// the attempt budget is exhausted, or ctx is done. The MaxAttempts+1th call
// is never issued.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := p.Initial
	if delay <= 0 {
		delay = defaultInitial
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("resilience: retry aborted before attempt %d: %w", attempt, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := delay
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("resilience: retry aborted after attempt %d: %w", attempt, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return fmt.Errorf("resilience: %d attempts exhausted: %w", maxAttempts, lastErr)
}
