// Package resilience holds retry helpers shared by the outbound adapters.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffStrategy returns the pause before retry number attempt (0-indexed)
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows BaseDelay by Multiplier per attempt up to MaxDelay,
// then spreads the result by ±Jitter (a fraction of the delay).
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// WebhookBackoff waits ~1s, 2s, 4s, 8s, 16s and then 30s between deliveries
func WebhookBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
}

// ConnectBackoff is for dialing brokers and caches at startup
func ConnectBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.2}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return b.BaseDelay
	}

	delay := float64(b.BaseDelay)
	for i := 0; i < attempt && delay < float64(b.MaxDelay); i++ {
		delay *= b.Multiplier
	}
	delay = min(delay, float64(b.MaxDelay))

	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		return b.BaseDelay
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, maxAttempts is reached, ctx ends, or
// retryable rejects the error. A nil retryable retries everything. The last
// error from fn is returned.
func Retry(ctx context.Context, maxAttempts int, backoff BackoffStrategy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := range maxAttempts {
		err = fn(ctx, attempt)
		if err == nil || (retryable != nil && !retryable(err)) || attempt == maxAttempts-1 {
			return err
		}

		wait := time.NewTimer(backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
	return err
}
