// ABOUTME: Node retry policy and backoff delay calculation.
// ABOUTME: Exponential policies double the base delay per attempt; linear policies repeat it.
package graph

import (
	"context"
	"time"
)

// RetryPolicy controls how a node's attempts are retried after failure.
// MaxRetries is the number of retries after the first attempt, so a policy
// with MaxRetries=2 allows three attempts total.
type RetryPolicy struct {
	MaxRetries  int           `json:"maxRetries"`
	Backoff     time.Duration `json:"backoffMs"`
	Exponential bool          `json:"exponential"`
}

// DelayForAttempt calculates the delay before retrying after the given
// attempt number (0-indexed: attempt 0 is the first failure).
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	if !p.Exponential {
		return p.Backoff
	}
	delay := p.Backoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > time.Minute {
			return time.Minute
		}
	}
	return delay
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
