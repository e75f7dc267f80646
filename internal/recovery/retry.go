package recovery

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// Retry runs operation under exponential backoff per cfg, honoring ctx
// cancellation. MaxRetries counts retries after the first attempt, so a
// MaxRetries of 2 allows up to 3 total attempts. A *swarmerr.SwarmError
// whose Retryable field is false is treated as permanent and returned
// immediately without further attempts.
func Retry[T any](ctx context.Context, cfg RetryConfig, operation func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.RandomizationFactor = cfg.Jitter
	b.Multiplier = cfg.Exponent
	b.MaxInterval = cfg.MaxDelay
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}

	wrapped := func() (T, error) {
		v, err := operation()
		if err != nil {
			if se, ok := swarmerr.As(err); ok && !se.Retryable {
				return v, backoff.Permanent(err)
			}
			return v, err
		}
		return v, nil
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
}
