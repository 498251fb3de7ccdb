package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"go.uber.org/zap"
)

// fixedDelays is the exact retry schedule from §4.1: at most three
// attempts, delays 1s/2s/4s. A custom schedule rather than an exponential-
// backoff library (e.g. cenkalti/backoff, only an indirect dependency
// elsewhere in the pack) because the spec pins these delays precisely;
// three time.Sleep-shaped waits are simpler and exactly as correct.
var fixedDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// rateLimitCap is the backoff ceiling for RateLimited (429) responses.
const rateLimitCap = 60 * time.Second

// Do runs fn, retrying per §4.1: only Transient/RateLimited errors are
// retried, at most three attempts total, using the fixed 1s/2s/4s schedule
// (capped at 60s when the failure was specifically a rate limit). Any other
// classified error, or exhausting the schedule, returns the last error.
func Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= len(fixedDelays); attempt++ {
		if attempt > 0 {
			delay := fixedDelays[attempt-1]
			if errs.RateLimited(lastErr) && delay > rateLimitCap {
				delay = rateLimitCap
			}
			if logger != nil {
				logger.Debug("retrying provider call",
					zap.String("op", op),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
				)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errs.Wrap(errs.KindCancelled, "retry wait cancelled", ctx.Err())
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.Retryable(err) {
			return err
		}
		if logger != nil {
			logger.Warn("provider call failed, will retry",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}

	return fmt.Errorf("%s: exhausted retries: %w", op, lastErr)
}
