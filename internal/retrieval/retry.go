package retrieval

import (
	"context"
	"time"
)

// retryBackoff is the base delay between attempts; attempt n waits n times
// this long.
const retryBackoff = 200 * time.Millisecond

// withRetry runs op with a per-attempt timeout, retrying failed attempts
// with linear backoff up to the configured retry budget. Cancellation of
// the parent context stops retrying immediately; a per-attempt deadline
// does not.
func (r *Retriever) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	attempts := r.config.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if r.config.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.config.CallTimeout)
		}
		err := op(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		lastErr = err

		// Caller cancelled: surface without burning remaining attempts.
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}
