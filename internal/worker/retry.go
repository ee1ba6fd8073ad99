package worker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// maxAttempts caps the retry envelope at 4 attempts total (1 initial
// call plus up to 3 retries).
const maxAttempts = 4

// backoffSchedule is the exponential backoff sequence (1s, 2s, 4s) used
// for transient platform errors that do not carry a Retry-After header.
var backoffSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// callWithRetry runs f (a single platform API call) under limiter's
// token bucket: an explicit Retry-After wait always retries the same
// call; the fixed set of transient error
// codes retries with exponential backoff up to maxAttempts total; every
// other error is returned immediately (logged and not retried by the
// caller).
func callWithRetry(ctx context.Context, limiter *rate.Limiter, f func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return werr
			}
		}

		err = f()
		if err == nil {
			return nil
		}

		if wait, ok := retryAfter(err); ok {
			if sleepErr := sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
			// A Retry-After wait does not consume one of the
			// fixed maxAttempts backoff slots: the platform told us
			// exactly how long to wait, not that this is an
			// exponential-backoff situation.
			attempt--
			continue
		}

		if !isTransientPlatformError(err) || attempt == maxAttempts-1 {
			return err
		}
		if sleepErr := sleep(ctx, backoffSchedule[attempt]); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
