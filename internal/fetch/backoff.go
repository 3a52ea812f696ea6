package fetch

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// backoff returns the delay before the attempt that follows attempt (1-based).
// It uses full jitter over an exponentially growing window capped at MaxDelay;
// a server-provided Retry-After raises the floor but never exceeds MaxDelay.
func (f *Fetcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	window := f.opts.BaseDelay
	for i := 1; i < attempt && window < f.opts.MaxDelay; i++ {
		window *= 2
	}
	if window > f.opts.MaxDelay {
		window = f.opts.MaxDelay
	}
	delay := time.Duration(f.opts.Jitter(int64(window) + 1))
	if retryAfter > delay {
		delay = min(retryAfter, f.opts.MaxDelay)
	}
	return delay
}

// parseRetryAfter reads the delta-seconds form of Retry-After. HTTP dates are
// ignored.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int64N(n)
}
