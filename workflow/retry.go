package workflow

import (
	"context"
	"math/rand"
	"time"
)

// WithContentionRetry retries fn with jittered exponential backoff while it
// fails with a contention error (lock wait timeout, deadlock, in-flight
// idempotency marker). Any other outcome is returned immediately.
// Safe to use around every engine operation because all of them are guarded
// by idempotency keys.
func WithContentionRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil || !IsContentionErr(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		sleep := backoffDelay(baseDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

// backoffDelay returns base * 2^attempt with +/-25% jitter, capped at 5s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if attempt > 10 {
		attempt = 10
	}
	d := base * time.Duration(1<<attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
