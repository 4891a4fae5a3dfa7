package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithContentionRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := WithContentionRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithContentionRetryDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := WithContentionRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-contention error should not retry, got %d calls", calls)
	}
}

func TestWithContentionRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithContentionRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrOperationInProgress
	})
	if !errors.Is(err, ErrOperationInProgress) {
		t.Fatalf("expected ErrOperationInProgress, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithContentionRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithContentionRetry(ctx, 5, 10*time.Second, func() error {
		return ErrConcurrentModification
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(50*time.Millisecond, attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %s", attempt, d)
		}
		// 5s cap plus 25% jitter headroom.
		if d > 6250*time.Millisecond {
			t.Fatalf("attempt %d: delay %s exceeds cap", attempt, d)
		}
	}
}
