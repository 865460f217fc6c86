package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayForAttemptBounds(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2.0}

	cases := map[int]time.Duration{
		2: 100 * time.Millisecond,
		3: 200 * time.Millisecond,
		4: 400 * time.Millisecond,
		5: 800 * time.Millisecond,
		6: 1600 * time.Millisecond,
		7: 2 * time.Second, // capped
	}
	for k, want := range cases {
		got := p.delayForAttempt(k)
		if got != want {
			t.Fatalf("delayForAttempt(%d) = %v, want %v", k, got, want)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jitter(base)
		if d < base/2 || d > base+base/2 {
			t.Fatalf("jitter(%v) = %v out of [0.5x, 1.5x] bounds", base, d)
		}
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	errPermanent := errors.New("permanent")
	attempts := 0
	err := Do(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(error) bool { return false },
	}, func(ctx context.Context) error {
		attempts++
		return errPermanent
	})
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempts)
	}
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error returned, got %v", err)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		return errBoom
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected last error returned, got %v", err)
	}
}

func TestDoSucceedsWithoutExhausting(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

type hintedError struct {
	error
	wait time.Duration
}

func (e hintedError) RetryAfter() (time.Duration, bool) { return e.wait, true }

func TestDoHonorsRetryAfterHintInsteadOfComputedBackoff(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Do(context.Background(), RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Second, // would dominate if the hint were ignored
		MaxDelay:     time.Second,
	}, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return hintedError{error: errBoom, wait: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected the retry-after hint (1ms) to override the 1s computed backoff, took %v", elapsed)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) error {
		t.Fatalf("fn should not be invoked on an already-cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
