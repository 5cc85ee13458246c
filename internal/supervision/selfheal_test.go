package supervision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/errs"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindIOTransient, errors.New("ebusy"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnFatalAction(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5}, func(context.Context) error {
		calls++
		return errs.New(errs.KindResourceDisk, errors.New("enospc"))
	})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on escalate)", calls)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2}, func(context.Context) error {
		calls++
		return errs.New(errs.KindIOTransient, errors.New("ebusy"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryUsesSuppliedBackoffForBackoffAction(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_ = Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			d := time.Duration(attempt+1) * time.Millisecond
			delays = append(delays, d)
			return d
		},
	}, func(context.Context) error {
		calls++
		return errs.New(errs.KindLLMTimeout, errors.New("deadline"))
	})
	if len(delays) != 2 {
		t.Fatalf("backoff invoked %d times, want 2", len(delays))
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 3}, func(context.Context) error {
		t.Fatal("fn should not be called with an already-cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
