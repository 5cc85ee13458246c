package supervision

import (
	"context"
	"errors"
	"time"

	"github.com/dohr-michael/ozzie/internal/errs"
)

// ErrFatal is returned by Retry when the classifier's action is Escalate
// or Fatal; the caller is expected to stop, not retry further.
var ErrFatal = errors.New("self-healing: fatal, stopping retries")

// actionDelay is the fixed wait-duration table assigned to
// each RecoveryAction, except RetryWithBackoff which defers to a
// backoff.Strategy supplied by the caller.
func actionDelay(action errs.Action) time.Duration {
	switch action {
	case errs.ActionRetryImmediate:
		return 100 * time.Millisecond
	case errs.ActionRestartComponent:
		return 5 * time.Second
	case errs.ActionRestartSystem:
		return 30 * time.Second
	default:
		return 0
	}
}

// RetryConfig bounds a self-healing retry loop.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffFunc // used when the classifier says RetryWithBackoff
}

// BackoffFunc computes the delay for the given zero-based retry attempt.
type BackoffFunc func(attempt int) time.Duration

// Retry runs fn, classifying any error through errs.Classify and waiting
// the action-appropriate delay before trying again. It stops and returns
// the last error when the action is Escalate/Fatal, when MaxAttempts is
// exhausted, or when ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		class := errs.Classify(lastErr)
		if class.Action == errs.ActionEscalate || class.Action == errs.ActionFatal {
			return errors.Join(ErrFatal, lastErr)
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := actionDelay(class.Action)
		if class.Action == errs.ActionRetryWithBackoff && cfg.Backoff != nil {
			delay = cfg.Backoff(attempt)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
