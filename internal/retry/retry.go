package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
)

type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

// Delay returns the sleep before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned once every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs op until it succeeds, returns a non-retryable error, or has been
// attempted MaxRetries+1 times. A nil retryable predicate falls back to
// apperrors.IsRetryable.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}

	var zero T
	attempt := 0
	for {
		attempt++
		res, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				metrics.RetryAttempts.WithLabelValues("recovered").Inc()
			}
			return res, nil
		}

		if !retryable(err) {
			metrics.RetryAttempts.WithLabelValues("fatal").Inc()
			return zero, err
		}
		if attempt > p.MaxRetries {
			metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := p.Delay(attempt)
		metrics.RetryAttempts.WithLabelValues("retry").Inc()
		logger.Debug("retrying after failure", "attempt", attempt, "delay", delay, "error", err.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry: interrupted after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
	}
}
