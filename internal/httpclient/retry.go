package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// RetryPolicy bounds re-invocation of a failing call
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, first call included
	MaxAttempts int
	// BaseDelay is doubled after every failed attempt
	BaseDelay time.Duration
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns three attempts starting at one second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// ShouldRetry classifies err. Client errors (status in [400,500), timeouts
// included), cancellation and open breakers are terminal; anything else is
// transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus() < http.StatusBadRequest || sc.HTTPStatus() >= http.StatusInternalServerError
	}
	return true
}

// Delay returns the backoff before the attempt following attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Retry invokes fn until it succeeds, fails terminally or the attempt cap is
// reached, sleeping BaseDelay*2^attempt between attempts. The last error is
// returned on exhaustion.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !ShouldRetry(err) || attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}
