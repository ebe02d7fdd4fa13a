package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// RetryPolicy bounds retries of transient gateway failures.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy is used when a component is built without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Initial:     500 * time.Millisecond,
	Max:         5 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryPolicy.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// retryTransient runs op with exponential backoff while it fails with a retriable error.
// Any other error stops the loop immediately.
func retryTransient[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !domain.IsRetriable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}
