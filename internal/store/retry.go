package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/observability"
)

// RetryPolicy bounds the exponential backoff applied to transient store failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy mirrors the persistence-failure contract: retry with
// backoff, then give up loudly. Conflicts and validation errors never retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
}

// Retrying wraps a Store and retries operations that failed with transient
// errors. The component must never proceed past a write it believes failed, so
// every retryable failure is driven to either success or a surfaced error.
type Retrying struct {
	inner  Store
	policy RetryPolicy
}

// NewRetrying wraps the provided store with the retry policy.
func NewRetrying(inner Store, policy RetryPolicy) *Retrying {
	if policy.InitialInterval <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Retrying{inner: inner, policy: policy}
}

// Get retries transient read failures.
func (r *Retrying) Get(ctx context.Context, key string) (Record, error) {
	return r.run(ctx, "get", func() (Record, error) {
		return r.inner.Get(ctx, key)
	})
}

// Put retries transient write failures.
func (r *Retrying) Put(ctx context.Context, record Record) (Record, error) {
	return r.run(ctx, "put", func() (Record, error) {
		return r.inner.Put(ctx, record)
	})
}

// CompareAndSwap retries transient failures but surfaces version conflicts
// immediately; a conflict is a correctness signal, not an outage.
func (r *Retrying) CompareAndSwap(ctx context.Context, prevVersion uint64, record Record) (Record, error) {
	return r.run(ctx, "cas", func() (Record, error) {
		return r.inner.CompareAndSwap(ctx, prevVersion, record)
	})
}

// ListPrefix retries transient enumeration failures.
func (r *Retrying) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	return r.runList(ctx, func() ([]Record, error) {
		return r.inner.ListPrefix(ctx, prefix)
	})
}

func (r *Retrying) run(ctx context.Context, op string, fn func() (Record, error)) (Record, error) {
	operation := func() (Record, error) {
		record, err := fn()
		if err != nil && !retryable(err) {
			return Record{}, backoff.Permanent(err)
		}
		return record, err
	}
	record, err := backoff.Retry(ctx, operation, r.retryOptions()...)
	if err != nil {
		observability.Log().Error("store operation exhausted retries",
			observability.Field{Key: "op", Value: op},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return Record{}, err
	}
	return record, nil
}

func (r *Retrying) runList(ctx context.Context, fn func() ([]Record, error)) ([]Record, error) {
	operation := func() ([]Record, error) {
		records, err := fn()
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return records, err
	}
	return backoff.Retry(ctx, operation, r.retryOptions()...)
}

func (r *Retrying) retryOptions() []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.policy.InitialInterval
	policy.MaxInterval = r.policy.MaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(r.policy.MaxElapsedTime),
	}
}

func retryable(err error) bool {
	return errs.IsCode(err, errs.CodeUnavailable)
}
