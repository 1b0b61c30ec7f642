package recovery

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pkt.systems/accountdeck/schema"
)

// sleep waits for d or until ctx is done. Tests replace it to record delays.
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryOptions controls Retry. MaxRetries counts additional attempts after the
// first; it is ignored only when Unlimited is set.
type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	IsRetryable  func(error) bool
	Unlimited    bool
	OnRetry      func(attempt int, delay time.Duration, err error)
}

// RetryReport describes how an operation was retried.
type RetryReport struct {
	Attempts int
	Delays   []time.Duration
}

// Backoff returns min(initial*2^attempt, max) for a zero-based retry attempt.
// A max of zero or less leaves the delay uncapped; it saturates instead of
// overflowing.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	policy := newBackOff(initial, max)
	d := policy.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	return d
}

// newBackOff builds the doubling schedule without jitter or an elapsed-time limit.
func newBackOff(initial, max time.Duration) backoff.BackOff {
	if initial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Retry runs op until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The last error is returned on failure.
func Retry[T any](ctx context.Context, opts RetryOptions, op func(context.Context) (T, error)) (T, RetryReport, error) {
	retryable := opts.IsRetryable
	if retryable == nil {
		retryable = schema.IsRetryable
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := newBackOff(opts.InitialDelay, opts.MaxDelay)
	if !opts.Unlimited {
		policy = backoff.WithMaxRetries(policy, uint64(maxRetries))
	}
	policy = backoff.WithContext(policy, ctx)
	var (
		report RetryReport
		zero   T
	)
	for {
		if err := ctx.Err(); err != nil {
			return zero, report, err
		}
		report.Attempts++
		val, err := op(ctx)
		if err == nil {
			return val, report, nil
		}
		if !retryable(err) {
			return zero, report, err
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return zero, report, err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(report.Attempts, delay, err)
		}
		report.Delays = append(report.Delays, delay)
		if serr := sleep(ctx, delay); serr != nil {
			return zero, report, err
		}
	}
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, opts RetryOptions, op func(context.Context) error) (RetryReport, error) {
	_, report, err := Retry(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return report, err
}
