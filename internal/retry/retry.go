package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultJitter          = 0.5
)

// Policy bounds a retried operation. MaxRetries counts retries after the first attempt.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter is the randomization factor applied to each interval, in [0, 1].
	Jitter float64
}

// Operation is one attempt. Return Permanent(err) to stop retrying.
type Operation func(ctx context.Context) error

// Notify is called before sleeping for the next attempt.
type Notify func(err error, next time.Duration, attempt int)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewBackOff builds the exponential schedule for p. Elapsed time is unbounded;
// MaxRetries is the only stop condition.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = DefaultInitialInterval
	}
	bo.MaxInterval = p.MaxInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = DefaultMaxInterval
	}
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.RandomizationFactor = p.Jitter
	if bo.RandomizationFactor < 0 || bo.RandomizationFactor > 1 {
		bo.RandomizationFactor = DefaultJitter
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do runs op until it succeeds, returns a permanent error, exhausts the policy or
// ctx is done. It returns the number of attempts made. A cancelled ctx wins over
// the last operation error.
func Do(ctx context.Context, p Policy, op Operation, notify Notify) (int, error) {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempts := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(maxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		attempts++
		return op(ctx)
	}, bo, func(err error, next time.Duration) {
		if notify != nil {
			notify(err, next, attempts)
		}
	})
	if err != nil && ctx.Err() != nil {
		return attempts, ctx.Err()
	}
	return attempts, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
