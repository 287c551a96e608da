package billing

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// RetryPolicy bounds how often the handler step runs for one delivery.
// The wait before attempt n+1 is BaseDelay * 2^(n-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Do runs fn until it succeeds, returns a permanent or configuration error,
// the attempts are exhausted or ctx is done. It returns the number of attempts made and
// the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.normalized()
	backoff := retry.WithMaxRetries(uint64(p.MaxAttempts-1), retry.NewExponential(p.BaseDelay))

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || errors.Is(err, ErrNotConfigured) {
			return err
		}
		if attempts < p.MaxAttempts && p.OnRetry != nil {
			p.OnRetry(attempts, err)
		}
		return retry.RetryableError(err)
	})
	return attempts, err
}
