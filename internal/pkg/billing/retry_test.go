package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var retried []int
	p := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}

	attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("deadlock found")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return ErrSubscriptionNotFound
	})

	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return Permanent(ErrInvalidPayload)
	})

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_StopsOnConfigurationError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return fmt.Errorf("checkout session cs_1: %w", ErrNotConfigured)
	})

	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_WaitsExponentially(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}
	started := time.Now()

	_, err := p.Do(context.Background(), func(context.Context, int) error {
		return errors.New("boom")
	})

	require.Error(t, err)
	// 20ms before the second attempt, 40ms before the third.
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
}

func TestRetryPolicy_StopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}

	attempts, err := p.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
}
