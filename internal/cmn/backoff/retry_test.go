package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	t.Run("SuccessfulRetry", func(t *testing.T) {
		// Operation succeeds after 2 failures
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		policy := NewConstantBackoffPolicy(10 * time.Millisecond)
		err := Retry(context.Background(), op, policy, nil)

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("NonRetriableError", func(t *testing.T) {
		permanentErr := errors.New("permanent error")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return permanentErr
		}

		isRetriable := func(err error) bool {
			return !errors.Is(err, permanentErr)
		}

		policy := NewConstantBackoffPolicy(10 * time.Millisecond)
		err := Retry(context.Background(), op, policy, isRetriable)

		assert.Equal(t, permanentErr, err)
		assert.Equal(t, 1, attempts) // Should not retry
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		op := func(ctx context.Context) error {
			return ctx.Err()
		}

		policy := NewConstantBackoffPolicy(10 * time.Millisecond)
		err := Retry(ctx, op, policy, nil)

		assert.Equal(t, context.Canceled, err)
	})

	t.Run("ContextCancellationDuringWait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		op := func(_ context.Context) error {
			attempts++
			if attempts == 1 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
			}
			return errors.New("error")
		}

		policy := NewConstantBackoffPolicy(100 * time.Millisecond)
		start := time.Now()
		err := Retry(ctx, op, policy, nil)
		elapsed := time.Since(start)

		assert.Equal(t, context.Canceled, err)
		assert.Less(t, elapsed, 50*time.Millisecond) // Should exit quickly
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		attempts := 0
		testErr := errors.New("test error")
		op := func(_ context.Context) error {
			attempts++
			return testErr
		}

		policy := NewConstantBackoffPolicy(10 * time.Millisecond)
		policy.MaxRetries = 3
		err := Retry(context.Background(), op, policy, nil)

		assert.Equal(t, testErr, err) // Should return original error
		assert.Equal(t, 4, attempts)  // Initial + 3 retries
	})

	t.Run("ExponentialBackoffWithJitter", func(t *testing.T) {
		attempts := int32(0)
		op := func(_ context.Context) error {
			atomic.AddInt32(&attempts, 1)
			if atomic.LoadInt32(&attempts) < 3 {
				return errors.New("retry me")
			}
			return nil
		}

		basePolicy := NewExponentialBackoffPolicy(10 * time.Millisecond)
		basePolicy.MaxInterval = 100 * time.Millisecond
		policy := WithJitter(basePolicy, FullJitter)

		start := time.Now()
		err := Retry(context.Background(), op, policy, nil)
		elapsed := time.Since(start)

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
		// With jitter, timing is unpredictable but should be relatively quick
		assert.Less(t, elapsed, 200*time.Millisecond)
	})
}

func TestJitter(t *testing.T) {
	t.Run("FullJitterStaysBelowBase", func(t *testing.T) {
		base := NewConstantBackoffPolicy(100 * time.Millisecond)
		policy := WithJitter(base, FullJitter)

		for i := 0; i < 50; i++ {
			interval, err := policy.ComputeNextInterval(i, 0, nil)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, interval, time.Duration(0))
			assert.Less(t, interval, 100*time.Millisecond)
		}
	})

	t.Run("EqualJitterStaysInUpperHalf", func(t *testing.T) {
		base := NewConstantBackoffPolicy(100 * time.Millisecond)
		policy := WithJitter(base, EqualJitter)

		for i := 0; i < 50; i++ {
			interval, err := policy.ComputeNextInterval(i, 0, nil)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, interval, 50*time.Millisecond)
			assert.Less(t, interval, 100*time.Millisecond)
		}
	})

	t.Run("PropagatesExhaustion", func(t *testing.T) {
		base := NewConstantBackoffPolicy(10 * time.Millisecond)
		base.MaxRetries = 1
		policy := WithJitter(base, FullJitter)

		_, err := policy.ComputeNextInterval(1, 0, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})
}

func TestRetryPolicies(t *testing.T) {
	t.Run("ExponentialGrowth", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(time.Second)
		policy.MaxInterval = time.Hour

		first, err := policy.ComputeNextInterval(0, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, time.Second, first)

		second, err := policy.ComputeNextInterval(1, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, 2*time.Second, second)

		third, err := policy.ComputeNextInterval(2, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, 4*time.Second, third)
	})

	t.Run("ExponentialCappedAtMaxInterval", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(time.Second)
		policy.MaxInterval = 3 * time.Second

		interval, err := policy.ComputeNextInterval(10, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3*time.Second, interval)
	})

	t.Run("ExponentialMaxElapsedTime", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(time.Millisecond)
		policy.MaxElapsedTime = time.Second

		_, err := policy.ComputeNextInterval(1, 2*time.Second, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})

	t.Run("LinearIncrement", func(t *testing.T) {
		policy := NewLinearBackoffPolicy(time.Second, time.Second)
		policy.MaxInterval = time.Hour

		first, err := policy.ComputeNextInterval(0, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, time.Second, first)

		third, err := policy.ComputeNextInterval(2, 0, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3*time.Second, third)
	})

	t.Run("RetrierTracksState", func(t *testing.T) {
		policy := NewConstantBackoffPolicy(time.Millisecond)
		policy.MaxRetries = 2
		retrier := NewRetrier(policy)

		_, err := retrier.Next(nil)
		assert.NoError(t, err)
		_, err = retrier.Next(nil)
		assert.NoError(t, err)
		_, err = retrier.Next(nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)

		retrier.Reset()
		_, err = retrier.Next(nil)
		assert.NoError(t, err)
	})
}
