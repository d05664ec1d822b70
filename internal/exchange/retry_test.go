package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/domain"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable kind", domain.NewError(domain.KindExchangeUnreachable, "ws down"), true},
		{"rejected kind", domain.NewError(domain.KindExchangeRejected, "bad qty"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), true},
		{"bybit rate limit", errors.New("POST /v5/order/create: retCode=10006 rate limit"), true},
		{"bybit clock drift", errors.New("retCode=10002 invalid request time"), true},
		{"plain rejection", errors.New("insufficient balance"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return domain.NewError(domain.KindExchangeUnreachable, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	rejection := domain.NewError(domain.KindExchangeRejected, "bad params")
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return rejection
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, domain.IsKind(err, domain.KindExchangeRejected))
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return domain.NewError(domain.KindExchangeUnreachable, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.True(t, domain.IsKind(err, domain.KindExchangeUnreachable))
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- WithRetry(ctx, RetryConfig{
			MaxRetries:     10,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			BackoffFactor:  2.0,
		}, func() error {
			attempts++
			return domain.NewError(domain.KindExchangeUnreachable, "down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
