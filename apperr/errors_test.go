package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", Validation("missing %s", "walletAddress"), http.StatusBadRequest},
		{"auth", Unauthorized("bad signature"), http.StatusUnauthorized},
		{"forbidden", Forbidden("not owner"), http.StatusForbidden},
		{"not found", NotFound("no key"), http.StatusNotFound},
		{"conflict", Conflict("already registered"), http.StatusConflict},
		{"rate limited", RateLimited(time.Second), http.StatusTooManyRequests},
		{"upstream", New(KindUpstream, "bundler"), http.StatusBadGateway},
		{"chain", New(KindChainUnavailable, "rpc"), http.StatusServiceUnavailable},
		{"ambiguous", New(KindAmbiguous, "maybe"), http.StatusAccepted},
		{"wrapped", fmt.Errorf("outer: %w", Forbidden("x")), http.StatusForbidden},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(cause, KindChainUnavailable, "smartAccounts call failed")

	require.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindChainUnavailable))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "CHAIN_UNAVAILABLE")
}

func TestRetryPolicyDo(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return New(KindTransient, "flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return Validation("bad")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("returns last error after exhausting attempts", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return New(KindChainUnavailable, "down")
		})
		assert.True(t, Is(err, KindChainUnavailable))
		assert.Equal(t, 3, calls)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := p.Do(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
}
