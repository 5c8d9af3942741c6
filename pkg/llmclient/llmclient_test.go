package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":       true,
		"rate limit exceeded":         true,
		"503 Service Unavailable":     true,
		"context deadline exceeded":   false,
		"timeout waiting for headers": true,
		"ECONNRESET":                  true,
		"permission denied":           false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, isTransient(errors.New(msg)), msg)
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("503 unavailable")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsImmediatelyOnPermanentError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("permission denied")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("timeout")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_RetriesValidationErrorOnce(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 2 {
			return retriableValidationError{}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
