package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

func TestDecideFailure(t *testing.T) {
	tests := []struct {
		name            string
		retryable       bool
		reachedMax      bool
		wantFailed      bool
		wantLastHandler bool
		wantRetry       bool
	}{
		{
			name:      "retryable with attempts left",
			retryable: true,
			wantRetry: true,
		},
		{
			name:            "retryable out of attempts",
			retryable:       true,
			reachedMax:      true,
			wantFailed:      true,
			wantLastHandler: true,
		},
		{
			name:       "non-retryable",
			wantFailed: true,
		},
		{
			name:       "non-retryable out of attempts",
			reachedMax: true,
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := DecideFailure(tt.retryable, tt.reachedMax)
			assert.Equal(t, tt.wantFailed, decision.SetAsFailed)
			assert.Equal(t, tt.wantLastHandler, decision.HandleLastFailedJob)
			assert.Equal(t, tt.wantRetry, decision.Retry)
		})
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := &ExponentialBackoff{Base: time.Second, Max: time.Minute}

	t.Run("doubles per attempt up to the ceiling", func(t *testing.T) {
		assert.Equal(t, time.Second, backoff.Delay(1, nil))
		assert.Equal(t, 2*time.Second, backoff.Delay(2, nil))
		assert.Equal(t, 16*time.Second, backoff.Delay(5, nil))
		assert.Equal(t, time.Minute, backoff.Delay(10, nil))
	})

	t.Run("treats attempt zero as the first", func(t *testing.T) {
		assert.Equal(t, time.Second, backoff.Delay(0, nil))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		jittered := &ExponentialBackoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}
		for i := 0; i < 50; i++ {
			delay := jittered.Delay(3, nil)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(4*time.Second)*0.8))
			assert.LessOrEqual(t, delay, time.Duration(float64(4*time.Second)*1.2))
		}
	})

	t.Run("retryable classification", func(t *testing.T) {
		assert.True(t, backoff.ShouldRetry(domain.NewRetryableError(errors.New("timeout"))))
		assert.True(t, backoff.ShouldRetry(&RetryAfterError{After: time.Second, Err: errors.New("429")}))
		assert.False(t, backoff.ShouldRetry(errors.New("template render failed")))
	})
}

func TestWebhookBackoff(t *testing.T) {
	backoff := NewWebhookBackoff()
	backoff.Fallback.Jitter = 0

	t.Run("honors the provider hint", func(t *testing.T) {
		err := &RetryAfterError{After: 42 * time.Second, Err: errors.New("429")}
		assert.Equal(t, 42*time.Second, backoff.Delay(1, err))
	})

	t.Run("falls back to exponential without a hint", func(t *testing.T) {
		err := domain.NewRetryableError(errors.New("connection reset"))
		assert.Equal(t, 2*time.Second, backoff.Delay(2, err))
	})
}
