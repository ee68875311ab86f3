package worker

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// BackoffStrategy decides retry eligibility and delay for a failed job,
// given the attempt count and the triggering error. The delay feeds the
// queue's native retry scheduling; the worker never sleeps.
type BackoffStrategy interface {
	ShouldRetry(err error) bool
	Delay(attempt int, err error) time.Duration
}

// FailureDecision combines the two independent facts of a failed execution.
type FailureDecision struct {
	// SetAsFailed: the error is not retryable, or retries are exhausted.
	SetAsFailed bool
	// HandleLastFailedJob: a retryable error exhausted its retries; run the
	// fallback path in addition to marking the job failed.
	HandleLastFailedJob bool
	// Retry: schedule a delayed redelivery.
	Retry bool
}

// DecideFailure resolves what to do with a failed job.
func DecideFailure(retryable, hasReachedMaxAttempts bool) FailureDecision {
	return FailureDecision{
		SetAsFailed:         !retryable || hasReachedMaxAttempts,
		HandleLastFailedJob: retryable && hasReachedMaxAttempts,
		Retry:               retryable && !hasReachedMaxAttempts,
	}
}

// RetryAfterError carries a provider-supplied retry hint (e.g. a webhook
// 429 with a Retry-After header). Always retryable.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return "retry after " + e.After.String() + ": " + e.Err.Error()
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// ExponentialBackoff doubles the delay per attempt up to a ceiling, with a
// jitter fraction to spread redeliveries across the fleet.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// NewExponentialBackoff returns the default strategy: 1s base, 1m ceiling,
// 20% jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   time.Second,
		Max:    time.Minute,
		Jitter: 0.2,
	}
}

func (b *ExponentialBackoff) ShouldRetry(err error) bool {
	var retryAfter *RetryAfterError
	return domain.IsRetryable(err) || errors.As(err, &retryAfter)
}

func (b *ExponentialBackoff) Delay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	if delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		spread := 1 + b.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

// WebhookBackoff is the provider-facing strategy: it honors an explicit
// Retry-After hint from the provider and falls back to exponential backoff
// otherwise.
type WebhookBackoff struct {
	Fallback *ExponentialBackoff
}

// NewWebhookBackoff returns a WebhookBackoff over the default exponential
// strategy.
func NewWebhookBackoff() *WebhookBackoff {
	return &WebhookBackoff{Fallback: NewExponentialBackoff()}
}

func (b *WebhookBackoff) ShouldRetry(err error) bool {
	return b.Fallback.ShouldRetry(err)
}

func (b *WebhookBackoff) Delay(attempt int, err error) time.Duration {
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) && retryAfter.After > 0 {
		return retryAfter.After
	}
	return b.Fallback.Delay(attempt, err)
}
