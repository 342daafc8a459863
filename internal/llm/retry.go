package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/grantflow/intake/internal/domain"
)

// RetryPolicy controls how transient provider failures are retried with
// exponential backoff and jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the production policy: 3 retries, 500ms base
// delay, 8s cap. Worst-case wall clock stays bounded by MaxRetries x MaxDelay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
}

// Delay returns the backoff before retry attempt (0-indexed):
// min(base * 2^attempt + jitter, cap). The pre-jitter component is
// strictly increasing until the cap.
func (p RetryPolicy) Delay(attempt int, jitter func() float64) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if jitter != nil {
		delay += time.Duration(jitter() * float64(p.BaseDelay))
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ResilientClient wraps a Provider with classification-aware retries. It
// has no session awareness; it only makes "send prompt, get completion"
// survive transient provider conditions.
type ResilientClient struct {
	inner  Provider
	policy RetryPolicy
	logger *slog.Logger

	// overridable in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

var _ Provider = (*ResilientClient)(nil)

// NewResilientClient wraps inner with the given retry policy.
func NewResilientClient(inner Provider, policy RetryPolicy, logger *slog.Logger) *ResilientClient {
	return &ResilientClient{
		inner:  inner,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

// CreateCompletion calls the wrapped provider, retrying only transient
// failures. After retry exhaustion the original technical error is wrapped
// with a user-safe message; it stays reachable through Unwrap for logs.
func (c *ResilientClient) CreateCompletion(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt-1, c.jitter)
			c.logger.Warn("retrying provider call",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.inner.CreateCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
	}

	return nil, domain.ErrOverloaded(
		"The assistant is temporarily unavailable. Please try again in a moment.").
		WithCause(lastErr)
}

// IsTransient classifies an error as a retryable transient condition:
// provider overload, rate limiting, timeouts, and network failures.
// Everything else, including caller cancellation, propagates immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case domain.ErrorTypeRateLimit, domain.ErrorTypeOverloaded, domain.ErrorTypeServer:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "temporarily unavailable") ||
		strings.Contains(msg, "eof")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
