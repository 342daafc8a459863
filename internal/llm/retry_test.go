package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/grantflow/intake/internal/domain"
)

type scriptedProvider struct {
	calls     int
	responses []func() (*Response, error)
}

func (p *scriptedProvider) CreateCompletion(_ context.Context, _ *Request) (*Response, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx]()
}

func failWith(err error) func() (*Response, error) {
	return func() (*Response, error) { return nil, err }
}

func succeedWith(content string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{Content: content, StopReason: "end_turn"}, nil
	}
}

func newTestResilient(inner Provider) (*ResilientClient, *[]time.Duration) {
	client := NewResilientClient(inner, RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	delays := &[]time.Duration{}
	client.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	client.jitter = func() float64 { return 0 }
	return client, delays
}

func TestResilientClient_RetriesTransientThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{responses: []func() (*Response, error){
		failWith(domain.ErrOverloaded("overloaded")),
		failWith(domain.ErrRateLimit("slow down")),
		succeedWith("hello"),
	}}
	client, delays := newTestResilient(provider)

	resp, err := client.CreateCompletion(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want %q", resp.Content, "hello")
	}
	if provider.calls != 3 {
		t.Errorf("provider calls = %d, want 3", provider.calls)
	}
	if len(*delays) != 2 {
		t.Fatalf("delays = %d, want 2", len(*delays))
	}
	if (*delays)[1] <= (*delays)[0] {
		t.Errorf("delays not increasing: %v then %v", (*delays)[0], (*delays)[1])
	}
}

func TestResilientClient_ExhaustionWrapsOriginalError(t *testing.T) {
	original := errors.New("connection reset by peer")
	provider := &scriptedProvider{responses: []func() (*Response, error){
		failWith(original),
	}}
	client, delays := newTestResilient(provider)

	_, err := client.CreateCompletion(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if provider.calls != 4 {
		t.Errorf("provider calls = %d, want 4 (initial + 3 retries)", provider.calls)
	}
	if len(*delays) != 3 {
		t.Errorf("delays = %d, want 3", len(*delays))
	}

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *domain.APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeOverloaded {
		t.Errorf("error type = %q, want %q", apiErr.Type, domain.ErrorTypeOverloaded)
	}
	if strings.Contains(apiErr.Message, "connection reset") {
		t.Errorf("user-facing message leaks technical detail: %q", apiErr.Message)
	}
	if !errors.Is(err, original) {
		t.Error("wrapped error should preserve the original via Unwrap")
	}
}

func TestResilientClient_NonTransientPropagatesImmediately(t *testing.T) {
	original := domain.ErrInvalidRequest("model not found")
	provider := &scriptedProvider{responses: []func() (*Response, error){
		failWith(original),
	}}
	client, delays := newTestResilient(provider)

	_, err := client.CreateCompletion(context.Background(), &Request{})
	if !errors.Is(err, original) {
		t.Fatalf("error = %v, want the original invalid_request error", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if len(*delays) != 0 {
		t.Errorf("delays = %d, want 0", len(*delays))
	}
}

func TestResilientClient_ContextCancelStopsRetries(t *testing.T) {
	provider := &scriptedProvider{responses: []func() (*Response, error){
		failWith(domain.ErrOverloaded("overloaded")),
	}}
	client, _ := newTestResilient(provider)
	client.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.CreateCompletion(ctx, &Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestRetryPolicy_DelayGrowthAndCap(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	var prev time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		d := policy.Delay(attempt, nil)
		if d <= prev {
			t.Errorf("delay(%d) = %v, want > %v", attempt, d, prev)
		}
		prev = d
	}
	if d := policy.Delay(10, nil); d != time.Second {
		t.Errorf("delay(10) = %v, want capped at %v", d, time.Second)
	}
	if d := policy.Delay(1, func() float64 { return 0.5 }); d != 250*time.Millisecond {
		t.Errorf("jittered delay = %v, want 250ms", d)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		domain.ErrOverloaded("x"),
		domain.ErrRateLimit("x"),
		domain.ErrServer("x"),
		errors.New("dial tcp: i/o timeout"),
		errors.New("read: connection reset by peer"),
		context.DeadlineExceeded,
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false, want true", err)
		}
	}

	permanent := []error{
		nil,
		domain.ErrInvalidRequest("x"),
		domain.ErrAuthentication("x"),
		domain.ErrPermission("x"),
		context.Canceled,
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true, want false", err)
		}
	}
}
