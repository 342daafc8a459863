package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grantflow/intake/internal/domain"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"

	// Every provider call carries a bounded timeout; retry/backoff is the
	// only sanctioned suspension point above this.
	defaultTimeout = 60 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*AnthropicClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *AnthropicClient) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *AnthropicClient) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the API version header.
func WithVersion(version string) ClientOption {
	return func(c *AnthropicClient) {
		c.version = version
	}
}

// AnthropicClient is an HTTP client for the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

var _ Provider = (*AnthropicClient)(nil)

// NewAnthropicClient creates a new client.
func NewAnthropicClient(apiKey string, opts ...ClientOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		version:    defaultVersion,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// messagesRequest is the wire format of a messages call.
type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float32  `json:"temperature,omitempty"`
}

// messagesResponse is the wire format of a messages response.
type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// errorResponse is the wire format of a provider error.
type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCompletion sends a messages request and returns the completion
// with the provider's reported usage.
func (c *AnthropicClient) CreateCompletion(ctx context.Context, req *Request) (*Response, error) {
	wireReq := messagesRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		wireReq.Temperature = &temp
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.version)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, respBody)
	}

	var result messagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Content:    text.String(),
		StopReason: result.StopReason,
		Usage:      result.Usage,
	}, nil
}

// parseError maps a provider error to the canonical taxonomy so the retry
// classifier can act on structured types rather than message sniffing.
func (c *AnthropicClient) parseError(status int, body []byte) error {
	var wireErr errorResponse
	message := fmt.Sprintf("provider returned status %d", status)
	if err := json.Unmarshal(body, &wireErr); err == nil && wireErr.Error.Message != "" {
		message = wireErr.Error.Message
	}

	var errType domain.ErrorType
	switch {
	case status == http.StatusTooManyRequests:
		errType = domain.ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable || status == 529:
		errType = domain.ErrorTypeOverloaded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = domain.ErrorTypeAuthentication
	case status >= 500:
		errType = domain.ErrorTypeServer
	default:
		errType = domain.ErrorTypeInvalidRequest
	}

	return domain.NewAPIError(errType, message).WithStatusCode(status)
}
