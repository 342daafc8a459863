// Package llm wraps the completion provider the orchestrator talks to.
package llm

import "context"

// Message is one turn of the prompt sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single "create completion" call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage is the provider-reported token consumption. Persisted accounting
// always uses these values, never a pre-call estimate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider's completion.
type Response struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Provider sends a completion request to an LLM backend.
type Provider interface {
	CreateCompletion(ctx context.Context, req *Request) (*Response, error)
}
