// Package llm defines the client surface for the external language-model
// provider used by the router, decomposer, and oracle.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable signals that no provider is configured or reachable.
// Callers treat it as a cue to fall back to heuristics.
var ErrUnavailable = errors.New("llm provider unavailable")

// CompletionRequest is one prompt sent to the provider.
type CompletionRequest struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// CompletionResponse is the provider's reply.
type CompletionResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Client is the provider abstraction. Implementations must honor the
// context deadline.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}
