// Package llm defines the Provider interface for chat-completion backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Gemini, or
// a local Ollama instance) and exposes a uniform interface for the insight
// generator and question answerer without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Name identifies the backend and model for logs and metrics, e.g.
	// "gemini/gemini-2.0-flash".
	Name() string

	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
