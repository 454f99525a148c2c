// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// Usage:
//
//	p, err := anyllm.New("gemini", "gemini-2.0-flash")
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/earshotlabs/earshot/pkg/provider/llm"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
//
// The backend is constructed per request, so API keys written to the process
// environment after startup are picked up on the next call.
type Provider struct {
	provider string
	model    string
	opts     []anyllmlib.Option
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the given backend name.
//
// provider is one of the names reported by SupportedProviders. model is the
// specific model to request (e.g. "gemini-2.0-flash", "gpt-4o-mini").
//
// opts are any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back to
// its environment variable (OPENAI_API_KEY, GEMINI_API_KEY or GOOGLE_API_KEY,
// and so on).
func New(provider, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	name := strings.ToLower(provider)
	if !Supported(name) {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			provider, strings.Join(SupportedProviders(), ", "))
	}
	return &Provider{provider: name, model: model, opts: opts}, nil
}

// SupportedProviders lists the backend names accepted by New.
func SupportedProviders() []string {
	return []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}
}

// Supported reports whether name is a known backend name.
func Supported(name string) bool {
	return slices.Contains(SupportedProviders(), strings.ToLower(name))
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return p.provider + "/" + p.model
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	backend, err := createBackend(p.provider, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", p.provider, err)
	}

	resp, err := backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// buildParams converts a CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// createBackend instantiates the any-llm-go provider for name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}
