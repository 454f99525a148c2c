// Package openai provides an LLM provider backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/earshotlabs/earshot/pkg/provider/llm"
)

// envKey is the environment variable consulted when no fixed key is set.
const envKey = "OPENAI_API_KEY"

// Provider implements llm.Provider using the OpenAI API.
//
// The API key is resolved on every request, so keys written to the process
// environment after startup are picked up on the next call.
type Provider struct {
	model   string
	apiKey  string
	baseURL string
	timeout time.Duration
}

var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithAPIKey pins the API key instead of reading OPENAI_API_KEY per request.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// New constructs an OpenAI LLM Provider for the given model.
func New(model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	p := &Provider{model: model}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return "openai/" + p.model
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	key := p.apiKey
	if key == "" {
		key = os.Getenv(envKey)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %s is not set", envKey)
	}

	client := p.client(key)
	resp, err := client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// client builds a request-scoped SDK client carrying the resolved key.
func (p *Provider) client(key string) oai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: p.timeout}))
	}
	return oai.NewClient(reqOpts...)
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, oai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = oai.String(m.Content)
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}
