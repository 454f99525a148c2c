package resilience

import (
	"context"

	"github.com/earshotlabs/earshot/pkg/provider/llm"
)

// LLMChain implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary
// fails or its breaker is open, the next healthy backend is tried.
type LLMChain struct {
	name  string
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain creates an [LLMChain] with primary as the preferred backend.
// Breaker identity and log labels come from [llm.Provider.Name].
func NewLLMChain(primary llm.Provider, cfg FallbackConfig) *LLMChain {
	return &LLMChain{
		name:  primary.Name(),
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (c *LLMChain) AddFallback(provider llm.Provider) {
	c.group.AddFallback(provider.Name(), provider)
}

// Name identifies the chain by its primary backend.
func (c *LLMChain) Name() string {
	return c.name
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried in order.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(c.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
