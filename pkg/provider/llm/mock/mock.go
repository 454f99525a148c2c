// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/earshotlabs/earshot/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause Complete to return nil, nil.
// Set CompleteErr to inject errors.
type Provider struct {
	mu sync.Mutex

	// ─── Configurable responses ───

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// CompleteQueue, when non-empty, supplies responses consumed one per
	// call, in order. After the queue drains, CompleteResponse is used.
	CompleteQueue []*llm.CompletionResponse

	// CompleteResponse is returned by Complete when CompleteQueue is empty.
	// May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ─── Call records (read after test) ───

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Complete records the call and returns the next configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteQueue) > 0 {
		resp := p.CompleteQueue[0]
		p.CompleteQueue = p.CompleteQueue[1:]
		return resp, nil
	}
	return p.CompleteResponse, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
