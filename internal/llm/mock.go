package llm

import (
	"context"
	"sync"
)

// MockProvider is a test double that replays queued responses in order.
type MockProvider struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	errors    []error
	calls     []*CompletionRequest
	fallback  string
}

// NewMockProviderSimple returns a mock that always answers with text.
func NewMockProviderSimple(text string) *MockProvider {
	return &MockProvider{fallback: text}
}

// Name returns "mock".
func (p *MockProvider) Name() string { return "mock" }

// QueueResponse appends a canned response.
func (p *MockProvider) QueueResponse(resp *CompletionResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

// QueueError appends a canned failure.
func (p *MockProvider) QueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, err)
}

// Calls returns the requests seen so far.
func (p *MockProvider) Calls() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// Complete records the call and pops the next queued error or response.
func (p *MockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.calls = append(p.calls, req)
	if len(p.errors) > 0 {
		err := p.errors[0]
		p.errors = p.errors[1:]
		return nil, err
	}
	if len(p.responses) > 0 {
		resp := p.responses[0]
		p.responses = p.responses[1:]
		return resp, nil
	}
	return &CompletionResponse{Content: p.fallback, Model: "mock"}, nil
}
