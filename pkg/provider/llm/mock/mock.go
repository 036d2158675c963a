// Package mock provides a test double for the llm package interfaces.
//
// Use Provider to return a scripted completion and inspect the requests the
// code under test sent.
package mock

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned from Complete when Responses is empty.
	Response *llm.CompletionResponse

	// Responses, if non-empty, is consumed front to back across
	// successive Complete calls. After the queue drains, Response is
	// returned.
	Responses []*llm.CompletionResponse

	// Err, if non-nil, is returned as the error from Complete.
	Err error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

// Complete records the request and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) > 0 {
		resp := p.Responses[0]
		p.Responses = p.Responses[1:]
		return resp, nil
	}
	if p.Response != nil {
		return p.Response, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Name returns ProviderName, defaulting to "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
