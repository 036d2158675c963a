// Package mock provides a test double for the stt package interfaces.
//
// Use Provider to feed a scripted transcript to the code under test and to
// inspect which clips were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "the dog runs fast"}}
//	res, _ := p.Transcribe(ctx, clip)
package mock

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Clip is the clip passed to Transcribe.
	Clip capture.Clip
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned from Transcribe when Results is empty. Its
	// Provider field defaults to ProviderName when empty.
	Result stt.Result

	// Results, if non-empty, is consumed front to back across successive
	// Transcribe calls. After the queue drains, Result is returned.
	Results []stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Clip: clip})
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	res := p.Result
	if len(p.Results) > 0 {
		res = p.Results[0]
		p.Results = p.Results[1:]
	}
	if res.Provider == "" {
		res.Provider = p.name()
	}
	return res, nil
}

// Name returns ProviderName, defaulting to "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name()
}

func (p *Provider) name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
