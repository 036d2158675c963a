// Package mock provides a test double for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Clip is returned from Synthesize. If its Audio is nil, a small
	// placeholder payload derived from the request text is returned so
	// callers always see non-empty audio.
	Clip tts.Clip

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// SynthesizeCalls records every request passed to Synthesize.
	SynthesizeCalls []tts.Request
}

// Synthesize records the request and returns the scripted clip.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	if p.Err != nil {
		return tts.Clip{}, p.Err
	}
	clip := p.Clip
	if clip.Audio == nil {
		clip.Audio = []byte("pcm:" + req.Text)
	}
	if clip.MimeType == "" {
		clip.MimeType = "audio/wav"
	}
	return clip, nil
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
	p.SynthesizeCalls = nil
}
