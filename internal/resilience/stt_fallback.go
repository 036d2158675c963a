package resilience

import (
	"context"

	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// transcription backends. Each backend has its own circuit breaker. The usual
// local-mode chain is whisper-native first, local runtime second, so a broken
// CGO build degrades to HTTP instead of killing the turn.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the clip through the first healthy backend. The result's
// Provider field reports which backend actually transcribed it.
func (f *STTFallback) Transcribe(ctx context.Context, clip capture.Clip) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, clip)
	})
}

// Name implements stt.Provider.
func (f *STTFallback) Name() string { return "stt-fallback" }
