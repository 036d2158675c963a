// Package whispernative implements stt.Provider with the whisper.cpp CGO
// bindings, running entirely on device. The whisper.cpp static library
// (libwhisper.a) and headers (whisper.h) must be available at link time
// via LIBRARY_PATH and C_INCLUDE_PATH.
package whispernative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using whisper.cpp Go bindings. The
// model is loaded once at construction and shared across all Transcribe
// calls; each call creates its own whisper context, so concurrent calls
// do not interfere.
type Provider struct {
	model    whisperlib.Model
	language string
	threads  int
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g.
// "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithThreads caps the number of CPU threads whisper.cpp may use per
// inference. Zero leaves the library default in place.
func WithThreads(n int) Option {
	return func(p *Provider) { p.threads = n }
}

// New loads the whisper.cpp model from modelPath. The caller must call
// Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispernative: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispernative: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "whisper-native" }

// Transcribe implements stt.Provider. The clip is decoded to 16 kHz mono
// PCM, converted to float32 samples, and run through a fresh whisper
// context.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (stt.Result, error) {
	if clip.Empty() {
		return stt.Result{}, stt.ErrEmptyClip
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whispernative: context already cancelled: %w", err)
	}

	pcm, err := audio.DecodeClip(clip.Blob, clip.MimeType)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whispernative: decode clip: %w", err)
	}
	samples := audio.PCMToFloat32(pcm)
	if len(samples) == 0 {
		return stt.Result{}, stt.ErrEmptyClip
	}

	start := time.Now()

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whispernative: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return stt.Result{}, fmt.Errorf("whispernative: set language %q: %w", p.language, err)
	}
	if p.threads > 0 {
		wctx.SetThreads(uint(p.threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whispernative: process audio: %w", err)
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)
	}

	return stt.Result{
		Text:       sb.String(),
		Provider:   p.Name(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
