// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (the whisper.cpp CGO
// bindings or an OpenAI-compatible local runtime) and exposes a uniform
// batch interface: a recorded clip goes in, its transcript comes out. The
// engine records a complete response attempt before transcribing it, so
// there is no streaming session here; one Transcribe call covers one
// attempt.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/parleylabs/parley/pkg/capture"
)

// ErrEmptyClip is returned when the clip contains no audio data.
var ErrEmptyClip = errors.New("stt: empty clip")

// Result is the outcome of transcribing one recorded clip.
type Result struct {
	// Text is the transcript with leading/trailing whitespace trimmed.
	// It may be empty when the clip contains no recognisable speech.
	Text string

	// Provider names the backend that produced the transcript, e.g.
	// "whisper-native" or "local-runtime". Useful for logs and metrics
	// when a fallback chain is in play.
	Provider string

	// DurationMs is the wall-clock transcription time in milliseconds.
	DurationMs int64
}

// Provider is the abstraction over any batch STT backend.
//
// Implementations must be safe for concurrent use; turns from different
// matches may transcribe in parallel. Transcribe must propagate ctx
// cancellation promptly.
type Provider interface {
	// Transcribe converts one recorded clip to text. The clip's MimeType
	// decides how the blob is decoded; see pkg/audio for the supported
	// encodings. Returns ErrEmptyClip if the clip carries no audio.
	Transcribe(ctx context.Context, clip capture.Clip) (Result, error)

	// Name returns a short stable identifier for the backend.
	Name() string
}
