// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider synthesises the patient utterances the audio bank plays
// before each response window. Statements are short and synthesised ahead
// of playback, so the interface is batch rather than streaming: one
// Synthesize call returns the complete encoded clip.
//
// Implementations must be safe for concurrent use; the audio bank warms
// several entries in parallel.
package tts

import "context"

// Request describes one synthesis job.
type Request struct {
	// Text is the utterance to synthesise. Must not be empty.
	Text string

	// Voice selects the voice profile, using provider-native identifiers
	// (e.g. "alloy" for OpenAI-compatible runtimes). Empty selects the
	// provider default.
	Voice string

	// Speed scales playback rate in the range the provider supports,
	// typically [0.25, 4.0]. Zero means normal speed. Slower speeds are
	// useful for patients who need more processing time.
	Speed float64
}

// Clip is one synthesised utterance.
type Clip struct {
	// Audio is the encoded audio bytes.
	Audio []byte

	// MimeType identifies the container, e.g. "audio/wav" or "audio/mpeg".
	MimeType string
}

// Provider is the abstraction over any batch TTS backend.
type Provider interface {
	// Synthesize converts req.Text into an audio clip. Returns an error
	// if the text is empty, the voice is unknown, or ctx is cancelled
	// before synthesis completes.
	Synthesize(ctx context.Context, req Request) (Clip, error)

	// Name returns a short stable identifier for the backend.
	Name() string
}
