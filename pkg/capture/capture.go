// Package capture defines the microphone-recording boundary.
//
// The actual microphone lives in the learner's browser; the engine only ever
// sees this interface. The websocket transport provides the production
// implementation by relaying start/stop commands to the page and shipping the
// finished clip back; tests use the mock subpackage.
package capture

import "context"

// Clip is one finished recording. Blob holds the encoded audio; see
// [github.com/parleylabs/parley/pkg/audio] for the supported MIME types.
type Clip struct {
	// Blob is the raw clip content.
	Blob []byte

	// Base64 is the clip content base64-encoded, as shipped to HTTP
	// endpoints that take JSON rather than multipart bodies.
	Base64 string

	// MimeType identifies the clip encoding.
	MimeType string
}

// Empty reports whether the clip holds no audio.
func (c *Clip) Empty() bool {
	return c == nil || len(c.Blob) == 0
}

// Recorder is the microphone boundary. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// StartFromUserGesture begins recording. Browsers only grant microphone
	// access in response to a user gesture, so implementations must be
	// invoked synchronously from one; failures surface as microphone-access
	// errors.
	StartFromUserGesture(ctx context.Context) error

	// Stop ends the recording and returns the finished clip. A nil clip (and
	// nil error) signals a cancelled or empty capture, which callers must
	// treat as a no-op rather than an error.
	Stop(ctx context.Context) (*Clip, error)
}
