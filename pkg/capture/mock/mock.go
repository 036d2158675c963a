// Package mock provides a scriptable [capture.Recorder] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/pkg/capture"
)

// Compile-time assertion that Recorder satisfies capture.Recorder.
var _ capture.Recorder = (*Recorder)(nil)

// Recorder is a test double for the microphone boundary. Configure Clip (or
// StartErr/StopErr) before use; call counters are exported for assertions.
type Recorder struct {
	mu sync.Mutex

	// Clip is returned by Stop. Leave nil to simulate a cancelled capture.
	Clip *capture.Clip

	// StartErr, when set, is returned by StartFromUserGesture (simulating a
	// microphone-permission denial).
	StartErr error

	// StopErr, when set, is returned by Stop.
	StopErr error

	StartCalls int
	StopCalls  int
	recording  bool
}

// StartFromUserGesture implements [capture.Recorder].
func (r *Recorder) StartFromUserGesture(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls++
	if r.StartErr != nil {
		return r.StartErr
	}
	r.recording = true
	return nil
}

// Stop implements [capture.Recorder].
func (r *Recorder) Stop(_ context.Context) (*capture.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls++
	r.recording = false
	if r.StopErr != nil {
		return nil, r.StopErr
	}
	return r.Clip, nil
}

// Recording reports whether the recorder is between Start and Stop.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
