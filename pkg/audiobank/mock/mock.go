// Package mock provides a scriptable test double for the audiobank
// PlaybackSurface interface.
package mock

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/pkg/provider/tts"
)

// Surface is a mock playback surface. Playback does not end on its own;
// tests call FinishPlayback to simulate the clip running out.
type Surface struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call. Set it to
	// audiobank.ErrAutoplayBlocked to simulate a browser autoplay block.
	PlayErr error

	// PlayCalls records the clip of every Play invocation.
	PlayCalls []tts.Clip

	// StopCalls counts Stop invocations.
	StopCalls int

	onEnded func()
}

// Play records the call and retains onEnded for FinishPlayback.
func (s *Surface) Play(ctx context.Context, clip tts.Clip, onEnded func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayCalls = append(s.PlayCalls, clip)
	if s.PlayErr != nil {
		return s.PlayErr
	}
	s.onEnded = onEnded
	return nil
}

// Stop records the call and drops any pending onEnded, mirroring a real
// surface where a stopped clip never fires its ended event.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.onEnded = nil
}

// FinishPlayback fires the pending onEnded callback, if any. Returns true
// when a callback was fired.
func (s *Surface) FinishPlayback() bool {
	s.mu.Lock()
	cb := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb()
	return true
}

// Playing reports whether a Play call is awaiting FinishPlayback.
func (s *Surface) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onEnded != nil
}
