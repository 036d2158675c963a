package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/tts"
)

// ackTimeout bounds how long the server waits for the page to acknowledge a
// play or record command before treating the device as failed.
const ackTimeout = 10 * time.Second

// sender pushes a message to the page. Session implements it with writes
// serialised on one connection.
type sender interface {
	send(ctx context.Context, msg serverMessage) error
}

// remoteSurface relays patient playback to the browser. Play ships the clip
// over the websocket and blocks until the page acknowledges that audio
// started, was blocked by autoplay policy, or failed. Playback completion
// arrives later as a playback_ended message.
type remoteSurface struct {
	out sender

	mu      sync.Mutex
	seq     uint64
	acks    map[uint64]chan clientMessage
	onEnded map[uint64]func()
}

var _ audiobank.PlaybackSurface = (*remoteSurface)(nil)

func newRemoteSurface(out sender) *remoteSurface {
	return &remoteSurface{
		out:     out,
		acks:    make(map[uint64]chan clientMessage),
		onEnded: make(map[uint64]func()),
	}
}

func (s *remoteSurface) Play(ctx context.Context, clip tts.Clip, onEnded func()) error {
	s.mu.Lock()
	s.seq++
	id := s.seq
	ack := make(chan clientMessage, 1)
	s.acks[id] = ack
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.acks, id)
		s.mu.Unlock()
	}()

	err := s.out.send(ctx, serverMessage{
		Type:     msgPlay,
		PlayID:   id,
		Audio:    clip.Audio,
		MimeType: clip.MimeType,
	})
	if err != nil {
		return fmt.Errorf("server: send play command: %w", err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case msg := <-ack:
		switch msg.Status {
		case ackPlaying:
			s.mu.Lock()
			s.onEnded[id] = onEnded
			s.mu.Unlock()
			return nil
		case ackBlocked:
			return audiobank.ErrAutoplayBlocked
		default:
			return fmt.Errorf("server: page playback failed: %s", msg.Error)
		}
	case <-timer.C:
		return fmt.Errorf("server: play command not acknowledged within %s", ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *remoteSurface) Stop() {
	s.mu.Lock()
	// Forget every completion callback so a late playback_ended for a
	// stopped clip is ignored.
	s.onEnded = make(map[uint64]func())
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	_ = s.out.send(ctx, serverMessage{Type: msgStopAudio})
}

// handleAck routes a play_ack frame to the waiting Play call. Unknown IDs are
// dropped; the Play that owned them already timed out or was stopped.
func (s *remoteSurface) handleAck(msg clientMessage) {
	s.mu.Lock()
	ack, ok := s.acks[msg.PlayID]
	s.mu.Unlock()
	if ok {
		select {
		case ack <- msg:
		default:
		}
	}
}

// handleEnded fires the completion callback for a finished clip, at most
// once.
func (s *remoteSurface) handleEnded(playID uint64) {
	s.mu.Lock()
	fn := s.onEnded[playID]
	delete(s.onEnded, playID)
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// remoteRecorder relays microphone control to the browser. Start blocks until
// the page confirms the recorder is running (or that permission was denied);
// Stop blocks until the finished clip arrives.
type remoteRecorder struct {
	out sender

	mu   sync.Mutex
	seq  uint64
	cur  uint64
	acks map[uint64]chan clientMessage
}

var _ capture.Recorder = (*remoteRecorder)(nil)

func newRemoteRecorder(out sender) *remoteRecorder {
	return &remoteRecorder{
		out:  out,
		acks: make(map[uint64]chan clientMessage),
	}
}

func (r *remoteRecorder) StartFromUserGesture(ctx context.Context) error {
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.cur = id
	ack := make(chan clientMessage, 1)
	r.acks[id] = ack
	r.mu.Unlock()

	if err := r.out.send(ctx, serverMessage{Type: msgStartCapture, RecordID: id}); err != nil {
		r.drop(id)
		return fmt.Errorf("server: send capture command: %w", err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case msg := <-ack:
		if msg.Status != ackRecording {
			r.drop(id)
			return fmt.Errorf("server: microphone access denied: %s", msg.Error)
		}
		return nil
	case <-timer.C:
		r.drop(id)
		return fmt.Errorf("server: capture command not acknowledged within %s", ackTimeout)
	case <-ctx.Done():
		r.drop(id)
		return ctx.Err()
	}
}

func (r *remoteRecorder) Stop(ctx context.Context) (*capture.Clip, error) {
	r.mu.Lock()
	id := r.cur
	ack, ok := r.acks[id]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	defer r.drop(id)

	if err := r.out.send(ctx, serverMessage{Type: msgStopCapture, RecordID: id}); err != nil {
		return nil, fmt.Errorf("server: send stop capture command: %w", err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case msg := <-ack:
		if len(msg.Audio) == 0 {
			return nil, nil
		}
		return &capture.Clip{Blob: msg.Audio, MimeType: msg.MimeType}, nil
	case <-timer.C:
		return nil, fmt.Errorf("server: clip not delivered within %s", ackTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleFrame routes record_ack and clip frames to the waiting call.
func (r *remoteRecorder) handleFrame(msg clientMessage) {
	r.mu.Lock()
	ack, ok := r.acks[msg.RecordID]
	r.mu.Unlock()
	if ok {
		select {
		case ack <- msg:
		default:
		}
	}
}

func (r *remoteRecorder) drop(id uint64) {
	r.mu.Lock()
	delete(r.acks, id)
	if r.cur == id {
		r.cur = 0
	}
	r.mu.Unlock()
}
