package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/provider/tts"
)

// fakeSender records outbound frames and lets tests script the page's
// replies.
type fakeSender struct {
	mu   sync.Mutex
	sent []serverMessage
	err  error
}

func (f *fakeSender) send(_ context.Context, msg serverMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last(t *testing.T) serverMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no frames sent")
	}
	return f.sent[len(f.sent)-1]
}

func testClip() tts.Clip {
	return tts.Clip{Audio: []byte("riff-bytes"), MimeType: "audio/wav"}
}

func TestRemoteSurface_PlayAcknowledged(t *testing.T) {
	out := &fakeSender{}
	surface := newRemoteSurface(out)

	ended := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- surface.Play(context.Background(), testClip(), func() { close(ended) })
	}()

	// Wait for the play frame, then acknowledge it like the page would.
	msg := waitForFrame(t, out, msgPlay)
	if msg.MimeType != "audio/wav" || len(msg.Audio) == 0 {
		t.Errorf("play frame = %+v, want clip audio and mime type", msg)
	}
	surface.handleAck(clientMessage{Type: msgPlayAck, PlayID: msg.PlayID, Status: ackPlaying})

	if err := <-done; err != nil {
		t.Fatalf("Play() = %v, want nil", err)
	}

	// Completion arrives later and fires the callback exactly once.
	surface.handleEnded(msg.PlayID)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnded not invoked")
	}
	surface.handleEnded(msg.PlayID)
}

func TestRemoteSurface_PlayBlocked(t *testing.T) {
	out := &fakeSender{}
	surface := newRemoteSurface(out)

	done := make(chan error, 1)
	go func() {
		done <- surface.Play(context.Background(), testClip(), func() {})
	}()

	msg := waitForFrame(t, out, msgPlay)
	surface.handleAck(clientMessage{Type: msgPlayAck, PlayID: msg.PlayID, Status: ackBlocked})

	if err := <-done; !errors.Is(err, audiobank.ErrAutoplayBlocked) {
		t.Fatalf("Play() = %v, want ErrAutoplayBlocked", err)
	}
}

func TestRemoteSurface_PlayFailed(t *testing.T) {
	out := &fakeSender{}
	surface := newRemoteSurface(out)

	done := make(chan error, 1)
	go func() {
		done <- surface.Play(context.Background(), testClip(), func() {})
	}()

	msg := waitForFrame(t, out, msgPlay)
	surface.handleAck(clientMessage{Type: msgPlayAck, PlayID: msg.PlayID, Status: ackError, Error: "decode failed"})

	err := <-done
	if err == nil || errors.Is(err, audiobank.ErrAutoplayBlocked) {
		t.Fatalf("Play() = %v, want page failure error", err)
	}
}

func TestRemoteSurface_StopDiscardsCompletion(t *testing.T) {
	out := &fakeSender{}
	surface := newRemoteSurface(out)

	done := make(chan error, 1)
	fired := false
	go func() {
		done <- surface.Play(context.Background(), testClip(), func() { fired = true })
	}()

	msg := waitForFrame(t, out, msgPlay)
	surface.handleAck(clientMessage{Type: msgPlayAck, PlayID: msg.PlayID, Status: ackPlaying})
	if err := <-done; err != nil {
		t.Fatalf("Play() = %v", err)
	}

	surface.Stop()
	if got := out.last(t); got.Type != msgStopAudio {
		t.Errorf("last frame = %s, want %s", got.Type, msgStopAudio)
	}

	// A completion frame arriving after Stop must not fire the callback.
	surface.handleEnded(msg.PlayID)
	if fired {
		t.Error("onEnded fired after Stop")
	}
}

func TestRemoteSurface_PlayCancelled(t *testing.T) {
	out := &fakeSender{}
	surface := newRemoteSurface(out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := surface.Play(ctx, testClip(), func() {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Play() = %v, want context.Canceled", err)
	}
}

func TestRemoteRecorder_StartAndStop(t *testing.T) {
	out := &fakeSender{}
	rec := newRemoteRecorder(out)

	done := make(chan error, 1)
	go func() {
		done <- rec.StartFromUserGesture(context.Background())
	}()

	start := waitForFrame(t, out, msgStartCapture)
	rec.handleFrame(clientMessage{Type: msgRecordAck, RecordID: start.RecordID, Status: ackRecording})
	if err := <-done; err != nil {
		t.Fatalf("StartFromUserGesture() = %v, want nil", err)
	}

	type stopResult struct {
		clip []byte
		err  error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		clip, err := rec.Stop(context.Background())
		var blob []byte
		if clip != nil {
			blob = clip.Blob
		}
		stopped <- stopResult{clip: blob, err: err}
	}()

	stop := waitForFrame(t, out, msgStopCapture)
	rec.handleFrame(clientMessage{Type: msgClip, RecordID: stop.RecordID, Audio: []byte("opus"), MimeType: "audio/webm"})

	res := <-stopped
	if res.err != nil {
		t.Fatalf("Stop() = %v, want nil", res.err)
	}
	if string(res.clip) != "opus" {
		t.Errorf("clip blob = %q, want %q", res.clip, "opus")
	}
}

func TestRemoteRecorder_MicrophoneDenied(t *testing.T) {
	out := &fakeSender{}
	rec := newRemoteRecorder(out)

	done := make(chan error, 1)
	go func() {
		done <- rec.StartFromUserGesture(context.Background())
	}()

	start := waitForFrame(t, out, msgStartCapture)
	rec.handleFrame(clientMessage{Type: msgRecordAck, RecordID: start.RecordID, Status: ackDenied, Error: "NotAllowedError"})

	if err := <-done; err == nil {
		t.Fatal("StartFromUserGesture() = nil, want denial error")
	}
}

func TestRemoteRecorder_EmptyClipIsNil(t *testing.T) {
	out := &fakeSender{}
	rec := newRemoteRecorder(out)

	done := make(chan error, 1)
	go func() { done <- rec.StartFromUserGesture(context.Background()) }()
	start := waitForFrame(t, out, msgStartCapture)
	rec.handleFrame(clientMessage{Type: msgRecordAck, RecordID: start.RecordID, Status: ackRecording})
	if err := <-done; err != nil {
		t.Fatalf("StartFromUserGesture() = %v", err)
	}

	type stopResult struct {
		isNil bool
		err   error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		clip, err := rec.Stop(context.Background())
		stopped <- stopResult{isNil: clip == nil, err: err}
	}()

	stop := waitForFrame(t, out, msgStopCapture)
	rec.handleFrame(clientMessage{Type: msgClip, RecordID: stop.RecordID})

	res := <-stopped
	if res.err != nil {
		t.Fatalf("Stop() = %v, want nil", res.err)
	}
	if !res.isNil {
		t.Error("Stop() clip != nil, want nil for empty capture")
	}
}

func TestRemoteRecorder_StopWithoutStart(t *testing.T) {
	rec := newRemoteRecorder(&fakeSender{})
	clip, err := rec.Stop(context.Background())
	if err != nil || clip != nil {
		t.Errorf("Stop() = %v, %v, want nil, nil", clip, err)
	}
}

// waitForFrame polls the fake sender until a frame of the wanted type shows
// up.
func waitForFrame(t *testing.T, out *fakeSender, wantType string) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out.mu.Lock()
		for _, msg := range out.sent {
			if msg.Type == wantType {
				out.mu.Unlock()
				return msg
			}
		}
		out.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame sent within deadline", wantType)
	return serverMessage{}
}
