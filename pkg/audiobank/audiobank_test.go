package audiobank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	surfacemock "github.com/parleylabs/parley/pkg/audiobank/mock"
	"github.com/parleylabs/parley/pkg/provider/tts"
	ttsmock "github.com/parleylabs/parley/pkg/provider/tts/mock"
)

func newTestBank(t *testing.T, synth tts.Provider, opts ...Option) *Bank {
	t.Helper()
	b, err := New(synth, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestEnsureReadySynthesisesOnce(t *testing.T) {
	synth := &ttsmock.Provider{}
	b := newTestBank(t, synth)

	st := Statement{ExampleID: "ex-1", Text: "I'm worried about my cough."}
	for i := 0; i < 3; i++ {
		if err := b.EnsureReady(context.Background(), "task-1", st); err != nil {
			t.Fatalf("EnsureReady #%d: %v", i, err)
		}
	}

	if len(synth.SynthesizeCalls) != 1 {
		t.Errorf("synthesis calls = %d, want 1", len(synth.SynthesizeCalls))
	}
	info, ok := b.GetEntry("task-1", "ex-1")
	if !ok || info.Status != StatusReady {
		t.Errorf("entry = %+v ok=%v, want ready", info, ok)
	}
}

func TestEnsureReadyConcurrentCallsShareGeneration(t *testing.T) {
	synth := &ttsmock.Provider{}
	b := newTestBank(t, synth)
	st := Statement{ExampleID: "ex-1", Text: "hello"}

	var wg sync.WaitGroup
	var fails atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.EnsureReady(context.Background(), "task-1", st); err != nil {
				fails.Add(1)
			}
		}()
	}
	wg.Wait()

	if fails.Load() != 0 {
		t.Fatalf("%d EnsureReady calls failed", fails.Load())
	}
	if len(synth.SynthesizeCalls) != 1 {
		t.Errorf("synthesis calls = %d, want 1", len(synth.SynthesizeCalls))
	}
}

func TestEnsureReadyRetriesAfterError(t *testing.T) {
	synth := &ttsmock.Provider{Err: errors.New("backend down")}
	b := newTestBank(t, synth)
	st := Statement{ExampleID: "ex-1", Text: "hello"}

	if err := b.EnsureReady(context.Background(), "task-1", st); err == nil {
		t.Fatal("expected synthesis error")
	}
	info, _ := b.GetEntry("task-1", "ex-1")
	if info.Status != StatusError || info.Err == "" {
		t.Fatalf("entry = %+v, want error with text", info)
	}

	// Backend recovers; the next EnsureReady must try again.
	synth.Err = nil
	if err := b.EnsureReady(context.Background(), "task-1", st); err != nil {
		t.Fatalf("EnsureReady after recovery: %v", err)
	}
	info, _ = b.GetEntry("task-1", "ex-1")
	if info.Status != StatusReady {
		t.Errorf("status = %s, want ready", info.Status)
	}
}

func TestFetcherPreferredOverSynthesis(t *testing.T) {
	synth := &ttsmock.Provider{}
	fetched := tts.Clip{Audio: []byte("remote"), MimeType: "audio/mpeg"}
	b := newTestBank(t, synth, WithFetcher(func(ctx context.Context, taskID, exampleID string) (tts.Clip, error) {
		return fetched, nil
	}))

	if err := b.EnsureReady(context.Background(), "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(synth.SynthesizeCalls) != 0 {
		t.Errorf("synthesis calls = %d, want 0 when fetch succeeds", len(synth.SynthesizeCalls))
	}

	surface := &surfacemock.Surface{}
	if err := b.Play(context.Background(), "task-1", "ex-1", surface, PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(surface.PlayCalls) != 1 || string(surface.PlayCalls[0].Audio) != "remote" {
		t.Errorf("surface played %+v, want fetched clip", surface.PlayCalls)
	}
}

func TestFetcherFailureFallsBackToSynthesis(t *testing.T) {
	synth := &ttsmock.Provider{}
	b := newTestBank(t, synth, WithFetcher(func(ctx context.Context, taskID, exampleID string) (tts.Clip, error) {
		return tts.Clip{}, errors.New("gateway 502")
	}))

	if err := b.EnsureReady(context.Background(), "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(synth.SynthesizeCalls) != 1 {
		t.Errorf("synthesis calls = %d, want 1 fallback call", len(synth.SynthesizeCalls))
	}
}

func TestFetchOnlyBank(t *testing.T) {
	t.Run("no provider and no fetcher", func(t *testing.T) {
		if _, err := New(nil); err == nil {
			t.Error("New(nil) = nil error, want validation failure")
		}
	})

	t.Run("fetch failure has no fallback", func(t *testing.T) {
		b, err := New(nil, WithFetcher(func(ctx context.Context, taskID, exampleID string) (tts.Clip, error) {
			return tts.Clip{}, errors.New("gateway 502")
		}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := b.EnsureReady(context.Background(), "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err == nil {
			t.Error("EnsureReady = nil error, want fetch failure")
		}
	})

	t.Run("fetch success", func(t *testing.T) {
		b, err := New(nil, WithFetcher(func(ctx context.Context, taskID, exampleID string) (tts.Clip, error) {
			return tts.Clip{Audio: []byte("remote"), MimeType: "audio/mpeg"}, nil
		}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := b.EnsureReady(context.Background(), "task-1", Statement{ExampleID: "ex-1"}); err != nil {
			t.Fatalf("EnsureReady: %v", err)
		}
	})
}

func TestPlayLifecycle(t *testing.T) {
	b := newTestBank(t, &ttsmock.Provider{})
	surface := &surfacemock.Surface{}
	ctx := context.Background()
	st := Statement{ExampleID: "ex-1", Text: "hello"}

	if err := b.EnsureReady(ctx, "task-1", st); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	ended := false
	if err := b.Play(ctx, "task-1", "ex-1", surface, PlayOptions{OnEnded: func() { ended = true }}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusPlaying {
		t.Errorf("status during playback = %s, want playing", info.Status)
	}

	surface.FinishPlayback()
	if !ended {
		t.Error("OnEnded was not invoked")
	}
	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusReady {
		t.Errorf("status after playback = %s, want ready", info.Status)
	}
}

func TestPlayHonoursShouldPlay(t *testing.T) {
	b := newTestBank(t, &ttsmock.Provider{})
	surface := &surfacemock.Surface{}
	ctx := context.Background()

	if err := b.EnsureReady(ctx, "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	// Stale token: the caller decided the play request is outdated.
	err := b.Play(ctx, "task-1", "ex-1", surface, PlayOptions{ShouldPlay: func() bool { return false }})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(surface.PlayCalls) != 0 {
		t.Errorf("surface received %d plays, want 0", len(surface.PlayCalls))
	}
	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusReady {
		t.Errorf("status = %s, want ready (no-op)", info.Status)
	}
}

func TestPlayAutoplayBlockedThenRetry(t *testing.T) {
	b := newTestBank(t, &ttsmock.Provider{})
	surface := &surfacemock.Surface{PlayErr: ErrAutoplayBlocked}
	ctx := context.Background()

	if err := b.EnsureReady(ctx, "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	err := b.Play(ctx, "task-1", "ex-1", surface, PlayOptions{})
	if !errors.Is(err, ErrAutoplayBlocked) {
		t.Fatalf("err = %v, want ErrAutoplayBlocked", err)
	}
	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", info.Status)
	}

	// The user gesture arrives; the retry must be allowed from blocked.
	surface.PlayErr = nil
	if err := b.Play(ctx, "task-1", "ex-1", surface, PlayOptions{}); err != nil {
		t.Fatalf("retry Play: %v", err)
	}
	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusPlaying {
		t.Errorf("status = %s, want playing", info.Status)
	}
}

func TestPlayRejectsUnpreparedEntry(t *testing.T) {
	b := newTestBank(t, &ttsmock.Provider{})
	err := b.Play(context.Background(), "task-1", "ex-9", &surfacemock.Surface{}, PlayOptions{})
	if err == nil {
		t.Fatal("expected error for unprepared entry")
	}
}

func TestStopIsRedundantSafe(t *testing.T) {
	b := newTestBank(t, &ttsmock.Provider{})
	surface := &surfacemock.Surface{}
	ctx := context.Background()

	if err := b.EnsureReady(ctx, "task-1", Statement{ExampleID: "ex-1", Text: "hello"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := b.Play(ctx, "task-1", "ex-1", surface, PlayOptions{}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	b.Stop(surface)
	b.Stop(surface)

	if info, _ := b.GetEntry("task-1", "ex-1"); info.Status != StatusReady {
		t.Errorf("status = %s, want ready after stop", info.Status)
	}
	if surface.FinishPlayback() {
		t.Error("onEnded fired after Stop")
	}
}

func TestWarmupBatch(t *testing.T) {
	synth := &ttsmock.Provider{}
	b := newTestBank(t, synth, WithWarmupConcurrency(2))

	var statements []Statement
	for i := 0; i < 6; i++ {
		statements = append(statements, Statement{
			ExampleID: fmt.Sprintf("ex-%d", i),
			Text:      fmt.Sprintf("statement %d", i),
		})
	}
	if err := b.WarmupBatch(context.Background(), "task-1", statements); err != nil {
		t.Fatalf("WarmupBatch: %v", err)
	}

	if len(synth.SynthesizeCalls) != 6 {
		t.Errorf("synthesis calls = %d, want 6", len(synth.SynthesizeCalls))
	}
	for _, st := range statements {
		if info, _ := b.GetEntry("task-1", st.ExampleID); info.Status != StatusReady {
			t.Errorf("entry %s status = %s, want ready", st.ExampleID, info.Status)
		}
	}
}
