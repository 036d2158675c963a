package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/llm"
	llmmock "github.com/parleylabs/parley/pkg/provider/llm/mock"
	"github.com/parleylabs/parley/pkg/provider/stt"
	sttmock "github.com/parleylabs/parley/pkg/provider/stt/mock"
	"github.com/parleylabs/parley/pkg/provider/tts"
	ttsmock "github.com/parleylabs/parley/pkg/provider/tts/mock"
)

func TestFallbackGroup_PrimaryFirst(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var used string
	err := fg.Execute(func(v string) error {
		used = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "primary" {
		t.Errorf("used = %q, want primary", used)
	}
}

func TestFallbackGroup_FailsOverInOrder(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")
	fg.AddFallback("c", "c")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v != "c" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(tried) != len(want) {
		t.Fatalf("tried = %v, want %v", tried, want)
	}
	for i := range want {
		if tried[i] != want[i] {
			t.Fatalf("tried = %v, want %v", tried, want)
		}
	}
}

func TestFallbackGroup_AllFailed(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("b", "b")

	// Trip the primary's breaker.
	_ = fg.Execute(func(v string) error {
		if v == "a" {
			return errTest
		}
		return nil
	})

	// The primary must now be skipped without being called.
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "b" {
		t.Errorf("tried = %v, want only b", tried)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 1 {
			return 0, errTest
		}
		return v * 10, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 20 {
		t.Errorf("result = %d, want 20", got)
	}
}

func TestSTTFallback_UsesFallbackResult(t *testing.T) {
	primary := &sttmock.Provider{Err: errTest, ProviderName: "native"}
	backup := &sttmock.Provider{
		Result:       stt.Result{Text: "the dog runs"},
		ProviderName: "runtime",
	}

	f := NewSTTFallback(primary, "native", FallbackConfig{})
	f.AddFallback("runtime", backup)

	clip := capture.Clip{Blob: []byte{1, 2}, MimeType: "audio/wav"}
	res, err := f.Transcribe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "the dog runs" {
		t.Errorf("text = %q, want fallback transcript", res.Text)
	}
	if res.Provider != "runtime" {
		t.Errorf("provider = %q, want runtime", res.Provider)
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.TranscribeCalls))
	}
}

func TestLLMFallback_UsesFallbackResult(t *testing.T) {
	primary := &llmmock.Provider{Err: errTest, ProviderName: "openai"}
	backup := &llmmock.Provider{
		Response:     &llm.CompletionResponse{Content: `{"score": 80}`},
		ProviderName: "runtime",
	}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("runtime", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"score": 80}` {
		t.Errorf("content = %q, want fallback response", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.CompleteCalls))
	}
	if f.Name() != "llm-fallback" {
		t.Errorf("name = %q, want llm-fallback", f.Name())
	}
}

func TestTTSFallback_UsesFallbackResult(t *testing.T) {
	primary := &ttsmock.Provider{Err: errTest, ProviderName: "cloud"}
	backup := &ttsmock.Provider{
		Clip:         tts.Clip{Audio: []byte{9, 9}, MimeType: "audio/mpeg"},
		ProviderName: "runtime",
	}

	f := NewTTSFallback(primary, "cloud", FallbackConfig{})
	f.AddFallback("runtime", backup)

	clip, err := f.Synthesize(context.Background(), tts.Request{Text: "breathe out slowly"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.MimeType != "audio/mpeg" || len(clip.Audio) != 2 {
		t.Errorf("clip = %+v, want fallback clip", clip)
	}
	if len(primary.SynthesizeCalls) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.SynthesizeCalls))
	}
	if len(backup.SynthesizeCalls) != 1 {
		t.Errorf("backup calls = %d, want 1", len(backup.SynthesizeCalls))
	}
}
