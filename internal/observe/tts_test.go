package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/parleylabs/parley/pkg/provider/tts"
	ttsmock "github.com/parleylabs/parley/pkg/provider/tts/mock"
)

func TestInstrumentTTSRecordsRequests(t *testing.T) {
	m, reader := newTestMetrics(t)
	backend := &ttsmock.Provider{ProviderName: "local-runtime"}

	p := InstrumentTTS(backend, m)
	clip, err := p.Synthesize(context.Background(), tts.Request{Text: "take a slow breath"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(clip.Audio) == 0 {
		t.Fatal("expected audio from wrapped provider")
	}
	if got := p.Name(); got != "local-runtime" {
		t.Errorf("Name = %q, want %q", got, "local-runtime")
	}

	rm := collect(t, reader)
	dur := findMetric(rm, "parley.tts.duration")
	if dur == nil {
		t.Fatal("parley.tts.duration not recorded")
	}
	if got := histogramCount(t, dur); got != 1 {
		t.Errorf("tts duration samples = %d, want 1", got)
	}
	reqs := findMetric(rm, "parley.provider.requests")
	if reqs == nil {
		t.Fatal("parley.provider.requests not recorded")
	}
	if got := counterValue(t, reqs); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
}

func TestInstrumentTTSRecordsErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	backend := &ttsmock.Provider{ProviderName: "local-runtime", Err: errors.New("runtime down")}

	p := InstrumentTTS(backend, m)
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hello"}); err == nil {
		t.Fatal("expected error from wrapped provider")
	}

	rm := collect(t, reader)
	errs := findMetric(rm, "parley.provider.errors")
	if errs == nil {
		t.Fatal("parley.provider.errors not recorded")
	}
	if got := counterValue(t, errs); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestInstrumentTTSNilMetricsPassesThrough(t *testing.T) {
	backend := &ttsmock.Provider{}
	if got := InstrumentTTS(backend, nil); got != backend {
		t.Error("nil metrics should return the provider unwrapped")
	}
}
