package observe

import (
	"context"
	"time"

	"github.com/parleylabs/parley/pkg/provider/tts"
)

// InstrumentTTS wraps a synthesis provider so every call lands on the
// provider duration and error instruments. A nil Metrics returns the
// provider unwrapped.
func InstrumentTTS(p tts.Provider, m *Metrics) tts.Provider {
	if p == nil || m == nil {
		return p
	}
	return &instrumentedTTS{next: p, metrics: m}
}

type instrumentedTTS struct {
	next    tts.Provider
	metrics *Metrics
}

var _ tts.Provider = (*instrumentedTTS)(nil)

func (t *instrumentedTTS) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	start := time.Now()
	clip, err := t.next.Synthesize(ctx, req)
	if err != nil {
		t.metrics.RecordProviderError(ctx, "tts", t.next.Name())
		return tts.Clip{}, err
	}
	t.metrics.RecordProviderRequest(ctx, "tts", t.next.Name(), time.Since(start).Seconds())
	return clip, nil
}

func (t *instrumentedTTS) Name() string {
	return t.next.Name()
}
