// Package observe wires up OpenTelemetry metrics and tracing for the
// practice runtime. Instruments are created once and shared; all recording
// helpers are safe for concurrent use.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/parleylabs/parley"

// latencyBuckets covers the range we care about for provider calls:
// sub-100ms cache hits through multi-second LLM evaluations.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every instrument the runtime records to.
type Metrics struct {
	// Provider latency histograms, in seconds.
	STTDuration        metric.Float64Histogram
	EvaluationDuration metric.Float64Histogram
	TTSDuration        metric.Float64Histogram

	// TurnDuration measures a full turn from response start to a recorded
	// result, in seconds.
	TurnDuration metric.Float64Histogram

	// HTTPRequestDuration measures inbound HTTP request handling, in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// Counters.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter
	SubmissionErrors metric.Int64Counter
	TurnsCompleted   metric.Int64Counter

	// Gauges (up/down counters).
	ActiveMatches      metric.Int64UpDownCounter
	ActiveSessions     metric.Int64UpDownCounter
	ActiveParticipants metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.STTDuration, err = m.Float64Histogram(
		"parley.stt.duration",
		metric.WithDescription("Speech-to-text transcription duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: create stt duration histogram: %w", err)
	}

	if met.EvaluationDuration, err = m.Float64Histogram(
		"parley.evaluation.duration",
		metric.WithDescription("Response evaluation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: create evaluation duration histogram: %w", err)
	}

	if met.TTSDuration, err = m.Float64Histogram(
		"parley.tts.duration",
		metric.WithDescription("Text-to-speech synthesis duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: create tts duration histogram: %w", err)
	}

	if met.TurnDuration, err = m.Float64Histogram(
		"parley.turn.duration",
		metric.WithDescription("Full turn duration from response start to recorded result"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: create turn duration histogram: %w", err)
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram(
		"parley.http.request.duration",
		metric.WithDescription("Inbound HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: create http request duration histogram: %w", err)
	}

	if met.ProviderRequests, err = m.Int64Counter(
		"parley.provider.requests",
		metric.WithDescription("Requests issued to AI providers"),
	); err != nil {
		return nil, fmt.Errorf("observe: create provider requests counter: %w", err)
	}

	if met.ProviderErrors, err = m.Int64Counter(
		"parley.provider.errors",
		metric.WithDescription("Failed AI provider requests"),
	); err != nil {
		return nil, fmt.Errorf("observe: create provider errors counter: %w", err)
	}

	if met.SubmissionErrors, err = m.Int64Counter(
		"parley.submission.errors",
		metric.WithDescription("Turn submissions that failed, by stage"),
	); err != nil {
		return nil, fmt.Errorf("observe: create submission errors counter: %w", err)
	}

	if met.TurnsCompleted, err = m.Int64Counter(
		"parley.turns.completed",
		metric.WithDescription("Turns that reached a recorded result"),
	); err != nil {
		return nil, fmt.Errorf("observe: create turns completed counter: %w", err)
	}

	if met.ActiveMatches, err = m.Int64UpDownCounter(
		"parley.active_matches",
		metric.WithDescription("Matches currently in progress"),
	); err != nil {
		return nil, fmt.Errorf("observe: create active matches gauge: %w", err)
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter(
		"parley.active_sessions",
		metric.WithDescription("Practice sessions currently connected"),
	); err != nil {
		return nil, fmt.Errorf("observe: create active sessions gauge: %w", err)
	}

	if met.ActiveParticipants, err = m.Int64UpDownCounter(
		"parley.active_participants",
		metric.WithDescription("Participants currently attached to matches"),
	); err != nil {
		return nil, fmt.Errorf("observe: create active participants gauge: %w", err)
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// DefaultMetrics returns process-wide metrics bound to the global meter
// provider. The first call creates the instruments.
func DefaultMetrics() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

// Attr is shorthand for a string attribute.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call and its latency on the
// matching histogram. Kind is stt, llm or tts.
func (m *Metrics) RecordProviderRequest(ctx context.Context, kind, provider string, seconds float64) {
	attrs := metric.WithAttributes(Attr("kind", kind), Attr("provider", provider))
	m.ProviderRequests.Add(ctx, 1, attrs)
	switch kind {
	case "stt":
		m.STTDuration.Record(ctx, seconds, metric.WithAttributes(Attr("provider", provider)))
	case "llm":
		m.EvaluationDuration.Record(ctx, seconds, metric.WithAttributes(Attr("provider", provider)))
	case "tts":
		m.TTSDuration.Record(ctx, seconds, metric.WithAttributes(Attr("provider", provider)))
	}
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, kind, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("provider", provider)))
}

// RecordSubmissionError counts one failed submission. Stage is transcribe
// or score.
func (m *Metrics) RecordSubmissionError(ctx context.Context, stage string) {
	m.SubmissionErrors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordTurnCompleted counts one finished turn and its duration. Outcome is
// scored or timeout.
func (m *Metrics) RecordTurnCompleted(ctx context.Context, mode, outcome string, seconds float64) {
	attrs := metric.WithAttributes(Attr("mode", mode), Attr("outcome", outcome))
	m.TurnsCompleted.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}
