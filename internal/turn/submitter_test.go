package turn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parleylabs/parley/internal/evaluation"
	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/llm"
	llmmock "github.com/parleylabs/parley/pkg/provider/llm/mock"
	"github.com/parleylabs/parley/pkg/provider/stt"
	sttmock "github.com/parleylabs/parley/pkg/provider/stt/mock"
	"github.com/parleylabs/parley/pkg/timing"
)

func testTurnContext() TurnContext {
	task := taskstore.TaskDefinition{
		ID:           "breathing",
		Title:        "Night breathlessness",
		Instructions: "Respond with empathy and a concrete next step.",
		Criteria:     []string{"empathy"},
		MaxScore:     5,
		PassScore:    3,
		Examples: []taskstore.ExampleDefinition{
			{ID: "ex1", Statement: testStatement},
		},
	}
	return TurnContext{
		SessionID:     "sess1",
		Round:         &match.Round{ID: "r1", TaskID: task.ID, ExampleID: "ex1", Statement: testStatement, PlayerAID: "p1"},
		ParticipantID: "p1",
		Task:          task,
		Example:       task.Examples[0],
	}
}

func TestLocalSubmitterValidation(t *testing.T) {
	ev, err := evaluation.New(&llmmock.Provider{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	if _, err := NewLocalSubmitter(nil, ev, nil); err == nil {
		t.Error("expected error for nil recognizer")
	}
	if _, err := NewLocalSubmitter(&sttmock.Provider{}, nil, nil); err == nil {
		t.Error("expected error for nil evaluator")
	}
}

func TestLocalSubmitterTranscribe(t *testing.T) {
	recognizer := &sttmock.Provider{Result: stt.Result{Text: "try breathing through your nose", Provider: "whisper-native"}}
	ev, err := evaluation.New(&llmmock.Provider{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	sub, err := NewLocalSubmitter(recognizer, ev, nil)
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}

	clip := capture.Clip{Blob: []byte("audio"), MimeType: "audio/wav"}
	payload, err := sub.Transcribe(context.Background(), testTurnContext(), clip, timing.Snapshot{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	n := submission.Normalize(*payload)
	if n.Transcript != "try breathing through your nose" {
		t.Errorf("transcript = %q", n.Transcript)
	}
	if !strings.HasPrefix(n.AttemptID, "att_") {
		t.Errorf("attempt id = %q, want att_ prefix", n.AttemptID)
	}
}

func TestLocalSubmitterScore(t *testing.T) {
	model := &llmmock.Provider{Response: &llm.CompletionResponse{
		Content: `{"overall":{"score":4,"pass":true,"feedback":"warm and specific"},` +
			`"criteria":[{"criterion":"empathy","score":4,"max_score":5}],` +
			`"patient_reaction":{"mood":"reassured","utterance":"Thank you, that helps."}}`,
	}}
	ev, err := evaluation.New(model)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	sub, err := NewLocalSubmitter(&sttmock.Provider{}, ev, nil)
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}

	payload, err := sub.Score(context.Background(), testTurnContext(), "att_1", "try breathing through your nose", timing.Snapshot{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	n := submission.Normalize(*payload)
	if n.Evaluation == nil {
		t.Fatal("payload carries no evaluation")
	}
	if n.AttemptID != "att_1" {
		t.Errorf("attempt id = %q, want att_1", n.AttemptID)
	}
	if n.Score == nil || *n.Score != 4 {
		t.Errorf("score = %v, want 4", n.Score)
	}
	// The locally computed payload never reports a server penalty; the
	// engine applies the measured one itself.
	if n.TimingPenalty != nil {
		t.Errorf("timing penalty = %v, want nil", *n.TimingPenalty)
	}
}

func TestLocalSubmitterRecordsProviderMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	recognizer := &sttmock.Provider{Result: stt.Result{Text: "sit upright and breathe", Provider: "whisper-native"}}
	model := &llmmock.Provider{
		ProviderName: "openai",
		Response: &llm.CompletionResponse{
			Content: `{"overall":{"score":4,"pass":true,"feedback":"warm"},` +
				`"criteria":[{"criterion":"empathy","score":4,"max_score":5}],` +
				`"patient_reaction":{"mood":"reassured","utterance":"Thanks."}}`,
		},
	}
	ev, err := evaluation.New(model)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	sub, err := NewLocalSubmitter(recognizer, ev, nil, WithLocalMetrics(metrics))
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}

	clip := capture.Clip{Blob: []byte("audio"), MimeType: "audio/wav"}
	if _, err := sub.Transcribe(ctx, testTurnContext(), clip, timing.Snapshot{}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if _, err := sub.Score(ctx, testTurnContext(), "att_1", "sit upright and breathe", timing.Snapshot{}); err != nil {
		t.Fatalf("score: %v", err)
	}

	if got := providerCounter(t, reader, "parley.provider.requests", "stt"); got != 1 {
		t.Errorf("stt requests = %d, want 1", got)
	}
	if got := providerCounter(t, reader, "parley.provider.requests", "llm"); got != 1 {
		t.Errorf("llm requests = %d, want 1", got)
	}
	if got := providerCounter(t, reader, "parley.provider.errors", "stt"); got != 0 {
		t.Errorf("stt errors = %d, want 0", got)
	}
}

func TestLocalSubmitterRecordsProviderErrors(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	recognizer := &sttmock.Provider{Err: errors.New("runtime unreachable"), ProviderName: "whisper-native"}
	ev, err := evaluation.New(&llmmock.Provider{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	sub, err := NewLocalSubmitter(recognizer, ev, nil, WithLocalMetrics(metrics))
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}

	clip := capture.Clip{Blob: []byte("audio"), MimeType: "audio/wav"}
	if _, err := sub.Transcribe(ctx, testTurnContext(), clip, timing.Snapshot{}); err == nil {
		t.Fatal("expected transcription error")
	}

	if got := providerCounter(t, reader, "parley.provider.errors", "stt"); got != 1 {
		t.Errorf("stt errors = %d, want 1", got)
	}
	if got := providerCounter(t, reader, "parley.provider.requests", "stt"); got != 0 {
		t.Errorf("stt requests = %d, want 0 after failure", got)
	}
}

// providerCounter reads the cumulative value of an int64 provider counter
// for one kind attribute.
func providerCounter(t *testing.T, reader *sdkmetric.ManualReader, name, kind string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("kind")); ok && v.AsString() == kind {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNewGatewaySubmitterValidation(t *testing.T) {
	if _, err := NewGatewaySubmitter(nil); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestNewAttemptID(t *testing.T) {
	a, b := newAttemptID(), newAttemptID()
	if a == b {
		t.Error("attempt IDs must be unique")
	}
	if !strings.HasPrefix(a, "att_") || len(a) != len("att_")+16 {
		t.Errorf("attempt id = %q", a)
	}
}
