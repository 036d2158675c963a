package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleylabs/parley/internal/evaluation"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/stt"
	"github.com/parleylabs/parley/pkg/timing"
)

// LocalSubmitter runs turn inference entirely on the device: a speech
// recogniser for the transcript and the rubric evaluator for the score.
// Attempt IDs are minted locally since no server assigns them. The payloads
// it returns never carry a server timing penalty, so the engine applies the
// locally measured one.
type LocalSubmitter struct {
	stt     stt.Provider
	eval    *evaluation.Evaluator
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ Submitter = (*LocalSubmitter)(nil)

// LocalOption configures a LocalSubmitter.
type LocalOption func(*LocalSubmitter)

// WithLocalMetrics records per-provider call durations and failures on m.
func WithLocalMetrics(m *observe.Metrics) LocalOption {
	return func(s *LocalSubmitter) { s.metrics = m }
}

// NewLocalSubmitter builds a submitter from a speech recogniser and an
// evaluator. Both are required; local mode without them cannot score a turn.
func NewLocalSubmitter(recognizer stt.Provider, evaluator *evaluation.Evaluator, log *slog.Logger, opts ...LocalOption) (*LocalSubmitter, error) {
	if recognizer == nil {
		return nil, fmt.Errorf("turn: speech recognizer must not be nil")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("turn: evaluator must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &LocalSubmitter{stt: recognizer, eval: evaluator, log: log}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Transcribe implements Submitter.
func (s *LocalSubmitter) Transcribe(ctx context.Context, tc TurnContext, clip capture.Clip, _ timing.Snapshot) (*submission.Payload, error) {
	start := time.Now()
	res, err := s.stt.Transcribe(ctx, clip)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, "stt", s.stt.Name())
		}
		return nil, fmt.Errorf("turn: local transcription: %w", err)
	}
	if s.metrics != nil {
		// A fallback chain reports which backend actually transcribed.
		provider := res.Provider
		if provider == "" {
			provider = s.stt.Name()
		}
		s.metrics.RecordProviderRequest(ctx, "stt", provider, time.Since(start).Seconds())
	}

	attemptID := newAttemptID()
	s.log.Debug("local transcription complete",
		"round_id", tc.Round.ID,
		"participant_id", tc.ParticipantID,
		"attempt_id", attemptID,
		"provider", res.Provider,
		"duration_ms", res.DurationMs)

	return &submission.Payload{
		Transcript: &res.Text,
		AttemptID:  &attemptID,
	}, nil
}

// Score implements Submitter.
func (s *LocalSubmitter) Score(ctx context.Context, tc TurnContext, attemptID, transcript string, _ timing.Snapshot) (*submission.Payload, error) {
	start := time.Now()
	ev, err := s.eval.Evaluate(ctx, tc.Task, tc.Example, attemptID, transcript)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, "llm", s.eval.ProviderName())
		}
		return nil, fmt.Errorf("turn: local evaluation: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, "llm", s.eval.ProviderName(), time.Since(start).Seconds())
	}
	return &submission.Payload{
		Transcript: &transcript,
		AttemptID:  &attemptID,
		Evaluation: ev,
	}, nil
}
