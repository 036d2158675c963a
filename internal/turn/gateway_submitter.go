package turn

import (
	"context"
	"fmt"

	"github.com/parleylabs/parley/internal/gateway"
	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/timing"
)

// GatewaySubmitter runs turn inference through the practice gateway in two
// calls: the clip goes up with scoring skipped to obtain a transcript and a
// server-assigned attempt ID, then the transcript goes back with the timing
// measurements for evaluation. It also doubles as the RoundStarter for
// gateway-backed sessions.
type GatewaySubmitter struct {
	client *gateway.Client
}

var (
	_ Submitter    = (*GatewaySubmitter)(nil)
	_ RoundStarter = (*GatewaySubmitter)(nil)
)

// NewGatewaySubmitter wraps an authenticated gateway client.
func NewGatewaySubmitter(client *gateway.Client) (*GatewaySubmitter, error) {
	if client == nil {
		return nil, fmt.Errorf("turn: gateway client must not be nil")
	}
	return &GatewaySubmitter{client: client}, nil
}

// StartRound implements RoundStarter. An AlreadyStarted answer is a normal
// resume, not an error.
func (s *GatewaySubmitter) StartRound(ctx context.Context, tc TurnContext, mode match.Mode) error {
	_, err := s.client.StartRound(ctx, gateway.StartRoundRequest{
		SessionID: tc.SessionID,
		RoundID:   tc.Round.ID,
		TaskID:    tc.Round.TaskID,
		ExampleID: tc.Round.ExampleID,
		Mode:      string(mode),
	})
	return err
}

// Transcribe implements Submitter.
func (s *GatewaySubmitter) Transcribe(ctx context.Context, tc TurnContext, clip capture.Clip, snap timing.Snapshot) (*submission.Payload, error) {
	return s.client.SubmitTurn(ctx, gateway.SubmitTurnRequest{
		SessionID:          tc.SessionID,
		RoundID:            tc.Round.ID,
		ParticipantID:      tc.ParticipantID,
		TaskID:             tc.Round.TaskID,
		ExampleID:          tc.Round.ExampleID,
		Clip:               &clip,
		SkipScoring:        true,
		ResponseDelayMs:    &snap.ResponseDelayMs,
		ResponseDurationMs: &snap.ResponseDurationMs,
	})
}

// Score implements Submitter. The penalty travels with the call so the
// gateway's adjusted score and the local bookkeeping agree.
func (s *GatewaySubmitter) Score(ctx context.Context, tc TurnContext, attemptID, transcript string, snap timing.Snapshot) (*submission.Payload, error) {
	return s.client.SubmitTurn(ctx, gateway.SubmitTurnRequest{
		SessionID:          tc.SessionID,
		RoundID:            tc.Round.ID,
		ParticipantID:      tc.ParticipantID,
		TaskID:             tc.Round.TaskID,
		ExampleID:          tc.Round.ExampleID,
		AttemptID:          attemptID,
		Transcript:         transcript,
		ResponseDelayMs:    &snap.ResponseDelayMs,
		ResponseDurationMs: &snap.ResponseDurationMs,
		TimingPenalty:      &snap.Penalty,
	})
}
