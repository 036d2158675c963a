package turn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/timing"
)

// TurnContext identifies the turn a submission belongs to. It is assembled
// by the engine and threaded through every submitter call unchanged.
type TurnContext struct {
	SessionID     string
	Round         *match.Round
	ParticipantID string
	Task          taskstore.TaskDefinition
	Example       taskstore.ExampleDefinition
}

// Submitter is the AI-execution strategy for one turn: first the recorded
// clip becomes a transcript, then the transcript becomes an evaluation.
// Both calls return the loose wire payload that [submission.Normalize]
// canonicalises, so the engine handles gateway and local results
// identically.
//
// Transcription is always attempted before scoring; the engine never calls
// Score without a transcript and attempt ID from a preceding Transcribe.
type Submitter interface {
	Transcribe(ctx context.Context, tc TurnContext, clip capture.Clip, snap timing.Snapshot) (*submission.Payload, error)
	Score(ctx context.Context, tc TurnContext, attemptID, transcript string, snap timing.Snapshot) (*submission.Payload, error)
}

// RoundStarter announces a round before any audio or recording happens.
// Implementations must tolerate repeated calls for the same round.
type RoundStarter interface {
	StartRound(ctx context.Context, tc TurnContext, mode match.Mode) error
}

// NoopStarter is a RoundStarter for fully offline use, where no server
// needs to hear about round starts.
type NoopStarter struct{}

// StartRound implements RoundStarter.
func (NoopStarter) StartRound(context.Context, TurnContext, match.Mode) error { return nil }

// newAttemptID mints a locally unique attempt identifier for submissions
// that do not receive one from a server.
func newAttemptID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; an attempt ID
		// still has to come out.
		panic(fmt.Sprintf("turn: read random bytes: %v", err))
	}
	return "att_" + hex.EncodeToString(b[:])
}
