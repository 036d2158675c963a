// Package submission normalizes heterogeneous turn-submission payloads into
// one canonical result shape, applies timing penalties, and synthesizes the
// deterministic timeout evaluation used when a participant never responds.
//
// The gateway-mediated and local-inference code paths produce payloads with
// different field names and nesting. Everything downstream of this package
// only ever sees the canonical [Normalized] shape; controllers must never
// reach into raw payloads.
//
// All functions are pure; none of them ever panics on missing fields.
package submission

import (
	"github.com/parleylabs/parley/internal/evaluation"
)

// Payload is the union of fields observed across turn-submission responses.
// Optional fields are pointers so that "absent" is distinguishable from a
// zero value.
type Payload struct {
	// Transcript and Text both carry transcript content; Transcript wins when
	// both are present.
	Transcript *string `json:"transcript,omitempty"`
	Text       *string `json:"text,omitempty"`

	// AttemptID is the flat attempt identifier; Attempt is the nested form
	// returned by older gateway revisions. The flat field wins.
	AttemptID *string `json:"attempt_id,omitempty"`
	Attempt   *struct {
		ID string `json:"id"`
	} `json:"attempt,omitempty"`

	// Evaluation is absent on transcription-only (scoring-skipped) calls.
	Evaluation *evaluation.Evaluation `json:"evaluation,omitempty"`

	// AdjustedScore is a server-computed score with the timing penalty
	// already applied. When present it takes precedence over everything else.
	AdjustedScore *float64 `json:"adjusted_score,omitempty"`

	// Score is a raw overall score; used when AdjustedScore is absent.
	Score *float64 `json:"score,omitempty"`

	// TimingPenalty is a server-computed penalty, if the server applied one.
	TimingPenalty *float64 `json:"timing_penalty,omitempty"`
}

// Normalized is the canonical turn-submission result. Pointer fields are nil
// when the underlying payload carried nothing usable.
type Normalized struct {
	Transcript string
	AttemptID  string
	Evaluation *evaluation.Evaluation

	// Score follows a fixed precedence: explicit adjusted score, then raw
	// score, then the evaluation's overall score. Nil when none are present.
	Score *float64

	// TimingPenalty is nil when the server did not report one.
	TimingPenalty *float64
}

// Normalize maps an arbitrary submission payload into the canonical shape.
// Missing fields become zero values or nil; it never returns an error and
// never panics.
func Normalize(p Payload) Normalized {
	var n Normalized

	switch {
	case p.Transcript != nil:
		n.Transcript = *p.Transcript
	case p.Text != nil:
		n.Transcript = *p.Text
	}

	switch {
	case p.AttemptID != nil && *p.AttemptID != "":
		n.AttemptID = *p.AttemptID
	case p.Attempt != nil:
		n.AttemptID = p.Attempt.ID
	}

	n.Evaluation = p.Evaluation

	switch {
	case p.AdjustedScore != nil:
		n.Score = ptr(*p.AdjustedScore)
	case p.Score != nil:
		n.Score = ptr(*p.Score)
	case p.Evaluation != nil:
		n.Score = ptr(p.Evaluation.Overall.Score)
	}

	if p.TimingPenalty != nil {
		n.TimingPenalty = ptr(*p.TimingPenalty)
	}

	return n
}

// ApplyTimingPenalty deducts penalty from score, floored at zero. A nil score
// stays nil; a penalty cannot create a score from nothing.
func ApplyTimingPenalty(score *float64, penalty float64) *float64 {
	if score == nil {
		return nil
	}
	adjusted := *score - penalty
	if adjusted < 0 {
		adjusted = 0
	}
	return ptr(adjusted)
}

// timeoutTranscript is the transcript marker stored for turns with no
// recorded response.
const timeoutTranscript = "(no response recorded)"

// SynthesizeTimeoutEvaluation constructs the complete zero-score evaluation
// recorded when a participant never responded within the grace window. The
// result is always structurally valid (non-empty transcript, feedback,
// improvement suggestions, and a patient reaction) so callers and persisted
// history never need to special-case a missing evaluation.
func SynthesizeTimeoutEvaluation(taskID, exampleID, attemptID string) evaluation.Evaluation {
	return evaluation.Evaluation{
		TaskID:     taskID,
		ExampleID:  exampleID,
		AttemptID:  attemptID,
		Transcript: timeoutTranscript,
		Overall: evaluation.Overall{
			Score:    0,
			Pass:     false,
			Feedback: "No response was recorded before the response window closed.",
		},
		Improvements: []string{
			"Start your response before the timer runs out, even if it is brief.",
			"If you feel stuck, acknowledge the patient's statement first and build from there.",
		},
		PatientReaction: evaluation.PatientReaction{
			Mood:      "disappointed",
			Utterance: "...I guess you have nothing to say to that.",
		},
	}
}

// IsTimeout reports whether ev is a synthesized timeout evaluation rather
// than a scored response.
func IsTimeout(ev evaluation.Evaluation) bool {
	return ev.Transcript == timeoutTranscript
}

func ptr[T any](v T) *T { return &v }
