// Package evaluation defines the structured evaluation produced for one
// practice turn, and a local evaluator that produces it on-device from a
// transcript using an LLM plus a deterministic phonetic relevance check.
package evaluation

// CriterionScore is one scored rubric criterion.
type CriterionScore struct {
	// Criterion is the rubric key, e.g. "empathy" or "open_question".
	Criterion string `json:"criterion"`

	// Score is the points awarded for this criterion.
	Score float64 `json:"score"`

	// MaxScore is the maximum obtainable for this criterion.
	MaxScore float64 `json:"max_score"`

	// Feedback is a short per-criterion comment.
	Feedback string `json:"feedback,omitempty"`
}

// Overall is the aggregate verdict over all criteria.
type Overall struct {
	// Score is the overall score on the task's scale.
	Score float64 `json:"score"`

	// Pass reports whether the response met the task's pass bar.
	Pass bool `json:"pass"`

	// Feedback is the summary comment shown to the learner.
	Feedback string `json:"feedback,omitempty"`
}

// PatientReaction is the simulated patient's in-character response to the
// learner's turn. It keeps the roleplay continuous even for failed turns.
type PatientReaction struct {
	// Mood is a coarse emotional label, e.g. "reassured", "confused",
	// "disappointed".
	Mood string `json:"mood"`

	// Utterance is what the simulated patient says back.
	Utterance string `json:"utterance,omitempty"`
}

// Evaluation is the complete structured outcome of scoring one transcript.
// Every turn, including timeouts, ends with a structurally valid
// Evaluation; downstream code never has to handle an absent one.
type Evaluation struct {
	// TaskID and ExampleID identify the skill and the patient statement the
	// turn responded to.
	TaskID    string `json:"task_id"`
	ExampleID string `json:"example_id"`

	// AttemptID identifies the attempt this evaluation belongs to.
	AttemptID string `json:"attempt_id"`

	// Transcript is the text that was scored.
	Transcript string `json:"transcript"`

	// Criteria holds the per-criterion scores.
	Criteria []CriterionScore `json:"criteria,omitempty"`

	Overall Overall `json:"overall"`

	// Improvements lists concrete suggestions for the next attempt.
	Improvements []string `json:"improvements,omitempty"`

	PatientReaction PatientReaction `json:"patient_reaction"`
}
