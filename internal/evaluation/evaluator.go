package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 1024

	// VocabularyCriterion is the rubric key of the deterministic
	// vocabulary-coverage criterion the evaluator appends when the
	// example defines expected vocabulary.
	VocabularyCriterion = "vocabulary_use"
)

// Evaluator scores transcripts on device: the rubric judgement comes from an
// LLM constrained to JSON output, and the vocabulary criterion is computed
// deterministically with phonetic matching so STT misspellings do not cost
// points.
type Evaluator struct {
	llm         llm.Provider
	log         *slog.Logger
	temperature float64
	maxTokens   int
}

// Option is a functional option for configuring an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

// WithTemperature sets the sampling temperature for the scoring completion.
// Defaults to 0.2; scoring should be near-deterministic.
func WithTemperature(t float64) Option {
	return func(e *Evaluator) { e.temperature = t }
}

// WithMaxTokens caps the completion length. Defaults to 1024.
func WithMaxTokens(n int) Option {
	return func(e *Evaluator) { e.maxTokens = n }
}

// New constructs an Evaluator backed by the given LLM provider.
func New(provider llm.Provider, opts ...Option) (*Evaluator, error) {
	if provider == nil {
		return nil, fmt.Errorf("evaluation: llm provider must not be nil")
	}
	e := &Evaluator{
		llm:         provider,
		log:         slog.Default(),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ProviderName reports the identifier of the backing LLM provider.
func (e *Evaluator) ProviderName() string { return e.llm.Name() }

// Evaluate scores one transcript against the task's rubric. The returned
// Evaluation is always structurally complete: overall pass/fail is
// recomputed locally from the task's pass bar, criterion scores are clamped
// to the task scale, and the vocabulary criterion is appended
// deterministically when the example defines expected vocabulary.
func (e *Evaluator) Evaluate(ctx context.Context, task taskstore.TaskDefinition, example taskstore.ExampleDefinition, attemptID, transcript string) (*Evaluation, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("evaluation: invalid task: %w", err)
	}

	start := time.Now()
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(task),
		Messages: []llm.Message{
			{Role: "user", Content: userPrompt(task, example, transcript)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		JSONOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation: completion: %w", err)
	}

	ev, err := e.parseResponse(resp.Content, task)
	if err != nil {
		return nil, fmt.Errorf("evaluation: parse response: %w", err)
	}

	ev.TaskID = task.ID
	ev.ExampleID = example.ID
	ev.AttemptID = attemptID
	ev.Transcript = transcript

	e.applyVocabularyCriterion(ev, task, example)

	// The pass verdict is ours, not the model's.
	ev.Overall.Pass = ev.Overall.Score >= task.PassScore

	e.log.Debug("transcript evaluated",
		"task_id", task.ID,
		"attempt_id", attemptID,
		"score", ev.Overall.Score,
		"pass", ev.Overall.Pass,
		"provider", e.llm.Name(),
		"duration_ms", time.Since(start).Milliseconds())

	return ev, nil
}

// systemPrompt frames the model as a scoring rubric, not a conversation
// partner, and pins the exact JSON shape expected back.
func systemPrompt(task taskstore.TaskDefinition) string {
	var sb strings.Builder
	sb.WriteString("You are a speech-language pathology coach scoring one learner turn ")
	sb.WriteString("in a simulated patient conversation. Score strictly against the rubric. ")
	sb.WriteString("Respond with a single JSON object and nothing else, in this shape:\n")
	sb.WriteString(`{"criteria":[{"criterion":"<rubric key>","score":<number>,"max_score":<number>,"feedback":"<short comment>"}],`)
	sb.WriteString(`"overall":{"score":<number>,"feedback":"<summary for the learner>"},`)
	sb.WriteString(`"improvements":["<concrete suggestion>"],`)
	sb.WriteString(`"patient_reaction":{"mood":"<one word>","utterance":"<what the patient says back>"}}`)
	fmt.Fprintf(&sb, "\nAll scores use a 0 to %.1f scale.", task.MaxScore)
	return sb.String()
}

func userPrompt(task taskstore.TaskDefinition, example taskstore.ExampleDefinition, transcript string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Title)
	fmt.Fprintf(&sb, "Instructions: %s\n", task.Instructions)
	if example.Context != "" {
		fmt.Fprintf(&sb, "Scenario context: %s\n", example.Context)
	}
	fmt.Fprintf(&sb, "Patient said: %q\n", example.Statement)
	fmt.Fprintf(&sb, "Rubric criteria: %s\n", strings.Join(task.Criteria, ", "))
	if len(example.Vocabulary) > 0 {
		fmt.Fprintf(&sb, "Vocabulary a good response touches: %s\n", strings.Join(example.Vocabulary, ", "))
	}
	if strings.TrimSpace(transcript) == "" {
		sb.WriteString("Learner response: (nothing recognisable was said)\n")
	} else {
		fmt.Fprintf(&sb, "Learner response: %q\n", transcript)
	}
	return sb.String()
}

// wireEvaluation is the subset of the JSON shape the model fills in.
// Overall.Score is a pointer so a missing field can be distinguished from an
// explicit zero.
type wireEvaluation struct {
	Criteria []CriterionScore `json:"criteria"`
	Overall  struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	} `json:"overall"`
	Improvements    []string        `json:"improvements"`
	PatientReaction PatientReaction `json:"patient_reaction"`
}

// parseResponse extracts and sanitises the model's JSON. Models behind
// JSON-unaware backends sometimes wrap the object in markdown fences or
// prose, so parsing starts at the first brace and ends at the last.
func (e *Evaluator) parseResponse(content string, task taskstore.TaskDefinition) (*Evaluation, error) {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "{"); i >= 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 {
		raw = raw[:i+1]
	}

	var wire wireEvaluation
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("unmarshal model output: %w", err)
	}

	ev := &Evaluation{
		Improvements:    wire.Improvements,
		PatientReaction: wire.PatientReaction,
	}

	for _, c := range wire.Criteria {
		if strings.TrimSpace(c.Criterion) == "" {
			continue
		}
		if c.MaxScore <= 0 {
			c.MaxScore = task.MaxScore
		}
		c.Score = clamp(c.Score, 0, c.MaxScore)
		ev.Criteria = append(ev.Criteria, c)
	}

	switch {
	case wire.Overall.Score != nil:
		ev.Overall.Score = clamp(*wire.Overall.Score, 0, task.MaxScore)
	case len(ev.Criteria) > 0:
		// Model omitted the overall score; average the criteria instead.
		var sum, max float64
		for _, c := range ev.Criteria {
			sum += c.Score
			max += c.MaxScore
		}
		ev.Overall.Score = roundScore(sum / max * task.MaxScore)
	default:
		return nil, fmt.Errorf("model output carries neither overall score nor criteria")
	}
	ev.Overall.Feedback = wire.Overall.Feedback

	return ev, nil
}

// applyVocabularyCriterion replaces any model-provided vocabulary criterion
// with the deterministic phonetic coverage score. Examples without expected
// vocabulary skip the criterion entirely.
func (e *Evaluator) applyVocabularyCriterion(ev *Evaluation, task taskstore.TaskDefinition, example taskstore.ExampleDefinition) {
	hits, coverage := VocabularyCoverage(ev.Transcript, example.Vocabulary)
	if len(example.Vocabulary) == 0 {
		return
	}

	kept := ev.Criteria[:0]
	for _, c := range ev.Criteria {
		if c.Criterion != VocabularyCriterion {
			kept = append(kept, c)
		}
	}
	ev.Criteria = kept

	var missed []string
	for _, item := range example.Vocabulary {
		found := false
		for _, h := range hits {
			if h == item {
				found = true
				break
			}
		}
		if !found {
			missed = append(missed, item)
		}
	}

	feedback := fmt.Sprintf("Used %d of %d expected terms.", len(hits), len(example.Vocabulary))
	ev.Criteria = append(ev.Criteria, CriterionScore{
		Criterion: VocabularyCriterion,
		Score:     roundScore(coverage * task.MaxScore),
		MaxScore:  task.MaxScore,
		Feedback:  feedback,
	})

	if coverage < 0.5 && len(missed) > 0 {
		ev.Improvements = append(ev.Improvements,
			fmt.Sprintf("Try to work in: %s.", strings.Join(missed, ", ")))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundScore(v float64) float64 {
	return math.Round(v*100) / 100
}
