// Package taskstore provides storage for the practice-content catalogue: the
// tasks (skills being trained) and their examples (simulated patient
// statements). Definitions can be loaded from YAML seed files, stored in a
// PostgreSQL database, or held in memory for tests and single-node dev runs.
//
// The primary abstraction is the [Store] interface. [PostgresStore] keeps
// definitions in a task_definitions table with examples serialised as JSONB;
// [MemStore] offers the same contract without a database.
package taskstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskDefinition describes one skill the learner practices, together with the
// rubric criteria it is scored on and the pool of patient statements used to
// drill it.
type TaskDefinition struct {
	// ID is the unique identifier for this task.
	ID string `yaml:"id" json:"id"`

	// Title is the human-readable skill name (e.g. "Reflective listening").
	Title string `yaml:"title" json:"title"`

	// Instructions tell the learner what a good response looks like.
	Instructions string `yaml:"instructions" json:"instructions"`

	// Criteria are the rubric keys this task is scored on. The evaluator
	// produces one criterion score per entry.
	Criteria []string `yaml:"criteria" json:"criteria"`

	// MaxScore is the overall score scale for the task (e.g. 5).
	MaxScore float64 `yaml:"max_score" json:"max_score"`

	// PassScore is the overall score at or above which a turn passes.
	PassScore float64 `yaml:"pass_score" json:"pass_score"`

	// Voice is the TTS voice identifier used to synthesise this task's
	// patient statements.
	Voice string `yaml:"voice" json:"voice"`

	// Examples is the pool of patient statements for this task.
	Examples []ExampleDefinition `yaml:"examples" json:"examples"`

	// CreatedAt is the time the definition was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the definition was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ExampleDefinition is one simulated patient statement within a task.
// Statement text is immutable once a round has been generated from it.
type ExampleDefinition struct {
	// ID is unique within the owning task.
	ID string `yaml:"id" json:"id"`

	// Statement is the literal patient utterance presented to the learner.
	Statement string `yaml:"statement" json:"statement"`

	// Vocabulary lists words or phrases a good response is expected to touch
	// on. The local evaluator's phonetic relevance check matches the
	// transcript against this list.
	Vocabulary []string `yaml:"vocabulary" json:"vocabulary"`

	// Context is optional scene-setting shown alongside the statement.
	Context string `yaml:"context" json:"context"`
}

// ErrNotFound is returned by Store implementations when a task does not exist.
var ErrNotFound = errors.New("taskstore: task not found")

// Validate checks that the definition is internally coherent. It returns a
// joined error listing every problem found.
func (d *TaskDefinition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, fmt.Errorf("task id is required"))
	}
	if strings.TrimSpace(d.Title) == "" {
		errs = append(errs, fmt.Errorf("task %q: title is required", d.ID))
	}
	if d.MaxScore <= 0 {
		errs = append(errs, fmt.Errorf("task %q: max_score must be positive", d.ID))
	}
	if d.PassScore < 0 || d.PassScore > d.MaxScore {
		errs = append(errs, fmt.Errorf("task %q: pass_score %.1f is out of range [0, %.1f]", d.ID, d.PassScore, d.MaxScore))
	}
	seen := make(map[string]int, len(d.Examples))
	for i, ex := range d.Examples {
		if strings.TrimSpace(ex.ID) == "" {
			errs = append(errs, fmt.Errorf("task %q: examples[%d].id is required", d.ID, i))
			continue
		}
		if prev, ok := seen[ex.ID]; ok {
			errs = append(errs, fmt.Errorf("task %q: examples[%d].id %q duplicates examples[%d]", d.ID, i, ex.ID, prev))
		}
		seen[ex.ID] = i
		if strings.TrimSpace(ex.Statement) == "" {
			errs = append(errs, fmt.Errorf("task %q: examples[%d].statement is required", d.ID, i))
		}
	}
	return errors.Join(errs...)
}

// Example returns the example with the given ID, or an error if the task has
// no such example.
func (d *TaskDefinition) Example(exampleID string) (ExampleDefinition, error) {
	for _, ex := range d.Examples {
		if ex.ID == exampleID {
			return ex, nil
		}
	}
	return ExampleDefinition{}, fmt.Errorf("taskstore: task %q has no example %q", d.ID, exampleID)
}
