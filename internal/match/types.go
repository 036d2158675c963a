// Package match holds the data model for a practice match: rounds, turn
// results, players, and teams, plus the post-match winner computation.
//
// A match is the aggregate that owns all turn results. The central invariant
// is round completion: a round transitions to completed exactly when every
// assigned participant has exactly one recorded result, and never before.
// Results are write-once; recording a second result for the same
// (round, participant) pair is rejected.
package match

import (
	"fmt"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/evaluation"
)

// Mode selects the minigame variant.
type Mode string

const (
	// ModeFFA is free-for-all: one active participant per round.
	ModeFFA Mode = "ffa"

	// ModeTDM is team-deathmatch: two participants share a round
	// sequentially.
	ModeTDM Mode = "tdm"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeFFA || m == ModeTDM
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundPending    RoundStatus = "pending"
	RoundInProgress RoundStatus = "in_progress"
	RoundCompleted  RoundStatus = "completed"
)

// Player is one participant in a match.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// TeamID is empty in free-for-all matches.
	TeamID string `json:"team_id,omitempty"`
}

// Team groups players in team-deathmatch matches.
type Team struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// Round is one scheduled practice exchange: a single patient statement that
// one (ffa) or two (tdm) participants respond to. Statement content is
// immutable once the round has been created.
type Round struct {
	ID    string `json:"id"`
	Index int    `json:"index"`

	// TaskID and ExampleID reference the skill and the specific patient
	// statement drawn from it.
	TaskID    string `json:"task_id"`
	ExampleID string `json:"example_id"`

	// Statement is the literal patient statement text.
	Statement string `json:"statement"`

	// PlayerAID is always set. PlayerBID is set only for head-to-head rounds;
	// player B's turn never begins before player A's result is recorded.
	PlayerAID string `json:"player_a"`
	PlayerBID string `json:"player_b,omitempty"`

	Status      RoundStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitzero"`
	CompletedAt time.Time   `json:"completed_at,omitzero"`
}

// Participants returns the participant IDs assigned to the round, in turn
// order.
func (r *Round) Participants() []string {
	if r.PlayerBID == "" {
		return []string{r.PlayerAID}
	}
	return []string{r.PlayerAID, r.PlayerBID}
}

// HasParticipant reports whether playerID is assigned to this round.
func (r *Round) HasParticipant(playerID string) bool {
	return playerID != "" && (playerID == r.PlayerAID || playerID == r.PlayerBID)
}

// TurnResult is the outcome of one participant's attempt at one round.
// Created exactly once per (round, participant) pair and never mutated.
type TurnResult struct {
	RoundID   string `json:"round_id"`
	PlayerID  string `json:"player_id"`
	AttemptID string `json:"attempt_id"`

	Transcript string                `json:"transcript"`
	Evaluation evaluation.Evaluation `json:"evaluation"`

	// TimingPenalty is the client-computed response-window penalty in [0, 1]
	// that was already applied to Score.
	TimingPenalty float64 `json:"timing_penalty"`

	// Score is the adjusted overall score (evaluation score minus timing
	// penalty, floored at zero).
	Score float64 `json:"score"`

	CreatedAt time.Time `json:"created_at"`
}

// Match is the aggregate holding a generated set of rounds and the results
// recorded against them. All exported methods are safe for concurrent use.
type Match struct {
	mu sync.RWMutex

	id      string
	mode    Mode
	players []Player
	teams   []Team
	rounds  []*Round

	// results is keyed round ID → participant ID.
	results map[string]map[string]TurnResult
}

// NewMatch creates a match over the given rounds. Rounds are stored in slice
// order; their Index fields are normalised to match.
func NewMatch(id string, mode Mode, players []Player, teams []Team, rounds []*Round) *Match {
	for i, r := range rounds {
		r.Index = i
		if r.Status == "" {
			r.Status = RoundPending
		}
	}
	return &Match{
		id:      id,
		mode:    mode,
		players: players,
		teams:   teams,
		rounds:  rounds,
		results: make(map[string]map[string]TurnResult),
	}
}

// ID returns the match identifier.
func (m *Match) ID() string { return m.id }

// Mode returns the match mode.
func (m *Match) Mode() Mode { return m.mode }

// Players returns a copy of the player list.
func (m *Match) Players() []Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Player, len(m.players))
	copy(out, m.players)
	return out
}

// Teams returns a copy of the team list.
func (m *Match) Teams() []Team {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Team, len(m.teams))
	copy(out, m.teams)
	return out
}

// Rounds returns the rounds in order. The returned pointers are shared;
// callers must treat them as read-only.
func (m *Match) Rounds() []*Round {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Round, len(m.rounds))
	copy(out, m.rounds)
	return out
}

// Round returns the round with the given ID, or nil.
func (m *Match) Round(roundID string) *Round {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roundLocked(roundID)
}

func (m *Match) roundLocked(roundID string) *Round {
	for _, r := range m.rounds {
		if r.ID == roundID {
			return r
		}
	}
	return nil
}

// MarkStarted moves a pending round to in_progress and stamps its start time.
// Calling it again for the same round is a no-op, which makes the round-start
// notification idempotently ignorable.
func (m *Match) MarkStarted(roundID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.roundLocked(roundID)
	if r == nil {
		return fmt.Errorf("match: round %q not found", roundID)
	}
	if r.Status != RoundPending {
		return nil
	}
	r.Status = RoundInProgress
	r.StartedAt = at
	return nil
}

// RecordResult records one participant's turn result. It enforces the
// write-once rule per (round, participant) and marks the round completed once
// every assigned participant has a result.
func (m *Match) RecordResult(res TurnResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.roundLocked(res.RoundID)
	if r == nil {
		return fmt.Errorf("match: round %q not found", res.RoundID)
	}
	if !r.HasParticipant(res.PlayerID) {
		return fmt.Errorf("match: player %q is not assigned to round %q", res.PlayerID, res.RoundID)
	}

	byPlayer := m.results[res.RoundID]
	if byPlayer == nil {
		byPlayer = make(map[string]TurnResult)
		m.results[res.RoundID] = byPlayer
	}
	if _, exists := byPlayer[res.PlayerID]; exists {
		return fmt.Errorf("match: result for round %q player %q already recorded", res.RoundID, res.PlayerID)
	}
	byPlayer[res.PlayerID] = res

	// Round completion invariant: completed iff every participant has a
	// result.
	complete := true
	for _, pid := range r.Participants() {
		if _, ok := byPlayer[pid]; !ok {
			complete = false
			break
		}
	}
	if complete {
		r.Status = RoundCompleted
		r.CompletedAt = res.CreatedAt
	}
	return nil
}

// Result returns the recorded result for (roundID, playerID), if any.
func (m *Match) Result(roundID, playerID string) (TurnResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[roundID][playerID]
	return res, ok
}

// Results returns all recorded results in round order, player A before
// player B within a round.
func (m *Match) Results() []TurnResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TurnResult
	for _, r := range m.rounds {
		byPlayer := m.results[r.ID]
		for _, pid := range r.Participants() {
			if res, ok := byPlayer[pid]; ok {
				out = append(out, res)
			}
		}
	}
	return out
}

// Finished reports whether every round in the match is completed.
func (m *Match) Finished() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rounds {
		if r.Status != RoundCompleted {
			return false
		}
	}
	return len(m.rounds) > 0
}

// Winner computes the winner summary over the match's current results.
func (m *Match) Winner() Summary {
	return ComputeWinner(m.Mode(), m.Players(), m.Teams(), m.Results())
}
