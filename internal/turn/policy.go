package turn

import "github.com/parleylabs/parley/internal/match"

// policy is the per-mode variation point: whether a round opens with an
// intro sequence, and what follows a recorded result.
type policy interface {
	// introPending reports whether the intro sequence must still run for
	// the current round.
	introPending(introShown bool) bool

	// advance decides what happens after player's result lands: the next
	// active participant (empty when the round is over) and the state to
	// enter.
	advance(round *match.Round, player string) (next string, st State)
}

// soloPolicy runs free-for-all rounds: one participant, no intro, straight
// to complete.
type soloPolicy struct{}

func (soloPolicy) introPending(bool) bool { return false }

func (soloPolicy) advance(*match.Round, string) (string, State) {
	return "", StateComplete
}

// versusPolicy runs head-to-head rounds: a one-time intro per round, and a
// handoff to player B after player A's result. The active participant
// switches forward only, never back.
type versusPolicy struct{}

func (versusPolicy) introPending(introShown bool) bool { return !introShown }

func (versusPolicy) advance(round *match.Round, player string) (string, State) {
	if player == round.PlayerAID && round.PlayerBID != "" {
		return round.PlayerBID, StateBetweenPlayers
	}
	return "", StateComplete
}

var (
	_ policy = soloPolicy{}
	_ policy = versusPolicy{}
)
