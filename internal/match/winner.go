package match

import (
	"fmt"
	"sort"
	"strings"
)

// scoreTolerance is the floating-point tolerance used when comparing
// aggregated scores for the tie rule.
const scoreTolerance = 0.001

// WinnerKind classifies a [Summary].
type WinnerKind string

const (
	WinnerPlayer WinnerKind = "player"
	WinnerTeam   WinnerKind = "team"
	WinnerTie    WinnerKind = "tie"
	WinnerNone   WinnerKind = "none"
)

// Standing is one entrant's aggregated score line. An entrant is a player in
// ffa mode and a team in tdm mode.
type Standing struct {
	EntrantID    string  `json:"entrant_id"`
	Name         string  `json:"name"`
	Total        float64 `json:"total"`
	Average      float64 `json:"average"`
	RoundsPlayed int     `json:"rounds_played"`
}

// Summary is the derived winner view over a match's results. It is recomputed
// on demand and never persisted.
type Summary struct {
	Kind      WinnerKind `json:"kind"`
	WinnerIDs []string   `json:"winner_ids,omitempty"`

	// Label is the headline, e.g. "Player Ava wins!" or "Team Alpha & Bravo
	// tie!".
	Label string `json:"label"`

	// Sublabel compares the winning total to the runner-up's, or states just
	// the winning total when there is no runner-up.
	Sublabel string `json:"sublabel,omitempty"`

	// Standings is the full ranked table.
	Standings []Standing `json:"standings,omitempty"`
}

// ComputeWinner aggregates results per entrant, ranks them, and resolves ties
// deterministically. It is a pure function: identical inputs always produce
// identical output, including the ordering of tied names.
//
// Ranking is by total score descending, tie-broken by average score, then by
// rounds played (more rounds wins), then alphabetically by name. The result
// is a tie only when the top entrants are equal within tolerance on total,
// average, and rounds played simultaneously.
func ComputeWinner(mode Mode, players []Player, teams []Team, results []TurnResult) Summary {
	standings := aggregate(mode, players, teams, results)
	if len(standings) == 0 {
		return Summary{Kind: WinnerNone, Label: "No results yet"}
	}

	sort.SliceStable(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if !eq(a.Total, b.Total) {
			return a.Total > b.Total
		}
		if !eq(a.Average, b.Average) {
			return a.Average > b.Average
		}
		if a.RoundsPlayed != b.RoundsPlayed {
			return a.RoundsPlayed > b.RoundsPlayed
		}
		return a.Name < b.Name
	})

	top := standings[0]
	var tied []Standing
	for _, s := range standings {
		if eq(s.Total, top.Total) && eq(s.Average, top.Average) && s.RoundsPlayed == top.RoundsPlayed {
			tied = append(tied, s)
		}
	}

	entrant := "Player"
	winKind := WinnerPlayer
	if mode == ModeTDM {
		entrant = "Team"
		winKind = WinnerTeam
	}

	if len(tied) > 1 {
		names := make([]string, len(tied))
		ids := make([]string, len(tied))
		for i, s := range tied {
			names[i] = s.Name
			ids[i] = s.EntrantID
		}
		return Summary{
			Kind:      WinnerTie,
			WinnerIDs: ids,
			Label:     fmt.Sprintf("%s %s tie!", entrant, joinNames(names)),
			Sublabel:  fmt.Sprintf("%.1f each", top.Total),
			Standings: standings,
		}
	}

	sublabel := fmt.Sprintf("%.1f", top.Total)
	if len(standings) > 1 {
		sublabel = fmt.Sprintf("%.1f vs %.1f", top.Total, standings[1].Total)
	}
	return Summary{
		Kind:      winKind,
		WinnerIDs: []string{top.EntrantID},
		Label:     fmt.Sprintf("%s %s wins!", entrant, top.Name),
		Sublabel:  sublabel,
		Standings: standings,
	}
}

// aggregate folds results into per-entrant standings. In tdm mode each
// team's member results are pooled; in ffa mode each player stands alone.
func aggregate(mode Mode, players []Player, teams []Team, results []TurnResult) []Standing {
	byPlayer := make(map[string][]float64)
	for _, res := range results {
		byPlayer[res.PlayerID] = append(byPlayer[res.PlayerID], res.Score)
	}

	var standings []Standing
	if mode == ModeTDM {
		if len(teams) == 0 {
			return nil
		}
		for _, team := range teams {
			var scores []float64
			for _, pid := range team.MemberIDs {
				scores = append(scores, byPlayer[pid]...)
			}
			standings = append(standings, standingFor(team.ID, team.Name, scores))
		}
		return standings
	}

	if len(players) == 0 {
		return nil
	}
	for _, p := range players {
		standings = append(standings, standingFor(p.ID, p.Name, byPlayer[p.ID]))
	}
	return standings
}

func standingFor(id, name string, scores []float64) Standing {
	s := Standing{EntrantID: id, Name: name, RoundsPlayed: len(scores)}
	for _, v := range scores {
		s.Total += v
	}
	if len(scores) > 0 {
		s.Average = s.Total / float64(len(scores))
	}
	return s
}

// joinNames formats names as "A", "A & B", or "A, B & C".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " & " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + " & " + names[len(names)-1]
}

func eq(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= scoreTolerance
}
