package domain

import "github.com/frankieli/carrom_arena/internal/modules/eventbus"

// GameRules is the game-specific collaborator contract. The engine only
// relies on two things: a winner decision over a finished match (exactly one
// of the two players, or none for the refund path) and move validation.
type GameRules interface {
	// DetermineWinner decides the match outcome. ok is false when no winner
	// can be named; the engine then refunds instead of paying out.
	DetermineWinner(m *Match) (winnerID int64, ok bool)

	// IsValidMove reports whether a move event is acceptable for the match
	// in its current state.
	IsValidMove(m *Match, e *eventbus.Event) bool
}

// CarromRules is the default rule set: the score leader wins, ties refund,
// and moves are only valid from a player of an in-progress match.
type CarromRules struct{}

// DetermineWinner picks the score leader.
func (CarromRules) DetermineWinner(m *Match) (int64, bool) {
	return m.Leader()
}

// IsValidMove accepts strike, score and foul events from match players while
// the match is active.
func (CarromRules) IsValidMove(m *Match, e *eventbus.Event) bool {
	if m.Status != StatusActive {
		return false
	}
	if !m.HasPlayer(e.PlayerID) {
		return false
	}
	switch e.Type {
	case eventbus.EventStrike, eventbus.EventScore, eventbus.EventFoul:
		return true
	default:
		return false
	}
}
