// Package domain holds the match model: a two-player real-money game with a
// monotonic lifecycle from waiting through active and finishing to a terminal
// completed or cancelled state.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the match lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusFinishing Status = "finishing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PlayerRef identifies a player in a match.
type PlayerRef struct {
	ID int64 `json:"id"`
}

// Match is a single two-player match. Players are ordered and immutable once
// paired; Winner is set iff the match completed.
type Match struct {
	ID        string       `json:"id"`
	Players   [2]PlayerRef `json:"players"`
	BetAmount int64        `json:"bet_amount"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	StartTime time.Time    `json:"start_time,omitempty"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	Winner    *int64       `json:"winner,omitempty"`
	EndReason string       `json:"end_reason,omitempty"`

	Scores map[int64]int `json:"scores"`
	Fouls  map[int64]int `json:"fouls"`
	Turn   int           `json:"turn"` // index into Players

	// Stakes tracks the bet amounts actually deducted per player, so a
	// cancellation refunds exactly what was taken.
	Stakes map[int64]int64 `json:"stakes"`

	// TerminalAt marks when the match entered a terminal state, for the
	// retention-window eviction.
	TerminalAt time.Time `json:"terminal_at,omitempty"`
}

// NewMatch creates a waiting match. The second player slot may be zero until
// pairing completes.
func NewMatch(player1 int64, betAmount int64) *Match {
	return &Match{
		ID:        uuid.NewString(),
		Players:   [2]PlayerRef{{ID: player1}},
		BetAmount: betAmount,
		Status:    StatusWaiting,
		CreatedAt: time.Now(),
		Scores:    make(map[int64]int),
		Fouls:     make(map[int64]int),
		Stakes:    make(map[int64]int64),
	}
}

// HasPlayer reports whether the player belongs to this match.
func (m *Match) HasPlayer(playerID int64) bool {
	return m.Players[0].ID == playerID || m.Players[1].ID == playerID
}

// Opponent returns the other player of the match.
func (m *Match) Opponent(playerID int64) int64 {
	if m.Players[0].ID == playerID {
		return m.Players[1].ID
	}
	return m.Players[0].ID
}

// Paired reports whether both player slots are filled.
func (m *Match) Paired() bool {
	return m.Players[0].ID != 0 && m.Players[1].ID != 0
}

// Activate transitions waiting -> active once both bets are deducted.
func (m *Match) Activate() {
	m.Status = StatusActive
	m.StartTime = time.Now()
}

// BeginFinishing transitions active -> finishing and records why.
func (m *Match) BeginFinishing(reason string) {
	m.Status = StatusFinishing
	m.EndReason = reason
}

// Complete transitions finishing -> completed with the winning player.
func (m *Match) Complete(winnerID int64) {
	now := time.Now()
	m.Status = StatusCompleted
	m.Winner = &winnerID
	m.EndTime = now
	m.TerminalAt = now
}

// Cancel transitions to cancelled from any non-terminal state.
func (m *Match) Cancel(reason string) {
	now := time.Now()
	m.Status = StatusCancelled
	m.EndReason = reason
	m.EndTime = now
	m.TerminalAt = now
}

// Leader returns the player with the higher score. ok is false on a tie.
func (m *Match) Leader() (playerID int64, ok bool) {
	p1, p2 := m.Players[0].ID, m.Players[1].ID
	s1, s2 := m.Scores[p1], m.Scores[p2]
	switch {
	case s1 > s2:
		return p1, true
	case s2 > s1:
		return p2, true
	default:
		return 0, false
	}
}

// CurrentPlayer returns the player whose turn it is.
func (m *Match) CurrentPlayer() int64 {
	return m.Players[m.Turn%2].ID
}

// AdvanceTurn passes the turn to the other player.
func (m *Match) AdvanceTurn() {
	m.Turn = (m.Turn + 1) % 2
}
