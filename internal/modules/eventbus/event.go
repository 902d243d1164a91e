// Package eventbus decouples match-state changes from their side-effecting
// handlers through a priority-ordered rule registry.
package eventbus

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// EventType tags a domain occurrence.
type EventType string

const (
	EventStrike     EventType = "strike"
	EventScore      EventType = "score"
	EventFoul       EventType = "foul"
	EventTurnChange EventType = "turn_change"
	EventMatchStart EventType = "match_start"
	EventMatchEnd   EventType = "match_end"
	EventTimeout    EventType = "timeout"

	// Wildcard matches every event type in a rule registration.
	Wildcard EventType = "*"
)

// Event is a queued domain occurrence. Events are ephemeral: dispatched once,
// then retained only in the bounded audit history. Processed is diagnostic,
// not a delivery guarantee; handlers that need exactly-once semantics must
// deduplicate by transaction or match ID.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	MatchID   string                 `json:"match_id,omitempty"`
	PlayerID  int64                  `json:"player_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Processed bool                   `json:"processed"`
}

var (
	node *snowflake.Node
	once sync.Once
)

func initSnowflake() {
	var err error
	node, err = snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
}

// NewEvent creates an event with a fresh snowflake ID.
func NewEvent(eventType EventType, matchID string, playerID int64, payload map[string]interface{}) *Event {
	once.Do(initSnowflake)
	return &Event{
		ID:        node.Generate().String(),
		Type:      eventType,
		MatchID:   matchID,
		PlayerID:  playerID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
