// Package usecase wires the arena core together: the public operations the
// request layer calls, and the standard rule set that connects match events
// to their side effects.
package usecase

import (
	"context"
	"errors"

	"github.com/frankieli/carrom_arena/internal/config"
	"github.com/frankieli/carrom_arena/internal/modules/eventbus"
	ledgerdomain "github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	ledgeruc "github.com/frankieli/carrom_arena/internal/modules/ledger/usecase"
	matchdomain "github.com/frankieli/carrom_arena/internal/modules/match/domain"
	"github.com/frankieli/carrom_arena/internal/modules/match/engine"
)

// Rule priorities. The win-condition rule must outrank every other score
// handler so win detection preempts side effects that assume the match
// continues.
const (
	priorityWinCondition = 100
	priorityResolve      = 100
	priorityApply        = 90
	priorityTurn         = 50
	priorityAudit        = 10
)

// ArenaUseCase is the facade over ledger, match engine and event bus.
type ArenaUseCase struct {
	ledger *ledgeruc.LedgerUseCase
	engine *engine.MatchEngine
	bus    *eventbus.Bus
	cfg    *config.ArenaConfig
}

// NewArenaUseCase wires the components and registers the standard rules.
func NewArenaUseCase(
	ledger *ledgeruc.LedgerUseCase,
	eng *engine.MatchEngine,
	bus *eventbus.Bus,
	cfg *config.ArenaConfig,
) *ArenaUseCase {
	uc := &ArenaUseCase{
		ledger: ledger,
		engine: eng,
		bus:    bus,
		cfg:    cfg,
	}
	uc.registerRules()
	return uc
}

func (uc *ArenaUseCase) registerRules() {
	// Win detection first: a score that reaches the threshold moves the
	// match to finishing and synthesizes match_end, before any handler that
	// assumes the match continues gets to run.
	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "score.win_condition",
		EventType: eventbus.EventScore,
		Priority:  priorityWinCondition,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			delta := payloadInt(e.Payload, "points", 1)
			score, err := uc.engine.ScoreAfter(e.MatchID, e.PlayerID, delta)
			if err != nil {
				return err
			}
			if score < uc.cfg.Match.WinScore {
				return nil
			}
			if err := uc.engine.BeginFinishing(ctx, e.MatchID, "win score reached"); err != nil {
				return err
			}
			uc.bus.Publish(eventbus.NewEvent(eventbus.EventMatchEnd, e.MatchID, e.PlayerID, map[string]interface{}{
				"reason": "win score reached",
			}))
			return nil
		},
	})

	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "score.apply",
		EventType: eventbus.EventScore,
		Priority:  priorityApply,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			return uc.engine.ApplyScore(ctx, e.MatchID, e.PlayerID, payloadInt(e.Payload, "points", 1))
		},
	})

	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "foul.apply",
		EventType: eventbus.EventFoul,
		Priority:  priorityApply,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			if err := uc.engine.ApplyFoul(ctx, e.MatchID, e.PlayerID, payloadInt(e.Payload, "penalty", 1)); err != nil {
				return err
			}
			// A foul always ends the striker's turn.
			return uc.engine.AdvanceTurn(ctx, e.MatchID)
		},
	})

	// A strike that pockets nothing passes the turn.
	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "strike.turn",
		EventType: eventbus.EventStrike,
		Priority:  priorityTurn,
		Predicate: func(e *eventbus.Event) bool {
			pocketed, _ := e.Payload["pocketed"].(bool)
			return !pocketed
		},
		Action: func(ctx context.Context, e *eventbus.Event) error {
			return uc.engine.AdvanceTurn(ctx, e.MatchID)
		},
	})

	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "turn_change.apply",
		EventType: eventbus.EventTurnChange,
		Priority:  priorityApply,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			return uc.engine.AdvanceTurn(ctx, e.MatchID)
		},
	})

	// Settlement trigger: resolve the match once its end event dispatches.
	// ResolveMatch is a no-op for matches that already reached a terminal
	// state, so redelivery is safe.
	uc.bus.RegisterRule(eventbus.Rule{
		Name:      "match_end.resolve",
		EventType: eventbus.EventMatchEnd,
		Priority:  priorityResolve,
		Predicate: func(e *eventbus.Event) bool {
			cancelled, _ := e.Payload["cancelled"].(bool)
			return !cancelled
		},
		Action: func(ctx context.Context, e *eventbus.Event) error {
			err := uc.engine.ResolveMatch(ctx, e.MatchID)
			if errors.Is(err, engine.ErrMatchNotFound) {
				// Evicted between publish and dispatch; nothing left to do.
				return nil
			}
			return err
		},
	})
}

// payloadInt reads an integer payload field; JSON round-trips turn numbers
// into float64, so both are accepted.
func payloadInt(payload map[string]interface{}, key string, fallback int) int {
	if payload == nil {
		return fallback
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// CreateMatch pairs two players at the given stake and starts the match.
func (uc *ArenaUseCase) CreateMatch(ctx context.Context, player1, player2 int64, betAmount int64) (string, error) {
	return uc.engine.CreateMatch(ctx, player1, player2, betAmount)
}

// JoinQueue enters a player into matchmaking at the given stake.
func (uc *ArenaUseCase) JoinQueue(ctx context.Context, playerID int64, betAmount int64) (string, error) {
	return uc.engine.JoinQueue(ctx, playerID, betAmount)
}

// CompleteMatch explicitly ends a match with the given winner.
func (uc *ArenaUseCase) CompleteMatch(ctx context.Context, matchID string, winnerID int64) error {
	return uc.engine.CompleteMatch(ctx, matchID, winnerID)
}

// RecordMove validates and publishes a move event for a match.
func (uc *ArenaUseCase) RecordMove(ctx context.Context, matchID string, playerID int64, moveType eventbus.EventType, payload map[string]interface{}) (*eventbus.Event, error) {
	return uc.engine.RecordMove(ctx, matchID, playerID, moveType, payload)
}

// GetMatch returns a copy of the match state.
func (uc *ArenaUseCase) GetMatch(matchID string) (*matchdomain.Match, error) {
	return uc.engine.GetMatch(matchID)
}

// GetBalance returns the player's wallet balance.
func (uc *ArenaUseCase) GetBalance(playerID int64) int64 {
	return uc.ledger.BalanceOf(playerID)
}

// CreditWallet requests a deposit, resolved by the settlement adapter on a
// later drain tick.
func (uc *ArenaUseCase) CreditWallet(ctx context.Context, playerID int64, amount int64) (*ledgerdomain.Transaction, error) {
	return uc.ledger.RequestDeposit(ctx, playerID, amount)
}

// RequestWithdrawal requests a withdrawal, subject to the review policy.
func (uc *ArenaUseCase) RequestWithdrawal(ctx context.Context, playerID int64, amount int64) (*ledgerdomain.Transaction, error) {
	return uc.ledger.RequestWithdrawal(ctx, playerID, amount)
}

// ApproveWithdrawal resolves an in-review withdrawal.
func (uc *ArenaUseCase) ApproveWithdrawal(ctx context.Context, txID string) error {
	return uc.ledger.ApproveWithdrawal(ctx, txID)
}

// DrainPending runs one pending-settlement pass outside the scheduler, for
// admin tooling and tests.
func (uc *ArenaUseCase) DrainPending(ctx context.Context) {
	uc.ledger.DrainPending(ctx)
}

// GetTransactionHistory returns the player's transactions, newest first.
func (uc *ArenaUseCase) GetTransactionHistory(ctx context.Context, playerID int64, limit int) ([]*ledgerdomain.Transaction, error) {
	return uc.ledger.TransactionHistory(ctx, playerID, limit)
}

// SystemStats aggregates the read-only component snapshots.
type SystemStats struct {
	Matches engine.Stats   `json:"matches"`
	Ledger  ledgeruc.Stats `json:"ledger"`
	Events  eventbus.Stats `json:"events"`
}

// SystemStats returns a side-effect-free snapshot of the whole core.
func (uc *ArenaUseCase) SystemStats() SystemStats {
	return SystemStats{
		Matches: uc.engine.Snapshot(),
		Ledger:  uc.ledger.Snapshot(),
		Events:  uc.bus.Snapshot(),
	}
}

// EventStats returns the bus snapshot.
func (uc *ArenaUseCase) EventStats() eventbus.Stats {
	return uc.bus.Snapshot()
}

// LedgerStats returns the ledger snapshot.
func (uc *ArenaUseCase) LedgerStats() ledgeruc.Stats {
	return uc.ledger.Snapshot()
}

// EventHistory returns the most recently dispatched events, newest first.
func (uc *ArenaUseCase) EventHistory(limit int) []*eventbus.Event {
	return uc.bus.History(limit)
}
