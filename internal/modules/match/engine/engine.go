// Package engine implements the per-match state machine: lifecycle, deadlines
// and the bet/payout triggers against the ledger.
package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frankieli/carrom_arena/internal/config"
	"github.com/frankieli/carrom_arena/internal/modules/eventbus"
	ledgerdomain "github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	"github.com/frankieli/carrom_arena/internal/modules/match/domain"
	"github.com/frankieli/carrom_arena/pkg/logger"
)

// Engine errors surfaced to the request layer.
var (
	ErrMatchNotFound    = errors.New("match not found")
	ErrAlreadySettled   = errors.New("match already settled")
	ErrInvalidPlayer    = errors.New("player not in match")
	ErrInvalidBetAmount = errors.New("invalid bet amount")
	ErrInvalidMove      = errors.New("invalid move")
)

// Ledger is the slice of the wallet ledger the engine needs.
type Ledger interface {
	DeductBet(ctx context.Context, playerID int64, amount int64, matchID string) (*ledgerdomain.Transaction, error)
	SettleMatch(ctx context.Context, matchID string, winnerID int64) error
	RefundMatch(ctx context.Context, matchID string, stakes map[int64]int64) error
}

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(e *eventbus.Event)
}

// matchEntry pairs a match with its lock. Each match is mutated only under
// its own lock, so the sweep and event handlers for the same match never race.
type matchEntry struct {
	mu sync.Mutex
	m  *domain.Match
}

// MatchEngine owns the active match set. All timers live in one shared
// deadline heap drained by the periodic sweep.
type MatchEngine struct {
	cfg    config.MatchConfig
	set    config.SettlementConfig
	ledger Ledger
	bus    Publisher
	rules  domain.GameRules

	mu        sync.RWMutex
	matches   map[string]*matchEntry
	deadlines deadlineHeap
	evictions deadlineHeap
}

// NewMatchEngine creates a new match engine
func NewMatchEngine(cfg config.MatchConfig, set config.SettlementConfig, ledger Ledger, bus Publisher, rules domain.GameRules) *MatchEngine {
	e := &MatchEngine{
		cfg:     cfg,
		set:     set,
		ledger:  ledger,
		bus:     bus,
		rules:   rules,
		matches: make(map[string]*matchEntry),
	}
	heap.Init(&e.deadlines)
	heap.Init(&e.evictions)
	return e
}

func (e *MatchEngine) entry(matchID string) (*matchEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.matches[matchID]
	return entry, ok
}

func (e *MatchEngine) schedule(at time.Time, matchID string, kind deadlineKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == deadlineEvict {
		e.evictions.schedule(at, matchID, kind)
		return
	}
	e.deadlines.schedule(at, matchID, kind)
}

// CreateMatch pairs two players directly: both bets are deducted, the match
// goes active and the end-of-match deadline is scheduled. A failed second
// deduction refunds the first player's stake before cancelling; a
// partial-deduction state is never left standing.
func (e *MatchEngine) CreateMatch(ctx context.Context, player1, player2 int64, betAmount int64) (string, error) {
	if player1 == player2 || player1 == 0 || player2 == 0 {
		return "", ErrInvalidPlayer
	}
	// The winner payout and server fee are configured constants validated
	// against the bet amount at startup, so a match at any other stake would
	// not settle to zero.
	if betAmount != e.set.BetAmount {
		return "", ErrInvalidBetAmount
	}

	m := domain.NewMatch(player1, betAmount)
	m.Players[1] = domain.PlayerRef{ID: player2}

	ctx = logger.WithFields(ctx, map[string]interface{}{
		"match_id": m.ID,
	})

	if err := e.activate(ctx, m); err != nil {
		return "", err
	}

	entry := &matchEntry{m: m}
	e.mu.Lock()
	e.matches[m.ID] = entry
	e.mu.Unlock()
	e.schedule(m.StartTime.Add(e.cfg.Duration), m.ID, deadlineMatchEnd)

	return m.ID, nil
}

// activate deducts both bets and transitions the match to active. Called
// with the match not yet visible to other goroutines (CreateMatch) or under
// the entry lock (pairing).
func (e *MatchEngine) activate(ctx context.Context, m *domain.Match) error {
	p1, p2 := m.Players[0].ID, m.Players[1].ID

	if _, err := e.ledger.DeductBet(ctx, p1, m.BetAmount, m.ID); err != nil {
		m.Cancel("bet deduction failed")
		logger.Warn(ctx).
			Err(err).
			Int64("player_id", p1).
			Msg("Bet deduction failed, match cancelled")
		return fmt.Errorf("failed to deduct bet from player %d: %w", p1, err)
	}
	m.Stakes[p1] = m.BetAmount

	if _, err := e.ledger.DeductBet(ctx, p2, m.BetAmount, m.ID); err != nil {
		// Refund the peer's already-deducted stake before cancelling.
		if rerr := e.ledger.RefundMatch(ctx, m.ID, map[int64]int64{p1: m.BetAmount}); rerr != nil {
			logger.Error(ctx).
				Err(rerr).
				Int64("player_id", p1).
				Msg("Failed to refund peer stake after deduction failure")
		}
		m.Cancel("bet deduction failed")
		logger.Warn(ctx).
			Err(err).
			Int64("player_id", p2).
			Msg("Bet deduction failed, peer refunded, match cancelled")
		return fmt.Errorf("failed to deduct bet from player %d: %w", p2, err)
	}
	m.Stakes[p2] = m.BetAmount

	m.Activate()

	logger.Info(ctx).
		Int64("player1", p1).
		Int64("player2", p2).
		Int64("bet_amount", m.BetAmount).
		Msg("Match started")

	e.bus.Publish(eventbus.NewEvent(eventbus.EventMatchStart, m.ID, 0, map[string]interface{}{
		"player1":    p1,
		"player2":    p2,
		"bet_amount": m.BetAmount,
	}))

	return nil
}

// JoinQueue enters a player into matchmaking. If a compatible waiting match
// exists the player is paired into it; otherwise a new waiting match is
// created with the pairing timeout scheduled.
func (e *MatchEngine) JoinQueue(ctx context.Context, playerID int64, betAmount int64) (string, error) {
	if playerID == 0 {
		return "", ErrInvalidPlayer
	}
	if betAmount != e.set.BetAmount {
		return "", ErrInvalidBetAmount
	}

	// Scan, then lock the chosen entry, then re-check. The sweep may time a
	// waiting match out between scan and lock, so the pairing attempt retries
	// from a fresh scan with no entry lock held.
	for {
		e.mu.RLock()
		entries := make([]*matchEntry, 0, len(e.matches))
		for _, entry := range e.matches {
			entries = append(entries, entry)
		}
		e.mu.RUnlock()

		var open *matchEntry
		for _, entry := range entries {
			entry.mu.Lock()
			waiting := entry.m.Status == domain.StatusWaiting &&
				!entry.m.Paired() &&
				entry.m.BetAmount == betAmount &&
				entry.m.Players[0].ID != playerID
			entry.mu.Unlock()
			if waiting {
				open = entry
				break
			}
		}

		if open == nil {
			m := domain.NewMatch(playerID, betAmount)
			entry := &matchEntry{m: m}
			e.mu.Lock()
			e.matches[m.ID] = entry
			e.mu.Unlock()
			e.schedule(m.CreatedAt.Add(e.cfg.PairingTimeout), m.ID, deadlinePairing)

			logger.Info(ctx).
				Str("match_id", m.ID).
				Int64("player_id", playerID).
				Int64("bet_amount", betAmount).
				Msg("Player queued, waiting for opponent")
			return m.ID, nil
		}

		open.mu.Lock()
		m := open.m
		if m.Status != domain.StatusWaiting || m.Paired() {
			open.mu.Unlock()
			continue
		}

		m.Players[1] = domain.PlayerRef{ID: playerID}
		mctx := logger.WithFields(ctx, map[string]interface{}{
			"match_id": m.ID,
		})
		if err := e.activate(mctx, m); err != nil {
			// activate cancelled the match; keep it around for the retention
			// window like any other cancellation.
			e.schedule(m.TerminalAt.Add(e.cfg.CancelledRetention), m.ID, deadlineEvict)
			open.mu.Unlock()
			return "", err
		}
		e.schedule(m.StartTime.Add(e.cfg.Duration), m.ID, deadlineMatchEnd)
		open.mu.Unlock()

		return m.ID, nil
	}
}

// CompleteMatch explicitly ends a match with the given winner and settles the
// payout. A repeat call for the same match returns ErrAlreadySettled with no
// balance change.
func (e *MatchEngine) CompleteMatch(ctx context.Context, matchID string, winnerID int64) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status.Terminal() {
		return ErrAlreadySettled
	}
	if m.Status == domain.StatusWaiting {
		// No bets deducted yet, nothing to settle.
		return ErrMatchNotFound
	}
	if !m.HasPlayer(winnerID) {
		return ErrInvalidPlayer
	}

	if m.Status == domain.StatusActive {
		// Arm the grace deadline too: if settlement fails here the match is
		// left finishing, and the sweep must still force-resolve it.
		m.BeginFinishing("explicit end")
		e.schedule(time.Now().Add(e.cfg.GracePeriod), m.ID, deadlineGrace)
	}

	return e.completeLocked(ctx, m, winnerID)
}

// completeLocked settles and finishes a match in finishing state. Caller
// holds the entry lock.
func (e *MatchEngine) completeLocked(ctx context.Context, m *domain.Match, winnerID int64) error {
	if err := e.ledger.SettleMatch(ctx, m.ID, winnerID); err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateSettlement) {
			return ErrAlreadySettled
		}
		return fmt.Errorf("failed to settle match: %w", err)
	}

	m.Complete(winnerID)
	e.schedule(m.TerminalAt.Add(e.cfg.CompletedRetention), m.ID, deadlineEvict)

	logger.Info(ctx).
		Str("match_id", m.ID).
		Int64("winner_id", winnerID).
		Str("reason", m.EndReason).
		Msg("Match completed")

	e.bus.Publish(eventbus.NewEvent(eventbus.EventMatchEnd, m.ID, winnerID, map[string]interface{}{
		"winner": winnerID,
		"reason": m.EndReason,
	}))

	return nil
}

// cancelLocked refunds the deducted stakes and cancels the match. Caller
// holds the entry lock.
func (e *MatchEngine) cancelLocked(ctx context.Context, m *domain.Match, reason string) {
	if len(m.Stakes) > 0 {
		if err := e.ledger.RefundMatch(ctx, m.ID, m.Stakes); err != nil &&
			!errors.Is(err, ledgerdomain.ErrDuplicateSettlement) {
			logger.Error(ctx).
				Err(err).
				Str("match_id", m.ID).
				Msg("Failed to refund stakes on cancellation")
		}
	}

	m.Cancel(reason)
	e.schedule(m.TerminalAt.Add(e.cfg.CancelledRetention), m.ID, deadlineEvict)

	logger.Info(ctx).
		Str("match_id", m.ID).
		Str("reason", reason).
		Msg("Match cancelled")

	e.bus.Publish(eventbus.NewEvent(eventbus.EventMatchEnd, m.ID, 0, map[string]interface{}{
		"reason":    reason,
		"cancelled": true,
	}))
}

// RecordMove validates a move through the game rules and publishes it for
// dispatch. The move's effects (score, fouls, turn) are applied by the
// registered rules, not here.
func (e *MatchEngine) RecordMove(ctx context.Context, matchID string, playerID int64, moveType eventbus.EventType, payload map[string]interface{}) (*eventbus.Event, error) {
	entry, ok := e.entry(matchID)
	if !ok {
		return nil, ErrMatchNotFound
	}

	event := eventbus.NewEvent(moveType, matchID, playerID, payload)

	entry.mu.Lock()
	valid := e.rules.IsValidMove(entry.m, event)
	entry.mu.Unlock()
	if !valid {
		return nil, ErrInvalidMove
	}

	e.bus.Publish(event)
	return event, nil
}

// ScoreAfter returns what the player's score would be after adding delta.
// Used by the win-condition rule to detect a win before the score applies.
func (e *MatchEngine) ScoreAfter(matchID string, playerID int64, delta int) (int, error) {
	entry, ok := e.entry(matchID)
	if !ok {
		return 0, ErrMatchNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.m.Scores[playerID] + delta, nil
}

// ApplyScore adds points to a player's score. Allowed while the match is
// active or finishing, so the winning point still lands after the
// win-condition rule has moved the match to finishing.
func (e *MatchEngine) ApplyScore(ctx context.Context, matchID string, playerID int64, delta int) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status.Terminal() || !m.HasPlayer(playerID) {
		return ErrInvalidMove
	}
	m.Scores[playerID] += delta

	logger.Debug(ctx).
		Str("match_id", matchID).
		Int64("player_id", playerID).
		Int("delta", delta).
		Int("score", m.Scores[playerID]).
		Msg("Score applied")

	return nil
}

// ApplyFoul records a foul and its score penalty.
func (e *MatchEngine) ApplyFoul(ctx context.Context, matchID string, playerID int64, penalty int) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status.Terminal() || !m.HasPlayer(playerID) {
		return ErrInvalidMove
	}
	m.Fouls[playerID]++
	if m.Scores[playerID] >= penalty {
		m.Scores[playerID] -= penalty
	} else {
		m.Scores[playerID] = 0
	}

	logger.Debug(ctx).
		Str("match_id", matchID).
		Int64("player_id", playerID).
		Int("fouls", m.Fouls[playerID]).
		Msg("Foul applied")

	return nil
}

// AdvanceTurn passes the turn if the match is still active. Skipped once the
// match is finishing; turn changes assume the match continues.
func (e *MatchEngine) AdvanceTurn(ctx context.Context, matchID string) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status != domain.StatusActive {
		return nil
	}
	m.AdvanceTurn()
	return nil
}

// BeginFinishing moves an active match to finishing and schedules the grace
// deadline. Safe to call more than once; only the first call transitions.
func (e *MatchEngine) BeginFinishing(ctx context.Context, matchID string, reason string) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status != domain.StatusActive {
		return nil
	}
	m.BeginFinishing(reason)
	e.schedule(time.Now().Add(e.cfg.GracePeriod), m.ID, deadlineGrace)

	logger.Info(ctx).
		Str("match_id", matchID).
		Str("reason", reason).
		Msg("Match finishing")

	return nil
}

// ResolveMatch determines the winner of a finishing match and settles it, or
// refunds it when no winner can be named.
func (e *MatchEngine) ResolveMatch(ctx context.Context, matchID string) error {
	entry, ok := e.entry(matchID)
	if !ok {
		return ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status.Terminal() {
		return nil
	}
	if m.Status == domain.StatusActive {
		m.BeginFinishing("resolution requested")
	}

	winnerID, ok := e.rules.DetermineWinner(m)
	if !ok {
		e.cancelLocked(ctx, m, "no winner determined")
		return nil
	}
	return e.completeLocked(ctx, m, winnerID)
}

// Sweep is the periodic lifecycle pass: it drains due deadlines and applies
// them against current match state. Stale deadlines (for matches that moved
// on) are dropped. This is also the liveness watchdog: every match reaches a
// terminal state within matchDuration + gracePeriod of going active.
func (e *MatchEngine) Sweep(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	due := e.deadlines.popDue(now)
	e.mu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		entry, ok := e.entry(d.matchID)
		if !ok {
			continue
		}

		switch d.kind {
		case deadlinePairing:
			e.sweepPairing(ctx, entry)
		case deadlineMatchEnd:
			e.sweepMatchEnd(ctx, entry)
		case deadlineGrace:
			e.sweepGrace(ctx, entry)
		}
	}
}

// Cleanup is the periodic eviction pass: terminal matches past their
// retention window are dropped from the active set.
func (e *MatchEngine) Cleanup(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	due := e.evictions.popDue(now)
	e.mu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		entry, ok := e.entry(d.matchID)
		if !ok {
			continue
		}
		e.sweepEvict(ctx, entry)
	}
}

// sweepPairing cancels a waiting match whose pairing window elapsed.
func (e *MatchEngine) sweepPairing(ctx context.Context, entry *matchEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status != domain.StatusWaiting {
		return
	}

	e.bus.Publish(eventbus.NewEvent(eventbus.EventTimeout, m.ID, 0, map[string]interface{}{
		"reason": "no opponent",
	}))
	e.cancelLocked(ctx, m, "pairing timeout")
}

// sweepMatchEnd moves an active match to finishing when its duration elapsed.
func (e *MatchEngine) sweepMatchEnd(ctx context.Context, entry *matchEntry) {
	entry.mu.Lock()
	m := entry.m
	if m.Status != domain.StatusActive {
		entry.mu.Unlock()
		return
	}
	m.BeginFinishing("duration elapsed")
	e.schedule(time.Now().Add(e.cfg.GracePeriod), m.ID, deadlineGrace)
	entry.mu.Unlock()

	logger.Info(ctx).
		Str("match_id", m.ID).
		Msg("Match duration elapsed, finishing")

	e.bus.Publish(eventbus.NewEvent(eventbus.EventMatchEnd, m.ID, 0, map[string]interface{}{
		"reason": "duration elapsed",
	}))
}

// sweepGrace force-resolves a match stuck in finishing: score leader wins,
// a tie refunds both players.
func (e *MatchEngine) sweepGrace(ctx context.Context, entry *matchEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.m
	if m.Status != domain.StatusFinishing {
		return
	}

	logger.Warn(ctx).
		Str("match_id", m.ID).
		Msg("Match stuck in finishing, force-resolving")

	e.bus.Publish(eventbus.NewEvent(eventbus.EventTimeout, m.ID, 0, map[string]interface{}{
		"reason": "grace period elapsed",
	}))

	if winnerID, ok := m.Leader(); ok {
		if err := e.completeLocked(ctx, m, winnerID); err != nil {
			logger.Error(ctx).Err(err).Str("match_id", m.ID).Msg("Force-resolution settlement failed")
		}
		return
	}
	e.cancelLocked(ctx, m, "force-resolved tie")
}

// sweepEvict drops a terminal match whose retention window elapsed.
func (e *MatchEngine) sweepEvict(ctx context.Context, entry *matchEntry) {
	entry.mu.Lock()
	m := entry.m
	evict := m.Status.Terminal() && !m.TerminalAt.IsZero()
	entry.mu.Unlock()

	if !evict {
		return
	}

	e.mu.Lock()
	delete(e.matches, m.ID)
	e.mu.Unlock()

	logger.Debug(ctx).
		Str("match_id", m.ID).
		Str("status", string(m.Status)).
		Msg("Match evicted")
}

// GetMatch returns a copy of the match state.
func (e *MatchEngine) GetMatch(matchID string) (*domain.Match, error) {
	entry, ok := e.entry(matchID)
	if !ok {
		return nil, ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	cp := *entry.m
	cp.Scores = make(map[int64]int, len(entry.m.Scores))
	for k, v := range entry.m.Scores {
		cp.Scores[k] = v
	}
	cp.Fouls = make(map[int64]int, len(entry.m.Fouls))
	for k, v := range entry.m.Fouls {
		cp.Fouls[k] = v
	}
	cp.Stakes = make(map[int64]int64, len(entry.m.Stakes))
	for k, v := range entry.m.Stakes {
		cp.Stakes[k] = v
	}
	return &cp, nil
}

// Stats is a read-only snapshot of the match set.
type Stats struct {
	Matches   map[domain.Status]int `json:"matches"`
	Deadlines int                   `json:"deadlines"`
}

// Snapshot returns current engine statistics without side effects.
func (e *MatchEngine) Snapshot() Stats {
	e.mu.RLock()
	entries := make([]*matchEntry, 0, len(e.matches))
	for _, entry := range e.matches {
		entries = append(entries, entry)
	}
	deadlines := e.deadlines.Len() + e.evictions.Len()
	e.mu.RUnlock()

	counts := make(map[domain.Status]int)
	for _, entry := range entries {
		entry.mu.Lock()
		counts[entry.m.Status]++
		entry.mu.Unlock()
	}
	return Stats{
		Matches:   counts,
		Deadlines: deadlines,
	}
}
