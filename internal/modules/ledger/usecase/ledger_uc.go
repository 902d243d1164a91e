// Package usecase implements the wallet ledger: the sole writer of balances
// and the authoritative record of money movement.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frankieli/carrom_arena/internal/config"
	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	"github.com/frankieli/carrom_arena/internal/modules/settlement"
	"github.com/frankieli/carrom_arena/pkg/logger"
)

// LedgerUseCase owns balances and postings. Balances are derived state: at all
// times balanceOf(p) equals the sum of completed transaction amounts for p.
// Postings for one player are serialized by a per-player mutex; postings for
// different players may proceed in parallel.
type LedgerUseCase struct {
	repo    domain.TransactionRepository
	adapter settlement.Adapter
	setCfg  config.SettlementConfig
	walCfg  config.WalletConfig

	mu       sync.Mutex
	balances map[int64]int64
	resolved map[string]domain.TransactionStatus // id -> terminal status
	settled  map[string]bool                     // matchID -> settled or refunded
	halted   map[int64]bool                      // players frozen by reconciliation
	players  map[int64]*sync.Mutex
}

// NewLedgerUseCase creates a new ledger use case
func NewLedgerUseCase(
	repo domain.TransactionRepository,
	adapter settlement.Adapter,
	setCfg config.SettlementConfig,
	walCfg config.WalletConfig,
) *LedgerUseCase {
	return &LedgerUseCase{
		repo:     repo,
		adapter:  adapter,
		setCfg:   setCfg,
		walCfg:   walCfg,
		balances: make(map[int64]int64),
		resolved: make(map[string]domain.TransactionStatus),
		settled:  make(map[string]bool),
		halted:   make(map[int64]bool),
		players:  make(map[int64]*sync.Mutex),
	}
}

// playerLock returns the posting lock for a player, creating it on first use.
func (uc *LedgerUseCase) playerLock(playerID int64) *sync.Mutex {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	lock, ok := uc.players[playerID]
	if !ok {
		lock = &sync.Mutex{}
		uc.players[playerID] = lock
	}
	return lock
}

// lockPlayers acquires multiple player locks in ascending ID order so that
// concurrent multi-player postings cannot deadlock.
func (uc *LedgerUseCase) lockPlayers(ids ...int64) func() {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	locks := make([]*sync.Mutex, len(uniq))
	for i, id := range uniq {
		locks[i] = uc.playerLock(id)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Post validates and applies a transaction as one unit: the balance update and
// the record append are never observable separately. The transaction ID is the
// idempotency key; a replay of a resolved ID returns ErrDuplicateTransaction
// and changes nothing.
func (uc *LedgerUseCase) Post(ctx context.Context, tx *domain.Transaction) error {
	if err := uc.validate(tx); err != nil {
		return err
	}

	unlock := uc.lockPlayers(tx.PlayerID)
	defer unlock()

	return uc.applyLocked(ctx, tx)
}

// applyLocked completes a transaction. Caller holds the player lock.
func (uc *LedgerUseCase) applyLocked(ctx context.Context, tx *domain.Transaction) error {
	uc.mu.Lock()
	if _, done := uc.resolved[tx.ID]; done {
		uc.mu.Unlock()
		return domain.ErrDuplicateTransaction
	}
	if uc.halted[tx.PlayerID] {
		uc.mu.Unlock()
		return domain.ErrSettlementHalted
	}
	if tx.Amount < 0 && uc.balances[tx.PlayerID]+tx.Amount < 0 {
		uc.mu.Unlock()
		return domain.ErrInsufficientFunds
	}

	now := time.Now()
	tx.Status = domain.StatusCompleted
	tx.ResolvedAt = &now
	uc.balances[tx.PlayerID] += tx.Amount
	uc.resolved[tx.ID] = domain.StatusCompleted
	uc.mu.Unlock()

	// The in-process balance state is authoritative; a failed audit write is
	// reported, not rolled back, and surfaces again at reconciliation.
	if err := uc.persist(ctx, tx); err != nil {
		logger.Error(ctx).
			Err(err).
			Str("transaction_id", tx.ID).
			Int64("player_id", tx.PlayerID).
			Msg("Failed to persist completed transaction")
	}

	logger.Debug(ctx).
		Str("transaction_id", tx.ID).
		Int64("player_id", tx.PlayerID).
		Str("type", string(tx.Type)).
		Int64("amount", tx.Amount).
		Msg("Transaction posted")

	return nil
}

// persist saves a new record or updates an already-saved one.
func (uc *LedgerUseCase) persist(ctx context.Context, tx *domain.Transaction) error {
	existing, err := uc.repo.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return uc.repo.Save(ctx, tx)
	}
	return uc.repo.Update(ctx, tx)
}

func (uc *LedgerUseCase) validate(tx *domain.Transaction) error {
	if tx.Amount == 0 {
		return domain.ErrInvalidAmount
	}
	switch tx.Type {
	case domain.TypeDeposit:
		if tx.Amount < uc.walCfg.DepositMin || tx.Amount > uc.walCfg.DepositMax {
			return domain.ErrInvalidAmount
		}
	case domain.TypeWithdrawal:
		amount := -tx.Amount // withdrawals are debits
		if amount < uc.walCfg.WithdrawalMin || amount > uc.walCfg.WithdrawalMax {
			return domain.ErrInvalidAmount
		}
	}
	return nil
}

// BalanceOf returns the player's derived balance.
func (uc *LedgerUseCase) BalanceOf(playerID int64) int64 {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.balances[playerID]
}

// DeductBet posts the bet debit for one player of a match.
func (uc *LedgerUseCase) DeductBet(ctx context.Context, playerID int64, amount int64, matchID string) (*domain.Transaction, error) {
	tx := domain.NewTransaction(playerID, domain.TypeBet, -amount, matchID, "bet:"+matchID)
	if err := uc.Post(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SettleMatch resolves a completed match: winner credit and fee credit are
// posted atomically as a unit, or not at all. A second call for the same
// match is rejected as a duplicate and leaves balances untouched.
func (uc *LedgerUseCase) SettleMatch(ctx context.Context, matchID string, winnerID int64) error {
	unlock := uc.lockPlayers(winnerID, uc.setCfg.FeeAccountID)
	defer unlock()

	uc.mu.Lock()
	if uc.settled[matchID] {
		uc.mu.Unlock()
		return domain.ErrDuplicateSettlement
	}
	if uc.halted[winnerID] || uc.halted[uc.setCfg.FeeAccountID] {
		uc.mu.Unlock()
		return domain.ErrSettlementHalted
	}
	uc.settled[matchID] = true
	uc.mu.Unlock()

	winTx := domain.NewTransaction(winnerID, domain.TypeWin, uc.setCfg.WinnerPayout, matchID, "win:"+matchID)
	feeTx := domain.NewTransaction(uc.setCfg.FeeAccountID, domain.TypeFee, uc.setCfg.ServerFee, matchID, "fee:"+matchID)

	// Both postings are credits under held locks; neither can fail validation
	// once the duplicate gate above has passed.
	if err := uc.applyLocked(ctx, winTx); err != nil {
		return fmt.Errorf("failed to post winner credit: %w", err)
	}
	if err := uc.applyLocked(ctx, feeTx); err != nil {
		return fmt.Errorf("failed to post fee credit: %w", err)
	}

	logger.Info(ctx).
		Str("match_id", matchID).
		Int64("winner_id", winnerID).
		Int64("payout", uc.setCfg.WinnerPayout).
		Int64("fee", uc.setCfg.ServerFee).
		Msg("Match settled")

	return nil
}

// RefundMatch returns the given stakes to their players and closes the match
// for settlement. Used for cancellations and null-winner resolutions.
func (uc *LedgerUseCase) RefundMatch(ctx context.Context, matchID string, stakes map[int64]int64) error {
	ids := make([]int64, 0, len(stakes))
	for id := range stakes {
		ids = append(ids, id)
	}
	unlock := uc.lockPlayers(ids...)
	defer unlock()

	uc.mu.Lock()
	if uc.settled[matchID] {
		uc.mu.Unlock()
		return domain.ErrDuplicateSettlement
	}
	uc.settled[matchID] = true
	uc.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, playerID := range ids {
		amount := stakes[playerID]
		if amount <= 0 {
			continue
		}
		tx := domain.NewTransaction(playerID, domain.TypeRefund, amount, matchID, "refund:"+matchID)
		if err := uc.applyLocked(ctx, tx); err != nil {
			return fmt.Errorf("failed to post refund for player %d: %w", playerID, err)
		}
	}

	logger.Info(ctx).
		Str("match_id", matchID).
		Int("players", len(ids)).
		Msg("Match refunded")

	return nil
}

// RequestDeposit creates a pending deposit resolved by the settlement adapter
// on a later drain tick.
func (uc *LedgerUseCase) RequestDeposit(ctx context.Context, playerID int64, amount int64) (*domain.Transaction, error) {
	tx := domain.NewTransaction(playerID, domain.TypeDeposit, amount, "", "deposit")
	if err := uc.validate(tx); err != nil {
		return nil, err
	}

	if err := uc.repo.Save(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to save deposit request: %w", err)
	}

	logger.Info(ctx).
		Str("transaction_id", tx.ID).
		Int64("player_id", playerID).
		Int64("amount", amount).
		Msg("Deposit requested")

	return tx, nil
}

// RequestWithdrawal creates a withdrawal. Amounts above the review threshold
// land in review and wait for approval (or the configured auto-approval
// timeout); the rest go straight to pending. Funds are checked here for a
// fast reject and re-checked when the debit actually applies.
func (uc *LedgerUseCase) RequestWithdrawal(ctx context.Context, playerID int64, amount int64) (*domain.Transaction, error) {
	tx := domain.NewTransaction(playerID, domain.TypeWithdrawal, -amount, "", "withdrawal")
	if err := uc.validate(tx); err != nil {
		return nil, err
	}
	if uc.BalanceOf(playerID) < amount {
		return nil, domain.ErrInsufficientFunds
	}

	if amount > uc.walCfg.ReviewThreshold {
		tx.Status = domain.StatusReview
	}

	if err := uc.repo.Save(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to save withdrawal request: %w", err)
	}

	logger.Info(ctx).
		Str("transaction_id", tx.ID).
		Int64("player_id", playerID).
		Int64("amount", amount).
		Bool("in_review", tx.Status == domain.StatusReview).
		Msg("Withdrawal requested")

	return tx, nil
}

// ApproveWithdrawal moves an in-review withdrawal to pending so the next
// drain tick can settle it externally.
func (uc *LedgerUseCase) ApproveWithdrawal(ctx context.Context, txID string) error {
	tx, err := uc.repo.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx == nil {
		return domain.ErrTransactionNotFound
	}
	if tx.Status != domain.StatusReview {
		return domain.ErrNotInReview
	}

	tx.Status = domain.StatusPending
	if err := uc.repo.Update(ctx, tx); err != nil {
		return err
	}

	logger.Info(ctx).
		Str("transaction_id", txID).
		Int64("player_id", tx.PlayerID).
		Msg("Withdrawal approved")

	return nil
}

// DrainPending is the periodic settlement pass: it resolves pending deposits
// and withdrawals through the external adapter, auto-approves aged review
// items when configured, and acts as the stuck-transaction watchdog.
func (uc *LedgerUseCase) DrainPending(ctx context.Context) {
	uc.autoApproveReviews(ctx)

	pending, err := uc.repo.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Failed to list pending transactions")
		return
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			return
		}
		switch tx.Type {
		case domain.TypeDeposit, domain.TypeWithdrawal:
			uc.resolveExternal(ctx, tx)
		default:
			// Internal postings never sit in pending; flag and fail them.
			logger.Warn(ctx).
				Str("transaction_id", tx.ID).
				Str("type", string(tx.Type)).
				Msg("Unexpected pending internal transaction, failing")
			uc.failTransaction(ctx, tx, "internal transaction stuck in pending")
		}
	}
}

func (uc *LedgerUseCase) autoApproveReviews(ctx context.Context) {
	if uc.walCfg.AutoApproveAfter <= 0 {
		return
	}

	reviews, err := uc.repo.ListByStatus(ctx, domain.StatusReview)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Failed to list review transactions")
		return
	}

	cutoff := time.Now().Add(-uc.walCfg.AutoApproveAfter)
	for _, tx := range reviews {
		if tx.CreatedAt.After(cutoff) {
			continue
		}
		logger.Warn(ctx).
			Str("transaction_id", tx.ID).
			Int64("player_id", tx.PlayerID).
			Dur("age", time.Since(tx.CreatedAt)).
			Msg("Auto-approving aged review withdrawal")
		if err := uc.ApproveWithdrawal(ctx, tx.ID); err != nil {
			logger.Error(ctx).Err(err).Str("transaction_id", tx.ID).Msg("Auto-approval failed")
		}
	}
}

// resolveExternal drives one pending external transaction through the
// adapter. Timed-out deposits are retried up to the configured cap;
// timed-out withdrawals fail.
func (uc *LedgerUseCase) resolveExternal(ctx context.Context, tx *domain.Transaction) {
	stuck := time.Since(tx.CreatedAt) > uc.walCfg.PendingTimeout
	if stuck && tx.Type == domain.TypeWithdrawal {
		uc.failTransaction(ctx, tx, "withdrawal timed out")
		return
	}
	if stuck && tx.RetryCount >= uc.walCfg.MaxRetries {
		uc.failTransaction(ctx, tx, "retries exhausted")
		return
	}

	outcome := uc.adapter.Attempt(ctx, tx)
	if !outcome.Success {
		tx.RetryCount++
		if tx.RetryCount >= uc.walCfg.MaxRetries {
			uc.failTransaction(ctx, tx, "external settlement failed: "+outcome.Reason)
			return
		}
		logger.Warn(ctx).
			Str("transaction_id", tx.ID).
			Int("retry_count", tx.RetryCount).
			Str("reason", outcome.Reason).
			Msg("External settlement failed, will retry")
		if err := uc.repo.Update(ctx, tx); err != nil {
			logger.Error(ctx).Err(err).Str("transaction_id", tx.ID).Msg("Failed to record retry")
		}
		return
	}

	unlock := uc.lockPlayers(tx.PlayerID)
	err := uc.applyLocked(ctx, tx)
	unlock()

	switch err {
	case nil:
	case domain.ErrInsufficientFunds:
		// The player spent the funds while the withdrawal was in flight.
		uc.failTransaction(ctx, tx, "insufficient funds at settlement")
	case domain.ErrDuplicateTransaction:
		// Already resolved by a racing tick; nothing to do.
	default:
		logger.Error(ctx).Err(err).Str("transaction_id", tx.ID).Msg("Failed to apply settled transaction")
	}
}

func (uc *LedgerUseCase) failTransaction(ctx context.Context, tx *domain.Transaction, reason string) {
	uc.mu.Lock()
	if _, done := uc.resolved[tx.ID]; done {
		uc.mu.Unlock()
		return
	}
	uc.resolved[tx.ID] = domain.StatusFailed
	uc.mu.Unlock()

	now := time.Now()
	tx.Status = domain.StatusFailed
	tx.Reason = reason
	tx.ResolvedAt = &now

	if err := uc.repo.Update(ctx, tx); err != nil {
		logger.Error(ctx).Err(err).Str("transaction_id", tx.ID).Msg("Failed to record failed transaction")
	}

	logger.Warn(ctx).
		Str("transaction_id", tx.ID).
		Int64("player_id", tx.PlayerID).
		Str("reason", reason).
		Msg("Transaction failed")
}

// Reconcile replays the completed-transaction log and compares the sums with
// the cached balances. A mismatch is a fatal consistency error: it is
// reported, never auto-corrected, and halts settlement for the affected
// players pending investigation.
func (uc *LedgerUseCase) Reconcile(ctx context.Context) error {
	completed, err := uc.repo.ListCompleted(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay completed transactions: %w", err)
	}

	replayed := make(map[int64]int64)
	for _, tx := range completed {
		replayed[tx.PlayerID] += tx.Amount
	}

	uc.mu.Lock()
	var mismatched []int64
	for playerID, cached := range uc.balances {
		if replayed[playerID] != cached {
			mismatched = append(mismatched, playerID)
			uc.halted[playerID] = true
		}
	}
	for playerID := range replayed {
		if _, known := uc.balances[playerID]; !known && replayed[playerID] != 0 {
			mismatched = append(mismatched, playerID)
			uc.halted[playerID] = true
		}
	}
	uc.mu.Unlock()

	if len(mismatched) > 0 {
		for _, playerID := range mismatched {
			logger.Error(ctx).
				Int64("player_id", playerID).
				Int64("cached_balance", uc.BalanceOf(playerID)).
				Int64("replayed_balance", replayed[playerID]).
				Msg("Ledger reconciliation mismatch, settlement halted for player")
		}
		return fmt.Errorf("%w: %d player(s) affected", domain.ErrConsistency, len(mismatched))
	}

	logger.Debug(ctx).
		Int("players", len(replayed)).
		Int("transactions", len(completed)).
		Msg("Reconciliation clean")

	return nil
}

// TransactionHistory returns the player's transactions, newest first.
func (uc *LedgerUseCase) TransactionHistory(ctx context.Context, playerID int64, limit int) ([]*domain.Transaction, error) {
	return uc.repo.ListByPlayer(ctx, playerID, limit)
}

// Stats is a read-only snapshot of the ledger.
type Stats struct {
	Players        int   `json:"players"`
	TotalBalance   int64 `json:"total_balance"`
	Resolved       int   `json:"resolved_transactions"`
	SettledMatches int   `json:"settled_matches"`
	HaltedPlayers  int   `json:"halted_players"`
}

// Snapshot returns current ledger statistics without side effects.
func (uc *LedgerUseCase) Snapshot() Stats {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	var total int64
	for _, b := range uc.balances {
		total += b
	}
	return Stats{
		Players:        len(uc.balances),
		TotalBalance:   total,
		Resolved:       len(uc.resolved),
		SettledMatches: len(uc.settled),
		HaltedPlayers:  len(uc.halted),
	}
}
