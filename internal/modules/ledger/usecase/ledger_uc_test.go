package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/carrom_arena/internal/config"
	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	"github.com/frankieli/carrom_arena/internal/modules/ledger/repository/memory"
	"github.com/frankieli/carrom_arena/internal/modules/ledger/usecase"
	"github.com/frankieli/carrom_arena/internal/modules/settlement"
	"github.com/frankieli/carrom_arena/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "warn", Format: "console"})
}

const feeAccountID = int64(1)

func walletConfig() config.WalletConfig {
	return config.WalletConfig{
		DepositMin:       10,
		DepositMax:       10000,
		WithdrawalMin:    25,
		WithdrawalMax:    50000,
		ReviewThreshold:  2000,
		AutoApproveAfter: 0, // tests opt in explicitly
		PendingTimeout:   5 * time.Minute,
		MaxRetries:       3,
	}
}

func settlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		BetAmount:    10,
		WinnerPayout: 16,
		ServerFee:    4,
		FeeAccountID: feeAccountID,
	}
}

func newLedger(t *testing.T, wal config.WalletConfig) (*usecase.LedgerUseCase, *memory.TransactionRepository, *settlement.MockAdapter) {
	t.Helper()
	repo := memory.NewTransactionRepository()
	adapter := settlement.NewMockAdapter()
	uc := usecase.NewLedgerUseCase(repo, adapter, settlementConfig(), wal)
	return uc, repo, adapter
}

// seed credits a player directly through a completed deposit posting.
func seed(t *testing.T, uc *usecase.LedgerUseCase, playerID, amount int64) {
	t.Helper()
	tx := domain.NewTransaction(playerID, domain.TypeDeposit, amount, "", "seed")
	require.NoError(t, uc.Post(context.Background(), tx))
}

func TestPostIdempotent(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	tx := domain.NewTransaction(42, domain.TypeDeposit, 100, "", "seed")
	require.NoError(t, uc.Post(ctx, tx))
	assert.Equal(t, int64(100), uc.BalanceOf(42))

	// Replaying the same transaction ID must be a no-op.
	replay := *tx
	err := uc.Post(ctx, &replay)
	assert.ErrorIs(t, err, domain.ErrDuplicateTransaction)
	assert.Equal(t, int64(100), uc.BalanceOf(42))
}

func TestPostInsufficientFunds(t *testing.T) {
	uc, repo, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	tx := domain.NewTransaction(42, domain.TypeBet, -50, "m1", "bet:m1")
	err := uc.Post(ctx, tx)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(0), uc.BalanceOf(42))

	// A rejected debit never leaves a record behind.
	stored, err := repo.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPostInvalidAmount(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	err := uc.Post(ctx, domain.NewTransaction(42, domain.TypeDeposit, 5, "", "below min"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	err = uc.Post(ctx, domain.NewTransaction(42, domain.TypeDeposit, 0, "", "zero"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	err = uc.Post(ctx, domain.NewTransaction(42, domain.TypeDeposit, 20000, "", "above max"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSettleMatchConservation(t *testing.T) {
	uc, repo, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 100, 100)
	seed(t, uc, 200, 100)

	matchID := "match-1"
	_, err := uc.DeductBet(ctx, 100, 10, matchID)
	require.NoError(t, err)
	_, err = uc.DeductBet(ctx, 200, 10, matchID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), uc.BalanceOf(100))
	assert.Equal(t, int64(90), uc.BalanceOf(200))

	require.NoError(t, uc.SettleMatch(ctx, matchID, 100))
	assert.Equal(t, int64(106), uc.BalanceOf(100))
	assert.Equal(t, int64(90), uc.BalanceOf(200))
	assert.Equal(t, int64(4), uc.BalanceOf(feeAccountID))

	// Money is conserved: the match's postings sum to zero.
	txs, err := repo.ListByMatch(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, txs, 4)
	var sum int64
	for _, tx := range txs {
		assert.Equal(t, domain.StatusCompleted, tx.Status)
		sum += tx.Amount
	}
	assert.Equal(t, int64(0), sum)
}

func TestSettleMatchDuplicate(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 100, 100)
	seed(t, uc, 200, 100)

	matchID := "match-1"
	_, err := uc.DeductBet(ctx, 100, 10, matchID)
	require.NoError(t, err)
	_, err = uc.DeductBet(ctx, 200, 10, matchID)
	require.NoError(t, err)

	require.NoError(t, uc.SettleMatch(ctx, matchID, 100))

	err = uc.SettleMatch(ctx, matchID, 100)
	assert.ErrorIs(t, err, domain.ErrDuplicateSettlement)
	assert.Equal(t, int64(106), uc.BalanceOf(100))
	assert.Equal(t, int64(4), uc.BalanceOf(feeAccountID))

	// A different winner for the same match is just as rejected.
	err = uc.SettleMatch(ctx, matchID, 200)
	assert.ErrorIs(t, err, domain.ErrDuplicateSettlement)
	assert.Equal(t, int64(90), uc.BalanceOf(200))
}

func TestRefundMatch(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 100, 100)
	seed(t, uc, 200, 100)

	matchID := "match-1"
	_, err := uc.DeductBet(ctx, 100, 10, matchID)
	require.NoError(t, err)
	_, err = uc.DeductBet(ctx, 200, 10, matchID)
	require.NoError(t, err)

	require.NoError(t, uc.RefundMatch(ctx, matchID, map[int64]int64{100: 10, 200: 10}))
	assert.Equal(t, int64(100), uc.BalanceOf(100))
	assert.Equal(t, int64(100), uc.BalanceOf(200))

	// A refunded match cannot be settled afterwards.
	err = uc.SettleMatch(ctx, matchID, 100)
	assert.ErrorIs(t, err, domain.ErrDuplicateSettlement)
}

func TestDepositFlow(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	tx, err := uc.RequestDeposit(ctx, 42, 50)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, int64(0), uc.BalanceOf(42))

	uc.DrainPending(ctx)
	assert.Equal(t, int64(50), uc.BalanceOf(42))

	history, err := uc.TransactionHistory(ctx, 42, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusCompleted, history[0].Status)
}

func TestWithdrawalFlow(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 100)

	tx, err := uc.RequestWithdrawal(ctx, 42, 30)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, int64(100), uc.BalanceOf(42), "pending withdrawal must not touch the balance")

	uc.DrainPending(ctx)
	assert.Equal(t, int64(70), uc.BalanceOf(42))

	history, err := uc.TransactionHistory(ctx, 42, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TypeWithdrawal, history[0].Type)
	assert.Equal(t, int64(-30), history[0].Amount)
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 20)
	_, err := uc.RequestWithdrawal(ctx, 42, 30)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestWithdrawalReviewAndApproval(t *testing.T) {
	uc, repo, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 5000)

	tx, err := uc.RequestWithdrawal(ctx, 42, 3000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReview, tx.Status)

	// Auto-approval is disabled; the drain leaves it in review.
	uc.DrainPending(ctx)
	stored, err := repo.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReview, stored.Status)
	assert.Equal(t, int64(5000), uc.BalanceOf(42))

	require.NoError(t, uc.ApproveWithdrawal(ctx, tx.ID))
	uc.DrainPending(ctx)
	assert.Equal(t, int64(2000), uc.BalanceOf(42))
}

func TestWithdrawalTimeBoxedAutoApproval(t *testing.T) {
	wal := walletConfig()
	wal.AutoApproveAfter = time.Millisecond
	uc, _, _ := newLedger(t, wal)
	ctx := context.Background()

	seed(t, uc, 42, 5000)

	tx, err := uc.RequestWithdrawal(ctx, 42, 3000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReview, tx.Status)

	time.Sleep(5 * time.Millisecond)
	uc.DrainPending(ctx)
	assert.Equal(t, int64(2000), uc.BalanceOf(42))
}

func TestExternalFailureRetriesThenFails(t *testing.T) {
	uc, repo, adapter := newLedger(t, walletConfig())
	ctx := context.Background()

	adapter.SetDefault(settlement.Outcome{Success: false, Reason: "gateway unavailable"})

	tx, err := uc.RequestDeposit(ctx, 42, 50)
	require.NoError(t, err)

	for i := 0; i < walletConfig().MaxRetries; i++ {
		uc.DrainPending(ctx)
	}

	stored, err := repo.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.Reason, "gateway unavailable")
	assert.Equal(t, int64(0), uc.BalanceOf(42))

	// Once failed, the drain never touches it again.
	calls := len(adapter.Calls())
	uc.DrainPending(ctx)
	assert.Equal(t, calls, len(adapter.Calls()))
}

func TestNoNegativeBalance(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 15)

	_, err := uc.DeductBet(ctx, 42, 10, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), uc.BalanceOf(42))

	_, err = uc.DeductBet(ctx, 42, 10, "m2")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(5), uc.BalanceOf(42))
	assert.GreaterOrEqual(t, uc.BalanceOf(42), int64(0))
}

func TestReconcileClean(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 100, 100)
	seed(t, uc, 200, 100)
	_, err := uc.DeductBet(ctx, 100, 10, "m1")
	require.NoError(t, err)

	assert.NoError(t, uc.Reconcile(ctx))
}

func TestReconcileMismatchHaltsPlayer(t *testing.T) {
	uc, repo, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 100)

	// Forge a completed transaction behind the ledger's back: the replay sum
	// no longer matches the cached balance.
	forged := domain.NewTransaction(42, domain.TypeWin, 999, "forged", "forged")
	forged.Status = domain.StatusCompleted
	require.NoError(t, repo.Save(ctx, forged))

	err := uc.Reconcile(ctx)
	assert.ErrorIs(t, err, domain.ErrConsistency)

	// The discrepancy is reported, never auto-corrected.
	assert.Equal(t, int64(100), uc.BalanceOf(42))

	// Settlement for the affected player is halted.
	postErr := uc.Post(ctx, domain.NewTransaction(42, domain.TypeDeposit, 50, "", "after halt"))
	assert.ErrorIs(t, postErr, domain.ErrSettlementHalted)
}

func TestSnapshot(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 100, 100)
	seed(t, uc, 200, 50)
	_, err := uc.DeductBet(ctx, 100, 10, "m1")
	require.NoError(t, err)
	_, err = uc.DeductBet(ctx, 200, 10, "m1")
	require.NoError(t, err)
	require.NoError(t, uc.SettleMatch(ctx, "m1", 100))

	stats := uc.Snapshot()
	assert.Equal(t, 3, stats.Players) // both players plus the fee account
	assert.Equal(t, int64(150), stats.TotalBalance)
	assert.Equal(t, 1, stats.SettledMatches)
	assert.Equal(t, 0, stats.HaltedPlayers)
}

func TestConcurrentPostingsSerialized(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 1000)

	// 100 concurrent 10-unit debits against a 1000 balance: all must apply,
	// none may observe a half-posted state.
	done := make(chan error, 100)
	for i := 0; i < 100; i++ {
		go func(n int) {
			_, err := uc.DeductBet(ctx, 42, 10, "m-concurrent")
			done <- err
		}(i)
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int64(0), uc.BalanceOf(42))

	_, err := uc.DeductBet(ctx, 42, 10, "m-over")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestTransactionHistoryNewestFirst(t *testing.T) {
	uc, _, _ := newLedger(t, walletConfig())
	ctx := context.Background()

	seed(t, uc, 42, 100)
	_, err := uc.DeductBet(ctx, 42, 10, "m1")
	require.NoError(t, err)
	_, err = uc.DeductBet(ctx, 42, 10, "m2")
	require.NoError(t, err)

	history, err := uc.TransactionHistory(ctx, 42, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].MatchID)
	assert.Equal(t, "m1", history[1].MatchID)
	assert.Equal(t, domain.TypeDeposit, history[2].Type)
}
