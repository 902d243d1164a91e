package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/carrom_arena/internal/config"
	arenauc "github.com/frankieli/carrom_arena/internal/modules/arena/usecase"
	"github.com/frankieli/carrom_arena/internal/modules/eventbus"
	ledgerdomain "github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	"github.com/frankieli/carrom_arena/internal/modules/ledger/repository/memory"
	ledgeruc "github.com/frankieli/carrom_arena/internal/modules/ledger/usecase"
	matchdomain "github.com/frankieli/carrom_arena/internal/modules/match/domain"
	"github.com/frankieli/carrom_arena/internal/modules/match/engine"
	"github.com/frankieli/carrom_arena/internal/modules/settlement"
	"github.com/frankieli/carrom_arena/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "warn", Format: "console"})
}

func testArenaConfig() *config.ArenaConfig {
	return &config.ArenaConfig{
		Settlement: config.SettlementConfig{
			BetAmount:    10,
			WinnerPayout: 16,
			ServerFee:    4,
			FeeAccountID: 1,
		},
		Wallet: config.WalletConfig{
			DepositMin:      10,
			DepositMax:      10000,
			WithdrawalMin:   25,
			WithdrawalMax:   50000,
			ReviewThreshold: 2000,
			PendingTimeout:  5 * time.Minute,
			MaxRetries:      3,
		},
		Match: config.MatchConfig{
			Duration:           5 * time.Minute,
			PairingTimeout:     2 * time.Minute,
			GracePeriod:        30 * time.Second,
			WinScore:           3,
			CompletedRetention: time.Hour,
			CancelledRetention: 30 * time.Minute,
		},
	}
}

type arenaFixture struct {
	arena *arenauc.ArenaUseCase
	bus   *eventbus.Bus
}

func newArena(t *testing.T) *arenaFixture {
	t.Helper()
	cfg := testArenaConfig()
	repo := memory.NewTransactionRepository()
	ledger := ledgeruc.NewLedgerUseCase(repo, settlement.NewMockAdapter(), cfg.Settlement, cfg.Wallet)
	bus := eventbus.NewBus()
	eng := engine.NewMatchEngine(cfg.Match, cfg.Settlement, ledger, bus, matchdomain.CarromRules{})
	return &arenaFixture{
		arena: arenauc.NewArenaUseCase(ledger, eng, bus, cfg),
		bus:   bus,
	}
}

func (f *arenaFixture) seed(t *testing.T, playerID, amount int64) {
	t.Helper()
	tx, err := f.arena.CreditWallet(context.Background(), playerID, amount)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusPending, tx.Status)
}

// drain runs dispatch ticks and the pending-settlement drain until the bus
// queue is empty, standing in for the scheduler loop.
func (f *arenaFixture) drain(ctx context.Context) {
	for i := 0; i < 10; i++ {
		if f.bus.DispatchTick(ctx) == 0 {
			return
		}
	}
}

func TestWinByScoreFlow(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 100, 100)
	f.seed(t, 200, 100)
	f.arena.DrainPending(ctx)
	require.Equal(t, int64(100), f.arena.GetBalance(100))

	matchID, err := f.arena.CreateMatch(ctx, 100, 200, 10)
	require.NoError(t, err)
	f.drain(ctx)

	// Player 100 scores three times; the third point reaches the win score.
	for i := 0; i < 3; i++ {
		_, err := f.arena.RecordMove(ctx, matchID, 100, eventbus.EventScore, map[string]interface{}{"points": 1})
		require.NoError(t, err)
		f.drain(ctx)
	}

	m, err := f.arena.GetMatch(matchID)
	require.NoError(t, err)
	assert.Equal(t, matchdomain.StatusCompleted, m.Status)
	require.NotNil(t, m.Winner)
	assert.Equal(t, int64(100), *m.Winner)
	assert.Equal(t, 3, m.Scores[100], "winning point still lands after the transition")

	assert.Equal(t, int64(106), f.arena.GetBalance(100))
	assert.Equal(t, int64(90), f.arena.GetBalance(200))
	assert.Equal(t, int64(4), f.arena.GetBalance(1))
}

func TestFoulPenaltyAndTurnPass(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 100, 100)
	f.seed(t, 200, 100)
	f.arena.DrainPending(ctx)

	matchID, err := f.arena.CreateMatch(ctx, 100, 200, 10)
	require.NoError(t, err)
	f.drain(ctx)

	_, err = f.arena.RecordMove(ctx, matchID, 100, eventbus.EventScore, map[string]interface{}{"points": 2})
	require.NoError(t, err)
	f.drain(ctx)

	m, err := f.arena.GetMatch(matchID)
	require.NoError(t, err)
	turnBefore := m.CurrentPlayer()

	_, err = f.arena.RecordMove(ctx, matchID, 100, eventbus.EventFoul, map[string]interface{}{"penalty": 1})
	require.NoError(t, err)
	f.drain(ctx)

	m, err = f.arena.GetMatch(matchID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Scores[100])
	assert.Equal(t, 1, m.Fouls[100])
	assert.Equal(t, m.Opponent(turnBefore), m.CurrentPlayer(), "a foul passes the turn")
}

func TestMissedStrikePassesTurn(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 100, 100)
	f.seed(t, 200, 100)
	f.arena.DrainPending(ctx)

	matchID, err := f.arena.CreateMatch(ctx, 100, 200, 10)
	require.NoError(t, err)
	f.drain(ctx)

	m, err := f.arena.GetMatch(matchID)
	require.NoError(t, err)
	turnBefore := m.CurrentPlayer()

	// A pocketing strike keeps the turn.
	_, err = f.arena.RecordMove(ctx, matchID, turnBefore, eventbus.EventStrike, map[string]interface{}{"pocketed": true})
	require.NoError(t, err)
	f.drain(ctx)

	m, err = f.arena.GetMatch(matchID)
	require.NoError(t, err)
	assert.Equal(t, turnBefore, m.CurrentPlayer())

	// A miss passes it.
	_, err = f.arena.RecordMove(ctx, matchID, turnBefore, eventbus.EventStrike, map[string]interface{}{"pocketed": false})
	require.NoError(t, err)
	f.drain(ctx)

	m, err = f.arena.GetMatch(matchID)
	require.NoError(t, err)
	assert.Equal(t, m.Opponent(turnBefore), m.CurrentPlayer())
}

func TestWalletRoundTrip(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 42, 500)
	f.arena.DrainPending(ctx)
	assert.Equal(t, int64(500), f.arena.GetBalance(42))

	tx, err := f.arena.RequestWithdrawal(ctx, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusPending, tx.Status)

	f.arena.DrainPending(ctx)
	assert.Equal(t, int64(400), f.arena.GetBalance(42))

	history, err := f.arena.GetTransactionHistory(ctx, 42, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledgerdomain.TypeWithdrawal, history[0].Type)
}

func TestLargeWithdrawalNeedsApproval(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 42, 5000)
	f.arena.DrainPending(ctx)

	tx, err := f.arena.RequestWithdrawal(ctx, 42, 3000)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusReview, tx.Status)

	f.arena.DrainPending(ctx)
	assert.Equal(t, int64(5000), f.arena.GetBalance(42))

	require.NoError(t, f.arena.ApproveWithdrawal(ctx, tx.ID))
	f.arena.DrainPending(ctx)
	assert.Equal(t, int64(2000), f.arena.GetBalance(42))
}

func TestSystemStats(t *testing.T) {
	f := newArena(t)
	ctx := context.Background()

	f.seed(t, 100, 100)
	f.seed(t, 200, 100)
	f.arena.DrainPending(ctx)

	_, err := f.arena.CreateMatch(ctx, 100, 200, 10)
	require.NoError(t, err)
	f.drain(ctx)

	stats := f.arena.SystemStats()
	assert.Equal(t, 1, stats.Matches.Matches[matchdomain.StatusActive])
	assert.GreaterOrEqual(t, stats.Events.Processed, uint64(1))
	assert.Equal(t, int64(180), stats.Ledger.TotalBalance)
}
