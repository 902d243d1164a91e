package config

import (
	"fmt"
	"time"
)

// ArenaConfig holds all configuration for the arena core.
type ArenaConfig struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	RepoType   string // memory, db, redis
	Settlement SettlementConfig
	Wallet     WalletConfig
	Match      MatchConfig
	Ticks      TickConfig
}

// SettlementConfig fixes the per-match money split. The fee is funded by the
// loser's forfeited stake plus margin, so 2*BetAmount must equal
// WinnerPayout+ServerFee. This is a configured constant, not a derived one.
type SettlementConfig struct {
	BetAmount    int64
	WinnerPayout int64
	ServerFee    int64
	FeeAccountID int64
}

// WalletConfig bounds deposits and withdrawals and tunes the review policy.
type WalletConfig struct {
	DepositMin    int64
	DepositMax    int64
	WithdrawalMin int64
	WithdrawalMax int64

	// Withdrawals above ReviewThreshold land in review. AutoApproveAfter is
	// the time-boxed auto-approval knob; zero disables it and review items
	// wait for an explicit approval call.
	ReviewThreshold  int64
	AutoApproveAfter time.Duration

	// Pending transactions older than PendingTimeout are retried (deposits)
	// or failed (withdrawals), up to MaxRetries.
	PendingTimeout time.Duration
	MaxRetries     int
}

// MatchConfig tunes the match lifecycle timing.
type MatchConfig struct {
	Duration       time.Duration
	PairingTimeout time.Duration
	GracePeriod    time.Duration
	WinScore       int

	CompletedRetention time.Duration
	CancelledRetention time.Duration
}

// TickConfig holds the periodic task intervals.
type TickConfig struct {
	Sweep     time.Duration
	Dispatch  time.Duration
	Drain     time.Duration
	Reconcile time.Duration
	Cleanup   time.Duration
}

// LoadArenaConfig loads the arena configuration from the environment.
func LoadArenaConfig() *ArenaConfig {
	return &ArenaConfig{
		Server: ServerConfig{
			Name:     "carrom-arena",
			LogLevel: getEnv("ARENA_LOG_LEVEL", "info"),
			LogFile:  getEnv("ARENA_LOG_FILE", "logs/arena/monolith.log"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "arena_user"),
			Password: getEnv("DB_PASSWORD", "arena_pass"),
			Name:     getEnv("DB_NAME", "arena_db"),
		},
		Redis: RedisConfig{
			Host: getEnv("REDIS_HOST", "localhost"),
			Port: getEnv("REDIS_PORT", "6379"),
		},
		RepoType: getEnv("LEDGER_REPO_TYPE", "memory"),
		Settlement: SettlementConfig{
			BetAmount:    getEnvInt64("SETTLEMENT_BET_AMOUNT", 10),
			WinnerPayout: getEnvInt64("SETTLEMENT_WINNER_PAYOUT", 16),
			ServerFee:    getEnvInt64("SETTLEMENT_SERVER_FEE", 4),
			FeeAccountID: getEnvInt64("SETTLEMENT_FEE_ACCOUNT_ID", 1),
		},
		Wallet: WalletConfig{
			DepositMin:       getEnvInt64("WALLET_DEPOSIT_MIN", 10),
			DepositMax:       getEnvInt64("WALLET_DEPOSIT_MAX", 10000),
			WithdrawalMin:    getEnvInt64("WALLET_WITHDRAWAL_MIN", 25),
			WithdrawalMax:    getEnvInt64("WALLET_WITHDRAWAL_MAX", 50000),
			ReviewThreshold:  getEnvInt64("WALLET_REVIEW_THRESHOLD", 2000),
			AutoApproveAfter: getEnvDuration("WALLET_REVIEW_AUTO_APPROVE_AFTER", 30*time.Minute),
			PendingTimeout:   getEnvDuration("WALLET_PENDING_TIMEOUT", 5*time.Minute),
			MaxRetries:       getEnvInt("WALLET_MAX_RETRIES", 3),
		},
		Match: MatchConfig{
			Duration:           getEnvDuration("MATCH_DURATION", 5*time.Minute),
			PairingTimeout:     getEnvDuration("MATCH_PAIRING_TIMEOUT", 2*time.Minute),
			GracePeriod:        getEnvDuration("MATCH_GRACE_PERIOD", 30*time.Second),
			WinScore:           getEnvInt("MATCH_WIN_SCORE", 9),
			CompletedRetention: getEnvDuration("MATCH_COMPLETED_RETENTION", time.Hour),
			CancelledRetention: getEnvDuration("MATCH_CANCELLED_RETENTION", 30*time.Minute),
		},
		Ticks: TickConfig{
			Sweep:     getEnvDuration("TICK_SWEEP", time.Second),
			Dispatch:  getEnvDuration("TICK_DISPATCH", 100*time.Millisecond),
			Drain:     getEnvDuration("TICK_DRAIN", 3*time.Second),
			Reconcile: getEnvDuration("TICK_RECONCILE", 10*time.Second),
			Cleanup:   getEnvDuration("TICK_CLEANUP", 30*time.Second),
		},
	}
}

// Validate checks the cross-field constraints that must hold before the core
// is allowed to move money.
func (c *ArenaConfig) Validate() error {
	s := c.Settlement
	if s.BetAmount <= 0 || s.WinnerPayout <= 0 || s.ServerFee < 0 {
		return fmt.Errorf("settlement amounts must be positive: bet=%d payout=%d fee=%d",
			s.BetAmount, s.WinnerPayout, s.ServerFee)
	}
	if 2*s.BetAmount != s.WinnerPayout+s.ServerFee {
		return fmt.Errorf("settlement split does not conserve money: 2*%d != %d+%d",
			s.BetAmount, s.WinnerPayout, s.ServerFee)
	}

	w := c.Wallet
	if w.DepositMin <= 0 || w.DepositMax < w.DepositMin {
		return fmt.Errorf("invalid deposit bounds [%d, %d]", w.DepositMin, w.DepositMax)
	}
	if w.WithdrawalMin <= 0 || w.WithdrawalMax < w.WithdrawalMin {
		return fmt.Errorf("invalid withdrawal bounds [%d, %d]", w.WithdrawalMin, w.WithdrawalMax)
	}

	m := c.Match
	if m.Duration <= 0 || m.PairingTimeout <= 0 || m.GracePeriod <= 0 {
		return fmt.Errorf("match durations must be positive")
	}
	if m.WinScore <= 0 {
		return fmt.Errorf("win score must be positive, got %d", m.WinScore)
	}

	t := c.Ticks
	for _, d := range []time.Duration{t.Sweep, t.Dispatch, t.Drain, t.Reconcile, t.Cleanup} {
		if d <= 0 {
			return fmt.Errorf("tick intervals must be positive")
		}
	}

	switch c.RepoType {
	case "memory", "db", "redis":
	default:
		return fmt.Errorf("unknown ledger repo type %q", c.RepoType)
	}

	return nil
}
