package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/carrom_arena/internal/config"
	arenaUseCase "github.com/frankieli/carrom_arena/internal/modules/arena/usecase"
	"github.com/frankieli/carrom_arena/internal/modules/eventbus"
	ledgerDomain "github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
	ledgerDB "github.com/frankieli/carrom_arena/internal/modules/ledger/repository/db"
	ledgerMemory "github.com/frankieli/carrom_arena/internal/modules/ledger/repository/memory"
	ledgerRedis "github.com/frankieli/carrom_arena/internal/modules/ledger/repository/redis"
	ledgerUseCase "github.com/frankieli/carrom_arena/internal/modules/ledger/usecase"
	matchDomain "github.com/frankieli/carrom_arena/internal/modules/match/domain"
	matchEngine "github.com/frankieli/carrom_arena/internal/modules/match/engine"
	"github.com/frankieli/carrom_arena/internal/modules/settlement"
	"github.com/frankieli/carrom_arena/pkg/admin"
	"github.com/frankieli/carrom_arena/pkg/logger"
	"github.com/frankieli/carrom_arena/pkg/scheduler"
)

func main() {
	adminPort := flag.String("admin-port", "", "Port for the local admin/debug server (e.g., 6060)")
	sqlitePath := flag.String("sqlite", "", "Use a local SQLite file instead of Postgres for the db repo")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// 1. Load Config
	cfg := config.LoadArenaConfig()

	logger.InitWithFile(cfg.Server.LogFile, cfg.Server.LogLevel, "json")
	defer logger.Flush()

	if err := cfg.Validate(); err != nil {
		logger.FatalGlobal().Err(err).Msg("Invalid configuration")
	}

	fmt.Printf("🚀 Starting Carrom Arena... Logs are being written to %s (rotating)\n", cfg.Server.LogFile)
	logger.InfoGlobal().
		Str("repo_type", cfg.RepoType).
		Int64("bet_amount", cfg.Settlement.BetAmount).
		Int64("winner_payout", cfg.Settlement.WinnerPayout).
		Int64("server_fee", cfg.Settlement.ServerFee).
		Msg("🎮 Starting Carrom Arena")

	// 2. Transaction repository
	txRepo := buildTransactionRepo(cfg, *sqlitePath)

	// 3. Core components, explicitly constructed and injected
	adapter := settlement.NewMockAdapter() // TODO: wire the PSP adapter once its sandbox credentials land
	ledger := ledgerUseCase.NewLedgerUseCase(txRepo, adapter, cfg.Settlement, cfg.Wallet)
	bus := eventbus.NewBus()
	engine := matchEngine.NewMatchEngine(cfg.Match, cfg.Settlement, ledger, bus, matchDomain.CarromRules{})
	arena := arenaUseCase.NewArenaUseCase(ledger, engine, bus, cfg)

	// 4. Periodic tasks
	sched := scheduler.New()
	sched.Register("match_sweep", cfg.Ticks.Sweep, engine.Sweep)
	sched.Register("event_dispatch", cfg.Ticks.Dispatch, func(ctx context.Context) { bus.DispatchTick(ctx) })
	sched.Register("ledger_drain", cfg.Ticks.Drain, ledger.DrainPending)
	sched.Register("reconcile", cfg.Ticks.Reconcile, func(ctx context.Context) {
		if err := ledger.Reconcile(ctx); err != nil {
			logger.Error(ctx).Err(err).Msg("Reconciliation failed")
		}
	})
	sched.Register("cleanup", cfg.Ticks.Cleanup, engine.Cleanup)

	if err := sched.Start(); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to start scheduler")
	}

	// 5. Admin/debug server: stats, event history, pprof
	var adminSrv *admin.Server
	if *adminPort != "" {
		adminSrv = admin.NewServer(
			func() interface{} { return arena.SystemStats() },
			func() interface{} { return arena.EventHistory(100) },
		)
		if _, err := adminSrv.Start(*adminPort); err != nil {
			logger.ErrorGlobal().Err(err).Msg("Failed to start admin server")
			adminSrv = nil
		}
	}

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.InfoGlobal().Str("signal", sig.String()).Msg("🛑 Shutting down")
	if err := sched.Stop(); err != nil {
		logger.ErrorGlobal().Err(err).Msg("Scheduler shutdown failed")
	}
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorGlobal().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
	logger.InfoGlobal().Msg("Shutdown complete")
}

func buildTransactionRepo(cfg *config.ArenaConfig, sqlitePath string) ledgerDomain.TransactionRepository {
	switch cfg.RepoType {
	case "db":
		gormLog := logger.NewGormLogger()
		gormLog.LogLevel = gormlogger.Warn

		var dialector gorm.Dialector
		if sqlitePath != "" {
			dialector = sqlite.Open(sqlitePath)
		} else {
			dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
				cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name)
			dialector = postgres.Open(dsn)
		}

		db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
		if err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to connect to database")
		}

		repo, err := ledgerDB.NewTransactionRepository(db)
		if err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to migrate transactions table")
		}
		logger.InfoGlobal().Msg("Using DB transaction repository")
		return repo

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr: cfg.Redis.Host + ":" + cfg.Redis.Port,
		})
		logger.InfoGlobal().Msg("Using Redis transaction repository")
		return ledgerRedis.NewTransactionRepository(rdb)

	default:
		logger.InfoGlobal().Msg("Using memory transaction repository")
		return ledgerMemory.NewTransactionRepository()
	}
}
