package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ainp-labs/broker/pkg/config"
	"github.com/ainp-labs/broker/pkg/credits"
	"github.com/ainp-labs/broker/pkg/incentives"
	"github.com/ainp-labs/broker/pkg/negotiation"
	"github.com/ainp-labs/broker/pkg/observability"
	"github.com/ainp-labs/broker/pkg/settlement"

	_ "github.com/lib/pq"  // Postgres Driver
	_ "modernc.org/sqlite" // SQLite Driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("broker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.ProfilesDir != "" && cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
		logger.Info("marketplace profile applied", "profile", profile.Code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "ainp-broker",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, driver, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	lockRows := driver == "postgres"
	ledger := ledgerFor(db, lockRows)
	if err := ledger.Init(ctx); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	sessions := sessionStoreFor(db, lockRows)
	if err := sessions.Init(ctx); err != nil {
		return fmt.Errorf("init negotiation schema: %w", err)
	}
	markers := settlement.NewSQLMarkers(db)
	if err := markers.Init(ctx); err != nil {
		return fmt.Errorf("init settlement schema: %w", err)
	}

	var scores incentives.ScoreSource
	if cfg.RedisAddr != "" {
		redisScores := incentives.NewRedisScores(cfg.RedisAddr, "", 0)
		defer redisScores.Close()
		scores = redisScores
	} else {
		scores = incentives.NewMemoryScores()
	}

	engineCfg := negotiation.Config{
		SettlementEnabled: cfg.SettlementEnabled,
		AtomicScale:       cfg.AtomicScale,
		MaxRoundsCeiling:  cfg.MaxRoundsCeiling,
		DefaultMaxRounds:  cfg.DefaultMaxRounds,
		DefaultTTL:        cfg.DefaultTTL,
	}
	engine := negotiation.NewEngine(sessions, ledger, engineCfg, logger)

	distributor := incentives.NewDistributor(ledger, scores, logger)
	coordinator := settlement.NewCoordinator(sessions, ledger, distributor, markers,
		settlement.Config{SettlementEnabled: cfg.SettlementEnabled, BrokerDID: cfg.BrokerDID},
		logger)

	logger.Info("broker started",
		"database", driver,
		"settlement_enabled", cfg.SettlementEnabled,
		"broker_did", cfg.BrokerDID,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runExpirySweep(ctx, engine, cfg.ExpirySweepEvery, obs, logger)
	}()
	go func() {
		defer wg.Done()
		runReconcileSweep(ctx, coordinator, cfg.ReconcileEvery, logger)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()
	return nil
}

// openDatabase picks the driver from the URL scheme: postgres:// goes
// through lib/pq, anything else is treated as a sqlite path.
func openDatabase(url string) (*sql.DB, string, error) {
	driver := "sqlite"
	dsn := url
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	} else {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	return db, driver, nil
}

func ledgerFor(db *sql.DB, lockRows bool) *credits.SQLLedger {
	if lockRows {
		return credits.NewPostgresLedger(db)
	}
	return credits.NewSQLiteLedger(db)
}

func sessionStoreFor(db *sql.DB, lockRows bool) *negotiation.SQLStore {
	if lockRows {
		return negotiation.NewPostgresStore(db)
	}
	return negotiation.NewSQLiteStore(db)
}

// runExpirySweep periodically expires stale sessions. The limiter paces
// the loop so a slow database cannot cause sweep pile-up.
func runExpirySweep(ctx context.Context, engine *negotiation.Engine, every time.Duration, obs *observability.Provider, logger *slog.Logger) {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		sweepCtx, finish := obs.TrackOperation(ctx, "negotiation.expire_sweep")
		_, err := engine.ExpireStale(sweepCtx)
		finish(err)
		if err != nil {
			logger.Error("expiry sweep failed", "error", err)
		}
	}
}

// runReconcileSweep periodically re-drives settlements that released
// funds but crashed before distribution.
func runReconcileSweep(ctx context.Context, coordinator *settlement.Coordinator, every time.Duration, logger *slog.Logger) {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		n, err := coordinator.ReconcilePending(ctx)
		if err != nil {
			logger.Error("settlement reconciliation failed", "error", err)
			continue
		}
		if n > 0 {
			logger.Info("reconciled pending settlements", "count", n)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
