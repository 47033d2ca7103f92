// Command tradeforge is the trading engine CLI.
//
// Exit codes: 0 success, 1 unrecoverable error, 2 configuration rejected.
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
	"github.com/tradeforge/engine/internal/api"
	"github.com/tradeforge/engine/internal/backtest"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/engine"
	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/market"
	"github.com/tradeforge/engine/internal/reports"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

const usage = `usage: tradeforge <command> [flags]

commands:
  init-db          create the journal schema (idempotent)
  healthcheck      verify database connectivity
  integrity-check  verify journal integrity
  backup-db        verify journal integrity (backups are taken with pg_dump)
  maintenance      verify journal integrity
  daily-report     generate the daily report
  weekly-report    generate the weekly report
  backtest         replay history through the pipeline
  train            offline training replay
  walk-forward     rolling train/test evaluation
  replay-last      re-run the last N bars
  export-audit     export the audit trail
  live-sim         run live against the paper router
  live-real        run live against the broker
  dashboard        serve the dashboard without trading
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	// .env is optional; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config rejected: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg, command, args); err != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, command string, args []string) error {
	switch command {
	case "init-db":
		db, err := openDB(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Migrate(ctx)

	case "healthcheck":
		db, err := openDB(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		logger.Info("healthcheck passed")
		return nil

	case "integrity-check":
		db, err := openDB(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.IntegrityCheck(ctx); err != nil {
			return fmt.Errorf("integrity: %w", err)
		}
		logger.Info("integrity check passed")
		return nil

	case "backup-db", "maintenance":
		// Postgres-side backups are operated with pg_dump; these verbs
		// only verify journal integrity.
		db, err := openDB(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.IntegrityCheck(ctx); err != nil {
			return fmt.Errorf("integrity: %w", err)
		}
		logger.Info("maintenance complete")
		return nil

	case "daily-report":
		repo, cleanup, err := openRepo(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		reporter := reports.NewReporter(logger, repo, cfg.DataDir+"/exports/reports")
		_, err = reporter.Daily(ctx, time.Now().UTC(), false, "")
		return err

	case "weekly-report":
		repo, cleanup, err := openRepo(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		reporter := reports.NewReporter(logger, repo, cfg.DataDir+"/exports/reports")
		weekStart := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -7)
		_, err = reporter.Weekly(ctx, weekStart)
		return err

	case "backtest":
		flags := flag.NewFlagSet("backtest", flag.ExitOnError)
		from := flags.String("from", "", "start date (RFC3339)")
		to := flags.String("to", "", "end date (RFC3339)")
		months := flags.Int("months", 3, "months of history when --from is absent")
		_ = flags.Parse(args)
		return runBacktest(ctx, logger, cfg, *from, *to, *months)

	case "train":
		flags := flag.NewFlagSet("train", flag.ExitOnError)
		replay := flags.Int("replay", 1, "replay rounds")
		_ = flags.Parse(args)
		return runTrain(ctx, logger, cfg, *replay)

	case "walk-forward":
		return runWalkForward(ctx, logger, cfg)

	case "replay-last":
		flags := flag.NewFlagSet("replay-last", flag.ExitOnError)
		n := flags.Int("n", 20, "bars to replay")
		_ = flags.Parse(args)
		return runReplayLast(ctx, logger, cfg, *n)

	case "export-audit":
		flags := flag.NewFlagSet("export-audit", flag.ExitOnError)
		from := flags.String("from", "", "start date (RFC3339)")
		to := flags.String("to", "", "end date (RFC3339)")
		_ = flags.Parse(args)
		return exportAudit(ctx, logger, cfg, *from, *to)

	case "live-sim":
		return runLive(ctx, logger, cfg, execution.ModeLiveSim)

	case "live-real":
		if !cfg.EnableLiveTrading {
			return fmt.Errorf("live-real requires enable_live_trading")
		}
		if cfg.RequireLiveOKFile {
			if err := engine.RequireLiveOK(cfg); err != nil {
				return err
			}
		}
		return runLive(ctx, logger, cfg, execution.ModeLiveReal)

	case "dashboard":
		return runDashboard(ctx, logger, cfg)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func openDB(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*database.DB, error) {
	if cfg.DBUrl == "" {
		return nil, fmt.Errorf("db_url is not configured")
	}
	return database.NewDB(ctx, logger, cfg.DBUrl)
}

// openRepo prefers Postgres and falls back to the in-memory journal when
// no database is configured.
func openRepo(ctx context.Context, logger *zap.Logger, cfg *config.Config) (database.Repository, func(), error) {
	if cfg.DBUrl == "" {
		logger.Warn("no db_url configured, using in-memory journal")
		return database.NewMemoryRepository(), func() {}, nil
	}
	db, err := database.NewDB(ctx, logger, cfg.DBUrl)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return database.NewPgRepository(db, logger), db.Close, nil
}

func sinksFor(repo database.Repository) engine.Sinks {
	switch journal := repo.(type) {
	case *database.PgRepository:
		return engine.Sinks{Orders: journal, Risk: journal, Audit: journal}
	case *database.MemoryRepository:
		return engine.Sinks{Orders: journal, Risk: journal, Audit: journal}
	}
	return engine.Sinks{}
}

func runLive(ctx context.Context, logger *zap.Logger, cfg *config.Config, mode execution.Mode) error {
	repo, cleanup, err := openRepo(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// The broker terminal adapter implementation is external; the sim
	// adapter stands in everywhere it is absent.
	var adapter market.BrokerAdapter = market.NewSimAdapter()
	if !adapter.Connect() || !adapter.EnsureSymbol(cfg.Symbol) {
		if mode == execution.ModeLiveReal {
			return fmt.Errorf("broker not connected or symbol %s unavailable", cfg.Symbol)
		}
		logger.Warn("symbol not preloaded in sim adapter", zap.String("symbol", cfg.Symbol))
	}
	defer adapter.Shutdown()

	eng, err := engine.Build(logger, cfg, mode, adapter, repo, sinksFor(repo), time.Now().UnixNano())
	if err != nil {
		return err
	}

	timeframes := make([]types.Timeframe, len(cfg.Timeframes))
	for i, tf := range cfg.Timeframes {
		timeframes[i] = types.Timeframe(tf)
	}
	feed := market.NewFeed(logger, adapter, market.FeedConfig{
		Symbol:       cfg.Symbol,
		Timeframes:   timeframes,
		CrossSymbols: cfg.CrossSymbols,
		WindowSize:   300,
		FetchTimeout: 5 * time.Second,
		PollInterval: time.Second,
		StaleAfter:   time.Duration(cfg.StaleDataMinutes) * time.Minute,
	})

	server := api.NewServer(logger, api.Config{
		Host:        cfg.DashboardHost,
		Port:        cfg.DashboardPort,
		MetricsPort: cfg.MetricsPort,
	}, eng, repo)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("dashboard server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Stop(shutdownCtx)
	}()

	if mode == execution.ModeLiveReal {
		reconnector := market.NewReconnector(logger, adapter)
		go reconnector.Run(ctx, 30*time.Second)
	}

	runner := engine.NewRunner(logger, eng, feed, adapter)
	return runner.Run(ctx)
}

func runDashboard(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	repo, cleanup, err := openRepo(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := engine.Build(logger, cfg, execution.ModeLiveSim, nil, repo, sinksFor(repo), time.Now().UnixNano())
	if err != nil {
		return err
	}
	server := api.NewServer(logger, api.Config{
		Host: cfg.DashboardHost, Port: cfg.DashboardPort, MetricsPort: cfg.MetricsPort,
	}, eng, repo)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Stop(shutdownCtx)
	}()
	return server.Start()
}

func loadHistory(ctx context.Context, cfg *config.Config, from, to string, months int) ([]types.Candle, error) {
	adapter := market.NewSimAdapter()
	end := time.Now().UTC()
	if to != "" {
		parsed, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, fmt.Errorf("parse --to: %w", err)
		}
		end = parsed
	}
	start := end.AddDate(0, -months, 0)
	if from != "" {
		parsed, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, fmt.Errorf("parse --from: %w", err)
		}
		start = parsed
	}
	return adapter.FetchRates(cfg.Symbol, types.Timeframe(cfg.Timeframes[0]), start, end)
}

func runBacktest(ctx context.Context, logger *zap.Logger, cfg *config.Config, from, to string, months int) error {
	candles, err := loadHistory(ctx, cfg, from, to, months)
	if err != nil {
		return err
	}
	result, err := backtest.Run(ctx, logger, cfg, candles, 42)
	if err != nil {
		return err
	}
	logger.Info("backtest metrics",
		zap.Int("trades", result.Metrics.ClosedTrades),
		zap.Float64("winRate", result.Metrics.WinRate),
		zap.String("pnl", result.Metrics.TotalPnL.String()))
	return nil
}

func runTrain(ctx context.Context, logger *zap.Logger, cfg *config.Config, replay int) error {
	candles, err := loadHistory(ctx, cfg, "", "", cfg.TrainWindowDays/30+1)
	if err != nil {
		return err
	}
	for round := 0; round < replay; round++ {
		if _, err := backtest.Run(ctx, logger, cfg, candles, int64(round)); err != nil {
			return fmt.Errorf("training replay %d: %w", round, err)
		}
	}
	logger.Info("training complete", zap.Int("rounds", replay))
	return nil
}

func runWalkForward(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	candles, err := loadHistory(ctx, cfg, "", "", (cfg.TrainWindowDays+cfg.TestWindowDays)/30+2)
	if err != nil {
		return err
	}
	metrics, err := backtest.WalkForward(ctx, logger, cfg, candles, 42)
	if err != nil {
		return err
	}
	for i, m := range metrics {
		logger.Info("walk-forward window",
			zap.Int("window", i),
			zap.Float64("winRate", m.WinRate),
			zap.String("pnl", m.TotalPnL.String()))
	}
	return nil
}

func runReplayLast(ctx context.Context, logger *zap.Logger, cfg *config.Config, n int) error {
	candles, err := loadHistory(ctx, cfg, "", "", 1)
	if err != nil {
		return err
	}
	if len(candles) > n+60 {
		candles = candles[len(candles)-n-60:]
	}
	_, err = backtest.Run(ctx, logger, cfg, candles, 42)
	return err
}

func exportAudit(ctx context.Context, logger *zap.Logger, cfg *config.Config, from, to string) error {
	db, err := openDB(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	query := `SELECT audit_id, event_time, action, success, reason FROM audit_trail`
	var filters []any
	if from != "" && to != "" {
		query += ` WHERE event_time BETWEEN $1 AND $2`
		filters = append(filters, from, to)
	}
	query += ` ORDER BY event_time`
	rows, err := db.Pool.Query(ctx, query, filters...)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var auditID, action, reason string
		var eventTime time.Time
		var success bool
		if err := rows.Scan(&auditID, &eventTime, &action, &success, &reason); err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%v\t%s\n", eventTime.Format(time.RFC3339), auditID, action, success, reason)
		count++
	}
	logger.Info("audit exported", zap.Int("entries", count))
	return rows.Err()
}
