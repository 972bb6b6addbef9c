// Futures Bot — an automated trading bot for USDT-margined crypto
// perpetual futures.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: scan loop, signal routing, queue drainer, event fan-out
//	signal/universe.go   — volume-ranked symbol universe released in timed waves
//	signal/pool.go       — worker pool evaluating RSI/MA/volume indicators into signals
//	signal/queue.go      — priority queue with TTL, dedup and weakest-entry eviction
//	risk/manager.go      — validation against position, daily-loss and drawdown limits
//	executor/pool.go     — trade executor workers: margin, slippage and bracket-order pipeline
//	position/manager.go  — open position monitor: SL/TP ladder, trailing stops, reconciliation
//	market/cache.go      — ticker/kline cache fed by REST plus websocket streams
//	exchange/client.go   — signed REST client behind a per-class rate governor
//	request/manager.go   — deduplicating request facade with per-method TTL caching
//	ledger/ledger.go     — Postgres trade ledger (in-memory fallback without a DSN)
//	store/store.go       — JSON file persistence for risk state and the symbol blacklist
//	api/server.go        — dashboard: status JSON, Prometheus metrics, websocket event stream
//
// How it trades:
//
//	The bot scans a volume-ranked universe of futures symbols, evaluates
//	each on RSI, moving-average crossover and volume spike indicators, and
//	turns agreeing indicators into strength-scored signals. Signals that
//	survive risk validation become market orders with stop-loss and
//	take-profit brackets; the position monitor then manages every open
//	position until a bracket, expiry or emergency rule closes it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-bot/internal/api"
	"futures-bot/internal/config"
	"futures-bot/internal/engine"
	"futures-bot/internal/ledger"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FUTURESBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	led, closeLedger, err := openLedger(cfg, logger)
	if err != nil {
		logger.Error("failed to open trade ledger", "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	eng, err := engine.Build(cfg, led, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("futures bot started",
		"universe_size", cfg.Signal.UniverseSize,
		"max_concurrent_trades", cfg.Executor.MaxConcurrentTrades,
		"position_size", cfg.Executor.DefaultPositionSize,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// openLedger connects the Postgres trade ledger when a DSN is configured
// and falls back to the in-memory ledger otherwise.
func openLedger(cfg *config.Config, logger *slog.Logger) (ledger.Ledger, func(), error) {
	if cfg.Ledger.DSN == "" {
		logger.Warn("no ledger DSN configured, trade history will not survive restarts")
		return ledger.NewMemory(), func() {}, nil
	}

	pg, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("ledger migration: %w", err)
	}

	logger.Info("trade ledger connected")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("ledger close failed", "error", err)
		}
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
