// QuantDesk — a multi-tenant algorithmic trading backend for spot crypto
// markets.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/manager.go   — per-tenant engine registry: create/start/stop, credential validation
//	engine/hft.go       — the tick loop: research gate → risk gate → strategy cycle
//	strategy/           — market-making and imbalance strategies over a shared timer wheel
//	research/           — orderbook feature scoring (imbalance, spread, depth, momentum)
//	orders/             — order lifecycle tracking with exactly-once fill folding
//	risk/               — daily loss cap, drawdown and losing-streak circuit breakers
//	exchange/           — REST/WebSocket venue adapter plus a paper-trading simulator
//	bus/                — WebSocket fan-out: per-tenant event streams and an admin firehose
//	api/                — authenticated REST control plane and the stream endpoints
//	store/              — SQLite persistence: settings, journals, integrations
//	vault/              — AES-GCM encryption for stored venue credentials
//	scheduler/          — cron jobs: risk day rollover, journal and order pruning
//
// Each tenant gets an isolated engine bound to its own venue credentials.
// The engine quotes both sides of the book and captures the spread; research
// scores every cycle and the risk manager can halt placement at any time
// without stopping the loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantdesk/internal/api"
	"quantdesk/internal/bus"
	"quantdesk/internal/config"
	"quantdesk/internal/engine"
	"quantdesk/internal/risk"
	"quantdesk/internal/scheduler"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/vault"
)

// timerPoolSize bounds how many cancel callbacks run concurrently across
// all tenants.
const timerPoolSize = 32

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QD_CONFIG"); p != "" {
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

	v, err := vault.New(cfg.Vault.MasterKey, logger)
	if err != nil {
		logger.Error("failed to open vault", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}

	wheel, err := strategy.NewTimerWheel(timerPoolSize, logger)
	if err != nil {
		logger.Error("failed to start timer wheel", "error", err)
		os.Exit(1)
	}

	events := bus.New(logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	engines := engine.NewManager(cfg, v, st, riskMgr, events, wheel, logger)

	sched := scheduler.New(logger)
	retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{"0 0 * * *", scheduler.NewRiskRollover(riskMgr, logger)},
		{"@hourly", scheduler.NewJournalPrune(st, retention, logger)},
		{"@hourly", scheduler.NewOrderPrune(engines, 24*time.Hour, logger)},
	}
	for _, j := range jobs {
		if err := sched.Add(j.spec, j.job); err != nil {
			logger.Error("failed to schedule job", "job", j.job.Name(), "error", err)
			os.Exit(1)
		}
	}
	sched.Start()

	srv := api.NewServer(cfg, engines, st, v, events, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("control plane failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("quantdesk started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"paper", cfg.Exchange.Paper,
		"strategy", cfg.Engine.Strategy,
		"store", cfg.Store.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop taking requests first, then drain engines so in-flight cancels
	// still reach the venue, then the background machinery.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("control plane shutdown failed", "error", err)
	}
	engines.Shutdown(ctx)
	sched.Stop()
	events.Close()
	wheel.Stop()
	if err := st.Close(); err != nil {
		logger.Error("store close failed", "error", err)
	}

	logger.Info("quantdesk stopped")
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
