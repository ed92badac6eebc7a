package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepost/internal/api"
	"tradepost/internal/codec"
	"tradepost/internal/config"
	"tradepost/internal/ledger"
	"tradepost/internal/market"
	"tradepost/internal/session"
	"tradepost/internal/trade"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	key, err := cfg.StoreKey()
	if err != nil {
		logger.Error("store key", "err", err)
		os.Exit(1)
	}
	c, err := codec.New(key)
	if err != nil {
		logger.Error("codec init failed", "err", err)
		os.Exit(1)
	}

	ledgerStore, err := ledger.Open(cfg.LedgerPath(), c, logger)
	if err != nil {
		logger.Error("ledger open failed", "path", cfg.LedgerPath(), "err", err)
		os.Exit(1)
	}
	registry := session.NewRegistry(logger)
	marketStore, err := market.Open(cfg.MarketPath(), c, registry, logger)
	if err != nil {
		logger.Error("market open failed", "path", cfg.MarketPath(), "err", err)
		os.Exit(1)
	}

	sessions := trade.NewSessions()
	engine := trade.NewEngine(ledgerStore, sessions, registry, registry, logger)

	go marketStore.RunSweeper(ctx, cfg.SweepEvery)

	server := api.New(cfg, logger, registry, ledgerStore, marketStore, sessions, engine)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("tradepost api listening", "addr", cfg.Addr, "encrypted", len(key) != 0)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
