// QUOTE Arena — a 24-hour simulated token-trading competition. Participants
// describe a strategy in plain English; the arena compiles it, runs it
// against live market snapshots every 1–3 minutes, and settles a winner
// after 24 hours.
//
// Architecture:
//
//	main.go               — entry point: config, logger, stores, manager, API
//	compiler/             — prompt → validated strategy (pattern or LLM parse)
//	rules/                — pure per-tick decision engine (exits, entries, sizing)
//	sim/                  — simulated execution: fees, slippage, portfolios
//	feed/                 — rate-limited, coalesced market snapshot fetcher
//	match/                — coordinator (tick loop, settlement) + fleet manager
//	store/                — relational persistence (participants, matches, winners)
//	blob/                 — keyed blob store (cache, counters, match state)
//	api/                  — public + admin HTTP surface, websocket event stream
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quote-arena/internal/api"
	"quote-arena/internal/blob"
	"quote-arena/internal/compiler"
	"quote-arena/internal/config"
	"quote-arena/internal/feed"
	"quote-arena/internal/match"
	"quote-arena/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
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

	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open relational store", "error", err)
		os.Exit(1)
	}

	var blobs blob.Store
	if cfg.Blob.Addr != "" {
		rdb, err := blob.NewRedis(context.Background(), cfg.Blob.Addr, cfg.Blob.Password, cfg.Blob.DB)
		if err != nil {
			logger.Error("failed to connect blob store", "error", err, "addr", cfg.Blob.Addr)
			os.Exit(1)
		}
		defer rdb.Close()
		blobs = rdb
	} else {
		logger.Warn("no blob store address configured, using in-process store")
		blobs = blob.NewMemory()
	}

	fetcher := feed.NewFetcher(cfg.Feed, blobs, logger)
	comp := compiler.New(cfg.Compiler, logger)

	hub := api.NewHub(logger)
	manager := match.NewManager(cfg.Match, fetcher, blobs, db, hub, logger)

	// Pick a mid-flight match back up after a restart.
	if err := manager.Resume(context.Background()); err != nil {
		logger.Error("failed to resume running match", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg, manager, db, fetcher, comp, hub, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("quote arena started",
		"port", cfg.Server.Port,
		"match_duration", cfg.Match.Duration,
		"llm_enabled", cfg.Compiler.LLMAPIKey != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	manager.Stop()
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
