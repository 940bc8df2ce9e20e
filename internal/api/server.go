// Package api exposes the arena over HTTP: a public read surface, the bot
// registration path, an allowlisted admin surface, and a websocket stream of
// live match events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quote-arena/internal/compiler"
	"quote-arena/internal/config"
	"quote-arena/internal/match"
	"quote-arena/internal/store"
)

// Server runs the HTTP/websocket surface.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. The hub doubles as the coordinator's event
// sink; pass it to the match manager before starting ticks.
func NewServer(cfg *config.Config, manager *match.Manager, db *store.Store, usage UsageProvider, comp *compiler.Compiler, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, manager, db, usage, comp, hub, logger)

	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /leaderboard", handlers.HandleLeaderboard)
	mux.HandleFunc("GET /bot/{id}", handlers.HandleBotDetail)
	mux.HandleFunc("POST /bot", handlers.HandleCreateBot)
	mux.HandleFunc("POST /bot/preview", handlers.HandlePreview)
	mux.HandleFunc("GET /match/current", handlers.HandleMatchCurrent)
	mux.HandleFunc("GET /match/history", handlers.HandleMatchHistory)
	mux.HandleFunc("GET /match/results/{id}", handlers.HandleMatchResults)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	// Admin
	mux.HandleFunc("POST /admin/match", handlers.requireAdmin(handlers.HandleCreateMatch))
	mux.HandleFunc("POST /admin/match/{id}/start", handlers.requireAdmin(handlers.HandleStartMatch))
	mux.HandleFunc("POST /admin/match/{id}/settle", handlers.requireAdmin(handlers.HandleSettleMatch))
	mux.HandleFunc("POST /admin/match/{id}/reset", handlers.requireAdmin(handlers.HandleResetMatch))
	mux.HandleFunc("POST /admin/winner/{id}/mark-paid", handlers.requireAdmin(handlers.HandleMarkWinnerPaid))
	mux.HandleFunc("GET /admin/api-usage", handlers.requireAdmin(handlers.HandleAPIUsage))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   srv,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Mux exposes the routed handler for tests.
func (s *Server) Mux() http.Handler {
	return s.server.Handler
}
