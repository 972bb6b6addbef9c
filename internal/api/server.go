// Package api serves the bot's status dashboard: a small JSON API, a
// Prometheus metrics endpoint and a websocket stream of engine events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-bot/internal/config"
)

// Server runs the HTTP and websocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	bot      Bot
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewServer wires the router. Nothing listens until Start.
func NewServer(cfg config.DashboardConfig, fullCfg *config.Config, bot Bot, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, fullCfg, bot, hub, logger)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", handlers.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", handlers.HandleWebSocket).Methods(http.MethodGet)

	apiRoutes := r.PathPrefix("/api").Subrouter()
	apiRoutes.HandleFunc("/status", handlers.HandleStatus).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/positions", handlers.HandlePositions).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/positions/{symbol}/close", handlers.HandleClosePosition).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/signals", handlers.HandleSignals).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/trades", handlers.HandleTrades).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/universe", handlers.HandleUniverse).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/config", handlers.HandleConfig).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/control/pause", handlers.HandlePause).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/control/resume", handlers.HandleResume).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/control/force-wave", handlers.HandleForceWave).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		bot:      bot,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api"),
	}
}

// Start runs the hub, the engine event pump and the HTTP listener. It
// blocks until the listener exits; call Stop to shut it down.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.pumpEvents(ctx)

	s.logger.Info("dashboard listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains the listener and detaches from the engine's event bus.
func (s *Server) Stop() error {
	s.logger.Info("dashboard stopping")
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pumpEvents forwards the engine's event stream to websocket clients.
func (s *Server) pumpEvents(ctx context.Context) {
	events, unsubscribe := s.bot.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(ev)
		}
	}
}
