package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"futures-bot/internal/config"
	"futures-bot/internal/engine"
	"futures-bot/internal/signal"
	"futures-bot/pkg/types"
)

// Bot is the engine surface the dashboard reads from and controls.
type Bot interface {
	Snapshot() engine.Snapshot
	Positions() []types.ManagedPosition
	UniverseSnapshot() ([]signal.RankedSymbol, int, int)
	RecentTrades(ctx context.Context, limit int) ([]*types.Trade, error)
	Subscribe() (<-chan types.Event, func())
	Pause(reason string)
	Resume()
	ForceWave()
	ClosePosition(ctx context.Context, symbol string) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg      config.DashboardConfig
	fullCfg  *config.Config
	bot      Bot
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers builds the handler set. The websocket upgrader checks the
// Origin header against the configured allowlist.
func NewHandlers(cfg config.DashboardConfig, fullCfg *config.Config, bot Bot, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:     cfg,
		fullCfg: fullCfg,
		bot:     bot,
		hub:     hub,
		logger:  logger.With("component", "api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a websocket Origin may connect. With an
// allowlist configured only exact matches pass; without one, same-host and
// loopback origins pass. An empty origin (non-browser client) always passes.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the aggregate engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.bot.Snapshot())
}

// HandlePositions returns every tracked position with live PnL.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.bot.Positions()
	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, NewPositionView(pos))
	}
	h.writeJSON(w, http.StatusOK, PositionsResponse{Count: len(views), Positions: views})
}

// HandleClosePosition flattens one position on operator request.
func (h *Handlers) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := h.bot.ClosePosition(r.Context(), symbol); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.Info("position closed by operator", "symbol", symbol)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "symbol": symbol})
}

// HandleSignals returns the signal funnel counters.
func (h *Handlers) HandleSignals(w http.ResponseWriter, r *http.Request) {
	snap := h.bot.Snapshot()
	h.writeJSON(w, http.StatusOK, SignalsResponse{Queue: snap.Queue, Pool: snap.SignalPool})
}

// HandleTrades returns the most recent ledger rows. ?limit= caps the rows,
// default 50, max 500.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	trades, err := h.bot.RecentTrades(r.Context(), limit)
	if err != nil {
		h.logger.Error("trade history fetch failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "trade history unavailable")
		return
	}
	views := make([]TradeView, 0, len(trades))
	for _, tr := range trades {
		views = append(views, NewTradeView(tr))
	}
	h.writeJSON(w, http.StatusOK, TradesResponse{Count: len(views), Trades: views})
}

// HandleUniverse returns the ranked symbol list and release progress.
func (h *Handlers) HandleUniverse(w http.ResponseWriter, r *http.Request) {
	ranked, released, total := h.bot.UniverseSnapshot()
	h.writeJSON(w, http.StatusOK, UniverseResponse{
		Released: released,
		Total:    total,
		Symbols:  ranked,
	})
}

// HandleConfig returns the running configuration with secrets redacted.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, NewConfigView(h.fullCfg))
}

// HandlePause suspends scanning and dispatching.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator pause"
	}
	h.bot.Pause(reason)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "reason": reason})
}

// HandleResume lifts a pause.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.bot.Resume()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleForceWave releases the next universe wave ahead of schedule.
func (h *Handlers) HandleForceWave(w http.ResponseWriter, r *http.Request) {
	h.bot.ForceWave()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "wave released"})
}

// HandleWebSocket upgrades the connection and streams engine events. The
// first frame is a full snapshot so clients render without waiting.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := NewClient(h.hub, conn)

	hello := types.Event{
		Type:      types.EventSnapshot,
		Timestamp: time.Now(),
		Data:      h.bot.Snapshot(),
	}
	data, err := json.Marshal(hello)
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client too slow")
	}
}
