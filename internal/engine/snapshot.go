package engine

import (
	"context"
	"time"

	"futures-bot/internal/executor"
	"futures-bot/internal/metrics"
	"futures-bot/internal/request"
	"futures-bot/internal/risk"
	"futures-bot/internal/signal"
	"futures-bot/pkg/types"
)

// UniverseStatus summarizes wave release progress.
type UniverseStatus struct {
	Released int `json:"released"`
	Total    int `json:"total"`
}

// CacheStatus summarizes the market data cache.
type CacheStatus struct {
	Tickers int `json:"tickers"`
	Klines  int `json:"klines"`
	Streams int `json:"streams"`
}

// Snapshot is the aggregate engine state served by the status API.
type Snapshot struct {
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pause_reason,omitempty"`
	DryRun      bool      `json:"dry_run"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	ScanCycles  int64     `json:"scan_cycles"`
	LastScan    time.Time `json:"last_scan"`

	Universe      UniverseStatus    `json:"universe"`
	Queue         signal.QueueStats `json:"queue"`
	SignalPool    signal.PoolStats  `json:"signal_pool"`
	Executor      executor.Stats    `json:"executor"`
	Risk          risk.Snapshot     `json:"risk"`
	OpenPositions int               `json:"open_positions"`
	Blacklisted   int               `json:"blacklisted_symbols"`
	CircuitOpen   bool              `json:"circuit_open"`
	MarketCache   CacheStatus       `json:"market_cache"`
	Requests      request.Stats     `json:"requests"`
}

// Snapshot assembles the current state of every component for the
// dashboard. It is read-only and safe to call at any time.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	now := time.Now()
	snap := Snapshot{
		Running:     e.running,
		Paused:      e.paused,
		PauseReason: e.pauseReason,
		DryRun:      e.cfg.DryRun,
		StartedAt:   e.startedAt,
		ScanCycles:  e.cycles,
		LastScan:    e.lastScan,
	}
	if !e.startedAt.IsZero() {
		snap.Uptime = now.Sub(e.startedAt).Round(time.Second).String()
	}
	for _, entry := range e.blacklist {
		if now.Before(entry.BackoffUntil) {
			snap.Blacklisted++
		}
	}
	e.mu.RUnlock()

	released, total := e.deps.Universe.Size()
	snap.Universe = UniverseStatus{Released: released, Total: total}
	snap.Queue = e.deps.Queue.Stats()
	snap.SignalPool = e.deps.Pool.Stats()
	snap.Executor = e.deps.Executor.Stats()
	snap.Risk = e.deps.Risk.GetSnapshot()
	snap.OpenPositions = e.deps.Positions.Count()
	snap.CircuitOpen = e.deps.Pool.BreakerOpen()

	tickers, klines, streams := e.deps.Cache.Stats()
	snap.MarketCache = CacheStatus{Tickers: tickers, Klines: klines, Streams: streams}
	snap.Requests = e.deps.Request.Stats()

	metrics.UpdateRequestCache(snap.Requests.Hits, snap.Requests.Misses)
	return snap
}

// Positions returns a copy of every tracked position.
func (e *Engine) Positions() []types.ManagedPosition {
	return e.deps.Positions.Snapshot()
}

// UniverseSnapshot returns the ranked symbol list and how much of it has
// been released for scanning.
func (e *Engine) UniverseSnapshot() ([]signal.RankedSymbol, int, int) {
	ranked, released := e.deps.Universe.Snapshot()
	return ranked, released, len(ranked)
}

// RecentTrades returns the newest ledger rows, most recent first.
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]*types.Trade, error) {
	return e.deps.Ledger.ListRecent(ctx, limit)
}
