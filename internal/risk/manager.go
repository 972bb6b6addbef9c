// Package risk guards the account across the whole pipeline.
//
// Two halves live here. Validate is the pure pre-trade gate: every proposed
// trade passes through an ordered checklist (order sanity, notional cap,
// daily loss budget, drawdown) before it may reach an executor. The Manager
// is the stateful half: it tracks equity, its all-time peak and the realized
// PnL of the current UTC day, persists that day-state so a restart cannot
// reset the loss budget, and emits halt events on Events() when a budget or
// drawdown limit is breached. The engine reads those events and stops
// opening new positions until the condition clears (daily limits reset at
// the UTC day rollover).
package risk

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"futures-bot/internal/config"
	"futures-bot/internal/store"
	"futures-bot/pkg/types"
)

// rolloverInterval is how often the manager checks for a UTC day change.
const rolloverInterval = 30 * time.Second

// EventType labels account-level risk events.
type EventType string

const (
	// EventDailyLimitExceeded fires when the day's realized loss reaches the
	// configured budget. New entries should stop until the next UTC day.
	EventDailyLimitExceeded EventType = "daily_limit_exceeded"

	// EventEmergencyStop fires when equity drawdown from peak breaches the
	// configured maximum. New entries should stop until equity recovers.
	EventEmergencyStop EventType = "emergency_stop"
)

// Event tells the engine to stop opening positions.
type Event struct {
	Type   EventType
	Reason string
	At     time.Time
}

// Snapshot is the aggregate risk state for the dashboard.
type Snapshot struct {
	Day              string  `json:"day"`
	Equity           float64 `json:"equity"`
	PeakEquity       float64 `json:"peakEquity"`
	DrawdownPct      float64 `json:"drawdownPct"`
	DailyRealizedPnl float64 `json:"dailyRealizedPnl"`
	DailyLossBudget  float64 `json:"dailyLossBudget"`
	Halted           bool    `json:"halted"`
	HaltedReason     string  `json:"haltedReason,omitempty"`
}

// Manager tracks account state for the pre-trade checks and raises halt
// events when a limit is breached.
type Manager struct {
	cfg    config.RiskConfig
	store  *store.Store // nil disables persistence
	logger *slog.Logger

	mu               sync.RWMutex
	day              string
	equity           float64
	peakEquity       float64
	dailyRealizedPnl float64
	halted           bool
	haltedReason     string

	events chan Event
}

// NewManager creates a risk manager, restoring the day-state from the store
// when one is present and still belongs to today.
func NewManager(cfg config.RiskConfig, st *store.Store, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "risk"),
		day:    utcDay(time.Now()),
		events: make(chan Event, 10),
	}

	if st != nil {
		saved, err := st.LoadRiskState()
		if err != nil {
			m.logger.Warn("failed to load risk state, starting fresh", "error", err)
		} else if saved != nil {
			m.peakEquity = saved.PeakEquity
			if saved.Day == m.day {
				m.dailyRealizedPnl = saved.DailyRealizedPnl
				m.logger.Info("risk day-state restored",
					"day", m.day, "dailyRealizedPnl", m.dailyRealizedPnl, "peakEquity", m.peakEquity)
			}
		}
	}
	return m
}

// Events returns the channel the engine reads halt events from.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run handles UTC day rollovers until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(rolloverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.rollover(time.Now())
		}
	}
}

// UpdateEquity records the latest account equity, advancing the peak when a
// new high prints and raising an emergency stop when the drawdown limit is
// breached.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	m.equity = equity
	persist := false
	if equity > m.peakEquity {
		m.peakEquity = equity
		persist = true
	}
	dd := DrawdownPercent(equity, m.peakEquity)
	trip := dd > m.cfg.MaxDrawdownPercent && !m.halted
	if trip {
		m.halted = true
		m.haltedReason = "max drawdown breached"
	}
	recovered := m.halted && m.haltedReason == "max drawdown breached" &&
		dd <= m.cfg.MaxDrawdownPercent && !trip
	if recovered {
		m.halted = false
		m.haltedReason = ""
	}
	m.mu.Unlock()

	if persist {
		m.persist()
	}
	if trip {
		m.logger.Error("TRADING HALTED",
			"reason", "max drawdown breached",
			"drawdown_pct", dd, "limit_pct", m.cfg.MaxDrawdownPercent)
		m.emit(Event{Type: EventEmergencyStop,
			Reason: "max drawdown breached", At: time.Now()})
	}
	if recovered {
		m.logger.Info("drawdown halt cleared, equity recovered",
			"drawdown_pct", dd, "limit_pct", m.cfg.MaxDrawdownPercent)
	}
}

// RecordRealized adds a closed trade's realized PnL to today's tally and
// raises a halt when the loss budget is exhausted.
func (m *Manager) RecordRealized(pnl float64) {
	m.mu.Lock()
	m.dailyRealizedPnl += pnl
	loss := -m.dailyRealizedPnl
	trip := loss >= m.cfg.MaxDailyLossUSDT && !m.halted
	if trip {
		m.halted = true
		m.haltedReason = "daily loss budget exhausted"
	}
	m.mu.Unlock()

	m.persist()
	if trip {
		m.logger.Error("TRADING HALTED",
			"reason", "daily loss budget exhausted",
			"daily_loss", loss, "budget", m.cfg.MaxDailyLossUSDT)
		m.emit(Event{Type: EventDailyLimitExceeded,
			Reason: "daily loss budget exhausted", At: time.Now()})
	}
}

// SeedDaily overwrites today's realized PnL, used at startup when the trade
// ledger holds the authoritative number.
func (m *Manager) SeedDaily(pnl float64) {
	m.mu.Lock()
	m.dailyRealizedPnl = pnl
	m.mu.Unlock()
	m.persist()
}

// Validate runs the pre-trade checks for one proposed trade against the
// current account state.
func (m *Manager) Validate(symbol string, side types.Side, quantity, entryPrice float64) ValidationResult {
	m.mu.RLock()
	in := ValidationInput{
		Symbol:           symbol,
		Side:             side,
		Quantity:         quantity,
		EntryPrice:       entryPrice,
		Equity:           m.equity,
		DailyRealizedPnl: m.dailyRealizedPnl,
		PeakEquity:       m.peakEquity,
	}
	m.mu.RUnlock()
	return Validate(in, m.cfg)
}

// Assess returns advisory stop adjustments for an open position.
func (m *Manager) Assess(pos types.ManagedPosition, markPrice float64) []Recommendation {
	return AssessPosition(pos, markPrice, m.cfg)
}

// Halted reports whether a risk limit currently blocks new entries.
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// GetSnapshot returns current aggregate risk metrics for the dashboard.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Day:              m.day,
		Equity:           m.equity,
		PeakEquity:       m.peakEquity,
		DrawdownPct:      DrawdownPercent(m.equity, m.peakEquity),
		DailyRealizedPnl: m.dailyRealizedPnl,
		DailyLossBudget:  m.cfg.MaxDailyLossUSDT,
		Halted:           m.halted,
		HaltedReason:     m.haltedReason,
	}
}

// rollover resets the daily tally when the UTC day changes. A halt caused by
// the daily budget clears with it; a drawdown halt stays until equity
// recovers past the limit.
func (m *Manager) rollover(now time.Time) {
	today := utcDay(now)

	m.mu.Lock()
	if m.day == today {
		m.mu.Unlock()
		return
	}
	m.day = today
	m.dailyRealizedPnl = 0
	if m.halted && m.haltedReason == "daily loss budget exhausted" {
		m.halted = false
		m.haltedReason = ""
	}
	m.mu.Unlock()

	m.logger.Info("risk day rolled over", "day", today)
	m.persist()
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	st := store.RiskState{
		Day:              m.day,
		DailyRealizedPnl: m.dailyRealizedPnl,
		PeakEquity:       m.peakEquity,
		UpdatedAt:        time.Now().UTC(),
	}
	m.mu.RUnlock()

	if err := m.store.SaveRiskState(st); err != nil {
		m.logger.Warn("failed to persist risk state", "error", err)
	}
}

// emit delivers a halt event. If the channel is full, the stale event is
// drained first so the latest reason is always delivered.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		m.events <- ev
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
