package api

import (
	"time"

	"futures-bot/internal/config"
	"futures-bot/internal/signal"
	"futures-bot/pkg/types"
)

// PositionView is the dashboard shape of one tracked position.
type PositionView struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	EntryPrice      float64   `json:"entry_price"`
	Quantity        float64   `json:"quantity"`
	Notional        float64   `json:"notional"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	UnrealizedPnl   float64   `json:"unrealized_pnl"`
	Status          string    `json:"status"`
	TrailingActive  bool      `json:"trailing_active"`
	AgeSeconds      float64   `json:"age_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdate      time.Time `json:"last_update"`
}

// PositionsResponse wraps the open position list.
type PositionsResponse struct {
	Count     int            `json:"count"`
	Positions []PositionView `json:"positions"`
}

// TradeView is the dashboard shape of one ledger row.
type TradeView struct {
	OrderID        string     `json:"order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	PositionSide   string     `json:"position_side"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Quantity       string     `json:"quantity"`
	Price          string     `json:"price"`
	ExecutedQty    string     `json:"executed_qty"`
	AvgPrice       string     `json:"avg_price"`
	Commission     string     `json:"commission"`
	RealizedPnl    string     `json:"realized_pnl"`
	SignalStrength float64    `json:"signal_strength"`
	SignalReason   string     `json:"signal_reason,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TradesResponse wraps the trade history.
type TradesResponse struct {
	Count  int         `json:"count"`
	Trades []TradeView `json:"trades"`
}

// SignalsResponse exposes the signal funnel counters.
type SignalsResponse struct {
	Queue signal.QueueStats `json:"queue"`
	Pool  signal.PoolStats  `json:"pool"`
}

// UniverseResponse lists the ranked scan universe.
type UniverseResponse struct {
	Released int                   `json:"released"`
	Total    int                   `json:"total"`
	Symbols  []signal.RankedSymbol `json:"symbols"`
}

// ConfigView is the running configuration with credentials removed.
type ConfigView struct {
	DryRun   bool   `json:"dry_run"`
	BaseURL  string `json:"base_url"`
	Demo     bool   `json:"demo"`
	HasCreds bool   `json:"credentials_configured"`

	ScanInterval       string  `json:"scan_interval"`
	MaxEligibleSymbols int     `json:"max_eligible_symbols"`
	MinSignalStrength  float64 `json:"min_signal_strength"`
	ImmediateExecution bool    `json:"immediate_execution"`

	Workers       int     `json:"signal_workers"`
	Interval      string  `json:"kline_interval"`
	UniverseSize  int     `json:"universe_size"`
	WaveSize      int     `json:"wave_size"`
	MinVolumeUSDT float64 `json:"min_volume_usdt"`
	QueueMaxSize  int     `json:"queue_max_size"`
	QueueTTL      string  `json:"queue_ttl"`

	MaxPositionSizePercent float64 `json:"max_position_size_percent"`
	MaxDailyLossUSDT       float64 `json:"max_daily_loss_usdt"`
	MaxDrawdownPercent     float64 `json:"max_drawdown_percent"`
	StopLossPercent        float64 `json:"stop_loss_percent"`
	TakeProfitPercent      float64 `json:"take_profit_percent"`

	Executors           int     `json:"executors"`
	MaxConcurrentTrades int     `json:"max_concurrent_trades"`
	DefaultPositionSize float64 `json:"default_position_size"`

	MonitorInterval string `json:"monitor_interval"`
	TrailingStop    bool   `json:"trailing_stop"`

	LedgerEnabled bool `json:"ledger_enabled"`
}

// NewPositionView converts a tracked position for the dashboard.
func NewPositionView(pos types.ManagedPosition) PositionView {
	return PositionView{
		ID:              pos.ID,
		Symbol:          pos.Symbol,
		Side:            string(pos.Side),
		EntryPrice:      pos.EntryPrice,
		Quantity:        pos.Quantity,
		Notional:        pos.Notional(pos.EntryPrice),
		StopLossPrice:   pos.StopLossPrice,
		TakeProfitPrice: pos.TakeProfitPrice,
		UnrealizedPnl:   pos.UnrealizedPnl,
		Status:          string(pos.Status),
		TrailingActive:  pos.TrailingActive,
		AgeSeconds:      time.Since(pos.CreatedAt).Seconds(),
		CreatedAt:       pos.CreatedAt,
		LastUpdate:      pos.LastUpdate,
	}
}

// NewTradeView converts a ledger row for the dashboard. Decimal amounts
// are rendered as strings so precision survives the JSON round trip.
func NewTradeView(tr *types.Trade) TradeView {
	return TradeView{
		OrderID:        tr.OrderID,
		Symbol:         tr.Symbol,
		Side:           string(tr.Side),
		PositionSide:   string(tr.PositionSide),
		Type:           string(tr.Type),
		Status:         string(tr.Status),
		Quantity:       tr.Quantity.String(),
		Price:          tr.Price.String(),
		ExecutedQty:    tr.ExecutedQty.String(),
		AvgPrice:       tr.AvgPrice.String(),
		Commission:     tr.Commission.String(),
		RealizedPnl:    tr.RealizedPnl.String(),
		SignalStrength: tr.SignalStrength,
		SignalReason:   tr.SignalReason,
		ExecutedAt:     tr.ExecutedAt,
		ClosedAt:       tr.ClosedAt,
		CreatedAt:      tr.CreatedAt,
	}
}

// NewConfigView redacts the configuration for the dashboard. API
// credentials and the ledger DSN never leave the process.
func NewConfigView(cfg *config.Config) ConfigView {
	return ConfigView{
		DryRun:   cfg.DryRun,
		BaseURL:  cfg.Exchange.BaseURL,
		Demo:     cfg.Exchange.Demo,
		HasCreds: cfg.Exchange.APIKey != "" && cfg.Exchange.Secret != "",

		ScanInterval:       cfg.Engine.ScanInterval.String(),
		MaxEligibleSymbols: cfg.Engine.MaxEligibleSymbols,
		MinSignalStrength:  cfg.Engine.MinSignalStrength,
		ImmediateExecution: cfg.Engine.ImmediateExecution,

		Workers:       cfg.Signal.Workers,
		Interval:      cfg.Signal.Interval,
		UniverseSize:  cfg.Signal.UniverseSize,
		WaveSize:      cfg.Signal.WaveSize,
		MinVolumeUSDT: cfg.Signal.MinVolumeUSDT,
		QueueMaxSize:  cfg.Signal.QueueMaxSize,
		QueueTTL:      cfg.Signal.QueueTTL.String(),

		MaxPositionSizePercent: cfg.Risk.MaxPositionSizePercent,
		MaxDailyLossUSDT:       cfg.Risk.MaxDailyLossUSDT,
		MaxDrawdownPercent:     cfg.Risk.MaxDrawdownPercent,
		StopLossPercent:        cfg.Risk.StopLossPercent,
		TakeProfitPercent:      cfg.Risk.TakeProfitPercent,

		Executors:           cfg.Executor.Executors,
		MaxConcurrentTrades: cfg.Executor.MaxConcurrentTrades,
		DefaultPositionSize: cfg.Executor.DefaultPositionSize,

		MonitorInterval: cfg.Position.MonitorInterval.String(),
		TrailingStop:    cfg.Position.TrailingStop,

		LedgerEnabled: cfg.Ledger.DSN != "",
	}
}
