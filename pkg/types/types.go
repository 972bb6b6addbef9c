// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: signal and trade
// lifecycles, market data shapes, position state, and the ledger row format.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionSide identifies which side of a hedged futures position an order
// affects. A BUY on LONG opens or adds; a SELL on LONG reduces or closes.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// OrderType enumerates the order types written to the ledger.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// SignalAction is the recommendation carried by a Signal. HOLD signals are
// emitted for observability but never become trades.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// PositionSideFor maps a tradeable action to the position side it opens.
func PositionSideFor(action SignalAction) PositionSide {
	if action == ActionSell {
		return SHORT
	}
	return LONG
}

// Priority orders REST requests and symbol tasks. Lower value = served first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// PositionStatus tracks a managed position from fill to close confirmation.
type PositionStatus string

const (
	PositionActive  PositionStatus = "ACTIVE"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason explains why the position manager closed a position.
type CloseReason string

const (
	CloseExpired    CloseReason = "EXPIRED"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseEmergency  CloseReason = "EMERGENCY"
	CloseExternal   CloseReason = "EXTERNAL"
	CloseManual     CloseReason = "MANUAL"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Kline is a single OHLCV candle. Series are time-ascending.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Ticker is the canonical 24h ticker snapshot for one symbol. REST and
// streaming payloads are both normalized into this shape.
type Ticker struct {
	Symbol             string
	LastPrice          float64
	PriceChange        float64
	PriceChangePercent float64
	Volume             float64 // base asset volume, 24h
	QuoteVolume        float64 // quote asset volume, 24h
	BidPrice           float64
	AskPrice           float64
	HighPrice24h       float64
	LowPrice24h        float64
	LastUpdate         time.Time
}

// ContractInfo describes one perpetual contract from the exchange's symbol
// directory. Status 1 means TRADING.
type ContractInfo struct {
	Symbol       string
	Status       int
	QuoteAsset   string
	PricePrec    int
	QuantityPrec int
	MinQuantity  float64
	MinNotional  float64
}

// Tradeable reports whether the contract is live and settles in the given
// quote asset.
func (c ContractInfo) Tradeable(quote string) bool {
	return c.Status == 1 && c.QuoteAsset == quote
}

// PriceLevel is one bid or ask level in an order book snapshot.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// Depth is a point-in-time order book snapshot. Bids descend from the best
// bid, asks ascend from the best ask.
type Depth struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	Time   time.Time
}

// OpenOrder is one resting order from the open-orders report.
type OpenOrder struct {
	OrderID      string
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Quantity     float64
	Price        float64
	Status       OrderStatus
	CreatedAt    time.Time
}

// Balance is the account margin snapshot for the asset of interest
// (USDT live, VST demo).
type Balance struct {
	Asset            string
	Balance          float64
	Equity           float64
	AvailableMargin  float64
	UsedMargin       float64
	UnrealizedProfit float64
}

// ExchangePosition is one row of the exchange's open-position report, used
// for pre-trade checks and reconciliation. PositionAmt keeps the exchange's
// sign convention: negative for shorts.
type ExchangePosition struct {
	Symbol           string
	PositionSide     PositionSide
	PositionAmt      float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	Percentage       float64
	LiquidationPrice float64
	MaintMargin      float64
	UpdateTime       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a directional recommendation produced by indicator evaluation.
// Strength is a confidence score in [0,100].
type Signal struct {
	ID         string
	Symbol     string
	Action     SignalAction
	Strength   float64
	Reason     string
	Indicators map[string]float64
	CreatedAt  time.Time
}

// Age returns how long ago the signal was generated.
func (s Signal) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// QueuedSignal wraps a Signal while it sits in the priority queue.
// Processed means it has been handed to exactly one executor.
type QueuedSignal struct {
	Signal      Signal
	Priority    float64 // computed at enqueue, [0,100]
	QueuedAt    time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Processed   bool
}

// Expired reports whether the signal's queue TTL has elapsed.
func (q QueuedSignal) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// ManagedPosition is a position the bot opened and supervises until close.
// At most one non-CLOSED position exists per symbol.
//
// Invariant: for LONG, StopLossPrice < EntryPrice < TakeProfitPrice; for
// SHORT the inequalities flip.
type ManagedPosition struct {
	ID              string
	Symbol          string
	Side            PositionSide
	EntryPrice      float64
	Quantity        float64
	StopLossPrice   float64
	TakeProfitPrice float64
	OrderID         string
	UnrealizedPnl   float64
	Status          PositionStatus
	TrailingActive  bool
	CreatedAt       time.Time
	LastUpdate      time.Time
}

// Notional returns the position value in quote currency at the given price.
func (p ManagedPosition) Notional(price float64) float64 {
	return p.Quantity * price
}

// Pnl returns the unrealized profit at markPrice using the side's sign.
func (p ManagedPosition) Pnl(markPrice float64) float64 {
	diff := markPrice - p.EntryPrice
	if p.Side == SHORT {
		diff = -diff
	}
	return diff * p.Quantity
}

// PnlPercent returns the unrealized profit as a percentage of entry notional.
func (p ManagedPosition) PnlPercent(markPrice float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (markPrice - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SHORT {
		pct = -pct
	}
	return pct
}

// Age returns how long the position has been open.
func (p ManagedPosition) Age() time.Duration {
	return time.Since(p.CreatedAt)
}

// ————————————————————————————————————————————————————————————————————————
// Orders and ledger rows
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the canonical MARKET order submission. StopLoss and
// TakeProfit of zero mean "do not attach".
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Quantity     float64
	StopLoss     float64
	TakeProfit   float64
}

// OrderResult is the normalized success payload of placeOrder/closePosition.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	ExecutedQty float64
	AvgPrice    float64
}

// Trade is one ledger row, written when an order is placed and updated when
// it closes. Money fields are fixed-point decimals with 8 fractional digits,
// matching the NUMERIC(18,8) columns they persist to.
type Trade struct {
	ID              int64
	OrderID         string
	Symbol          string
	Side            Side
	PositionSide    PositionSide
	Type            OrderType
	Status          OrderStatus
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	StopPrice       decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	StopLossPrice   decimal.NullDecimal
	Commission      decimal.Decimal
	CommissionAsset string
	RealizedPnl     decimal.Decimal
	SignalStrength  float64
	SignalReason    string
	Indicators      map[string]float64
	ExecutedAt      *time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Streaming updates
// ————————————————————————————————————————————————————————————————————————

// AccountUpdate is a normalized account stream message carrying the
// exchange's current view of open positions. A tracked symbol reported with
// PositionAmt 0 means the position was closed externally.
type AccountUpdate struct {
	Positions []ExchangePosition
	EventTime time.Time
}

// OrderUpdate is a normalized order stream message for one order.
type OrderUpdate struct {
	OrderID     string
	Symbol      string
	Status      OrderStatus
	ExecutedQty float64
	AvgPrice    float64
	RealizedPnl float64
	EventTime   time.Time
}
