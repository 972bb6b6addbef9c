package types

import "time"

// EventType labels entries on the bot's event bus. The set is closed: every
// notification a component can raise maps to exactly one of these, so
// dashboard clients and tests can switch exhaustively instead of matching
// free-form strings.
type EventType string

const (
	EventSignalGenerated    EventType = "signal_generated"
	EventSignalQueued       EventType = "signal_queued"
	EventSignalDeduplicated EventType = "signal_deduplicated"
	EventSignalExpired      EventType = "signal_expired"
	EventSignalFailed       EventType = "signal_failed"
	EventSignalEvicted      EventType = "signal_evicted"

	EventTradeExecuted EventType = "trade_executed"
	EventTradeRejected EventType = "trade_rejected"
	EventTaskFailed    EventType = "task_failed"

	EventPositionRegistered EventType = "position_registered"
	EventPositionClosed     EventType = "position_closed"
	EventPositionCloseError EventType = "position_close_error"

	EventTickerUpdate       EventType = "ticker_update"
	EventSignificantChange  EventType = "significant_price_change"
	EventCircuitOpened      EventType = "circuit_opened"
	EventCircuitReset       EventType = "circuit_reset"
	EventSymbolsLoaded      EventType = "symbols_loaded"
	EventWaveReleased       EventType = "wave_released"
	EventSymbolBlacklisted  EventType = "symbol_blacklisted"
	EventEmergencyStop      EventType = "emergency_stop"
	EventDailyLimitExceeded EventType = "daily_limit_exceeded"

	// EventActivity is the catch-all for coded operator-facing notes that
	// deserve a dashboard line but no dedicated payload.
	EventActivity EventType = "activity"

	// EventSnapshot carries full engine state. It opens every websocket
	// session so clients render without waiting for the next event.
	EventSnapshot EventType = "snapshot"
)

// Event is one entry on the event bus. Data carries a type-specific payload
// that serializes cleanly to JSON for websocket delivery.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Activity is the payload of EventActivity.
type Activity struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
