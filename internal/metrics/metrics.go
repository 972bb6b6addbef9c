// Package metrics exposes the bot's Prometheus instrumentation. Everything
// registers on the default registry and is served by the dashboard's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Signal pipeline ============

// SignalsGenerated counts signals emitted by the worker pool, by action.
var SignalsGenerated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "signal",
		Name:      "generated_total",
		Help:      "Total number of signals generated by action",
	},
	[]string{"action"}, // BUY, SELL, HOLD
)

// SignalsDropped counts signals that never reached an executor.
var SignalsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "signal",
		Name:      "dropped_total",
		Help:      "Total number of signals dropped before execution",
	},
	[]string{"reason"}, // duplicate, queue_full, weak, expired, evicted, max_attempts
)

// SignalStrength observes the strength distribution of actionable signals.
var SignalStrength = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "signal",
		Name:      "strength",
		Help:      "Strength of generated BUY/SELL signals",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	},
)

// QueueDepth is the current number of pending signals in the priority queue.
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "signal",
		Name:      "queue_depth",
		Help:      "Current number of pending signals in the priority queue",
	},
)

// UniverseSymbols tracks the scan universe by release state.
var UniverseSymbols = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "signal",
		Name:      "universe_symbols",
		Help:      "Number of symbols in the trading universe by state",
	},
	[]string{"state"}, // released, total
)

// ============ Trading ============

// TradesTotal counts executor outcomes per symbol.
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Total number of trade attempts by result",
	},
	[]string{"symbol", "result"}, // executed, rejected, failed
)

// RejectionsTotal counts trade rejections by reason code.
var RejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "rejections_total",
		Help:      "Total number of trade rejections by code",
	},
	[]string{"code"},
)

// ExecutionLatency observes time from dequeue to accepted order.
var ExecutionLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "execution_latency_ms",
		Help:      "Time to execute a trade in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
)

// ActivePositions is the current number of open positions.
var ActivePositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "active_positions",
		Help:      "Current number of open positions",
	},
)

// PositionsClosed counts position closes by reason.
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "positions_closed_total",
		Help:      "Total number of positions closed by reason",
	},
	[]string{"reason"}, // EXPIRED, STOP_LOSS, TAKE_PROFIT, EMERGENCY, EXTERNAL, MANUAL
)

// RealizedPnl accumulates realized PnL in USDT. Gauge because losses
// move it down.
var RealizedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "realized_pnl_usdt",
		Help:      "Cumulative realized PnL in USDT since start",
	},
)

// ============ Risk ============

// Equity is the last observed account equity in USDT.
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "equity_usdt",
		Help:      "Last observed account equity in USDT",
	},
)

// DailyRealizedPnl is today's realized PnL in USDT.
var DailyRealizedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "daily_realized_pnl_usdt",
		Help:      "Realized PnL for the current UTC day in USDT",
	},
)

// DrawdownPercent is the current drawdown from peak equity.
var DrawdownPercent = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "drawdown_percent",
		Help:      "Current drawdown from peak equity in percent",
	},
)

// TradingHalted is 1 while the risk manager blocks new entries.
var TradingHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "trading_halted",
		Help:      "Whether trading is halted by risk controls (1=halted)",
	},
)

// ============ Exchange client ============

// RequestCacheHits is the cumulative cache hit count of the request manager.
var RequestCacheHits = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "request_cache_hits",
		Help:      "Cumulative market data cache hits",
	},
)

// RequestCacheMisses is the cumulative cache miss count of the request manager.
var RequestCacheMisses = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "request_cache_misses",
		Help:      "Cumulative market data cache misses",
	},
)

// CircuitBreakerOpen is 1 while the scan pool's breaker is tripped.
var CircuitBreakerOpen = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "circuit_breaker_open",
		Help:      "Whether the market data circuit breaker is open (1=open)",
	},
)

// BlacklistedSymbols is the current number of symbols in failure backoff.
var BlacklistedSymbols = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "blacklisted_symbols",
		Help:      "Current number of symbols excluded after repeated failures",
	},
)

// ============ Helpers ============

// RecordSignal counts one generated signal and, for actionable ones,
// observes its strength.
func RecordSignal(action string, strength float64) {
	SignalsGenerated.WithLabelValues(action).Inc()
	if action != "HOLD" {
		SignalStrength.Observe(strength)
	}
}

// RecordSignalDropped counts a signal lost before execution.
func RecordSignalDropped(reason string) {
	SignalsDropped.WithLabelValues(reason).Inc()
}

// RecordTrade counts one executor outcome.
func RecordTrade(symbol, result string) {
	TradesTotal.WithLabelValues(symbol, result).Inc()
}

// RecordRejection counts a rejection by its reason code.
func RecordRejection(code string) {
	RejectionsTotal.WithLabelValues(code).Inc()
}

// RecordPositionClosed counts a close and moves the cumulative PnL gauge.
func RecordPositionClosed(reason string, pnl float64) {
	PositionsClosed.WithLabelValues(reason).Inc()
	RealizedPnl.Add(pnl)
}

// UpdateAccount publishes the risk manager's current account view.
func UpdateAccount(equity, dailyPnl, drawdownPct float64, halted bool) {
	Equity.Set(equity)
	DailyRealizedPnl.Set(dailyPnl)
	DrawdownPercent.Set(drawdownPct)
	TradingHalted.Set(boolGauge(halted))
}

// UpdateUniverse publishes the scan universe size.
func UpdateUniverse(released, total int) {
	UniverseSymbols.WithLabelValues("released").Set(float64(released))
	UniverseSymbols.WithLabelValues("total").Set(float64(total))
}

// UpdateRequestCache publishes the request manager's cache counters.
func UpdateRequestCache(hits, misses uint64) {
	RequestCacheHits.Set(float64(hits))
	RequestCacheMisses.Set(float64(misses))
}

// SetCircuitBreaker flags the market data breaker state.
func SetCircuitBreaker(open bool) {
	CircuitBreakerOpen.Set(boolGauge(open))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
