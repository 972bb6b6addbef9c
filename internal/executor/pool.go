// Package executor places orders for validated signals. A fixed pool of
// workers consumes a head-insertable task deque: retries go back to the
// head so a failing task is retried before newer work, and
// ExecuteImmediately jumps the line when a worker is idle.
//
// Admission is guarded three ways, checked in order: a local one-second
// token window in front of the exchange budget, the concurrent-trade cap,
// and a per-symbol claim that holds from admission until the position
// closes. Every refusal and every pipeline rejection is surfaced as a
// TradeRejected event with a stable code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/ledger"
	"futures-bot/internal/market"
	"futures-bot/pkg/types"
)

const (
	// signalMaxAge is the freshness ceiling re-checked at execution time.
	signalMaxAge = 60 * time.Second
	// depthLimit is the order book depth fetched for the slippage gate.
	depthLimit = 20
)

// Rejection codes, stable across releases. The orchestrator and dashboard
// key on these strings.
const (
	CodeRateLimited        = "RATE_LIMITED"
	CodeCapacity           = "CAPACITY"
	CodePositionExists     = "POSITION_EXISTS"
	CodeStaleSignal        = "STALE_SIGNAL"
	CodeInsufficientMargin = "INSUFFICIENT_MARGIN"
	CodeSlippage           = "SLIPPAGE"
)

// RejectionError is a terminal refusal to trade a signal. It is never
// retried; transient errors (network, exchange 5xx) are plain errors and
// go back to the head of the deque.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Code + ": " + e.Message
}

// Requester is the slice of the request facade the executor consumes.
type Requester interface {
	Balance(ctx context.Context, priority types.Priority) (*types.Balance, error)
	Positions(ctx context.Context, symbol string, priority types.Priority) ([]types.ExchangePosition, error)
	Ticker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
	Depth(ctx context.Context, symbol string, limit int, priority types.Priority) (*types.Depth, error)
	Invalidate(methods ...string)
}

// Trader places orders on the exchange through the trading budget.
type Trader interface {
	PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error)
}

// PositionSink receives positions the executor opens.
type PositionSink interface {
	Register(pos *types.ManagedPosition) error
}

// EventType discriminates executor events.
type EventType int

const (
	// EventTradeExecuted: an order was accepted and a position registered.
	EventTradeExecuted EventType = iota
	// EventTradeRejected: a signal was refused with a stable code.
	EventTradeRejected
	// EventTaskFailed: all placement attempts were exhausted.
	EventTaskFailed
)

// Event is one executor outcome, consumed by the orchestrator.
type Event struct {
	Type     EventType
	TaskID   string
	SignalID string
	Symbol   string
	Code     string
	Message  string
	Details  map[string]any
	Position *types.ManagedPosition
	Order    *types.OrderResult
	Elapsed  time.Duration
	At       time.Time
}

// Task is one unit of executor work.
type Task struct {
	ID           string
	Signal       types.QueuedSignal
	PositionSize float64
	Attempts     int
	EnqueuedAt   time.Time
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	QueueDepth    int
	ActiveSymbols int
	Idle          int
	Submitted     uint64
	Executed      uint64
	Rejected      uint64
	Failed        uint64
	Retries       uint64
}

// Pool is the trade executor pool.
type Pool struct {
	cfg     config.ExecutorConfig
	riskCfg config.RiskConfig
	req     Requester
	trader  Trader
	ledger  ledger.Ledger
	sink    PositionSink
	logger  *slog.Logger

	// admit is the local one-second admission window in front of the
	// exchange's own trading budget.
	admit *exchange.TokenBucket

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*Task
	active map[string]struct{}
	idle   int
	closed bool

	submitted uint64
	executed  uint64
	rejected  uint64
	failed    uint64
	retries   uint64

	events chan Event
}

// NewPool builds an idle pool. Run starts the workers.
func NewPool(req Requester, trader Trader, led ledger.Ledger, sink PositionSink,
	cfg config.ExecutorConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		riskCfg: riskCfg,
		req:     req,
		trader:  trader,
		ledger:  led,
		sink:    sink,
		logger:  logger.With("component", "executor"),
		admit:   exchange.NewTokenBucket(1, cfg.MaxSignalsPerSecond),
		active:  make(map[string]struct{}),
		events:  make(chan Event, 64),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Events delivers executor outcomes. Slow consumers lose events.
func (p *Pool) Events() <-chan Event { return p.events }

// Run blocks until ctx is canceled, operating the worker fleet.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Executors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	<-ctx.Done()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	wg.Wait()

	return ctx.Err()
}

// AddSignal admits a signal to the back of the deque. Refusals return a
// *RejectionError and emit a TradeRejected event.
func (p *Pool) AddSignal(qs types.QueuedSignal, positionSize float64) (string, error) {
	return p.submit(qs, positionSize, false)
}

// ExecuteImmediately tries to hand the signal straight to an idle worker
// by inserting at the head of the deque. Without an idle worker it behaves
// exactly like AddSignal.
func (p *Pool) ExecuteImmediately(qs types.QueuedSignal, positionSize float64) (string, error) {
	return p.submit(qs, positionSize, true)
}

func (p *Pool) submit(qs types.QueuedSignal, positionSize float64, preferIdle bool) (string, error) {
	if positionSize <= 0 {
		positionSize = p.cfg.DefaultPositionSize
	}
	symbol := qs.Signal.Symbol

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", errors.New("executor pool is shut down")
	}

	var rej *RejectionError
	switch {
	case !p.admit.Allow():
		rej = &RejectionError{Code: CodeRateLimited, Message: "local signal rate window exceeded"}
	case len(p.active) >= p.cfg.MaxConcurrentTrades:
		rej = &RejectionError{Code: CodeCapacity, Message: fmt.Sprintf("%d concurrent trades already active", len(p.active))}
	default:
		if _, exists := p.active[symbol]; exists {
			rej = &RejectionError{Code: CodePositionExists, Message: "symbol already has an active position or pending task"}
		}
	}
	if rej != nil {
		p.rejected++
		p.mu.Unlock()
		p.emitRejection("", qs.Signal, rej, nil)
		return "", rej
	}

	task := &Task{
		ID:           uuid.NewString(),
		Signal:       qs,
		PositionSize: positionSize,
		EnqueuedAt:   time.Now(),
	}
	p.active[symbol] = struct{}{}
	p.submitted++

	if preferIdle && p.idle > 0 {
		p.tasks = append([]*Task{task}, p.tasks...)
	} else {
		p.tasks = append(p.tasks, task)
	}
	p.mu.Unlock()
	p.cond.Signal()

	return task.ID, nil
}

// HasCapacity reports whether a new symbol could currently be admitted,
// ignoring the rate window. The queue drainer consults it before dequeuing.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.active) < p.cfg.MaxConcurrentTrades
}

// AdoptSymbol claims a symbol without scheduling a task. The orchestrator
// calls it for positions adopted from the exchange at startup so they count
// against the concurrent-trade cap like any locally opened position.
func (p *Pool) AdoptSymbol(symbol string) {
	p.mu.Lock()
	if !p.closed {
		p.active[symbol] = struct{}{}
	}
	p.mu.Unlock()
}

// ReleaseSymbol frees a symbol's executor claim. The orchestrator calls it
// after the symbol's position fully closes.
func (p *Pool) ReleaseSymbol(symbol string) {
	p.mu.Lock()
	delete(p.active, symbol)
	p.mu.Unlock()
}

// ActiveSymbols returns the symbols currently claimed by open positions or
// in-flight tasks.
func (p *Pool) ActiveSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for s := range p.active {
		out = append(out, s)
	}
	return out
}

// Stats returns a counter snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueDepth:    len(p.tasks),
		ActiveSymbols: len(p.active),
		Idle:          p.idle,
		Submitted:     p.submitted,
		Executed:      p.executed,
		Rejected:      p.rejected,
		Failed:        p.failed,
		Retries:       p.retries,
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		p.mu.Lock()
		p.idle++
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		p.idle--
		if p.closed {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		p.execute(ctx, id, task)
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	err := p.pipeline(execCtx, task)
	cancel()
	if err == nil {
		return
	}

	symbol := task.Signal.Signal.Symbol

	var rej *RejectionError
	if errors.As(err, &rej) {
		p.mu.Lock()
		delete(p.active, symbol)
		p.rejected++
		p.mu.Unlock()
		p.logger.Info("trade rejected",
			"worker", workerID, "symbol", symbol, "code", rej.Code, "reason", rej.Message)
		p.emitRejection(task.ID, task.Signal.Signal, rej, map[string]any{"attempts": task.Attempts + 1})
		return
	}

	if ctx.Err() != nil {
		// Pool shutdown, not a task fault.
		p.ReleaseSymbol(symbol)
		return
	}

	task.Attempts++
	if task.Attempts < p.cfg.MaxAttempts {
		p.logger.Warn("execution failed, retrying",
			"worker", workerID, "symbol", symbol, "attempt", task.Attempts, "error", err)
		p.mu.Lock()
		p.retries++
		p.tasks = append([]*Task{task}, p.tasks...)
		p.mu.Unlock()
		p.cond.Signal()
		return
	}

	p.mu.Lock()
	delete(p.active, symbol)
	p.failed++
	p.mu.Unlock()
	p.logger.Error("task failed, attempts exhausted",
		"worker", workerID, "symbol", symbol, "attempts", task.Attempts, "error", err)
	p.emit(Event{
		Type:     EventTaskFailed,
		TaskID:   task.ID,
		SignalID: task.Signal.Signal.ID,
		Symbol:   symbol,
		Message:  err.Error(),
		Details:  map[string]any{"attempts": task.Attempts},
		At:       time.Now(),
	})
}

// pipeline runs the placement steps for one task. A *RejectionError return
// is terminal; any other error is retryable.
func (p *Pool) pipeline(ctx context.Context, task *Task) error {
	started := time.Now()
	sig := task.Signal.Signal

	if age := sig.Age(); age > signalMaxAge {
		return &RejectionError{
			Code:    CodeStaleSignal,
			Message: fmt.Sprintf("signal is %s old, limit %s", age.Round(time.Second), signalMaxAge),
		}
	}

	bal, err := p.req.Balance(ctx, types.PriorityCritical)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if bal.AvailableMargin < task.PositionSize {
		return &RejectionError{
			Code:    CodeInsufficientMargin,
			Message: fmt.Sprintf("free margin %.2f %s below position size %.2f", bal.AvailableMargin, bal.Asset, task.PositionSize),
		}
	}

	positions, err := p.req.Positions(ctx, sig.Symbol, types.PriorityCritical)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Symbol == sig.Symbol && pos.PositionAmt != 0 {
			return &RejectionError{
				Code:    CodePositionExists,
				Message: fmt.Sprintf("exchange reports an open position of %v", pos.PositionAmt),
			}
		}
	}

	ticker, err := p.req.Ticker(ctx, sig.Symbol, types.PriorityCritical)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	price := ticker.LastPrice
	if price <= 0 {
		return fmt.Errorf("no live price for %s", sig.Symbol)
	}

	quantity := task.PositionSize / price
	side := orderSide(sig.Action)
	posSide := types.PositionSideFor(sig.Action)

	if p.cfg.MaxSlippagePercent > 0 {
		// Best effort: a failed depth fetch skips the gate rather than
		// blocking the trade.
		if depth, derr := p.req.Depth(ctx, sig.Symbol, depthLimit, types.PriorityHigh); derr == nil {
			book := market.NewBook(depth)
			if slip, ok := book.SlippagePercent(side, quantity); ok && slip > p.cfg.MaxSlippagePercent {
				return &RejectionError{
					Code:    CodeSlippage,
					Message: fmt.Sprintf("estimated slippage %.3f%% above limit %.2f%%", slip, p.cfg.MaxSlippagePercent),
				}
			}
		}
	}

	stopLoss, takeProfit := bracketPrices(price, posSide, p.riskCfg)

	order := types.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         side,
		PositionSide: posSide,
		Type:         types.OrderTypeMarket,
		Quantity:     quantity,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
	}

	result, err := p.trader.PlaceOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	// From here the order is live on the exchange: bookkeeping problems are
	// logged but never fail the task, a retry would double-place.
	entryPrice := result.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	executedQty := result.ExecutedQty
	if executedQty <= 0 {
		executedQty = quantity
	}

	trade := buildTrade(sig, order, result, price)
	if err := p.ledger.Insert(ctx, trade); err != nil {
		p.logger.Warn("ledger insert failed", "symbol", sig.Symbol, "order_id", result.OrderID, "error", err)
	}

	now := time.Now()
	pos := &types.ManagedPosition{
		ID:              uuid.NewString(),
		Symbol:          sig.Symbol,
		Side:            posSide,
		EntryPrice:      entryPrice,
		Quantity:        executedQty,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		OrderID:         result.OrderID,
		Status:          types.PositionActive,
		CreatedAt:       now,
		LastUpdate:      now,
	}
	if p.sink != nil {
		if err := p.sink.Register(pos); err != nil {
			p.logger.Warn("position registration failed", "symbol", sig.Symbol, "error", err)
		}
	}

	p.req.Invalidate("balance", "positions")

	p.mu.Lock()
	p.executed++
	p.mu.Unlock()

	elapsed := time.Since(started)
	p.logger.Info("trade executed",
		"symbol", sig.Symbol,
		"side", side,
		"quantity", fmt.Sprintf("%.6f", executedQty),
		"entry", entryPrice,
		"stop_loss", stopLoss,
		"take_profit", takeProfit,
		"order_id", result.OrderID,
		"elapsed", elapsed.Round(time.Millisecond))

	p.emit(Event{
		Type:     EventTradeExecuted,
		TaskID:   task.ID,
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Position: pos,
		Order:    result,
		Elapsed:  elapsed,
		At:       now,
	})
	return nil
}

func (p *Pool) emitRejection(taskID string, sig types.Signal, rej *RejectionError, details map[string]any) {
	p.emit(Event{
		Type:     EventTradeRejected,
		TaskID:   taskID,
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Code:     rej.Code,
		Message:  rej.Message,
		Details:  details,
		At:       time.Now(),
	})
}

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("executor event dropped", "type", ev.Type, "symbol", ev.Symbol)
	}
}

// bracketPrices computes the SL/TP pair around the entry price from the
// configured percents. LONG brackets below/above, SHORT mirrors.
func bracketPrices(price float64, side types.PositionSide, cfg config.RiskConfig) (stopLoss, takeProfit float64) {
	sl := cfg.StopLossPercent / 100
	tp := cfg.TakeProfitPercent / 100
	if side == types.SHORT {
		return price * (1 + sl), price * (1 - tp)
	}
	return price * (1 - sl), price * (1 + tp)
}

func orderSide(action types.SignalAction) types.Side {
	if action == types.ActionSell {
		return types.SELL
	}
	return types.BUY
}

func buildTrade(sig types.Signal, order types.OrderRequest, result *types.OrderResult, refPrice float64) *types.Trade {
	trade := &types.Trade{
		OrderID:        result.OrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		PositionSide:   order.PositionSide,
		Type:           order.Type,
		Status:         types.OrderStatusNew,
		Quantity:       decimal.NewFromFloat(order.Quantity).Round(8),
		Price:          decimal.NewFromFloat(refPrice).Round(8),
		ExecutedQty:    decimal.NewFromFloat(result.ExecutedQty).Round(8),
		AvgPrice:       decimal.NewFromFloat(result.AvgPrice).Round(8),
		SignalStrength: sig.Strength,
		SignalReason:   sig.Reason,
		Indicators:     sig.Indicators,
	}
	if order.StopLoss > 0 {
		trade.StopLossPrice = decimal.NewNullDecimal(decimal.NewFromFloat(order.StopLoss).Round(8))
	}
	if order.TakeProfit > 0 {
		trade.TakeProfitPrice = decimal.NewNullDecimal(decimal.NewFromFloat(order.TakeProfit).Round(8))
	}
	return trade
}
