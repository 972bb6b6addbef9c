package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/ledger"
	"futures-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRequester struct {
	mu          sync.Mutex
	margin      float64
	positions   []types.ExchangePosition
	price       float64
	depth       *types.Depth
	balanceErr  error
	invalidated []string
}

func (f *fakeRequester) Balance(context.Context, types.Priority) (*types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &types.Balance{Asset: "USDT", AvailableMargin: f.margin, Equity: f.margin}, nil
}

func (f *fakeRequester) Positions(_ context.Context, symbol string, _ types.Priority) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeRequester) Ticker(_ context.Context, symbol string, _ types.Priority) (*types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Ticker{Symbol: symbol, LastPrice: f.price, LastUpdate: time.Now()}, nil
}

func (f *fakeRequester) Depth(_ context.Context, symbol string, _ int, _ types.Priority) (*types.Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depth == nil {
		return nil, errors.New("no depth available")
	}
	return f.depth, nil
}

func (f *fakeRequester) Invalidate(methods ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, methods...)
}

type fakeTrader struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding
	calls    int
	orders   []types.OrderRequest
}

func (f *fakeTrader) PlaceOrder(_ context.Context, order types.OrderRequest) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("exchange unavailable")
	}
	f.orders = append(f.orders, order)
	return &types.OrderResult{OrderID: fmt.Sprintf("ORD-%d", f.calls), Status: types.OrderStatusNew}, nil
}

func (f *fakeTrader) placed() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

func (f *fakeTrader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu        sync.Mutex
	positions []*types.ManagedPosition
}

func (f *fakeSink) Register(pos *types.ManagedPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
	return nil
}

func (f *fakeSink) registered() []*types.ManagedPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ManagedPosition, len(f.positions))
	copy(out, f.positions)
	return out
}

func executorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		Executors:           2,
		MaxConcurrentTrades: 5,
		ExecutionTimeout:    2 * time.Second,
		MaxSignalsPerSecond: 0.8,
		DefaultPositionSize: 100,
		MaxAttempts:         3,
	}
}

func executorRiskConfig() config.RiskConfig {
	return config.RiskConfig{StopLossPercent: 2.0, TakeProfitPercent: 3.0}
}

func newTestPool(req *fakeRequester, trader *fakeTrader, sink *fakeSink, cfg config.ExecutorConfig) (*Pool, *ledger.Memory) {
	led := ledger.NewMemory()
	p := NewPool(req, trader, led, sink, cfg, executorRiskConfig(), testLogger())
	// A generous burst so admission tests are not at the mercy of wall
	// clock refill.
	p.admit = exchange.NewTokenBucket(100, 100)
	return p, led
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
}

func buySignal(symbol string, age time.Duration) types.QueuedSignal {
	return types.QueuedSignal{
		Signal: types.Signal{
			ID:        "sig-" + symbol,
			Symbol:    symbol,
			Action:    types.ActionBuy,
			Strength:  80,
			Reason:    "test signal",
			CreatedAt: time.Now().Add(-age),
		},
	}
}

func waitEvent(t *testing.T, p *Pool, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of type %d within deadline", want)
		}
	}
}

func within(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func TestExecutePlacesBracketedOrder(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{margin: 1000, price: 30000}
	trader := &fakeTrader{}
	sink := &fakeSink{}
	p, led := newTestPool(req, trader, sink, executorConfig())
	startPool(t, p)

	id, err := p.AddSignal(buySignal("BTC-USDT", 0), 100)
	if err != nil {
		t.Fatalf("AddSignal: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}

	ev := waitEvent(t, p, EventTradeExecuted)
	if ev.Symbol != "BTC-USDT" || ev.SignalID != "sig-BTC-USDT" {
		t.Errorf("unexpected event identity: %+v", ev)
	}
	if ev.Position == nil || ev.Order == nil {
		t.Fatal("executed event missing position or order")
	}

	orders := trader.placed()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	order := orders[0]
	if order.Side != types.BUY || order.PositionSide != types.LONG || order.Type != types.OrderTypeMarket {
		t.Errorf("unexpected order shape: %+v", order)
	}
	if !within(order.Quantity, 100.0/30000.0, 1e-9) {
		t.Errorf("quantity = %v, want %v", order.Quantity, 100.0/30000.0)
	}
	if !within(order.StopLoss, 29400, 1e-6) {
		t.Errorf("stop loss = %v, want 29400", order.StopLoss)
	}
	if !within(order.TakeProfit, 30900, 1e-6) {
		t.Errorf("take profit = %v, want 30900", order.TakeProfit)
	}

	trade, err := led.GetByOrderID(context.Background(), ev.Order.OrderID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if trade.Status != types.OrderStatusNew {
		t.Errorf("trade status = %s, want NEW", trade.Status)
	}
	if trade.SignalStrength != 80 {
		t.Errorf("signal strength = %v, want 80", trade.SignalStrength)
	}

	regs := sink.registered()
	if len(regs) != 1 {
		t.Fatalf("expected 1 registered position, got %d", len(regs))
	}
	pos := regs[0]
	if pos.Status != types.PositionActive || pos.Side != types.LONG {
		t.Errorf("unexpected position: %+v", pos)
	}
	if !within(pos.StopLossPrice, 29400, 1e-6) || !within(pos.TakeProfitPrice, 30900, 1e-6) {
		t.Errorf("position brackets = %v/%v", pos.StopLossPrice, pos.TakeProfitPrice)
	}

	req.mu.Lock()
	invalidated := append([]string(nil), req.invalidated...)
	req.mu.Unlock()
	if len(invalidated) != 2 || invalidated[0] != "balance" || invalidated[1] != "positions" {
		t.Errorf("cache invalidation = %v, want [balance positions]", invalidated)
	}
}

func TestAdmissionRejectsAtCapacity(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxConcurrentTrades = 2
	p, _ := newTestPool(&fakeRequester{}, &fakeTrader{}, &fakeSink{}, cfg)
	// Workers not started: tasks stay queued, claims stay held.

	if _, err := p.AddSignal(buySignal("AAA-USDT", 0), 100); err != nil {
		t.Fatalf("first AddSignal: %v", err)
	}
	if _, err := p.AddSignal(buySignal("BBB-USDT", 0), 100); err != nil {
		t.Fatalf("second AddSignal: %v", err)
	}

	_, err := p.AddSignal(buySignal("CCC-USDT", 0), 100)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != CodeCapacity {
		t.Fatalf("expected CAPACITY rejection, got %v", err)
	}
	if p.HasCapacity() {
		t.Error("HasCapacity should be false at the cap")
	}

	ev := waitEvent(t, p, EventTradeRejected)
	if ev.Code != CodeCapacity || ev.Symbol != "CCC-USDT" {
		t.Errorf("unexpected rejection event: %+v", ev)
	}
}

func TestAdmissionRejectsDuplicateSymbol(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(&fakeRequester{}, &fakeTrader{}, &fakeSink{}, executorConfig())

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("first AddSignal: %v", err)
	}

	_, err := p.AddSignal(buySignal("BTC-USDT", 0), 100)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != CodePositionExists {
		t.Fatalf("expected POSITION_EXISTS rejection, got %v", err)
	}
}

func TestAdmissionRateWindow(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxSignalsPerSecond = 0.001
	led := ledger.NewMemory()
	// Keep the pool's own bucket: capacity 1, near-zero refill.
	p := NewPool(&fakeRequester{}, &fakeTrader{}, led, &fakeSink{}, cfg, executorRiskConfig(), testLogger())

	if _, err := p.AddSignal(buySignal("AAA-USDT", 0), 100); err != nil {
		t.Fatalf("first AddSignal should pass the fresh window: %v", err)
	}

	_, err := p.AddSignal(buySignal("BBB-USDT", 0), 100)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED rejection, got %v", err)
	}
}

func TestStaleSignalRejected(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{margin: 1000, price: 30000}
	trader := &fakeTrader{}
	p, _ := newTestPool(req, trader, &fakeSink{}, executorConfig())
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 2*time.Minute), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	ev := waitEvent(t, p, EventTradeRejected)
	if ev.Code != CodeStaleSignal {
		t.Errorf("code = %s, want STALE_SIGNAL", ev.Code)
	}
	if trader.callCount() != 0 {
		t.Error("stale signal must not reach the exchange")
	}
	if got := p.ActiveSymbols(); len(got) != 0 {
		t.Errorf("symbol claim not released: %v", got)
	}
}

func TestInsufficientMarginRejected(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{margin: 50, price: 30000}
	p, _ := newTestPool(req, &fakeTrader{}, &fakeSink{}, executorConfig())
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	ev := waitEvent(t, p, EventTradeRejected)
	if ev.Code != CodeInsufficientMargin {
		t.Errorf("code = %s, want INSUFFICIENT_MARGIN", ev.Code)
	}
}

func TestExchangePositionRejected(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{
		margin:    1000,
		price:     30000,
		positions: []types.ExchangePosition{{Symbol: "BTC-USDT", PositionSide: types.LONG, PositionAmt: 0.5}},
	}
	trader := &fakeTrader{}
	p, _ := newTestPool(req, trader, &fakeSink{}, executorConfig())
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	ev := waitEvent(t, p, EventTradeRejected)
	if ev.Code != CodePositionExists {
		t.Errorf("code = %s, want POSITION_EXISTS", ev.Code)
	}
	if trader.callCount() != 0 {
		t.Error("must not place over an existing position")
	}
}

func TestSlippageGateRejects(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxSlippagePercent = 0.05
	req := &fakeRequester{
		margin: 1000,
		price:  30000,
		depth: &types.Depth{
			Symbol: "BTC-USDT",
			Bids:   []types.PriceLevel{{Price: 29990, Quantity: 5}},
			Asks:   []types.PriceLevel{{Price: 30040, Quantity: 5}},
			Time:   time.Now(),
		},
	}
	trader := &fakeTrader{}
	p, _ := newTestPool(req, trader, &fakeSink{}, cfg)
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	ev := waitEvent(t, p, EventTradeRejected)
	if ev.Code != CodeSlippage {
		t.Errorf("code = %s, want SLIPPAGE", ev.Code)
	}
	if trader.callCount() != 0 {
		t.Error("slippage rejection must not place an order")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{margin: 1000, price: 30000}
	trader := &fakeTrader{failures: 2}
	p, _ := newTestPool(req, trader, &fakeSink{}, executorConfig())
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	waitEvent(t, p, EventTradeExecuted)
	if got := trader.callCount(); got != 3 {
		t.Errorf("place order calls = %d, want 3", got)
	}
	stats := p.Stats()
	if stats.Retries != 2 {
		t.Errorf("retries = %d, want 2", stats.Retries)
	}
	if stats.Executed != 1 {
		t.Errorf("executed = %d, want 1", stats.Executed)
	}
}

func TestTaskFailedAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxAttempts = 2
	req := &fakeRequester{margin: 1000, price: 30000}
	trader := &fakeTrader{failures: 100}
	p, _ := newTestPool(req, trader, &fakeSink{}, cfg)
	startPool(t, p)

	if _, err := p.AddSignal(buySignal("BTC-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	ev := waitEvent(t, p, EventTaskFailed)
	if ev.Details["attempts"] != 2 {
		t.Errorf("attempts = %v, want 2", ev.Details["attempts"])
	}
	if got := p.ActiveSymbols(); len(got) != 0 {
		t.Errorf("symbol claim not released after failure: %v", got)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", p.Stats().Failed)
	}
}

func TestExecuteImmediatelyJumpsQueue(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(&fakeRequester{}, &fakeTrader{}, &fakeSink{}, executorConfig())

	if _, err := p.AddSignal(buySignal("AAA-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}
	if _, err := p.AddSignal(buySignal("BBB-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	// With an idle worker the immediate task goes to the head.
	p.mu.Lock()
	p.idle = 1
	p.mu.Unlock()
	if _, err := p.ExecuteImmediately(buySignal("CCC-USDT", 0), 100); err != nil {
		t.Fatalf("ExecuteImmediately: %v", err)
	}

	p.mu.Lock()
	head := p.tasks[0].Signal.Signal.Symbol
	depth := len(p.tasks)
	p.mu.Unlock()
	if head != "CCC-USDT" || depth != 3 {
		t.Errorf("head = %s depth = %d, want CCC-USDT at head of 3", head, depth)
	}

	// Without an idle worker it queues at the back like AddSignal.
	p.mu.Lock()
	p.idle = 0
	p.mu.Unlock()
	if _, err := p.ExecuteImmediately(buySignal("DDD-USDT", 0), 100); err != nil {
		t.Fatalf("ExecuteImmediately fallback: %v", err)
	}

	p.mu.Lock()
	tail := p.tasks[len(p.tasks)-1].Signal.Signal.Symbol
	p.mu.Unlock()
	if tail != "DDD-USDT" {
		t.Errorf("tail = %s, want DDD-USDT", tail)
	}
}

func TestReleaseSymbolFreesClaim(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxConcurrentTrades = 1
	p, _ := newTestPool(&fakeRequester{}, &fakeTrader{}, &fakeSink{}, cfg)

	if _, err := p.AddSignal(buySignal("AAA-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}
	if p.HasCapacity() {
		t.Fatal("expected no capacity at cap 1")
	}

	p.ReleaseSymbol("AAA-USDT")
	if !p.HasCapacity() {
		t.Fatal("expected capacity after release")
	}
	if _, err := p.AddSignal(buySignal("BBB-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal after release: %v", err)
	}
}

func TestAdoptSymbolCountsAgainstCap(t *testing.T) {
	t.Parallel()
	cfg := executorConfig()
	cfg.MaxConcurrentTrades = 1
	p, _ := newTestPool(&fakeRequester{}, &fakeTrader{}, &fakeSink{}, cfg)

	// A position carried over from before a restart fills the only slot.
	p.AdoptSymbol("BTC-USDT")
	if p.HasCapacity() {
		t.Fatal("adopted claim should exhaust capacity at cap 1")
	}

	_, err := p.AddSignal(buySignal("ETH-USDT", 0), 100)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != CodeCapacity {
		t.Fatalf("expected CAPACITY rejection, got %v", err)
	}

	_, err = p.AddSignal(buySignal("BTC-USDT", 0), 100)
	if !errors.As(err, &rej) || rej.Code != CodeCapacity {
		t.Fatalf("expected CAPACITY rejection for the adopted symbol, got %v", err)
	}

	// Closing the adopted position frees the slot like any other.
	p.ReleaseSymbol("BTC-USDT")
	if _, err := p.AddSignal(buySignal("ETH-USDT", 0), 100); err != nil {
		t.Fatalf("AddSignal after release: %v", err)
	}
}
