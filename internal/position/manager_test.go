package position

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/config"
	"futures-bot/internal/ledger"
	"futures-bot/internal/risk"
	"futures-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (f *fakeMarket) GetTicker(_ context.Context, symbol string, _ types.Priority) (*types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &types.Ticker{Symbol: symbol, LastPrice: f.prices[symbol], LastUpdate: time.Now()}, nil
}

func (f *fakeMarket) setPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

type closeCall struct {
	symbol     string
	percentage float64
}

type fakeCloser struct {
	mu     sync.Mutex
	calls  []closeCall
	err    error
	result *types.OrderResult
}

func (f *fakeCloser) ClosePosition(_ context.Context, symbol string, percentage float64) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, closeCall{symbol: symbol, percentage: percentage})
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &types.OrderResult{OrderID: "CLOSE-1", Status: types.OrderStatusFilled}, nil
}

func (f *fakeCloser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeReconciler struct {
	mu   sync.Mutex
	rows []types.ExchangePosition
	err  error
}

func (f *fakeReconciler) Positions(_ context.Context, _ string, _ types.Priority) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.ExchangePosition(nil), f.rows...), nil
}

type fakeAssessor struct {
	recs []risk.Recommendation
}

func (f *fakeAssessor) Assess(types.ManagedPosition, float64) []risk.Recommendation {
	return f.recs
}

func positionConfig() config.PositionConfig {
	return config.PositionConfig{
		MonitorInterval:       10 * time.Millisecond,
		MaxHoldTime:           time.Hour,
		TrailingStop:          false,
		TrailingStopPercent:   1.0,
		EmergencyClosePercent: 15.0,
	}
}

func positionRiskConfig() config.RiskConfig {
	return config.RiskConfig{StopLossPercent: 2.0, TakeProfitPercent: 3.0}
}

type managerHarness struct {
	manager *Manager
	market  *fakeMarket
	closer  *fakeCloser
	req     *fakeReconciler
	ledger  *ledger.Memory
}

func newTestManager(t *testing.T, cfg config.PositionConfig, assessor Assessor) *managerHarness {
	t.Helper()
	h := &managerHarness{
		market: &fakeMarket{prices: make(map[string]float64)},
		closer: &fakeCloser{},
		req:    &fakeReconciler{},
		ledger: ledger.NewMemory(),
	}
	h.manager = NewManager(h.market, h.closer, h.req, h.ledger, assessor, cfg, positionRiskConfig(), testLogger())
	return h
}

func longPosition(symbol string, entry float64) *types.ManagedPosition {
	return &types.ManagedPosition{
		ID:              "pos-" + symbol,
		Symbol:          symbol,
		Side:            types.LONG,
		EntryPrice:      entry,
		Quantity:        0.5,
		StopLossPrice:   entry * 0.98,
		TakeProfitPrice: entry * 1.03,
		OrderID:         "ORD-" + symbol,
		Status:          types.PositionActive,
		CreatedAt:       time.Now(),
		LastUpdate:      time.Now(),
	}
}

func waitPositionEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of type %d within deadline", want)
		}
	}
}

func within(t *testing.T, got, want, eps float64, label string) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("%s: got %v, want %v", label, got, want)
	}
}

func TestStopLossCloseRealizesLoss(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedTrade(t, h.ledger, pos.OrderID)

	h.closer.result = &types.OrderResult{OrderID: "CLOSE-1", Status: types.OrderStatusFilled, AvgPrice: 29390}
	h.manager.evaluate(context.Background(), "BTC-USDT", 29300)

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseStopLoss {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseStopLoss)
	}
	// Fill price from the close order, not the trigger mark.
	within(t, ev.RealizedPnl, (29390-30000)*0.5, 1e-6, "realized pnl")

	if h.manager.Count() != 0 {
		t.Fatalf("position still tracked after close")
	}
	if got := h.closer.callCount(); got != 1 {
		t.Fatalf("close calls = %d, want 1", got)
	}

	row, err := h.ledger.GetByOrderID(context.Background(), pos.OrderID)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if row.Status != types.OrderStatusFilled {
		t.Fatalf("ledger status = %s, want FILLED", row.Status)
	}
	if !row.RealizedPnl.Equal(decimal.NewFromFloat((29390 - 30000) * 0.5).Round(8)) {
		t.Fatalf("ledger realized pnl = %s", row.RealizedPnl)
	}
	if row.ClosedAt == nil {
		t.Fatalf("ledger closed_at not stamped")
	}
}

func TestTakeProfitCloseShort(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := &types.ManagedPosition{
		ID: "pos-eth", Symbol: "ETH-USDT", Side: types.SHORT,
		EntryPrice: 2000, Quantity: 1,
		StopLossPrice: 2040, TakeProfitPrice: 1940,
		Status: types.PositionActive, CreatedAt: time.Now(),
	}
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.manager.evaluate(context.Background(), "ETH-USDT", 1935)

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseTakeProfit {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseTakeProfit)
	}
	within(t, ev.RealizedPnl, 2000-1935, 1e-6, "short realized pnl")
}

func TestMaxHoldTimeExpiry(t *testing.T) {
	t.Parallel()
	cfg := positionConfig()
	cfg.MaxHoldTime = time.Minute
	h := newTestManager(t, cfg, nil)

	pos := longPosition("SOL-USDT", 100)
	pos.CreatedAt = time.Now().Add(-2 * time.Minute)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Mark inside the brackets: only the hold-time gate can fire.
	h.manager.evaluate(context.Background(), "SOL-USDT", 100.5)

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseExpired {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseExpired)
	}
}

func TestEmergencyCloseOnRunawayPnl(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := &types.ManagedPosition{
		ID: "pos-doge", Symbol: "DOGE-USDT", Side: types.LONG,
		EntryPrice: 100, Quantity: 10,
		Status: types.PositionActive, CreatedAt: time.Now(),
	}
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	// No brackets set; a 20% adverse move trips the 15% emergency gate.
	h.manager.evaluate(context.Background(), "DOGE-USDT", 80)

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseEmergency {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseEmergency)
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	t.Parallel()
	cfg := positionConfig()
	cfg.TrailingStop = true
	cfg.TrailingStopPercent = 1.0
	h := newTestManager(t, cfg, nil)

	pos := longPosition("BTC-USDT", 100)
	pos.StopLossPrice = 98
	pos.TakeProfitPrice = 0
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	// 2% in profit: trailing activates and the stop snaps to mark*(1-1%).
	h.manager.evaluate(context.Background(), "BTC-USDT", 102)
	got, _ := h.manager.Get("BTC-USDT")
	if !got.TrailingActive {
		t.Fatalf("trailing not activated")
	}
	within(t, got.StopLossPrice, 102*0.99, 1e-9, "stop after activation")

	// Higher mark ratchets the stop up.
	h.manager.evaluate(context.Background(), "BTC-USDT", 103)
	got, _ = h.manager.Get("BTC-USDT")
	within(t, got.StopLossPrice, 103*0.99, 1e-9, "stop after ratchet")

	// A pullback never loosens it.
	h.manager.evaluate(context.Background(), "BTC-USDT", 102.5)
	got, _ = h.manager.Get("BTC-USDT")
	within(t, got.StopLossPrice, 103*0.99, 1e-9, "stop after pullback")

	// Falling through the trailed stop closes as STOP_LOSS.
	h.manager.evaluate(context.Background(), "BTC-USDT", 101.9)
	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseStopLoss {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseStopLoss)
	}
}

func TestAssessorRecommendationsApplied(t *testing.T) {
	t.Parallel()
	assessor := &fakeAssessor{recs: []risk.Recommendation{
		risk.RecommendMoveToBreakEven,
		risk.RecommendActivateTrailing,
	}}
	h := newTestManager(t, positionConfig(), assessor)

	pos := longPosition("ETH-USDT", 100)
	pos.StopLossPrice = 98
	pos.TakeProfitPrice = 110
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.manager.evaluate(context.Background(), "ETH-USDT", 101.5)

	got, ok := h.manager.Get("ETH-USDT")
	if !ok {
		t.Fatalf("position gone")
	}
	if got.StopLossPrice != 100 {
		t.Fatalf("stop = %v, want break-even 100", got.StopLossPrice)
	}
	if !got.TrailingActive {
		t.Fatalf("trailing flag not set by recommendation")
	}
}

func TestCloseFailureRevertsToActive(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)
	h.closer.err = errors.New("exchange unavailable")

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.manager.evaluate(context.Background(), "BTC-USDT", 29000)

	ev := waitPositionEvent(t, h.manager.Events(), EventCloseError)
	if ev.Err == nil {
		t.Fatalf("close error event carries no error")
	}

	got, ok := h.manager.Get("BTC-USDT")
	if !ok {
		t.Fatalf("position dropped after failed close")
	}
	if got.Status != types.PositionActive {
		t.Fatalf("status = %s, want ACTIVE for retry next tick", got.Status)
	}
}

func TestAccountUpdateDetectsExternalClose(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := longPosition("BTC-USDT", 30000)
	pos.UnrealizedPnl = -12.5
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedTrade(t, h.ledger, pos.OrderID)

	h.manager.ApplyAccountUpdate(context.Background(), types.AccountUpdate{
		Positions: []types.ExchangePosition{{Symbol: "BTC-USDT", PositionAmt: 0}},
		EventTime: time.Now(),
	})

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseExternal {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseExternal)
	}
	within(t, ev.RealizedPnl, -12.5, 1e-9, "external realized pnl")
	if h.closer.callCount() != 0 {
		t.Fatalf("external close must not send an order")
	}

	row, err := h.ledger.GetByOrderID(context.Background(), pos.OrderID)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if row.ClosedAt == nil {
		t.Fatalf("ledger closed_at not stamped on external close")
	}
}

func TestAccountUpdateRefreshesLivePosition(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.manager.ApplyAccountUpdate(context.Background(), types.AccountUpdate{
		Positions: []types.ExchangePosition{{
			Symbol: "BTC-USDT", PositionAmt: 0.5, EntryPrice: 30010, UnrealizedProfit: 42.0,
		}},
	})

	got, _ := h.manager.Get("BTC-USDT")
	within(t, got.UnrealizedPnl, 42.0, 1e-9, "refreshed pnl")
	within(t, got.EntryPrice, 30010, 1e-9, "refreshed entry")
	if got.Status != types.PositionActive {
		t.Fatalf("status changed by live refresh: %s", got.Status)
	}
}

func TestOrderUpdatePropagatesFill(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedTrade(t, h.ledger, pos.OrderID)

	h.manager.ApplyOrderUpdate(context.Background(), types.OrderUpdate{
		OrderID:     pos.OrderID,
		Symbol:      "BTC-USDT",
		Status:      types.OrderStatusFilled,
		ExecutedQty: 0.48,
		AvgPrice:    30012.5,
		EventTime:   time.Now(),
	})

	got, _ := h.manager.Get("BTC-USDT")
	within(t, got.EntryPrice, 30012.5, 1e-9, "entry from fill")
	within(t, got.Quantity, 0.48, 1e-9, "quantity from fill")

	row, err := h.ledger.GetByOrderID(context.Background(), pos.OrderID)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if row.Status != types.OrderStatusFilled {
		t.Fatalf("ledger status = %s, want FILLED", row.Status)
	}
	if !row.AvgPrice.Equal(decimal.NewFromFloat(30012.5)) {
		t.Fatalf("ledger avg price = %s", row.AvgPrice)
	}
}

func TestOrderUpdateForUnknownOrderTolerated(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	h.manager.ApplyOrderUpdate(context.Background(), types.OrderUpdate{
		OrderID: "nobody-home",
		Status:  types.OrderStatusCanceled,
	})
	if h.manager.Count() != 0 {
		t.Fatalf("phantom position appeared")
	}
}

func TestLoadExistingAdoptsExchangePositions(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)
	h.req.rows = []types.ExchangePosition{
		{Symbol: "FLAT-USDT", PositionAmt: 0},
		{Symbol: "BTC-USDT", PositionSide: types.LONG, PositionAmt: 0.5, EntryPrice: 30000, UnrealizedProfit: 5},
		// No explicit side: the signed amount decides.
		{Symbol: "ETH-USDT", PositionAmt: -2, EntryPrice: 2000},
	}

	n, err := h.manager.LoadExisting(context.Background())
	if err != nil {
		t.Fatalf("load existing: %v", err)
	}
	if n != 2 {
		t.Fatalf("adopted = %d, want 2", n)
	}

	long, _ := h.manager.Get("BTC-USDT")
	if long.Side != types.LONG {
		t.Fatalf("BTC side = %s", long.Side)
	}
	within(t, long.StopLossPrice, 30000*0.98, 1e-6, "adopted long stop")
	within(t, long.TakeProfitPrice, 30000*1.03, 1e-6, "adopted long target")

	short, _ := h.manager.Get("ETH-USDT")
	if short.Side != types.SHORT {
		t.Fatalf("ETH side = %s", short.Side)
	}
	within(t, short.Quantity, 2, 1e-9, "adopted short quantity")
	within(t, short.StopLossPrice, 2000*1.02, 1e-6, "adopted short stop")
	within(t, short.TakeProfitPrice, 2000*0.97, 1e-6, "adopted short target")
}

func TestRegisterRejectsDuplicateSymbol(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	if err := h.manager.Register(longPosition("BTC-USDT", 30000)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := h.manager.Register(longPosition("BTC-USDT", 30100))
	if !errors.Is(err, ErrPositionExists) {
		t.Fatalf("second register error = %v, want ErrPositionExists", err)
	}
}

func TestReconcileClosesAbsentSymbol(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)

	pos := longPosition("BTC-USDT", 30000)
	pos.UnrealizedPnl = 3.25
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Exchange only reports an untracked symbol.
	h.req.rows = []types.ExchangePosition{
		{Symbol: "XRP-USDT", PositionAmt: 100},
	}

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseExternal {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseExternal)
	}
	if h.manager.Count() != 0 {
		t.Fatalf("absent position still tracked")
	}
}

func TestMonitorLoopClosesThroughTicker(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)
	h.market.setPrice("BTC-USDT", 30100)

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.manager.Run(ctx)

	// Let a few benign ticks pass, then drop through the stop.
	time.Sleep(30 * time.Millisecond)
	h.market.setPrice("BTC-USDT", 29000)

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseStopLoss {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseStopLoss)
	}
}

func TestCloseOnDemand(t *testing.T) {
	t.Parallel()
	h := newTestManager(t, positionConfig(), nil)
	h.market.setPrice("BTC-USDT", 30250)

	pos := longPosition("BTC-USDT", 30000)
	if err := h.manager.Register(pos); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := h.manager.Close(context.Background(), "BTC-USDT", types.CloseManual); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev := waitPositionEvent(t, h.manager.Events(), EventPositionClosed)
	if ev.Reason != types.CloseManual {
		t.Fatalf("reason = %s, want %s", ev.Reason, types.CloseManual)
	}
	within(t, ev.RealizedPnl, (30250-30000)*0.5, 1e-6, "manual close pnl")

	if err := h.manager.Close(context.Background(), "BTC-USDT", types.CloseManual); err == nil {
		t.Fatalf("closing a gone position must fail")
	}
}

func seedTrade(t *testing.T, led *ledger.Memory, orderID string) {
	t.Helper()
	err := led.Insert(context.Background(), &types.Trade{
		OrderID:      orderID,
		Symbol:       "BTC-USDT",
		Side:         types.BUY,
		PositionSide: types.LONG,
		Type:         types.OrderTypeMarket,
		Status:       types.OrderStatusNew,
		Quantity:     decimal.RequireFromString("0.5"),
		Price:        decimal.RequireFromString("30000"),
	})
	if err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}
