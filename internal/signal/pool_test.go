package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

type fakeMarket struct {
	mu          sync.Mutex
	volumes     map[string]float64
	klines      map[string][]types.Kline
	tickerFails map[string]int // remaining failures; -1 fails forever
	tickerCalls int
	klineCalls  int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		volumes:     make(map[string]float64),
		klines:      make(map[string][]types.Kline),
		tickerFails: make(map[string]int),
	}
}

func (f *fakeMarket) GetTicker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	if n := f.tickerFails[symbol]; n != 0 {
		if n > 0 {
			f.tickerFails[symbol] = n - 1
		}
		return nil, errors.New("ticker unavailable")
	}
	vol, ok := f.volumes[symbol]
	if !ok {
		vol = 1e9
	}
	return &types.Ticker{Symbol: symbol, LastPrice: 100, QuoteVolume: vol}, nil
}

func (f *fakeMarket) GetKlines(ctx context.Context, symbol, interval string, limit int, priority types.Priority) ([]types.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineCalls++
	if k, ok := f.klines[symbol]; ok {
		return k, nil
	}
	return risingKlines(limit), nil
}

func (f *fakeMarket) klineFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klineCalls
}

// risingKlines builds a steadily climbing series with flat volume.
func risingKlines(n int) []types.Kline {
	out := make([]types.Kline, n)
	for i := range out {
		price := 100 + float64(i)
		out[i] = types.Kline{
			OpenTime: time.Now().Add(-time.Duration(n-i) * time.Minute),
			Open:     price, High: price + 1, Low: price - 1, Close: price,
			Volume: 1000,
		}
	}
	return out
}

func poolConfig() config.SignalConfig {
	return config.SignalConfig{
		Workers:       2,
		QueueSize:     32,
		TaskTimeout:   2 * time.Second,
		RetryAttempts: 0,
		Interval:      "5m",
		KlineLimit:    50,
		MinVolumeUSDT: 500_000,

		RSIPeriod:        14,
		RSIOversold:      30,
		RSIOverbought:    70,
		FastMA:           3,
		SlowMA:           5,
		VolumeSpikeRatio: 2.0,
	}
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
}

func waitSignal(t *testing.T, p *Pool) types.Signal {
	t.Helper()
	select {
	case sig := <-p.Signals():
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no signal produced")
		return types.Signal{}
	}
}

func waitPoolEvent(t *testing.T, p *Pool, typ PoolEventType) PoolEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return PoolEvent{}
		}
	}
}

func TestPoolEmitsSignal(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	p := NewPool(market, nil, poolConfig(), testLogger())
	startPool(t, p)

	if !p.Submit(SymbolTask{Symbol: "BTC-USDT", Priority: types.PriorityHigh}) {
		t.Fatal("submit refused")
	}
	sig := waitSignal(t, p)
	if sig.Symbol != "BTC-USDT" {
		t.Fatalf("symbol = %s, want BTC-USDT", sig.Symbol)
	}
	if sig.ID == "" {
		t.Fatal("signal has no id")
	}
	if _, ok := sig.Indicators["rsi"]; !ok {
		t.Fatal("signal missing indicator snapshot")
	}
}

func TestPoolVolumeGateEmitsHold(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	market.volumes["THIN-USDT"] = 10_000 // below the 500k floor
	p := NewPool(market, nil, poolConfig(), testLogger())
	startPool(t, p)

	p.Submit(SymbolTask{Symbol: "THIN-USDT", Priority: types.PriorityLow})
	sig := waitSignal(t, p)
	if sig.Action != types.ActionHold {
		t.Fatalf("action = %s, want HOLD", sig.Action)
	}
	if !strings.Contains(sig.Reason, "volume") {
		t.Fatalf("reason = %q, want volume mention", sig.Reason)
	}
	if market.klineFetches() != 0 {
		t.Fatal("klines fetched despite failing the volume gate")
	}
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	market.tickerFails["FLAKY-USDT"] = 2

	cfg := poolConfig()
	cfg.RetryAttempts = 2
	p := NewPool(market, nil, cfg, testLogger())
	startPool(t, p)

	p.Submit(SymbolTask{Symbol: "FLAKY-USDT", Priority: types.PriorityMedium})
	sig := waitSignal(t, p)
	if sig.Symbol != "FLAKY-USDT" {
		t.Fatalf("symbol = %s, want FLAKY-USDT", sig.Symbol)
	}
	if got := p.Stats().Failed; got != 0 {
		t.Fatalf("failed = %d, want 0 (retries should absorb)", got)
	}
}

func TestPoolTaskFailureEvent(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	market.tickerFails["DOWN-USDT"] = -1
	p := NewPool(market, nil, poolConfig(), testLogger())
	startPool(t, p)

	p.Submit(SymbolTask{Symbol: "DOWN-USDT", Priority: types.PriorityMedium})
	ev := waitPoolEvent(t, p, PoolEventTaskFailed)
	if ev.Symbol != "DOWN-USDT" || ev.Err == nil {
		t.Fatalf("event = %+v, want DOWN-USDT with error", ev)
	}
}

func TestPoolCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	for i := 0; i < breakerThreshold; i++ {
		market.tickerFails[fmt.Sprintf("BAD%d-USDT", i)] = -1
	}
	p := NewPool(market, nil, poolConfig(), testLogger())
	startPool(t, p)

	for i := 0; i < breakerThreshold; i++ {
		if !p.Submit(SymbolTask{Symbol: fmt.Sprintf("BAD%d-USDT", i), Priority: types.PriorityMedium}) {
			t.Fatalf("submit %d refused before breaker opened", i)
		}
	}

	waitPoolEvent(t, p, PoolEventCircuitOpened)
	if !p.BreakerOpen() {
		t.Fatal("breaker should be open")
	}
	if p.Submit(SymbolTask{Symbol: "GOOD-USDT", Priority: types.PriorityMedium}) {
		t.Fatal("submit should be refused while breaker is open")
	}

	p.ResetBreaker()
	if p.BreakerOpen() {
		t.Fatal("breaker should be closed after manual reset")
	}
	if !p.Submit(SymbolTask{Symbol: "GOOD-USDT", Priority: types.PriorityMedium}) {
		t.Fatal("submit refused after reset")
	}
	sig := waitSignal(t, p)
	if sig.Symbol != "GOOD-USDT" {
		t.Fatalf("symbol = %s, want GOOD-USDT", sig.Symbol)
	}
}

func TestPoolBreakerCoolOffElapses(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	p := NewPool(market, nil, poolConfig(), testLogger())

	p.mu.Lock()
	p.openUntil = time.Now().Add(-time.Second) // cool-off already over
	p.failStreak = breakerThreshold
	p.mu.Unlock()

	if p.BreakerOpen() {
		t.Fatal("breaker should auto-close after the cool-off")
	}
	if got := p.Stats().Pending; got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestPoolSubmitFullQueue(t *testing.T) {
	t.Parallel()
	market := newFakeMarket()
	cfg := poolConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	p := NewPool(market, nil, cfg, testLogger())
	// Pool not started: the buffer fills immediately.

	if !p.Submit(SymbolTask{Symbol: "A-USDT"}) {
		t.Fatal("first submit should land in the buffer")
	}
	if p.Submit(SymbolTask{Symbol: "B-USDT"}) {
		t.Fatal("second submit should be refused on a full buffer")
	}
	if got := p.Stats().Rejected; got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}
