// cache.go is the market-data layer: tickers and kline series cached with
// their own TTLs on top of the request facade. Entries are updated from two
// sources:
//   - Pull: GetTicker/GetKlines fetch through the request manager on a miss.
//   - Push: the first ticker fetch for a symbol opens a persistent stream
//     subscription that refreshes the entry in-place on every frame.
//
// The cache is bounded; inserting past MaxCacheSize evicts the entry with
// the oldest lastUpdate, and evicting a ticker also tears down its stream.
// While a stream is down (reconnect pending), pull stays authoritative.
package market

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/pkg/types"
)

// Requester is the slice of the request facade the cache consumes.
type Requester interface {
	Ticker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int, priority types.Priority) ([]types.Kline, error)
}

// EventType labels cache notifications. Both kinds are observational; the
// orchestrator logs them and nothing else keys off them.
type EventType string

const (
	EventTickerUpdate      EventType = "tickerUpdate"
	EventSignificantChange EventType = "significantPriceChange"
)

// Event is a cache notification delivered on Events().
type Event struct {
	Type      EventType
	Symbol    string
	Price     float64
	ChangePct float64
	At        time.Time
}

type tickerEntry struct {
	ticker     types.Ticker
	expiresAt  time.Time
	lastUpdate time.Time
}

type klineEntry struct {
	klines     []types.Kline
	expiresAt  time.Time
	lastUpdate time.Time
}

// streamRunner lets tests stand in for a real exchange stream feed.
type streamRunner interface {
	Run(ctx context.Context) error
	Close() error
}

type streamHandle struct {
	runner streamRunner
	cancel context.CancelFunc
}

// Cache implements the bounded ticker/kline store with streaming overlay.
type Cache struct {
	req Requester
	cfg config.MarketConfig

	mu      sync.Mutex
	tickers map[string]*tickerEntry
	klines  map[string]*klineEntry
	streams map[string]*streamHandle
	runCtx  context.Context

	newStream func(symbol string, onTicker func(types.Ticker)) streamRunner

	events chan Event
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewCache builds the cache. wsHost is the stream host; empty disables the
// streaming overlay regardless of cfg.StreamEnabled.
func NewCache(req Requester, cfg config.MarketConfig, wsHost string, logger *slog.Logger) *Cache {
	log := logger.With("component", "market")
	c := &Cache{
		req:     req,
		cfg:     cfg,
		tickers: make(map[string]*tickerEntry),
		klines:  make(map[string]*klineEntry),
		streams: make(map[string]*streamHandle),
		events:  make(chan Event, 64),
		logger:  log,
	}
	if wsHost != "" && cfg.StreamEnabled {
		c.newStream = func(symbol string, onTicker func(types.Ticker)) streamRunner {
			return exchange.NewStreamFeed(wsHost, symbol, cfg.ReconnectDelay, onTicker, log)
		}
	}
	return c
}

// Events delivers cache notifications. Slow consumers lose events rather
// than blocking the update path.
func (c *Cache) Events() <-chan Event { return c.events }

// Run anchors stream lifetimes to ctx and blocks until cancellation, then
// tears every stream down.
func (c *Cache) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	c.logger.Info("market cache started", "streaming", c.newStream != nil)

	<-ctx.Done()

	c.mu.Lock()
	for symbol := range c.streams {
		c.dropStreamLocked(symbol)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return ctx.Err()
}

// GetTicker returns a fresh ticker, pulling through the request facade on a
// miss. The first fetch for a symbol opens its stream subscription.
func (c *Cache) GetTicker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error) {
	c.mu.Lock()
	if e, ok := c.tickers[symbol]; ok && time.Now().Before(e.expiresAt) {
		t := e.ticker
		c.mu.Unlock()
		return &t, nil
	}
	c.mu.Unlock()

	fetched, err := c.req.Ticker(ctx, symbol, priority)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.storeTickerLocked(*fetched)
	c.ensureStreamLocked(symbol)
	c.mu.Unlock()

	t := *fetched
	return &t, nil
}

// GetKlines returns at least limit candles if available, pulling on a miss
// or when the cached series is shorter than requested.
func (c *Cache) GetKlines(ctx context.Context, symbol, interval string, limit int, priority types.Priority) ([]types.Kline, error) {
	key := symbol + "|" + interval
	c.mu.Lock()
	if e, ok := c.klines[key]; ok && time.Now().Before(e.expiresAt) && len(e.klines) >= limit {
		out := make([]types.Kline, limit)
		copy(out, e.klines[len(e.klines)-limit:])
		e.lastUpdate = time.Now()
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	fetched, err := c.req.Klines(ctx, symbol, interval, limit, priority)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	if _, exists := c.klines[key]; !exists {
		c.evictKlinesIfFullLocked()
	}
	c.klines[key] = &klineEntry{
		klines:     fetched,
		expiresAt:  now.Add(c.cfg.KlineTTL),
		lastUpdate: now,
	}
	c.mu.Unlock()

	out := make([]types.Kline, len(fetched))
	copy(out, fetched)
	return out, nil
}

// Preload warms tickers for many symbols in parallel batches, tolerating
// per-symbol failures.
func (c *Cache) Preload(ctx context.Context, symbols []string) {
	batch := c.cfg.PreloadBatch
	if batch <= 0 {
		batch = 20
	}

	var failed int
	var failedMu sync.Mutex
	for start := 0; start < len(symbols); start += batch {
		end := start + batch
		if end > len(symbols) {
			end = len(symbols)
		}

		var wg sync.WaitGroup
		for _, symbol := range symbols[start:end] {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				if _, err := c.GetTicker(ctx, symbol, types.PriorityLow); err != nil {
					failedMu.Lock()
					failed++
					failedMu.Unlock()
					c.logger.Debug("preload miss", "symbol", symbol, "error", err)
				}
			}(symbol)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return
		}
	}
	c.logger.Info("preload finished", "symbols", len(symbols), "failed", failed)
}

// EmergencyStop tears down every stream and clears both stores. The circuit
// breaker calls this so a recovering system starts from live data.
func (c *Cache) EmergencyStop() {
	c.mu.Lock()
	streams := len(c.streams)
	for symbol := range c.streams {
		c.dropStreamLocked(symbol)
	}
	c.tickers = make(map[string]*tickerEntry)
	c.klines = make(map[string]*klineEntry)
	c.mu.Unlock()

	c.logger.Warn("emergency stop: caches cleared", "streams_closed", streams)
}

// Stats reports store and stream sizes for the status API.
func (c *Cache) Stats() (tickers, klines, streams int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers), len(c.klines), len(c.streams)
}

// applyStreamTicker is the push path: refresh in place, bump lastUpdate,
// and emit events. Zero fields in the frame keep their cached values.
func (c *Cache) applyStreamTicker(t types.Ticker) {
	now := time.Now()

	c.mu.Lock()
	prev, ok := c.tickers[t.Symbol]
	var prevPrice float64
	if ok {
		prevPrice = prev.ticker.LastPrice
		merged := prev.ticker
		mergeTicker(&merged, t)
		merged.LastUpdate = now
		prev.ticker = merged
		prev.lastUpdate = now
		prev.expiresAt = now.Add(c.cfg.TickerTTL)
	} else {
		t.LastUpdate = now
		c.storeTickerLocked(t)
	}
	entry := c.tickers[t.Symbol]
	price := entry.ticker.LastPrice
	c.mu.Unlock()

	c.emit(Event{Type: EventTickerUpdate, Symbol: t.Symbol, Price: price, At: now})

	if prevPrice > 0 && price > 0 {
		changePct := math.Abs(price-prevPrice) / prevPrice * 100
		if changePct >= c.cfg.SignificantChangePct {
			c.emit(Event{Type: EventSignificantChange, Symbol: t.Symbol, Price: price, ChangePct: changePct, At: now})
		}
	}
}

// mergeTicker overlays non-zero frame fields onto the cached ticker.
func mergeTicker(dst *types.Ticker, src types.Ticker) {
	if src.LastPrice != 0 {
		dst.LastPrice = src.LastPrice
	}
	if src.PriceChange != 0 {
		dst.PriceChange = src.PriceChange
	}
	if src.PriceChangePercent != 0 {
		dst.PriceChangePercent = src.PriceChangePercent
	}
	if src.Volume != 0 {
		dst.Volume = src.Volume
	}
	if src.QuoteVolume != 0 {
		dst.QuoteVolume = src.QuoteVolume
	}
	if src.BidPrice != 0 {
		dst.BidPrice = src.BidPrice
	}
	if src.AskPrice != 0 {
		dst.AskPrice = src.AskPrice
	}
	if src.HighPrice24h != 0 {
		dst.HighPrice24h = src.HighPrice24h
	}
	if src.LowPrice24h != 0 {
		dst.LowPrice24h = src.LowPrice24h
	}
}

func (c *Cache) storeTickerLocked(t types.Ticker) {
	now := time.Now()
	if _, exists := c.tickers[t.Symbol]; !exists && len(c.tickers) >= c.cfg.MaxCacheSize {
		c.evictOldestTickerLocked()
	}
	if t.LastUpdate.IsZero() {
		t.LastUpdate = now
	}
	c.tickers[t.Symbol] = &tickerEntry{
		ticker:     t,
		expiresAt:  now.Add(c.cfg.TickerTTL),
		lastUpdate: now,
	}
}

// evictOldestTickerLocked drops the LRU ticker and its stream.
func (c *Cache) evictOldestTickerLocked() {
	var oldest string
	var oldestAt time.Time
	for symbol, e := range c.tickers {
		if oldest == "" || e.lastUpdate.Before(oldestAt) {
			oldest = symbol
			oldestAt = e.lastUpdate
		}
	}
	if oldest == "" {
		return
	}
	delete(c.tickers, oldest)
	c.dropStreamLocked(oldest)
	c.logger.Debug("evicted ticker", "symbol", oldest)
}

func (c *Cache) evictKlinesIfFullLocked() {
	if len(c.klines) < c.cfg.MaxCacheSize {
		return
	}
	var oldest string
	var oldestAt time.Time
	for key, e := range c.klines {
		if oldest == "" || e.lastUpdate.Before(oldestAt) {
			oldest = key
			oldestAt = e.lastUpdate
		}
	}
	if oldest != "" {
		delete(c.klines, oldest)
	}
}

// ensureStreamLocked opens the symbol's stream once Run has anchored a ctx.
func (c *Cache) ensureStreamLocked(symbol string) {
	if c.newStream == nil || c.runCtx == nil {
		return
	}
	if _, ok := c.streams[symbol]; ok {
		return
	}

	runner := c.newStream(symbol, c.applyStreamTicker)
	sctx, cancel := context.WithCancel(c.runCtx)
	c.streams[symbol] = &streamHandle{runner: runner, cancel: cancel}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := runner.Run(sctx); err != nil && sctx.Err() == nil {
			c.logger.Warn("stream exited", "symbol", symbol, "error", err)
		}
	}()
}

func (c *Cache) dropStreamLocked(symbol string) {
	h, ok := c.streams[symbol]
	if !ok {
		return
	}
	h.cancel()
	h.runner.Close()
	delete(c.streams, symbol)
}

func (c *Cache) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
