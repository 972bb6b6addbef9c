// Package engine is the orchestrator of the trading bot.
//
// It owns the component graph and every cross-component channel:
//
//  1. The scan loop feeds eligible symbols from the universe into the
//     signal worker pool, skipping open positions and blacklisted symbols.
//  2. Generated signals are risk-validated and routed: strong ones go
//     straight to the executor, the rest through the priority queue, which
//     a drainer empties whenever the executor has capacity.
//  3. Position lifecycle events settle the books: realized PnL feeds the
//     risk tracker, executor claims are released, queue entries resolved.
//  4. A circuit breaker or a risk halt pauses scanning; every notable
//     event is fanned out to subscribers (the status server's websocket
//     hub among them).
//
// Lifecycle: Build()/New() → Start() → [runs until signal] → Stop().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/executor"
	"futures-bot/internal/ledger"
	"futures-bot/internal/market"
	"futures-bot/internal/metrics"
	"futures-bot/internal/position"
	"futures-bot/internal/request"
	"futures-bot/internal/risk"
	"futures-bot/internal/signal"
	"futures-bot/internal/store"
	"futures-bot/pkg/types"
)

const (
	// reconcileEvery: position book reconciliation cadence in scan cycles.
	reconcileEvery = 3
	// drainInterval: how often the queue drainer wakes without a trigger.
	drainInterval = time.Second
	// immediateMargin: strength above the floor that qualifies a signal for
	// the direct-to-executor path.
	immediateMargin = 10.0
	// blacklistBase doubles per failure; blacklistCap bounds the backoff.
	blacklistBase = 30 * time.Second
	blacklistCap  = 4 * time.Hour
	// subscriberBuffer: events buffered per bus subscriber before the
	// oldest is dropped.
	subscriberBuffer = 100

	startupTimeout = 30 * time.Second
)

// The engine drives its collaborators through the narrowest interfaces
// that cover its needs; the queue and risk manager are plain in-memory
// types and stay concrete.

type requester interface {
	Run(ctx context.Context) error
	Balance(ctx context.Context, priority types.Priority) (*types.Balance, error)
	Stats() request.Stats
}

type marketCache interface {
	Run(ctx context.Context) error
	GetTicker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
	Preload(ctx context.Context, symbols []string)
	EmergencyStop()
	Stats() (tickers, klines, streams int)
	Events() <-chan market.Event
}

type signalSource interface {
	Run(ctx context.Context) error
	Submit(task signal.SymbolTask) bool
	Signals() <-chan types.Signal
	Events() <-chan signal.PoolEvent
	BreakerOpen() bool
	ResetBreaker()
	Stats() signal.PoolStats
}

type symbolUniverse interface {
	Ready() <-chan struct{}
	Active() []string
	Size() (released, total int)
	Snapshot() ([]signal.RankedSymbol, int)
	ForceNextWave()
	Events() <-chan signal.UniverseEvent
}

type tradeExecutor interface {
	Run(ctx context.Context) error
	AddSignal(qs types.QueuedSignal, positionSize float64) (string, error)
	ExecuteImmediately(qs types.QueuedSignal, positionSize float64) (string, error)
	HasCapacity() bool
	AdoptSymbol(symbol string)
	ReleaseSymbol(symbol string)
	ActiveSymbols() []string
	Stats() executor.Stats
	Events() <-chan executor.Event
}

type positionBook interface {
	Run(ctx context.Context) error
	LoadExisting(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) error
	Close(ctx context.Context, symbol string, reason types.CloseReason) error
	Count() int
	Symbols() []string
	Snapshot() []types.ManagedPosition
	Events() <-chan position.Event
}

// runner is any long-lived component loop the engine supervises.
type runner interface {
	Run(ctx context.Context) error
}

// Deps bundles the engine's collaborators. Build wires the production
// graph; tests inject fakes.
type Deps struct {
	Request   requester
	Cache     marketCache
	Pool      signalSource
	Universe  symbolUniverse
	Queue     *signal.Queue
	Risk      *risk.Manager
	Executor  tradeExecutor
	Positions positionBook
	Ledger    ledger.Ledger
	Store     *store.Store // nil disables blacklist persistence
	Account   runner       // user-data stream; nil in dry runs and tests
}

// Engine orchestrates the signal-to-execution pipeline.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	mu          sync.RWMutex
	running     bool
	paused      bool
	pauseReason string
	blacklist   map[string]store.BlacklistEntry
	cycles      int64
	lastScan    time.Time
	startedAt   time.Time

	subsMu sync.Mutex
	subs   map[chan types.Event]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build constructs the full production component graph from config. The
// ledger is passed in because its lifetime (and Close) belongs to main.
func Build(cfg *config.Config, led ledger.Ledger, logger *slog.Logger) (*Engine, error) {
	gov := exchange.NewGovernor(exchange.DefaultLimits())
	client := exchange.NewClient(exchange.ClientOptions{
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  cfg.Exchange.APIKey,
		Secret:  cfg.Exchange.Secret,
		Demo:    cfg.Exchange.Demo,
		DryRun:  cfg.DryRun,
		Timeout: cfg.Exchange.Timeout,
	}, gov, logger)

	req := request.NewManager(client, gov, logger)
	cache := market.NewCache(req, cfg.Market, cfg.Exchange.WSHost, logger)
	uni := signal.NewUniverse(req, cfg.Signal, client.Asset(), logger)
	pool := signal.NewPool(cache, uni, cfg.Signal, logger)
	queue := signal.NewQueue(cfg.Signal, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	riskMgr := risk.NewManager(cfg.Risk, st, logger)
	posMgr := position.NewManager(cache, client, req, led, riskMgr, cfg.Position, cfg.Risk, logger)
	exec := executor.NewPool(req, client, led, posMgr, cfg.Executor, cfg.Risk, logger)

	// The user-data stream needs live credentials; dry runs and unsigned
	// setups fall back to REST reconciliation alone.
	var account runner
	if !cfg.DryRun && cfg.Exchange.APIKey != "" {
		account = exchange.NewAccountFeed(client, cfg.Exchange.WSHost, cfg.Market.ReconnectDelay,
			func(ctx context.Context, u types.AccountUpdate) {
				posMgr.ApplyAccountUpdate(ctx, u)
			},
			func(ctx context.Context, u types.OrderUpdate) {
				posMgr.ApplyOrderUpdate(ctx, u)
				req.Invalidate("positions", "balance")
			},
			logger)
	}

	return New(cfg, Deps{
		Request:   req,
		Cache:     cache,
		Pool:      pool,
		Universe:  uni,
		Queue:     queue,
		Risk:      riskMgr,
		Executor:  exec,
		Positions: posMgr,
		Ledger:    led,
		Store:     st,
		Account:   account,
	}, logger), nil
}

// New assembles an engine around pre-built collaborators.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "engine"),
		blacklist: make(map[string]store.BlacklistEntry),
		subs:      make(map[chan types.Event]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.loadBlacklist()
	return e
}

// Start launches every component and the orchestration loops. It returns
// once the goroutines are running; the scan loop itself waits for the
// first symbol wave before scanning.
func (e *Engine) Start() error {
	e.mu.Lock()
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.seedDailyPnl()

	runners := []func(context.Context) error{
		e.deps.Request.Run,
		e.deps.Cache.Run,
		e.deps.Pool.Run,
		e.deps.Queue.Run,
		e.deps.Risk.Run,
		e.deps.Executor.Run,
		e.deps.Positions.Run,
	}
	if e.deps.Account != nil {
		runners = append(runners, e.deps.Account.Run)
	}
	for _, run := range runners {
		run := run
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("component stopped unexpectedly", "error", err)
			}
		}()
	}

	e.adoptPositions()

	for _, loop := range []func(){e.consumeSignals, e.consumeEvents, e.drainLoop, e.scanLoop} {
		loop := loop
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop()
		}()
	}

	e.logger.Info("engine started",
		"scan_interval", e.cfg.Engine.ScanInterval,
		"min_strength", e.cfg.Engine.MinSignalStrength,
		"immediate_execution", e.cfg.Engine.ImmediateExecution,
		"dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels every loop, waits for them to drain and persists the
// blacklist. Safe to call once.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.cancel()
	e.wg.Wait()
	e.saveBlacklist()
	if e.deps.Store != nil {
		_ = e.deps.Store.Close()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.subsMu.Lock()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
	e.subsMu.Unlock()
	e.logger.Info("engine stopped")
}

// Subscribe registers an event bus consumer. The returned cancel detaches
// it; after cancel the channel is closed. A consumer that falls behind
// loses its oldest buffered events, never the engine's time.
func (e *Engine) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subsMu.Unlock()
	}
	return ch, cancel
}

// Pause suspends scanning and queue draining. Open positions keep being
// monitored and can still close.
func (e *Engine) Pause(reason string) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.pauseReason = reason
	e.mu.Unlock()

	if !already {
		e.logger.Warn("trading paused", "reason", reason)
		e.publish(types.EventActivity, "", types.Activity{Code: "paused", Message: reason})
	}
}

// Resume lifts a pause and resets the signal pool's circuit breaker.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.paused
	e.paused = false
	e.pauseReason = ""
	e.mu.Unlock()

	e.deps.Pool.ResetBreaker()
	if was {
		e.logger.Info("trading resumed")
		e.publish(types.EventActivity, "", types.Activity{Code: "resumed", Message: "trading resumed"})
	}
}

// Paused reports whether scanning is currently suspended.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// ForceWave releases the next universe wave ahead of schedule.
func (e *Engine) ForceWave() { e.deps.Universe.ForceNextWave() }

// ClosePosition flattens one position on operator request.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	return e.deps.Positions.Close(ctx, symbol, types.CloseManual)
}

// ————————————————————————————————————————————————————————————————————————
// Scan loop
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) scanLoop() {
	select {
	case <-e.ctx.Done():
		return
	case <-e.deps.Universe.Ready():
	}
	released, total := e.deps.Universe.Size()
	e.logger.Info("universe ready, scanning begins", "released", released, "total", total)

	// Warm the ticker cache for the first wave so the opening scan's
	// workers hit memory instead of racing each other to the REST queue.
	e.deps.Cache.Preload(e.ctx, e.deps.Universe.Active())

	e.scanOnce()
	ticker := time.NewTicker(e.cfg.Engine.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce()
		}
	}
}

// scanOnce runs one scan cycle. Reconciliation and the equity refresh run
// on their cadence even at position capacity; only symbol dispatch is
// skipped then, so a stuck position can never also wedge reconciliation.
func (e *Engine) scanOnce() {
	if e.Paused() {
		return
	}

	e.mu.Lock()
	e.cycles++
	cycle := e.cycles
	e.lastScan = time.Now()
	e.mu.Unlock()

	if cycle%reconcileEvery == 0 {
		if err := e.deps.Positions.Reconcile(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("position reconciliation failed", "error", err)
		}
	}

	e.refreshEquity()

	if !e.deps.Executor.HasCapacity() {
		e.logger.Debug("scan skipped at position capacity", "open", e.deps.Positions.Count())
		return
	}

	eligible := e.eligibleSymbols()
	submitted := 0
	for _, sym := range eligible {
		if e.deps.Pool.Submit(signal.SymbolTask{Symbol: sym, Priority: types.PriorityCritical}) {
			submitted++
		}
	}
	if submitted < len(eligible) {
		e.logger.Warn("signal pool refused tasks",
			"eligible", len(eligible), "submitted", submitted, "breaker_open", e.deps.Pool.BreakerOpen())
	}
	e.logger.Debug("scan cycle complete", "cycle", cycle, "eligible", len(eligible), "submitted", submitted)
}

// eligibleSymbols returns up to MaxEligibleSymbols released symbols that
// carry no position, no pending executor claim, and no live blacklist
// entry, strongest volume first.
func (e *Engine) eligibleSymbols() []string {
	taken := make(map[string]struct{})
	for _, s := range e.deps.Positions.Symbols() {
		taken[s] = struct{}{}
	}
	for _, s := range e.deps.Executor.ActiveSymbols() {
		taken[s] = struct{}{}
	}

	limit := e.cfg.Engine.MaxEligibleSymbols
	now := time.Now()
	out := make([]string, 0, limit)

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sym := range e.deps.Universe.Active() {
		if len(out) >= limit {
			break
		}
		if _, held := taken[sym]; held {
			continue
		}
		if entry, ok := e.blacklist[sym]; ok && now.Before(entry.BackoffUntil) {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// refreshEquity pulls the account balance through the cached facade and
// feeds the risk tracker. Failures are logged and skipped; the next cycle
// retries.
func (e *Engine) refreshEquity() {
	bal, err := e.deps.Request.Balance(e.ctx, types.PriorityLow)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Warn("equity refresh failed", "error", err)
		}
		return
	}
	e.deps.Risk.UpdateEquity(bal.Equity)

	snap := e.deps.Risk.GetSnapshot()
	metrics.UpdateAccount(snap.Equity, snap.DailyRealizedPnl, snap.DrawdownPct, snap.Halted)
}

// ————————————————————————————————————————————————————————————————————————
// Signal routing
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) consumeSignals() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case sig := <-e.deps.Pool.Signals():
			e.handleSignal(sig)
		}
	}
}

// handleSignal routes one evaluated signal: drop HOLDs and weak signals,
// validate against the risk limits, then dispatch — directly when the
// signal clears the immediate-execution margin, through the queue
// otherwise.
func (e *Engine) handleSignal(sig types.Signal) {
	metrics.RecordSignal(string(sig.Action), sig.Strength)
	e.publish(types.EventSignalGenerated, sig.Symbol, sig)
	e.clearBlacklist(sig.Symbol)

	if sig.Action == types.ActionHold {
		return
	}
	if sig.Strength <= e.cfg.Engine.MinSignalStrength {
		metrics.RecordSignalDropped("weak")
		e.logger.Debug("signal at or below strength floor",
			"symbol", sig.Symbol, "strength", sig.Strength, "floor", e.cfg.Engine.MinSignalStrength)
		return
	}

	price := sig.Indicators["last_close"]
	if price <= 0 {
		if tk, err := e.deps.Cache.GetTicker(e.ctx, sig.Symbol, types.PriorityHigh); err == nil {
			price = tk.LastPrice
		}
	}
	quantity := 0.0
	if price > 0 {
		quantity = e.cfg.Executor.DefaultPositionSize / price
	}

	side := types.BUY
	if sig.Action == types.ActionSell {
		side = types.SELL
	}
	res := e.deps.Risk.Validate(sig.Symbol, side, quantity, price)
	for _, w := range res.Warnings {
		e.logger.Warn("risk warning", "symbol", sig.Symbol, "warning", w)
	}
	if !res.Valid {
		metrics.RecordRejection("RISK")
		metrics.RecordSignalDropped("risk")
		e.logger.Info("signal rejected by risk checks",
			"symbol", sig.Symbol, "strength", sig.Strength, "errors", strings.Join(res.Errors, "; "))
		e.publish(types.EventTradeRejected, sig.Symbol, map[string]any{
			"code":   "RISK",
			"errors": res.Errors,
			"signal": sig,
		})
		return
	}

	if e.cfg.Engine.ImmediateExecution && sig.Strength >= e.cfg.Engine.MinSignalStrength+immediateMargin {
		_, err := e.deps.Executor.ExecuteImmediately(e.wrapImmediate(sig), 0)
		if err == nil {
			e.logger.Info("strong signal dispatched directly",
				"symbol", sig.Symbol, "action", sig.Action, "strength", sig.Strength)
			return
		}
		e.logger.Debug("direct dispatch refused, queueing", "symbol", sig.Symbol, "error", err)
	}

	e.queueSignal(sig)
}

// wrapImmediate dresses a signal as a dispatched queue entry so the
// executor sees the same shape on both paths.
func (e *Engine) wrapImmediate(sig types.Signal) types.QueuedSignal {
	now := time.Now()
	return types.QueuedSignal{
		Signal:      sig,
		Priority:    100,
		QueuedAt:    now,
		ExpiresAt:   now.Add(e.cfg.Signal.QueueTTL),
		Attempts:    1,
		MaxAttempts: e.cfg.Signal.QueueMaxAttempts,
		Processed:   true,
	}
}

func (e *Engine) queueSignal(sig types.Signal) {
	_, err := e.deps.Queue.Enqueue(sig)
	switch {
	case errors.Is(err, signal.ErrDuplicateSignal):
		metrics.RecordSignalDropped("duplicate")
		e.publish(types.EventSignalDeduplicated, sig.Symbol, sig)
		return
	case errors.Is(err, signal.ErrQueueFull):
		metrics.RecordSignalDropped("queue_full")
		e.logger.Warn("signal queue refused entry", "symbol", sig.Symbol, "strength", sig.Strength)
		e.publish(types.EventSignalFailed, sig.Symbol, sig)
		return
	case err != nil:
		e.logger.Warn("enqueue failed", "symbol", sig.Symbol, "error", err)
		return
	}

	metrics.QueueDepth.Set(float64(e.deps.Queue.Size()))
	e.publish(types.EventSignalQueued, sig.Symbol, sig)
	e.drainOnce()
}

// ————————————————————————————————————————————————————————————————————————
// Queue drainer
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) drainLoop() {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.drainOnce()
		}
	}
}

// drainOnce moves queued signals into the executor while capacity lasts.
// A refused dispatch resolves the entry right here: rate and capacity
// refusals requeue (they clear within seconds), everything else discards.
// Rejections the executor discovers later, mid-pipeline, come back as
// events and are resolved by the event loop instead.
func (e *Engine) drainOnce() {
	if e.Paused() {
		return
	}

	for e.deps.Executor.HasCapacity() {
		qs := e.deps.Queue.Dequeue()
		if qs == nil {
			break
		}
		_, err := e.deps.Executor.AddSignal(*qs, 0)
		if err == nil {
			continue
		}
		e.logger.Debug("dispatch refused", "symbol", qs.Signal.Symbol, "error", err)

		// A rate or capacity refusal throttles the whole pool: requeue the
		// entry and stop this pass. Anything else concerns only this
		// signal: discard it and keep draining.
		var rej *executor.RejectionError
		if errors.As(err, &rej) &&
			(rej.Code == executor.CodeRateLimited || rej.Code == executor.CodeCapacity) {
			e.deps.Queue.MarkFailed(qs.Signal.ID, err)
			break
		}
		e.deps.Queue.MarkCompleted(qs.Signal.ID)
		metrics.RecordSignalDropped("dispatch_refused")
	}

	metrics.QueueDepth.Set(float64(e.deps.Queue.Size()))
}

// ————————————————————————————————————————————————————————————————————————
// Event fan-in
// ————————————————————————————————————————————————————————————————————————

// consumeEvents is the single loop draining every component's event
// channel into bookkeeping, metrics and the subscriber bus.
func (e *Engine) consumeEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.deps.Pool.Events():
			e.onPoolEvent(ev)
		case ev := <-e.deps.Queue.Events():
			e.onQueueEvent(ev)
		case ev := <-e.deps.Executor.Events():
			e.onExecutorEvent(ev)
		case ev := <-e.deps.Positions.Events():
			e.onPositionEvent(ev)
		case ev := <-e.deps.Risk.Events():
			e.onRiskEvent(ev)
		case ev := <-e.deps.Cache.Events():
			e.onCacheEvent(ev)
		case ev := <-e.deps.Universe.Events():
			e.onUniverseEvent(ev)
		}
	}
}

func (e *Engine) onPoolEvent(ev signal.PoolEvent) {
	switch ev.Type {
	case signal.PoolEventTaskFailed:
		e.blacklistSymbol(ev.Symbol, ev.Err)
	case signal.PoolEventCircuitOpened:
		metrics.SetCircuitBreaker(true)
		e.deps.Cache.EmergencyStop()
		e.Pause("signal circuit breaker open")
		e.publish(types.EventCircuitOpened, "", nil)
	case signal.PoolEventCircuitReset:
		metrics.SetCircuitBreaker(false)
		e.mu.Lock()
		resume := e.paused && e.pauseReason == "signal circuit breaker open"
		e.mu.Unlock()
		if resume {
			e.Resume()
		}
		e.publish(types.EventCircuitReset, "", nil)
	}
}

func (e *Engine) onQueueEvent(ev signal.QueueEvent) {
	switch ev.Type {
	case signal.QueueEventExpired:
		metrics.RecordSignalDropped("expired")
		e.publish(types.EventSignalExpired, ev.Signal.Symbol, ev.Signal)
	case signal.QueueEventEvicted:
		metrics.RecordSignalDropped("evicted")
		e.publish(types.EventSignalEvicted, ev.Signal.Symbol, ev.Signal)
	case signal.QueueEventDropped:
		metrics.RecordSignalDropped("attempts_exhausted")
		e.publish(types.EventSignalFailed, ev.Signal.Symbol, ev.Signal)
	}
}

func (e *Engine) onExecutorEvent(ev executor.Event) {
	switch ev.Type {
	case executor.EventTradeExecuted:
		e.deps.Queue.MarkCompleted(ev.SignalID)
		metrics.RecordTrade(ev.Symbol, "executed")
		metrics.ExecutionLatency.Observe(float64(ev.Elapsed.Milliseconds()))
		metrics.ActivePositions.Set(float64(e.deps.Positions.Count()))
		e.publish(types.EventTradeExecuted, ev.Symbol, ev)
		if ev.Position != nil {
			e.publish(types.EventPositionRegistered, ev.Symbol, *ev.Position)
		}
	case executor.EventTradeRejected:
		metrics.RecordTrade(ev.Symbol, "rejected")
		metrics.RecordRejection(ev.Code)
		// Mid-pipeline rejections carry a task id and are terminal; the
		// admission-time ones were already resolved by the drainer.
		if ev.TaskID != "" {
			e.deps.Queue.MarkCompleted(ev.SignalID)
		}
		e.publish(types.EventTradeRejected, ev.Symbol, ev)
	case executor.EventTaskFailed:
		metrics.RecordTrade(ev.Symbol, "failed")
		if requeued := e.deps.Queue.MarkFailed(ev.SignalID, errors.New(ev.Message)); requeued {
			e.logger.Info("execution failed, signal requeued", "symbol", ev.Symbol)
		}
		e.publish(types.EventTaskFailed, ev.Symbol, ev)
	}
}

func (e *Engine) onPositionEvent(ev position.Event) {
	switch ev.Type {
	case position.EventPositionClosed:
		e.deps.Risk.RecordRealized(ev.RealizedPnl)
		e.deps.Executor.ReleaseSymbol(ev.Position.Symbol)
		metrics.RecordPositionClosed(string(ev.Reason), ev.RealizedPnl)
		metrics.ActivePositions.Set(float64(e.deps.Positions.Count()))
		e.publish(types.EventPositionClosed, ev.Position.Symbol, ev)
	case position.EventCloseError:
		e.publish(types.EventPositionCloseError, ev.Position.Symbol, ev)
	}
}

func (e *Engine) onRiskEvent(ev risk.Event) {
	e.Pause(ev.Reason)
	switch ev.Type {
	case risk.EventEmergencyStop:
		e.publish(types.EventEmergencyStop, "", ev)
	case risk.EventDailyLimitExceeded:
		e.publish(types.EventDailyLimitExceeded, "", ev)
	}
}

func (e *Engine) onCacheEvent(ev market.Event) {
	switch ev.Type {
	case market.EventTickerUpdate:
		e.publish(types.EventTickerUpdate, ev.Symbol, ev)
	case market.EventSignificantChange:
		e.logger.Info("significant price move",
			"symbol", ev.Symbol, "price", ev.Price, "change_pct", fmt.Sprintf("%.2f", ev.ChangePct))
		e.publish(types.EventSignificantChange, ev.Symbol, ev)
	}
}

func (e *Engine) onUniverseEvent(ev signal.UniverseEvent) {
	metrics.UpdateUniverse(ev.Released, ev.Total)
	switch ev.Type {
	case signal.UniverseEventLoaded:
		e.publish(types.EventSymbolsLoaded, "", ev)
	case signal.UniverseEventWave:
		e.publish(types.EventWaveReleased, "", ev)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Blacklist
// ————————————————————————————————————————————————————————————————————————

// blacklistSymbol upserts a backoff entry after a signal task failure.
// The backoff doubles per consecutive failure, capped at blacklistCap.
func (e *Engine) blacklistSymbol(symbol string, cause error) {
	if symbol == "" {
		return
	}
	now := time.Now()

	e.mu.Lock()
	entry := e.blacklist[symbol]
	entry.Symbol = symbol
	entry.Failures++
	entry.LastFailedAt = now
	entry.BackoffUntil = now.Add(backoffFor(entry.Failures))
	e.blacklist[symbol] = entry
	size := len(e.blacklist)
	e.mu.Unlock()

	metrics.BlacklistedSymbols.Set(float64(size))
	e.logger.Warn("symbol blacklisted",
		"symbol", symbol, "failures", entry.Failures,
		"until", entry.BackoffUntil.Format(time.RFC3339), "cause", cause)
	e.publish(types.EventSymbolBlacklisted, symbol, entry)
	e.saveBlacklist()
}

// clearBlacklist forgives a symbol once it produces a signal again.
func (e *Engine) clearBlacklist(symbol string) {
	e.mu.Lock()
	_, had := e.blacklist[symbol]
	if had {
		delete(e.blacklist, symbol)
	}
	size := len(e.blacklist)
	e.mu.Unlock()

	if had {
		metrics.BlacklistedSymbols.Set(float64(size))
		e.logger.Info("symbol removed from blacklist", "symbol", symbol)
		e.saveBlacklist()
	}
}

// IsBlacklisted reports whether the symbol is currently excluded from
// scanning.
func (e *Engine) IsBlacklisted(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.blacklist[symbol]
	return ok && time.Now().Before(entry.BackoffUntil)
}

// backoffFor computes the exponential exclusion window for the n-th
// consecutive failure.
func backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	// 1<<failures overflows long before the cap stops mattering.
	if failures > 20 {
		return blacklistCap
	}
	d := blacklistBase * time.Duration(1<<uint(failures))
	if d > blacklistCap {
		return blacklistCap
	}
	return d
}

func (e *Engine) loadBlacklist() {
	if e.deps.Store == nil {
		return
	}
	entries, err := e.deps.Store.LoadBlacklist()
	if err != nil {
		e.logger.Warn("blacklist load failed, starting clean", "error", err)
		return
	}
	e.mu.Lock()
	for _, entry := range entries {
		e.blacklist[entry.Symbol] = entry
	}
	size := len(e.blacklist)
	e.mu.Unlock()

	if size > 0 {
		metrics.BlacklistedSymbols.Set(float64(size))
		e.logger.Info("blacklist restored", "symbols", size)
	}
}

func (e *Engine) saveBlacklist() {
	if e.deps.Store == nil {
		return
	}
	e.mu.RLock()
	entries := make([]store.BlacklistEntry, 0, len(e.blacklist))
	for _, entry := range e.blacklist {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })

	if err := e.deps.Store.SaveBlacklist(entries); err != nil {
		e.logger.Warn("blacklist save failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Startup bookkeeping
// ————————————————————————————————————————————————————————————————————————

// seedDailyPnl restores today's realized PnL from the trade ledger, which
// outlives both the process and the state store.
func (e *Engine) seedDailyPnl() {
	ctx, cancel := context.WithTimeout(e.ctx, startupTimeout)
	defer cancel()

	pnl, err := e.deps.Ledger.DailyRealizedPnl(ctx, time.Now())
	if err != nil {
		e.logger.Warn("daily pnl restore failed", "error", err)
		return
	}
	if pnl.IsZero() {
		return
	}
	value := pnl.InexactFloat64()
	e.deps.Risk.SeedDaily(value)
	e.logger.Info("daily realized pnl restored from ledger", "pnl", value)
}

// adoptPositions picks up positions already open on the exchange so a
// restart keeps managing them.
func (e *Engine) adoptPositions() {
	ctx, cancel := context.WithTimeout(e.ctx, startupTimeout)
	defer cancel()

	n, err := e.deps.Positions.LoadExisting(ctx)
	if err != nil {
		e.logger.Warn("existing position adoption failed", "error", err)
		return
	}
	// Adopted symbols claim executor slots so the concurrent-trade cap
	// holds across a restart. The claims release when the positions close.
	for _, sym := range e.deps.Positions.Symbols() {
		e.deps.Executor.AdoptSymbol(sym)
	}
	metrics.ActivePositions.Set(float64(e.deps.Positions.Count()))
	if n > 0 {
		e.publish(types.EventActivity, "", types.Activity{
			Code:    "positions_adopted",
			Message: fmt.Sprintf("adopted %d open positions from the exchange", n),
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event bus
// ————————————————————————————————————————————————————————————————————————

// publish fans an event out to every subscriber. Full buffers drop their
// oldest entry to admit the new one.
func (e *Engine) publish(t types.EventType, symbol string, data any) {
	ev := types.Event{Type: t, Timestamp: time.Now(), Symbol: symbol, Data: data}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
