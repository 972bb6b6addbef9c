package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

// Circuit breaker tuning: breakerThreshold consecutive task failures open
// the breaker for breakerOpenFor.
const (
	breakerThreshold = 10
	breakerOpenFor   = 5 * time.Minute
)

// marketData is the slice of the market cache the workers need.
type marketData interface {
	GetTicker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, priority types.Priority) ([]types.Kline, error)
}

// SymbolTask asks the pool to evaluate one symbol.
type SymbolTask struct {
	Symbol   string
	Priority types.Priority
}

// PoolEventType labels pool lifecycle events.
type PoolEventType string

const (
	PoolEventTaskFailed    PoolEventType = "task_failed"
	PoolEventCircuitOpened PoolEventType = "circuit_opened"
	PoolEventCircuitReset  PoolEventType = "circuit_reset"
)

// PoolEvent reports a task failure or a breaker transition.
type PoolEvent struct {
	Type   PoolEventType
	Symbol string
	Err    error
	At     time.Time
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Pending   int   `json:"pending"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Holds     int64 `json:"holds"`
	Dropped   int64 `json:"dropped"`
}

// Pool evaluates symbols into signals on a fixed set of workers.
//
// Each task runs the same pipeline: a 24h ticker fetch gates on quote volume
// (thin symbols produce a HOLD without touching candles), then the candle
// series is fetched and scored by EvaluateIndicators. Signals land on the
// Signals channel for the orchestrator.
//
// A shared circuit breaker counts consecutive task failures across workers.
// Once it trips, submissions are refused and already-buffered tasks are
// drained without dispatch until the cool-off elapses or ResetBreaker is
// called. The pool also owns the symbol Universe and starts its progressive
// load alongside the workers.
type Pool struct {
	market marketData
	uni    *Universe
	cfg    config.SignalConfig
	logger *slog.Logger

	tasks   chan SymbolTask
	signals chan types.Signal
	events  chan PoolEvent

	mu         sync.Mutex
	failStreak int
	openUntil  time.Time
	stats      PoolStats
}

// NewPool wires the worker pool to its market data source and universe.
func NewPool(market marketData, uni *Universe, cfg config.SignalConfig, logger *slog.Logger) *Pool {
	return &Pool{
		market:  market,
		uni:     uni,
		cfg:     cfg,
		logger:  logger.With("component", "signal_pool"),
		tasks:   make(chan SymbolTask, cfg.QueueSize),
		signals: make(chan types.Signal, 64),
		events:  make(chan PoolEvent, 16),
	}
}

// Universe returns the symbol universe the pool owns.
func (p *Pool) Universe() *Universe { return p.uni }

// Signals delivers evaluated signals. Signals are dropped with a warning when
// the consumer falls behind.
func (p *Pool) Signals() <-chan types.Signal { return p.signals }

// Events delivers task failures and breaker transitions.
func (p *Pool) Events() <-chan PoolEvent { return p.events }

// Run starts the universe load and the workers, blocking until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if p.uni != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.uni.Run(ctx)
		}()
	}

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	p.logger.Info("signal pool started", "workers", p.cfg.Workers, "queue", cap(p.tasks))
	wg.Wait()
	return ctx.Err()
}

// Submit offers a task to the pool without blocking. Reports false when the
// task buffer is full or the breaker is open.
func (p *Pool) Submit(task SymbolTask) bool {
	if p.breakerOpen(time.Now()) {
		p.count(func(s *PoolStats) { s.Rejected++ })
		return false
	}
	select {
	case p.tasks <- task:
		p.count(func(s *PoolStats) { s.Submitted++ })
		return true
	default:
		p.count(func(s *PoolStats) { s.Rejected++ })
		return false
	}
}

// BreakerOpen reports whether the breaker currently refuses dispatch.
func (p *Pool) BreakerOpen() bool { return p.breakerOpen(time.Now()) }

// ResetBreaker clears the failure streak and resumes dispatch immediately.
func (p *Pool) ResetBreaker() {
	p.mu.Lock()
	wasOpen := !p.openUntil.IsZero()
	p.openUntil = time.Time{}
	p.failStreak = 0
	p.mu.Unlock()

	if wasOpen {
		p.logger.Info("circuit breaker reset manually")
		p.emit(PoolEvent{Type: PoolEventCircuitReset, At: time.Now()})
	}
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.tasks)
	return s
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if p.breakerOpen(time.Now()) {
				// Drain without dispatch while the breaker is open.
				p.count(func(s *PoolStats) { s.Dropped++ })
				continue
			}
			p.process(ctx, task)
		}
	}
}

// process runs one evaluation with a per-attempt timeout. Transient fetch
// errors retry up to cfg.RetryAttempts times before the task counts as
// failed.
func (p *Pool) process(ctx context.Context, task SymbolTask) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
		err := p.evaluate(tctx, task)
		cancel()
		if err == nil {
			p.recordSuccess()
			return
		}
		lastErr = err
	}
	if ctx.Err() != nil {
		return
	}
	p.recordFailure(task.Symbol, lastErr)
}

func (p *Pool) evaluate(ctx context.Context, task SymbolTask) error {
	ticker, err := p.market.GetTicker(ctx, task.Symbol, task.Priority)
	if err != nil {
		return fmt.Errorf("ticker %s: %w", task.Symbol, err)
	}

	if ticker.QuoteVolume < p.cfg.MinVolumeUSDT {
		p.count(func(s *PoolStats) { s.Holds++ })
		p.publish(types.Signal{
			Symbol:    task.Symbol,
			Action:    types.ActionHold,
			Reason:    fmt.Sprintf("24h volume %.0f below floor %.0f", ticker.QuoteVolume, p.cfg.MinVolumeUSDT),
			CreatedAt: time.Now(),
		})
		return nil
	}

	klines, err := p.market.GetKlines(ctx, task.Symbol, p.cfg.Interval, p.cfg.KlineLimit, task.Priority)
	if err != nil {
		return fmt.Errorf("klines %s: %w", task.Symbol, err)
	}

	sig := EvaluateIndicators(klines, p.cfg)
	sig.Symbol = task.Symbol
	p.count(func(s *PoolStats) { s.Completed++ })
	p.publish(sig)
	return nil
}

func (p *Pool) publish(sig types.Signal) {
	select {
	case p.signals <- sig:
	default:
		p.logger.Warn("signal consumer lagging, dropping signal",
			"symbol", sig.Symbol, "action", sig.Action)
	}
}

func (p *Pool) recordSuccess() {
	p.mu.Lock()
	p.failStreak = 0
	p.mu.Unlock()
}

func (p *Pool) recordFailure(symbol string, cause error) {
	now := time.Now()

	p.mu.Lock()
	p.stats.Failed++
	p.failStreak++
	tripped := p.failStreak >= breakerThreshold && p.openUntil.IsZero()
	if tripped {
		p.openUntil = now.Add(breakerOpenFor)
	}
	streak := p.failStreak
	p.mu.Unlock()

	p.logger.Warn("signal task failed", "symbol", symbol, "streak", streak, "error", cause)
	p.emit(PoolEvent{Type: PoolEventTaskFailed, Symbol: symbol, Err: cause, At: now})

	if tripped {
		p.logger.Error("circuit breaker opened",
			"streak", streak, "cooloff", breakerOpenFor)
		p.emit(PoolEvent{Type: PoolEventCircuitOpened, At: now})
	}
}

// breakerOpen reports the breaker state, closing it automatically once the
// cool-off has elapsed.
func (p *Pool) breakerOpen(now time.Time) bool {
	p.mu.Lock()
	if p.openUntil.IsZero() {
		p.mu.Unlock()
		return false
	}
	if now.Before(p.openUntil) {
		p.mu.Unlock()
		return true
	}
	p.openUntil = time.Time{}
	p.failStreak = 0
	p.mu.Unlock()

	p.logger.Info("circuit breaker cool-off elapsed, resuming dispatch")
	p.emit(PoolEvent{Type: PoolEventCircuitReset, At: now})
	return false
}

func (p *Pool) count(update func(*PoolStats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}

func (p *Pool) emit(ev PoolEvent) {
	select {
	case p.events <- ev:
	default:
	}
}
