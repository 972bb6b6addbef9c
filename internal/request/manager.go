// Package request is the deduplicated, cached, priority-queued facade over
// the exchange REST client. Every read the bot performs goes through here:
// results are cached per method with method-specific TTLs, concurrent calls
// for the same key share one flight, and actual dispatch happens on a single
// consumer goroutine that acquires rate budget before each call.
package request

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"futures-bot/internal/exchange"
	"futures-bot/pkg/types"
)

// Per-method cache TTLs. Account state ages faster than market structure.
const (
	ttlBalance    = 45 * time.Second
	ttlPositions  = 20 * time.Second
	ttlKlines     = 90 * time.Second
	ttlTicker     = 15 * time.Second
	ttlSymbols    = 5 * time.Minute
	ttlOpenOrders = 10 * time.Second
	ttlDepth      = 8 * time.Second
)

const (
	// queueTimeout bounds enqueue-to-dispatch. A job still queued past this
	// fails with ErrEnqueueTimeout; once dispatched it runs to completion.
	queueTimeout = 8 * time.Second

	// rateWait bounds the consumer's rate-budget acquisition per job.
	rateWait = 10 * time.Second

	sweepInterval = 5 * time.Minute
	stuckAfter    = 60 * time.Second
)

// Exchange is the read surface the manager fronts. *exchange.Client
// satisfies it.
type Exchange interface {
	Contracts(ctx context.Context) ([]types.ContractInfo, error)
	Ticker(ctx context.Context, symbol string) (*types.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
	Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error)
	Balance(ctx context.Context) (*types.Balance, error)
	Positions(ctx context.Context, symbol string) ([]types.ExchangePosition, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error)
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// flight is one pending REST call plus everyone waiting on it.
type flight struct {
	done     chan struct{}
	value    any
	err      error
	enqueued time.Time
	started  bool
	closed   bool
	job      *job
}

type job struct {
	key      string
	class    exchange.EndpointClass
	priority types.Priority
	ttl      time.Duration
	seq      uint64
	index    int
	call     func(ctx context.Context) (any, error)
	fl       *flight
}

// jobQueue orders by priority, then arrival.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Joined  uint64 `json:"joined"`
	Cached  int    `json:"cached"`
	Pending int    `json:"pending"`
	Queued  int    `json:"queued"`
}

// Manager implements the cached request facade.
type Manager struct {
	api Exchange
	gov *exchange.Governor

	mu      sync.Mutex
	cache   map[string]cacheEntry
	pending map[string]*flight
	queue   jobQueue
	seq     uint64

	hits   uint64
	misses uint64
	joined uint64

	wake chan struct{}

	queueTimeout time.Duration

	logger *slog.Logger
}

func NewManager(api Exchange, gov *exchange.Governor, logger *slog.Logger) *Manager {
	return &Manager{
		api:          api,
		gov:          gov,
		cache:        make(map[string]cacheEntry),
		pending:      make(map[string]*flight),
		wake:         make(chan struct{}, 1),
		queueTimeout: queueTimeout,
		logger:       logger.With("component", "request"),
	}
}

// Run is the single consumer loop. It drains the priority queue, acquiring
// rate budget per job, and periodically sweeps expired cache entries and
// stuck flights. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("request manager started")
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		j := m.next()
		if j == nil {
			select {
			case <-ctx.Done():
				m.shutdown(ctx.Err())
				return ctx.Err()
			case <-m.wake:
			case <-sweep.C:
				m.sweep(time.Now())
			}
			continue
		}
		m.execute(ctx, j)
	}
}

// next pops the highest-priority dispatchable job, expiring jobs that sat
// in the queue past queueTimeout.
func (m *Manager) next() *job {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.queue.Len() > 0 {
		j := heap.Pop(&m.queue).(*job)
		if j.fl.closed {
			continue
		}
		if time.Since(j.fl.enqueued) > m.queueTimeout {
			m.finishLocked(j.key, j.fl, nil, fmt.Errorf("%s: %w", j.key, exchange.ErrEnqueueTimeout))
			continue
		}
		j.fl.started = true
		return j
	}
	return nil
}

func (m *Manager) execute(ctx context.Context, j *job) {
	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		m.finishLocked(j.key, j.fl, nil, err)
		m.mu.Unlock()
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, rateWait)
	err := m.gov.Acquire(acquireCtx, j.class, j.priority)
	cancel()

	var value any
	if err == nil {
		value, err = j.call(ctx)
	}

	m.mu.Lock()
	if err == nil {
		m.cache[j.key] = cacheEntry{value: value, expiresAt: time.Now().Add(j.ttl)}
	}
	m.finishLocked(j.key, j.fl, value, err)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("request failed", "key", j.key, "priority", j.priority, "error", err)
	}
}

// finishLocked resolves a flight exactly once and detaches it. Callers hold mu.
func (m *Manager) finishLocked(key string, fl *flight, value any, err error) {
	if fl.closed {
		return
	}
	fl.value, fl.err = value, err
	fl.closed = true
	if cur, ok := m.pending[key]; ok && cur == fl {
		delete(m.pending, key)
	}
	close(fl.done)
}

// shutdown fails every queued and pending flight so no caller hangs.
func (m *Manager) shutdown(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, fl := range m.pending {
		m.finishLocked(key, fl, nil, cause)
	}
	m.queue = nil
}

// sweep drops expired cache entries and fails flights stuck past stuckAfter.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for key, e := range m.cache {
		if now.After(e.expiresAt) {
			delete(m.cache, key)
			expired++
		}
	}

	stuck := 0
	for key, fl := range m.pending {
		if now.Sub(fl.enqueued) > stuckAfter {
			if fl.job != nil && fl.job.index >= 0 {
				heap.Remove(&m.queue, fl.job.index)
			}
			m.finishLocked(key, fl, nil, fmt.Errorf("%s: stuck request evicted: %w", key, exchange.ErrEnqueueTimeout))
			stuck++
		}
	}

	if expired > 0 || stuck > 0 {
		m.logger.Debug("sweep", "expired", expired, "stuck", stuck)
	}
}

// get serves one keyed read: cache hit, join an existing flight, or enqueue
// a new job and wait for the consumer to resolve it.
func (m *Manager) get(ctx context.Context, key string, class exchange.EndpointClass, priority types.Priority, ttl time.Duration, call func(ctx context.Context) (any, error)) (any, error) {
	m.mu.Lock()
	if e, ok := m.cache[key]; ok && time.Now().Before(e.expiresAt) {
		m.hits++
		m.mu.Unlock()
		return e.value, nil
	}

	if fl, ok := m.pending[key]; ok {
		m.joined++
		m.mu.Unlock()
		return m.await(ctx, key, fl)
	}

	m.misses++
	fl := &flight{done: make(chan struct{}), enqueued: time.Now()}
	j := &job{key: key, class: class, priority: priority, ttl: ttl, seq: m.seq, call: call, fl: fl}
	fl.job = j
	m.seq++
	m.pending[key] = fl
	heap.Push(&m.queue, j)
	m.mu.Unlock()

	m.signal()
	return m.await(ctx, key, fl)
}

// await blocks until the flight resolves, the caller's ctx ends, or the
// flight sits undispatched past queueTimeout.
func (m *Manager) await(ctx context.Context, key string, fl *flight) (any, error) {
	timer := time.NewTimer(m.queueTimeout)
	defer timer.Stop()

	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if m.failIfUndispatched(key, fl) {
			return fl.value, fl.err
		}
	}

	// Dispatched before the timer fired; only completion or the caller's
	// ctx can end the wait now.
	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failIfUndispatched enforces queueTimeout from the waiter side. Reports
// whether the flight is resolved (either by this call or already).
func (m *Manager) failIfUndispatched(key string, fl *flight) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fl.closed {
		return true
	}
	if fl.started {
		return false
	}
	if fl.job != nil && fl.job.index >= 0 {
		heap.Remove(&m.queue, fl.job.index)
	}
	m.finishLocked(key, fl, nil, fmt.Errorf("%s: %w", key, exchange.ErrEnqueueTimeout))
	return true
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Invalidate drops cache entries for the given methods ("balance",
// "positions", ...). Used after order placement so the next read is live.
func (m *Manager) Invalidate(methods ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, method := range methods {
		for key := range m.cache {
			if key == method || strings.HasPrefix(key, method+":") {
				delete(m.cache, key)
			}
		}
	}
}

// InvalidateAll clears the whole cache. Pending flights are untouched.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:    m.hits,
		Misses:  m.misses,
		Joined:  m.joined,
		Cached:  len(m.cache),
		Pending: len(m.pending),
		Queued:  m.queue.Len(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Typed accessors
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) Balance(ctx context.Context, priority types.Priority) (*types.Balance, error) {
	v, err := m.get(ctx, "balance", exchange.ClassTrading, priority, ttlBalance, func(ctx context.Context) (any, error) {
		return m.api.Balance(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Balance), nil
}

// Positions returns open positions; symbol may be empty for all symbols.
func (m *Manager) Positions(ctx context.Context, symbol string, priority types.Priority) ([]types.ExchangePosition, error) {
	v, err := m.get(ctx, "positions:"+symbol, exchange.ClassTrading, priority, ttlPositions, func(ctx context.Context) (any, error) {
		return m.api.Positions(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.ExchangePosition), nil
}

func (m *Manager) OpenOrders(ctx context.Context, symbol string, priority types.Priority) ([]types.OpenOrder, error) {
	v, err := m.get(ctx, "openOrders:"+symbol, exchange.ClassTrading, priority, ttlOpenOrders, func(ctx context.Context) (any, error) {
		return m.api.OpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.OpenOrder), nil
}

func (m *Manager) Ticker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error) {
	v, err := m.get(ctx, "ticker:"+symbol, exchange.ClassMarketData, priority, ttlTicker, func(ctx context.Context) (any, error) {
		return m.api.Ticker(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Ticker), nil
}

func (m *Manager) Klines(ctx context.Context, symbol, interval string, limit int, priority types.Priority) ([]types.Kline, error) {
	key := fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit)
	v, err := m.get(ctx, key, exchange.ClassMarketData, priority, ttlKlines, func(ctx context.Context) (any, error) {
		return m.api.Klines(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Kline), nil
}

func (m *Manager) Depth(ctx context.Context, symbol string, limit int, priority types.Priority) (*types.Depth, error) {
	key := fmt.Sprintf("depth:%s:%d", symbol, limit)
	v, err := m.get(ctx, key, exchange.ClassMarketData, priority, ttlDepth, func(ctx context.Context) (any, error) {
		return m.api.Depth(ctx, symbol, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Depth), nil
}

// Symbols returns the contract directory, cached for five minutes.
func (m *Manager) Symbols(ctx context.Context, priority types.Priority) ([]types.ContractInfo, error) {
	v, err := m.get(ctx, "symbols", exchange.ClassMarketData, priority, ttlSymbols, func(ctx context.Context) (any, error) {
		return m.api.Contracts(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.ContractInfo), nil
}
