// ratelimit.go implements the rate governor that schedules every exchange call.
//
// The venue enforces two kinds of limits: a request budget per second and a
// minimum spacing between calls on the same endpoint family. Both are modeled
// here. Callers block in Acquire until a token is available AND the spacing
// gate has elapsed; contended tokens are handed out strictly by priority,
// FIFO within a priority.
//
// Two endpoint classes are maintained:
//   - MarketData: tickers, klines, depth, contracts (high budget, 300ms spacing)
//   - Trading:    orders, balance, positions (low budget, 500ms spacing)
package exchange

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"futures-bot/pkg/types"
)

// EndpointClass selects which budget an exchange call draws from.
type EndpointClass int

const (
	ClassMarketData EndpointClass = iota
	ClassTrading
)

func (c EndpointClass) String() string {
	switch c {
	case ClassMarketData:
		return "market_data"
	case ClassTrading:
		return "trading"
	default:
		return "unknown"
	}
}

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled; Allow() is the non-blocking variant.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// Allow consumes a token if one is available right now.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.refillLocked(now)

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Time until the next whole token accrues.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Tokens returns the currently available token count.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}

// ————————————————————————————————————————————————————————————————————————
// Priority-aware governor
// ————————————————————————————————————————————————————————————————————————

// waiter is one blocked Acquire call. index is maintained by the heap so a
// cancelled waiter can remove itself in O(log n).
type waiter struct {
	priority types.Priority
	seq      uint64
	index    int
}

// waiterQueue is a min-heap on (priority, seq): the numerically lowest
// priority value is served first, ties broken by arrival order.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// ClassLimit configures one endpoint class.
type ClassLimit struct {
	TokensPerSecond float64
	Burst           float64
	Spacing         time.Duration
}

// classState couples a bucket with its spacing gate and waiter queue.
type classState struct {
	tokens   float64
	capacity float64
	rate     float64
	lastFill time.Time
	spacing  time.Duration
	lastCall time.Time
	waiters  waiterQueue
	seq      uint64
}

func (cs *classState) refill(now time.Time) {
	elapsed := now.Sub(cs.lastFill).Seconds()
	cs.tokens += elapsed * cs.rate
	if cs.tokens > cs.capacity {
		cs.tokens = cs.capacity
	}
	cs.lastFill = now
}

// Governor coordinates all exchange calls in the process. See the file
// comment for the model.
type Governor struct {
	mu      sync.Mutex
	classes map[EndpointClass]*classState
	notify  chan struct{} // closed + replaced on every state change
}

// DefaultLimits returns the budgets the bot runs with unless configured
// otherwise: 25/s with 300ms spacing for market data, 2/s with 500ms
// spacing for trading.
func DefaultLimits() map[EndpointClass]ClassLimit {
	return map[EndpointClass]ClassLimit{
		ClassMarketData: {TokensPerSecond: 25, Burst: 25, Spacing: 300 * time.Millisecond},
		ClassTrading:    {TokensPerSecond: 2, Burst: 2, Spacing: 500 * time.Millisecond},
	}
}

// NewGovernor creates a governor with the given per-class limits.
func NewGovernor(limits map[EndpointClass]ClassLimit) *Governor {
	g := &Governor{
		classes: make(map[EndpointClass]*classState, len(limits)),
		notify:  make(chan struct{}),
	}
	now := time.Now()
	for class, lim := range limits {
		burst := lim.Burst
		if burst < 1 {
			burst = 1
		}
		g.classes[class] = &classState{
			tokens:   burst,
			capacity: burst,
			rate:     lim.TokensPerSecond,
			lastFill: now,
			spacing:  lim.Spacing,
			// lastCall stays zero so the first call passes the gate
		}
	}
	return g
}

// Acquire blocks until the caller may issue one request of the given class.
// Waiters are served strictly by priority, FIFO within a priority. When ctx
// is cancelled or its deadline passes, Acquire returns ErrRateTimeout.
func (g *Governor) Acquire(ctx context.Context, class EndpointClass, priority types.Priority) error {
	g.mu.Lock()
	cs, ok := g.classes[class]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown endpoint class %d", class)
	}

	cs.seq++
	w := &waiter{priority: priority, seq: cs.seq}
	heap.Push(&cs.waiters, w)

	for {
		now := time.Now()
		cs.refill(now)

		if cs.waiters[0] == w {
			gate := cs.lastCall.Add(cs.spacing)
			if cs.tokens >= 1 && !now.Before(gate) {
				cs.tokens--
				cs.lastCall = now
				heap.Pop(&cs.waiters)
				g.broadcastLocked()
				g.mu.Unlock()
				return nil
			}
			// Head of line: sleep until whichever gate opens later.
			wait := gate.Sub(now)
			if cs.tokens < 1 {
				tokenWait := time.Duration((1 - cs.tokens) / cs.rate * float64(time.Second))
				if tokenWait > wait {
					wait = tokenWait
				}
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			notify := g.notify
			g.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return g.abandon(class, w, ctx)
			case <-timer.C:
			case <-notify:
				timer.Stop()
			}
			g.mu.Lock()
		} else {
			// Not our turn; park until the state changes.
			notify := g.notify
			g.mu.Unlock()

			select {
			case <-ctx.Done():
				return g.abandon(class, w, ctx)
			case <-notify:
			}
			g.mu.Lock()
		}
	}
}

// abandon removes a cancelled waiter and maps the context error.
func (g *Governor) abandon(class EndpointClass, w *waiter, ctx context.Context) error {
	g.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&g.classes[class].waiters, w.index)
	}
	g.broadcastLocked()
	g.mu.Unlock()
	return fmt.Errorf("%s: %w: %w", class, ErrRateTimeout, ctx.Err())
}

// broadcastLocked wakes every parked waiter so the new head can proceed.
func (g *Governor) broadcastLocked() {
	close(g.notify)
	g.notify = make(chan struct{})
}

// Tokens reports the available budget for a class, for the status API.
func (g *Governor) Tokens(class EndpointClass) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.classes[class]
	if !ok {
		return 0
	}
	cs.refill(time.Now())
	return cs.tokens
}

// WaiterCount reports how many callers are blocked on a class.
func (g *Governor) WaiterCount(class EndpointClass) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.classes[class]
	if !ok {
		return 0
	}
	return cs.waiters.Len()
}
