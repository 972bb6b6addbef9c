package signal

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

var (
	// ErrDuplicateSignal rejects a signal that matches a recently accepted
	// one (same symbol, action and strength bucket) inside the dedup window.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrQueueFull rejects a signal that would not outrank anything already
	// queued when the queue is at capacity.
	ErrQueueFull = errors.New("signal queue full")
)

const queueSweepInterval = 5 * time.Second

// QueueEventType labels queue lifecycle events.
type QueueEventType string

const (
	QueueEventExpired QueueEventType = "signal_expired"
	QueueEventEvicted QueueEventType = "signal_evicted"
	QueueEventDropped QueueEventType = "signal_dropped"
)

// QueueEvent reports a signal leaving the queue without being executed.
type QueueEvent struct {
	Type   QueueEventType
	Signal types.Signal
	Err    error
	At     time.Time
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Size       int   `json:"size"`
	InFlight   int   `json:"in_flight"`
	Enqueued   int64 `json:"enqueued"`
	Duplicates int64 `json:"duplicates"`
	Expired    int64 `json:"expired"`
	Evicted    int64 `json:"evicted"`
	Completed  int64 `json:"completed"`
	Requeued   int64 `json:"requeued"`
	Dropped    int64 `json:"dropped"`
}

// queueItem wraps a queued signal with its heap bookkeeping. index is the
// item's slot in the heap, -1 once dispatched or removed.
type queueItem struct {
	qs    types.QueuedSignal
	seq   uint64
	index int
}

// signalHeap is a max-heap on priority; equal priorities order FIFO by
// insertion sequence.
type signalHeap []*queueItem

func (h signalHeap) Len() int { return len(h) }

func (h signalHeap) Less(i, j int) bool {
	if h[i].qs.Priority != h[j].qs.Priority {
		return h[i].qs.Priority > h[j].qs.Priority
	}
	return h[i].seq < h[j].seq
}

func (h signalHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *signalHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *signalHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the bounded priority buffer between signal generation and trade
// execution. Entries are scored by a weighted blend of signal strength,
// recency and volume activity; ties dequeue FIFO. A signal matching a
// recently accepted one is rejected, expired entries are swept out, and a
// full queue evicts its weakest pending entry to admit a stronger one.
//
// Dequeued entries stay tracked until MarkCompleted or MarkFailed resolves
// them, so a failed dispatch can be requeued with its attempt budget intact.
type Queue struct {
	cfg    config.SignalConfig
	logger *slog.Logger

	mu    sync.Mutex
	heap  signalHeap
	items map[string]*queueItem // id -> item, pending and dispatched
	dedup map[string]time.Time  // dedup key -> last accepted
	seq   uint64
	stats QueueStats

	events chan QueueEvent
}

// NewQueue builds an empty queue sized by cfg.QueueMaxSize.
func NewQueue(cfg config.SignalConfig, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		logger: logger.With("component", "signal_queue"),
		heap:   make(signalHeap, 0, cfg.QueueMaxSize),
		items:  make(map[string]*queueItem),
		dedup:  make(map[string]time.Time),
		events: make(chan QueueEvent, 64),
	}
}

// Events exposes expiry/eviction/drop notifications. Events are dropped when
// the consumer falls behind.
func (q *Queue) Events() <-chan QueueEvent { return q.events }

// Enqueue admits a signal and returns its queue id.
//
// A signal whose symbol, action and strength decile match an entry accepted
// inside the dedup window returns ErrDuplicateSignal. When the queue is at
// capacity the weakest pending entry is evicted to make room; if the incoming
// signal itself is the weakest it is rejected with ErrQueueFull.
func (q *Queue) Enqueue(sig types.Signal) (string, error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey(sig)
	if last, ok := q.dedup[key]; ok && now.Sub(last) < q.cfg.DedupWindow {
		q.stats.Duplicates++
		return "", fmt.Errorf("%w: %s", ErrDuplicateSignal, key)
	}

	priority := q.priorityFor(sig, now)

	if len(q.heap) >= q.cfg.QueueMaxSize {
		weakest := q.weakest()
		if weakest == nil || weakest.qs.Priority >= priority {
			return "", fmt.Errorf("%w: %d pending", ErrQueueFull, len(q.heap))
		}
		heap.Remove(&q.heap, weakest.index)
		delete(q.items, weakest.qs.Signal.ID)
		q.stats.Evicted++
		q.emit(QueueEvent{Type: QueueEventEvicted, Signal: weakest.qs.Signal, At: now})
	}

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	q.seq++
	item := &queueItem{
		qs: types.QueuedSignal{
			Signal:      sig,
			Priority:    priority,
			QueuedAt:    now,
			ExpiresAt:   now.Add(q.cfg.QueueTTL),
			MaxAttempts: q.cfg.QueueMaxAttempts,
		},
		seq: q.seq,
	}
	heap.Push(&q.heap, item)
	q.items[sig.ID] = item
	q.dedup[key] = now
	q.stats.Enqueued++

	q.logger.Debug("signal queued",
		"id", sig.ID, "symbol", sig.Symbol, "action", sig.Action,
		"strength", sig.Strength, "priority", fmt.Sprintf("%.1f", priority))
	return sig.ID, nil
}

// Dequeue pops the highest-priority pending signal, skipping over anything
// that expired while queued. The returned entry is marked dispatched with its
// attempt counter already incremented; nil means the queue is empty.
func (q *Queue) Dequeue() *types.QueuedSignal {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*queueItem)
		if item.qs.Expired(now) {
			delete(q.items, item.qs.Signal.ID)
			q.stats.Expired++
			q.emit(QueueEvent{Type: QueueEventExpired, Signal: item.qs.Signal, At: now})
			continue
		}
		item.qs.Processed = true
		item.qs.Attempts++
		out := item.qs
		return &out
	}
	return nil
}

// MarkCompleted resolves a signal after successful execution (or when the
// caller decides to discard it). Reports false if the id is unknown, so a
// second call for the same signal is a no-op.
func (q *Queue) MarkCompleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return false
	}
	if item.index >= 0 {
		heap.Remove(&q.heap, item.index)
	}
	delete(q.items, id)
	q.stats.Completed++
	return true
}

// MarkFailed resolves a failed dispatch: the signal is requeued with its
// original priority and a fresh queue timestamp while attempts remain, and
// dropped otherwise. Reports whether it was requeued.
func (q *Queue) MarkFailed(id string, cause error) bool {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.index >= 0 {
		return false
	}
	if item.qs.Attempts >= item.qs.MaxAttempts {
		delete(q.items, id)
		q.stats.Dropped++
		q.emit(QueueEvent{Type: QueueEventDropped, Signal: item.qs.Signal, Err: cause, At: now})
		q.logger.Warn("signal dropped after max attempts",
			"id", id, "symbol", item.qs.Signal.Symbol, "attempts", item.qs.Attempts, "cause", cause)
		return false
	}
	item.qs.Processed = false
	item.qs.QueuedAt = now
	item.qs.ExpiresAt = now.Add(q.cfg.QueueTTL)
	q.seq++
	item.seq = q.seq
	heap.Push(&q.heap, item)
	q.stats.Requeued++
	return true
}

// Run sweeps expired entries and stale dedup keys until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(queueSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.sweep(time.Now())
		}
	}
}

// Size reports pending (not yet dispatched) entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stats snapshots the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Size = len(q.heap)
	s.InFlight = len(q.items) - len(q.heap)
	return s
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*queueItem
	for _, item := range q.heap {
		if item.qs.Expired(now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		heap.Remove(&q.heap, item.index)
		delete(q.items, item.qs.Signal.ID)
		q.stats.Expired++
		q.emit(QueueEvent{Type: QueueEventExpired, Signal: item.qs.Signal, At: now})
	}
	for key, seen := range q.dedup {
		if now.Sub(seen) >= q.cfg.DedupWindow {
			delete(q.dedup, key)
		}
	}
	if len(expired) > 0 {
		q.logger.Debug("queue sweep evicted expired signals", "count", len(expired))
	}
}

// priorityFor scores a signal on a 0-100 scale: strength carries most of the
// weight, freshness decays linearly over the dedup window, and a volume boost
// rewards signals backed by above-average turnover.
func (q *Queue) priorityFor(sig types.Signal, now time.Time) float64 {
	recency := 1.0
	if q.cfg.DedupWindow > 0 {
		age := now.Sub(sig.CreatedAt).Seconds()
		recency = clamp01(1 - age/q.cfg.DedupWindow.Seconds())
	}
	boost := 0.5
	if vr, ok := sig.Indicators["volume_ratio"]; ok && vr > 1 {
		boost = 1.0
	}
	score := q.cfg.WeightStrength*sig.Strength/100 +
		q.cfg.WeightRecency*recency +
		q.cfg.WeightVolume*boost
	return 100 * score
}

// weakest returns the pending item with the lowest (priority, -seq) rank.
// Linear scan; the heap only orders its root.
func (q *Queue) weakest() *queueItem {
	var min *queueItem
	for _, item := range q.heap {
		if min == nil {
			min = item
			continue
		}
		if item.qs.Priority < min.qs.Priority ||
			(item.qs.Priority == min.qs.Priority && item.seq > min.seq) {
			min = item
		}
	}
	return min
}

func (q *Queue) emit(ev QueueEvent) {
	select {
	case q.events <- ev:
	default:
	}
}

func dedupKey(sig types.Signal) string {
	return fmt.Sprintf("%s|%s|%d", sig.Symbol, sig.Action, int(math.Floor(sig.Strength/10)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
