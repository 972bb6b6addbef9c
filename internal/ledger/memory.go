package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/pkg/types"
)

// memoryCap bounds the in-memory history so a long dry run cannot grow
// without limit.
const memoryCap = 1000

// Memory is a Ledger that keeps trades in process memory. It backs dry
// runs and deployments without a database; history is lost on restart.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	trades []*types.Trade
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

func (m *Memory) Insert(_ context.Context, trade *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now
	trade.ID = m.nextID
	m.nextID++

	cp := *trade
	m.trades = append(m.trades, &cp)
	if len(m.trades) > memoryCap {
		m.trades = m.trades[len(m.trades)-memoryCap:]
	}

	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, orderID string, status types.OrderStatus, executedQty, avgPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade := m.find(orderID)
	if trade == nil {
		return ErrTradeNotFound
	}

	trade.Status = status
	trade.ExecutedQty = executedQty
	trade.AvgPrice = avgPrice
	trade.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkClosed(_ context.Context, orderID string, realizedPnl decimal.Decimal, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade := m.find(orderID)
	if trade == nil {
		return ErrTradeNotFound
	}

	at := closedAt.UTC()
	trade.RealizedPnl = realizedPnl
	trade.ClosedAt = &at
	trade.Status = types.OrderStatusFilled
	trade.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetByOrderID(_ context.Context, orderID string) (*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade := m.find(orderID)
	if trade == nil {
		return nil, ErrTradeNotFound
	}

	cp := *trade
	return &cp, nil
}

func (m *Memory) ListRecent(_ context.Context, limit int) ([]*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.trades[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListByStatus(_ context.Context, status types.OrderStatus) ([]*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Trade
	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].Status == status {
			cp := *m.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DailyRealizedPnl(_ context.Context, t time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := t.UTC().Truncate(24 * time.Hour)
	end := day.Add(24 * time.Hour)

	sum := decimal.Zero
	for _, trade := range m.trades {
		if trade.ClosedAt == nil {
			continue
		}
		at := trade.ClosedAt.UTC()
		if at.Before(day) || !at.Before(end) {
			continue
		}
		sum = sum.Add(trade.RealizedPnl)
	}
	return sum, nil
}

// find returns the stored trade for orderID, nil if absent.
// Caller holds m.mu.
func (m *Memory) find(orderID string) *types.Trade {
	for _, trade := range m.trades {
		if trade.OrderID == orderID {
			return trade
		}
	}
	return nil
}
