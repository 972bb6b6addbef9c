// Package position supervises open positions until they close. A monitor
// loop polls mark prices and walks a close ladder per position — expiry,
// stop loss, take profit, emergency — while stream updates and periodic
// reconciliation keep the local book honest against the exchange: a
// tracked symbol the exchange no longer holds is closed out silently as
// EXTERNAL.
//
// At most one non-CLOSED position exists per symbol; Register enforces it.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-bot/internal/config"
	"futures-bot/internal/ledger"
	"futures-bot/internal/risk"
	"futures-bot/pkg/types"
)

// closeTimeout bounds one close attempt against the exchange.
const closeTimeout = 10 * time.Second

// ErrPositionExists is returned by Register when the symbol already has a
// live position.
var ErrPositionExists = errors.New("position already exists for symbol")

// marketData is the slice of the market cache the monitor consumes.
type marketData interface {
	GetTicker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
}

// Closer flattens a position on the exchange.
type Closer interface {
	ClosePosition(ctx context.Context, symbol string, percentage float64) (*types.OrderResult, error)
}

// reconciler is the slice of the request facade used for load and
// reconciliation.
type reconciler interface {
	Positions(ctx context.Context, symbol string, priority types.Priority) ([]types.ExchangePosition, error)
}

// Assessor produces advisory stop adjustments for a profitable position.
type Assessor interface {
	Assess(pos types.ManagedPosition, markPrice float64) []risk.Recommendation
}

// EventType discriminates position events.
type EventType int

const (
	// EventPositionClosed: a position left the book, with its reason.
	EventPositionClosed EventType = iota
	// EventCloseError: a close attempt failed and the position reverted
	// to ACTIVE.
	EventCloseError
)

// Event is one position lifecycle notification.
type Event struct {
	Type        EventType
	Position    types.ManagedPosition
	Reason      types.CloseReason
	RealizedPnl float64
	Err         error
	At          time.Time
}

// Manager owns the book of open positions.
type Manager struct {
	cfg      config.PositionConfig
	riskCfg  config.RiskConfig
	market   marketData
	closer   Closer
	req      reconciler
	ledger   ledger.Ledger
	assessor Assessor
	logger   *slog.Logger

	mu        sync.RWMutex
	positions map[string]*types.ManagedPosition

	events chan Event
}

// NewManager builds an empty position book. assessor may be nil.
func NewManager(market marketData, closer Closer, req reconciler, led ledger.Ledger,
	assessor Assessor, cfg config.PositionConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		riskCfg:   riskCfg,
		market:    market,
		closer:    closer,
		req:       req,
		ledger:    led,
		assessor:  assessor,
		logger:    logger.With("component", "position"),
		positions: make(map[string]*types.ManagedPosition),
		events:    make(chan Event, 32),
	}
}

// Events delivers lifecycle notifications. Slow consumers lose events.
func (m *Manager) Events() <-chan Event { return m.events }

// Run operates the monitor loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.monitor(ctx)
		}
	}
}

// Register adds a position to the book. At most one non-CLOSED position
// may exist per symbol.
func (m *Manager) Register(pos *types.ManagedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.positions[pos.Symbol]; ok && existing.Status != types.PositionClosed {
		return fmt.Errorf("%w: %s", ErrPositionExists, pos.Symbol)
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.Status == "" {
		pos.Status = types.PositionActive
	}
	m.positions[pos.Symbol] = pos

	m.logger.Info("position registered",
		"symbol", pos.Symbol,
		"side", pos.Side,
		"entry", pos.EntryPrice,
		"quantity", pos.Quantity,
		"stop_loss", pos.StopLossPrice,
		"take_profit", pos.TakeProfitPrice)
	return nil
}

// LoadExisting adopts positions already open on the exchange, bracketing
// them with the default SL/TP percents around their entry price. Returns
// how many were adopted.
func (m *Manager) LoadExisting(ctx context.Context) (int, error) {
	rows, err := m.req.Positions(ctx, "", types.PriorityHigh)
	if err != nil {
		return 0, fmt.Errorf("fetch open positions: %w", err)
	}

	adopted := 0
	for _, row := range rows {
		if row.PositionAmt == 0 {
			continue
		}
		side := row.PositionSide
		if side != types.LONG && side != types.SHORT {
			side = types.LONG
			if row.PositionAmt < 0 {
				side = types.SHORT
			}
		}
		stopLoss, takeProfit := m.defaultBrackets(row.EntryPrice, side)
		now := time.Now()
		created := now
		if !row.UpdateTime.IsZero() {
			created = row.UpdateTime
		}
		pos := &types.ManagedPosition{
			ID:              uuid.NewString(),
			Symbol:          row.Symbol,
			Side:            side,
			EntryPrice:      row.EntryPrice,
			Quantity:        math.Abs(row.PositionAmt),
			StopLossPrice:   stopLoss,
			TakeProfitPrice: takeProfit,
			UnrealizedPnl:   row.UnrealizedProfit,
			Status:          types.PositionActive,
			CreatedAt:       created,
			LastUpdate:      now,
		}
		if err := m.Register(pos); err != nil {
			m.logger.Warn("skipping exchange position", "symbol", row.Symbol, "error", err)
			continue
		}
		adopted++
	}

	if adopted > 0 {
		m.logger.Info("adopted existing positions", "count", adopted)
	}
	return adopted, nil
}

// Reconcile compares the local book against the exchange's open-position
// report. Tracked symbols the exchange no longer holds are closed as
// EXTERNAL; untracked exchange positions are logged, not adopted.
func (m *Manager) Reconcile(ctx context.Context) error {
	rows, err := m.req.Positions(ctx, "", types.PriorityMedium)
	if err != nil {
		return fmt.Errorf("fetch open positions: %w", err)
	}

	onExchange := make(map[string]float64, len(rows))
	for _, row := range rows {
		if row.PositionAmt != 0 {
			onExchange[row.Symbol] = row.PositionAmt
		}
	}

	for _, symbol := range m.activeSymbols() {
		if _, ok := onExchange[symbol]; !ok {
			m.externalClose(ctx, symbol)
		}
	}

	m.mu.RLock()
	for symbol := range onExchange {
		if _, tracked := m.positions[symbol]; !tracked {
			m.logger.Warn("untracked position on exchange", "symbol", symbol, "amount", onExchange[symbol])
		}
	}
	m.mu.RUnlock()

	return nil
}

// ApplyAccountUpdate reconciles one account stream message. A tracked
// symbol reported with zero amount was closed behind our back.
func (m *Manager) ApplyAccountUpdate(ctx context.Context, u types.AccountUpdate) {
	for _, row := range u.Positions {
		m.mu.Lock()
		pos, ok := m.positions[row.Symbol]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if row.PositionAmt == 0 {
			active := pos.Status == types.PositionActive
			m.mu.Unlock()
			if active {
				m.externalClose(ctx, row.Symbol)
			}
			continue
		}
		pos.UnrealizedPnl = row.UnrealizedProfit
		if row.EntryPrice > 0 {
			pos.EntryPrice = row.EntryPrice
		}
		pos.LastUpdate = time.Now()
		m.mu.Unlock()
	}
}

// ApplyOrderUpdate forwards one order stream message to the ledger and,
// for fills, refreshes the position's entry price and quantity.
func (m *Manager) ApplyOrderUpdate(ctx context.Context, u types.OrderUpdate) {
	err := m.ledger.UpdateStatus(ctx, u.OrderID, u.Status,
		decimal.NewFromFloat(u.ExecutedQty).Round(8),
		decimal.NewFromFloat(u.AvgPrice).Round(8))
	if err != nil && !errors.Is(err, ledger.ErrTradeNotFound) {
		m.logger.Warn("ledger status update failed", "order_id", u.OrderID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.OrderID != u.OrderID {
			continue
		}
		if u.Status == types.OrderStatusFilled {
			if u.AvgPrice > 0 {
				pos.EntryPrice = u.AvgPrice
			}
			if u.ExecutedQty > 0 {
				pos.Quantity = u.ExecutedQty
			}
		}
		pos.LastUpdate = time.Now()
		return
	}
}

// Close closes one position on demand with the given reason.
func (m *Manager) Close(ctx context.Context, symbol string, reason types.CloseReason) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Status != types.PositionActive {
		m.mu.Unlock()
		return fmt.Errorf("no active position for %s", symbol)
	}
	pos.Status = types.PositionClosing
	mark := pos.EntryPrice
	m.mu.Unlock()

	if ticker, err := m.market.GetTicker(ctx, symbol, types.PriorityCritical); err == nil && ticker.LastPrice > 0 {
		mark = ticker.LastPrice
	}
	m.close(ctx, symbol, reason, mark)
	return nil
}

// Get returns a copy of the symbol's position.
func (m *Manager) Get(symbol string) (types.ManagedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return types.ManagedPosition{}, false
	}
	return *pos, true
}

// Count returns the number of tracked positions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Symbols returns the tracked symbols.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns copies of all tracked positions, sorted by symbol.
func (m *Manager) Snapshot() []types.ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ManagedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Manager) activeSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for s, pos := range m.positions {
		if pos.Status == types.PositionActive {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// monitor runs one tick over every ACTIVE position.
func (m *Manager) monitor(ctx context.Context) {
	for _, symbol := range m.activeSymbols() {
		ticker, err := m.market.GetTicker(ctx, symbol, types.PriorityHigh)
		if err != nil {
			m.logger.Warn("mark price fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if ticker.LastPrice <= 0 {
			continue
		}
		m.evaluate(ctx, symbol, ticker.LastPrice)
	}
}

// evaluate updates one position against the mark price and triggers at
// most one close per tick.
func (m *Manager) evaluate(ctx context.Context, symbol string, mark float64) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Status != types.PositionActive {
		m.mu.Unlock()
		return
	}

	pos.UnrealizedPnl = pos.Pnl(mark)
	pos.LastUpdate = time.Now()

	reason, shouldClose := m.closeReason(pos, mark)
	if !shouldClose {
		m.adjustStops(pos, mark)
		m.mu.Unlock()
		return
	}

	pos.Status = types.PositionClosing
	entry := pos.EntryPrice
	m.mu.Unlock()

	m.logger.Info("closing position",
		"symbol", symbol, "reason", reason, "mark", mark, "entry", entry)
	m.close(ctx, symbol, reason, mark)
}

// closeReason walks the close ladder in order: expiry, stop loss, take
// profit, emergency. The first match wins.
func (m *Manager) closeReason(pos *types.ManagedPosition, mark float64) (types.CloseReason, bool) {
	if m.cfg.MaxHoldTime > 0 && pos.Age() > m.cfg.MaxHoldTime {
		return types.CloseExpired, true
	}
	if pos.StopLossPrice > 0 {
		if (pos.Side == types.LONG && mark <= pos.StopLossPrice) ||
			(pos.Side == types.SHORT && mark >= pos.StopLossPrice) {
			return types.CloseStopLoss, true
		}
	}
	if pos.TakeProfitPrice > 0 {
		if (pos.Side == types.LONG && mark >= pos.TakeProfitPrice) ||
			(pos.Side == types.SHORT && mark <= pos.TakeProfitPrice) {
			return types.CloseTakeProfit, true
		}
	}
	if m.cfg.EmergencyClosePercent > 0 && math.Abs(pos.PnlPercent(mark)) > m.cfg.EmergencyClosePercent {
		return types.CloseEmergency, true
	}
	return "", false
}

// adjustStops applies advisory break-even moves and the trailing ratchet.
// Caller holds m.mu.
func (m *Manager) adjustStops(pos *types.ManagedPosition, mark float64) {
	if m.assessor != nil {
		for _, rec := range m.assessor.Assess(*pos, mark) {
			switch rec {
			case risk.RecommendMoveToBreakEven:
				m.moveToBreakEven(pos)
			case risk.RecommendActivateTrailing:
				pos.TrailingActive = true
			}
		}
	}

	if !m.cfg.TrailingStop {
		return
	}
	if !pos.TrailingActive && pos.PnlPercent(mark) >= m.cfg.TrailingStopPercent {
		pos.TrailingActive = true
		m.logger.Info("trailing stop activated", "symbol", pos.Symbol, "mark", mark)
	}
	if pos.TrailingActive {
		m.ratchetStop(pos, mark)
	}
}

// moveToBreakEven pulls the stop to the entry price, never loosening it.
func (m *Manager) moveToBreakEven(pos *types.ManagedPosition) {
	switch pos.Side {
	case types.LONG:
		if pos.StopLossPrice < pos.EntryPrice {
			pos.StopLossPrice = pos.EntryPrice
			m.logger.Info("stop moved to break-even", "symbol", pos.Symbol, "stop", pos.StopLossPrice)
		}
	case types.SHORT:
		if pos.StopLossPrice > pos.EntryPrice || pos.StopLossPrice == 0 {
			pos.StopLossPrice = pos.EntryPrice
			m.logger.Info("stop moved to break-even", "symbol", pos.Symbol, "stop", pos.StopLossPrice)
		}
	}
}

// ratchetStop trails the stop behind the mark price, tightening only.
func (m *Manager) ratchetStop(pos *types.ManagedPosition, mark float64) {
	pct := m.cfg.TrailingStopPercent / 100
	switch pos.Side {
	case types.LONG:
		if next := mark * (1 - pct); next > pos.StopLossPrice {
			pos.StopLossPrice = next
		}
	case types.SHORT:
		if next := mark * (1 + pct); pos.StopLossPrice == 0 || next < pos.StopLossPrice {
			pos.StopLossPrice = next
		}
	}
}

// close flattens the position on the exchange and settles the books.
// Failure reverts the position to ACTIVE for the next tick.
func (m *Manager) close(ctx context.Context, symbol string, reason types.CloseReason, mark float64) {
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	result, err := m.closer.ClosePosition(cctx, symbol, 100)
	cancel()
	if err != nil {
		m.mu.Lock()
		pos, ok := m.positions[symbol]
		var cp types.ManagedPosition
		if ok && pos.Status == types.PositionClosing {
			pos.Status = types.PositionActive
			cp = *pos
		}
		m.mu.Unlock()

		m.logger.Error("position close failed", "symbol", symbol, "reason", reason, "error", err)
		m.emit(Event{Type: EventCloseError, Position: cp, Reason: reason, Err: err, At: time.Now()})
		return
	}

	closePrice := mark
	if result != nil && result.AvgPrice > 0 {
		closePrice = result.AvgPrice
	}

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos.Status = types.PositionClosed
	realized := pos.Pnl(closePrice)
	pos.UnrealizedPnl = realized
	cp := *pos
	delete(m.positions, symbol)
	m.mu.Unlock()

	m.settleLedger(ctx, cp.OrderID, realized)
	m.logger.Info("position closed",
		"symbol", symbol, "reason", reason, "realized_pnl", fmt.Sprintf("%.4f", realized))
	m.emit(Event{Type: EventPositionClosed, Position: cp, Reason: reason, RealizedPnl: realized, At: time.Now()})
}

// externalClose removes a position the exchange reports as gone. No order
// is sent; the last computed unrealized PnL stands in for the realized
// figure we never saw.
func (m *Manager) externalClose(ctx context.Context, symbol string) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Status != types.PositionActive {
		m.mu.Unlock()
		return
	}
	pos.Status = types.PositionClosed
	cp := *pos
	delete(m.positions, symbol)
	m.mu.Unlock()

	m.logger.Warn("position closed externally", "symbol", symbol, "last_pnl", fmt.Sprintf("%.4f", cp.UnrealizedPnl))
	m.settleLedger(ctx, cp.OrderID, cp.UnrealizedPnl)
	m.emit(Event{Type: EventPositionClosed, Position: cp, Reason: types.CloseExternal, RealizedPnl: cp.UnrealizedPnl, At: time.Now()})
}

func (m *Manager) settleLedger(ctx context.Context, orderID string, realized float64) {
	if orderID == "" {
		return
	}
	err := m.ledger.MarkClosed(ctx, orderID, decimal.NewFromFloat(realized).Round(8), time.Now())
	if err != nil && !errors.Is(err, ledger.ErrTradeNotFound) {
		m.logger.Warn("ledger close update failed", "order_id", orderID, "error", err)
	}
}

// defaultBrackets computes SL/TP around an entry from the configured
// percents, LONG below/above and SHORT mirrored.
func (m *Manager) defaultBrackets(entry float64, side types.PositionSide) (stopLoss, takeProfit float64) {
	sl := m.riskCfg.StopLossPercent / 100
	tp := m.riskCfg.TakeProfitPercent / 100
	if side == types.SHORT {
		return entry * (1 + sl), entry * (1 - tp)
	}
	return entry * (1 - sl), entry * (1 + tp)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("position event dropped", "type", ev.Type, "symbol", ev.Position.Symbol)
	}
}
