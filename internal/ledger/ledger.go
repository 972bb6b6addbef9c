// Package ledger persists the trade history to Postgres. Every order the
// executor places becomes one row, updated in place as fills and closes
// arrive. Money columns are NUMERIC(18,8) and round-trip through
// shopspring decimals, so PnL sums never pick up float drift.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"futures-bot/pkg/types"
)

// ErrTradeNotFound is returned when no ledger row matches the order id.
var ErrTradeNotFound = errors.New("trade not found")

// Ledger records the lifecycle of every order the bot places.
type Ledger interface {
	// Insert writes a new trade row and assigns trade.ID.
	Insert(ctx context.Context, trade *types.Trade) error
	// UpdateStatus applies a fill update to the row with the given order id.
	UpdateStatus(ctx context.Context, orderID string, status types.OrderStatus, executedQty, avgPrice decimal.Decimal) error
	// MarkClosed stamps the realized PnL and close time on the row and
	// marks it FILLED (a close confirms the opening fill).
	MarkClosed(ctx context.Context, orderID string, realizedPnl decimal.Decimal, closedAt time.Time) error
	// GetByOrderID fetches one trade, ErrTradeNotFound if absent.
	GetByOrderID(ctx context.Context, orderID string) (*types.Trade, error)
	// ListRecent returns the newest trades first, at most limit rows.
	ListRecent(ctx context.Context, limit int) ([]*types.Trade, error)
	// ListByStatus returns trades in the given order status, newest first.
	ListByStatus(ctx context.Context, status types.OrderStatus) ([]*types.Trade, error)
	// DailyRealizedPnl sums realized PnL over the UTC day containing t.
	DailyRealizedPnl(ctx context.Context, t time.Time) (decimal.Decimal, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id                BIGSERIAL PRIMARY KEY,
	order_id          TEXT NOT NULL UNIQUE,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	position_side     TEXT NOT NULL,
	type              TEXT NOT NULL,
	status            TEXT NOT NULL,
	quantity          NUMERIC(18,8) NOT NULL,
	price             NUMERIC(18,8) NOT NULL DEFAULT 0,
	executed_qty      NUMERIC(18,8) NOT NULL DEFAULT 0,
	avg_price         NUMERIC(18,8) NOT NULL DEFAULT 0,
	stop_price        NUMERIC(18,8),
	take_profit_price NUMERIC(18,8),
	stop_loss_price   NUMERIC(18,8),
	commission        NUMERIC(18,8) NOT NULL DEFAULT 0,
	commission_asset  TEXT NOT NULL DEFAULT '',
	realized_pnl      NUMERIC(18,8) NOT NULL DEFAULT 0,
	signal_strength   DOUBLE PRECISION NOT NULL DEFAULT 0,
	signal_reason     TEXT NOT NULL DEFAULT '',
	indicators        JSONB,
	executed_at       TIMESTAMPTZ,
	closed_at         TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at);
`

// tradeColumns is the select list every read query uses, in scanTrade order.
const tradeColumns = `id, order_id, symbol, side, position_side, type, status,
	quantity, price, executed_qty, avg_price,
	stop_price, take_profit_price, stop_loss_price,
	commission, commission_asset, realized_pnl,
	signal_strength, signal_reason, indicators,
	executed_at, closed_at, created_at, updated_at`

// Postgres is the production Ledger backed by database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

// New wraps an already-open connection pool.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres, tunes the pool and verifies the connection.
// The caller owns the returned handle and must Close it.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Migrate creates the trades table and its indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate trades table: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Insert(ctx context.Context, trade *types.Trade) error {
	query := `
		INSERT INTO trades (
			order_id, symbol, side, position_side, type, status,
			quantity, price, executed_qty, avg_price,
			stop_price, take_profit_price, stop_loss_price,
			commission, commission_asset, realized_pnl,
			signal_strength, signal_reason, indicators,
			executed_at, closed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id`

	now := time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now

	indicators, err := marshalIndicators(trade.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}

	err = p.db.QueryRowContext(ctx, query,
		trade.OrderID,
		trade.Symbol,
		string(trade.Side),
		string(trade.PositionSide),
		string(trade.Type),
		string(trade.Status),
		trade.Quantity,
		trade.Price,
		trade.ExecutedQty,
		trade.AvgPrice,
		trade.StopPrice,
		trade.TakeProfitPrice,
		trade.StopLossPrice,
		trade.Commission,
		trade.CommissionAsset,
		trade.RealizedPnl,
		trade.SignalStrength,
		trade.SignalReason,
		indicators,
		trade.ExecutedAt,
		trade.ClosedAt,
		trade.CreatedAt,
		trade.UpdatedAt,
	).Scan(&trade.ID)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.OrderID, err)
	}

	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, orderID string, status types.OrderStatus, executedQty, avgPrice decimal.Decimal) error {
	query := `
		UPDATE trades
		SET status = $1, executed_qty = $2, avg_price = $3, updated_at = $4
		WHERE order_id = $5`

	result, err := p.db.ExecContext(ctx, query, string(status), executedQty, avgPrice, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", orderID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trade %s: %w", orderID, err)
	}
	if rows == 0 {
		return ErrTradeNotFound
	}

	return nil
}

func (p *Postgres) MarkClosed(ctx context.Context, orderID string, realizedPnl decimal.Decimal, closedAt time.Time) error {
	query := `
		UPDATE trades
		SET realized_pnl = $1, closed_at = $2, updated_at = $3, status = 'FILLED'
		WHERE order_id = $4`

	result, err := p.db.ExecContext(ctx, query, realizedPnl, closedAt.UTC(), time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", orderID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade %s: %w", orderID, err)
	}
	if rows == 0 {
		return ErrTradeNotFound
	}

	return nil
}

func (p *Postgres) GetByOrderID(ctx context.Context, orderID string) (*types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE order_id = $1`

	trade, err := scanTrade(p.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get trade %s: %w", orderID, err)
	}

	return trade, nil
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]*types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (p *Postgres) ListByStatus(ctx context.Context, status types.OrderStatus) ([]*types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = $1 ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list trades by status: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (p *Postgres) DailyRealizedPnl(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE closed_at >= $1 AND closed_at < $2`

	day := t.UTC().Truncate(24 * time.Hour)
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, query, day, day.Add(24*time.Hour)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum daily pnl: %w", err)
	}

	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*types.Trade, error) {
	var (
		trade      types.Trade
		side       string
		posSide    string
		orderType  string
		status     string
		indicators []byte
	)

	err := row.Scan(
		&trade.ID,
		&trade.OrderID,
		&trade.Symbol,
		&side,
		&posSide,
		&orderType,
		&status,
		&trade.Quantity,
		&trade.Price,
		&trade.ExecutedQty,
		&trade.AvgPrice,
		&trade.StopPrice,
		&trade.TakeProfitPrice,
		&trade.StopLossPrice,
		&trade.Commission,
		&trade.CommissionAsset,
		&trade.RealizedPnl,
		&trade.SignalStrength,
		&trade.SignalReason,
		&indicators,
		&trade.ExecutedAt,
		&trade.ClosedAt,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	trade.Side = types.Side(side)
	trade.PositionSide = types.PositionSide(posSide)
	trade.Type = types.OrderType(orderType)
	trade.Status = types.OrderStatus(status)

	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &trade.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
	}

	return &trade, nil
}

func collectTrades(rows *sql.Rows) ([]*types.Trade, error) {
	var trades []*types.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return trades, nil
}

func marshalIndicators(m map[string]float64) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
