// book.go derives execution prices from order book snapshots. The executor
// uses it as a pre-trade gate: estimate what a market order of the intended
// size would actually fill at, and reject when the book is too thin or the
// impact too large.
package market

import (
	"time"

	"futures-bot/pkg/types"
)

// Book wraps one depth snapshot with derived pricing helpers. Bids are
// expected best-first descending, asks best-first ascending, as the
// exchange returns them.
type Book struct {
	depth *types.Depth
}

// NewBook wraps a depth snapshot. The snapshot is not copied.
func NewBook(d *types.Depth) *Book {
	return &Book{depth: d}
}

// BestBidAsk returns the top of book. ok is false when either side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	if b.depth == nil || len(b.depth.Bids) == 0 || len(b.depth.Asks) == 0 {
		return 0, 0, false
	}
	return b.depth.Bids[0].Price, b.depth.Asks[0].Price, true
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok || bid <= 0 || ask <= 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (b *Book) SpreadBps() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask - bid) / mid * 10000, true
}

// EstimateFillPrice walks the book and returns the volume-weighted average
// price a market order of the given base quantity would fill at. BUY walks
// the asks, SELL walks the bids. ok is false when the visible book cannot
// absorb the full quantity.
func (b *Book) EstimateFillPrice(side types.Side, quantity float64) (float64, bool) {
	if b.depth == nil || quantity <= 0 {
		return 0, false
	}

	levels := b.depth.Asks
	if side == types.SELL {
		levels = b.depth.Bids
	}

	remaining := quantity
	cost := 0.0
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Quantity <= 0 {
			continue
		}
		take := lvl.Quantity
		if take > remaining {
			take = remaining
		}
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			return cost / quantity, true
		}
	}

	return 0, false
}

// SlippagePercent returns how far the estimated fill price sits from mid,
// as a percent of mid. ok is false when the book is empty or too thin for
// the quantity.
func (b *Book) SlippagePercent(side types.Side, quantity float64) (float64, bool) {
	mid, ok := b.MidPrice()
	if !ok {
		return 0, false
	}
	fill, ok := b.EstimateFillPrice(side, quantity)
	if !ok {
		return 0, false
	}

	slip := (fill - mid) / mid * 100
	if side == types.SELL {
		slip = -slip
	}
	return slip, true
}

// IsStale reports whether the snapshot is older than maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	if b.depth == nil || b.depth.Time.IsZero() {
		return true
	}
	return time.Since(b.depth.Time) > maxAge
}
