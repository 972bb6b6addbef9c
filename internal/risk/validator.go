package risk

import (
	"fmt"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

// Advisory thresholds for position assessment, as fractions of the
// configured take-profit distance.
const (
	breakEvenAt = 0.5
	trailingAt  = 0.75
)

// ValidationInput carries one proposed trade plus the account state it is
// judged against.
type ValidationInput struct {
	Symbol     string
	Side       types.Side
	Quantity   float64
	EntryPrice float64

	Equity           float64
	DailyRealizedPnl float64
	PeakEquity       float64
}

// ValidationResult is the outcome of the pre-trade checks. Errors block the
// trade; warnings are informational and ride along with a valid result.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string

	Notional   float64
	Drawdown   float64 // percent below peak equity
	RewardRisk float64
}

// Validate runs the pre-trade checks in a fixed order, stopping at the first
// failure:
//
//  1. order parameters are sane (positive quantity and price)
//  2. notional fits inside the per-position equity cap
//  3. the daily realized-loss budget is not exhausted
//  4. equity drawdown from peak is inside the limit
//
// The reward/risk ratio of the configured SL/TP geometry is checked last and
// surfaces as a warning, not an error: the geometry is operator-configured
// and constant across trades, so failing every trade on it would make the
// misconfiguration invisible instead of loud.
func Validate(in ValidationInput, cfg config.RiskConfig) ValidationResult {
	res := ValidationResult{}

	if in.Quantity <= 0 || in.EntryPrice <= 0 {
		res.Errors = append(res.Errors,
			fmt.Sprintf("invalid order parameters: quantity=%v price=%v", in.Quantity, in.EntryPrice))
		return res
	}

	res.Notional = in.Quantity * in.EntryPrice
	maxNotional := in.Equity * cfg.MaxPositionSizePercent / 100
	if res.Notional > maxNotional {
		res.Errors = append(res.Errors,
			fmt.Sprintf("notional %.2f exceeds %.1f%% of equity (%.2f)",
				res.Notional, cfg.MaxPositionSizePercent, maxNotional))
		return res
	}

	if loss := -in.DailyRealizedPnl; loss >= cfg.MaxDailyLossUSDT {
		res.Errors = append(res.Errors,
			fmt.Sprintf("daily loss budget exhausted: %.2f of %.2f USDT", loss, cfg.MaxDailyLossUSDT))
		return res
	}

	res.Drawdown = DrawdownPercent(in.Equity, in.PeakEquity)
	if res.Drawdown > cfg.MaxDrawdownPercent {
		res.Errors = append(res.Errors,
			fmt.Sprintf("drawdown %.2f%% exceeds limit %.1f%%", res.Drawdown, cfg.MaxDrawdownPercent))
		return res
	}

	if cfg.StopLossPercent > 0 {
		res.RewardRisk = cfg.TakeProfitPercent / cfg.StopLossPercent
		if res.RewardRisk < cfg.RiskRewardRatio {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("reward/risk %.2f below configured floor %.2f", res.RewardRisk, cfg.RiskRewardRatio))
		}
	}

	res.Valid = true
	return res
}

// DrawdownPercent returns how far equity sits below its peak, in percent.
func DrawdownPercent(equity, peak float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak * 100
}

// Recommendation is an advisory action for an open position.
type Recommendation string

const (
	RecommendMoveToBreakEven  Recommendation = "MOVE_TO_BREAKEVEN"
	RecommendActivateTrailing Recommendation = "ACTIVATE_TRAILING_STOP"
)

// AssessPosition inspects an open position at the given mark price and
// returns advisory stop adjustments, ordered mildest first. Once the
// favorable move covers half the take-profit distance the stop should move
// to entry; at three quarters a trailing stop should take over. The position
// monitor decides whether and how to act on them.
func AssessPosition(pos types.ManagedPosition, markPrice float64, cfg config.RiskConfig) []Recommendation {
	if pos.Status != types.PositionActive || markPrice <= 0 {
		return nil
	}
	pnlPct := pos.PnlPercent(markPrice)
	if pnlPct <= 0 {
		return nil
	}

	var recs []Recommendation
	if pnlPct >= cfg.TakeProfitPercent*breakEvenAt {
		recs = append(recs, RecommendMoveToBreakEven)
	}
	if pnlPct >= cfg.TakeProfitPercent*trailingAt {
		recs = append(recs, RecommendActivateTrailing)
	}
	return recs
}
