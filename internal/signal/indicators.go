// Package signal turns market data into trade signals. The worker pool
// (pool.go) pulls symbols from the progressively-loaded universe
// (universe.go), evaluates them with the pure indicator engine in this
// file, and hands scored signals to the orchestrator. queue.go holds the
// bounded priority queue the orchestrator drains into the executor.
package signal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

// volumeWindow is the lookback for the average-volume baseline.
const volumeWindow = 20

// EvaluateIndicators scores a candle series into a Signal. Three factors
// vote: RSI extremes, fast/slow MA crossover, and a volume spike in the
// direction of the last candle. Factor weights cap at 80; full agreement
// of all three adds a 20-point alignment bonus.
//
// The function is pure with respect to its inputs; it performs no I/O.
func EvaluateIndicators(klines []types.Kline, cfg config.SignalConfig) types.Signal {
	sig := types.Signal{
		ID:        uuid.NewString(),
		Action:    types.ActionHold,
		CreatedAt: time.Now(),
	}

	if len(klines) < cfg.SlowMA+1 {
		sig.Reason = fmt.Sprintf("insufficient history: %d candles, need %d", len(klines), cfg.SlowMA+1)
		return sig
	}

	closes := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}

	rsi := RSI(closes, cfg.RSIPeriod)
	fast := SMA(closes, cfg.FastMA)
	slow := SMA(closes, cfg.SlowMA)
	prevFast := SMA(closes[:len(closes)-1], cfg.FastMA)
	prevSlow := SMA(closes[:len(closes)-1], cfg.SlowMA)
	volRatio := VolumeRatio(volumes, volumeWindow)

	var bull, bear float64
	var bullFactors, bearFactors int
	var reasons []string

	switch {
	case rsi <= cfg.RSIOversold:
		bull += 35
		bullFactors++
		reasons = append(reasons, fmt.Sprintf("RSI oversold at %.1f", rsi))
	case rsi >= cfg.RSIOverbought:
		bear += 35
		bearFactors++
		reasons = append(reasons, fmt.Sprintf("RSI overbought at %.1f", rsi))
	}

	switch {
	case prevFast <= prevSlow && fast > slow:
		bull += 30
		bullFactors++
		reasons = append(reasons, fmt.Sprintf("MA%d crossed above MA%d", cfg.FastMA, cfg.SlowMA))
	case prevFast >= prevSlow && fast < slow:
		bear += 30
		bearFactors++
		reasons = append(reasons, fmt.Sprintf("MA%d crossed below MA%d", cfg.FastMA, cfg.SlowMA))
	case fast > slow:
		bull += 10
		reasons = append(reasons, "uptrend")
	case fast < slow:
		bear += 10
		reasons = append(reasons, "downtrend")
	}

	if volRatio >= cfg.VolumeSpikeRatio {
		lastUp := closes[len(closes)-1] >= closes[len(closes)-2]
		if lastUp {
			bull += 15
			bullFactors++
		} else {
			bear += 15
			bearFactors++
		}
		reasons = append(reasons, fmt.Sprintf("volume spike %.1fx", volRatio))
	}

	strength := math.Max(bull, bear)
	switch {
	case bull > bear && bullFactors >= 3:
		strength += 20
	case bear > bull && bearFactors >= 3:
		strength += 20
	case bull > bear && bullFactors >= 2:
		strength += 10
	case bear > bull && bearFactors >= 2:
		strength += 10
	}
	strength = math.Min(100, strength)

	switch {
	case bull > bear:
		sig.Action = types.ActionBuy
	case bear > bull:
		sig.Action = types.ActionSell
	}
	if sig.Action == types.ActionHold && len(reasons) == 0 {
		reasons = append(reasons, "no edge")
	}

	sig.Strength = strength
	sig.Reason = strings.Join(reasons, "; ")
	sig.Indicators = map[string]float64{
		"rsi":          round2(rsi),
		"fast_ma":      round2(fast),
		"slow_ma":      round2(slow),
		"volume_ratio": round2(volRatio),
		"last_close":   closes[len(closes)-1],
	}
	return sig
}

// RSI computes Wilder's relative strength index over the full series.
// Returns the neutral 50 when the series is too short.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return 50
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// SMA is the simple moving average of the last n values.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// VolumeRatio compares the latest volume against the average of the
// preceding window. Returns 1 when there is no baseline.
func VolumeRatio(volumes []float64, window int) float64 {
	if len(volumes) < 2 {
		return 1
	}
	start := len(volumes) - 1 - window
	if start < 0 {
		start = 0
	}
	baseline := volumes[start : len(volumes)-1]
	var sum float64
	for _, v := range baseline {
		sum += v
	}
	avg := sum / float64(len(baseline))
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
