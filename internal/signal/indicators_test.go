package signal

import (
	"math"
	"strings"
	"testing"
	"time"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

func indicatorConfig() config.SignalConfig {
	return config.SignalConfig{
		RSIPeriod:        14,
		RSIOversold:      30,
		RSIOverbought:    70,
		FastMA:           3,
		SlowMA:           5,
		VolumeSpikeRatio: 2.0,
	}
}

// seriesFromCloses builds klines with the given closes and flat 1000 volume.
func seriesFromCloses(closes []float64) []types.Kline {
	out := make([]types.Kline, len(closes))
	for i, c := range closes {
		out[i] = types.Kline{
			OpenTime: time.Now().Add(-time.Duration(len(closes)-i) * 5 * time.Minute),
			Open:     c, High: c + 0.5, Low: c - 0.5, Close: c,
			Volume: 1000,
		}
	}
	return out
}

func TestRSIExtremes(t *testing.T) {
	t.Parallel()
	rising := make([]float64, 20)
	falling := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i + 1)
		falling[i] = float64(20 - i)
	}
	if got := RSI(rising, 14); got != 100 {
		t.Fatalf("RSI(rising) = %v, want 100", got)
	}
	if got := RSI(falling, 14); got != 0 {
		t.Fatalf("RSI(falling) = %v, want 0", got)
	}
	if got := RSI([]float64{1, 2, 3}, 14); got != 50 {
		t.Fatalf("RSI(short) = %v, want neutral 50", got)
	}
}

func TestSMA(t *testing.T) {
	t.Parallel()
	if got := SMA([]float64{1, 2, 3, 4, 5}, 3); got != 4 {
		t.Fatalf("SMA = %v, want 4", got)
	}
	if got := SMA([]float64{1, 2}, 3); got != 0 {
		t.Fatalf("SMA(short) = %v, want 0", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	t.Parallel()
	volumes := []float64{100, 100, 100, 100, 300}
	if got := VolumeRatio(volumes, 4); got != 3 {
		t.Fatalf("VolumeRatio = %v, want 3", got)
	}
	if got := VolumeRatio([]float64{100}, 4); got != 1 {
		t.Fatalf("VolumeRatio(short) = %v, want 1", got)
	}
}

func TestEvaluateInsufficientHistory(t *testing.T) {
	t.Parallel()
	sig := EvaluateIndicators(seriesFromCloses([]float64{100, 101, 102}), indicatorConfig())
	if sig.Action != types.ActionHold {
		t.Fatalf("action = %s, want HOLD", sig.Action)
	}
	if !strings.Contains(sig.Reason, "insufficient") {
		t.Fatalf("reason = %q, want insufficient-history mention", sig.Reason)
	}
}

func TestEvaluateOversoldDecline(t *testing.T) {
	t.Parallel()
	// Monotonic slide: RSI pins to 0 (oversold, +35 bull) while the trend
	// factor votes bear (+10). Mean reversion wins with strength 35.
	closes := make([]float64, 26)
	for i := range closes {
		closes[i] = 100 - float64(i)
	}
	sig := EvaluateIndicators(seriesFromCloses(closes), indicatorConfig())
	if sig.Action != types.ActionBuy {
		t.Fatalf("action = %s, want BUY", sig.Action)
	}
	if sig.Strength != 35 {
		t.Fatalf("strength = %v, want 35", sig.Strength)
	}
	if !strings.Contains(sig.Reason, "RSI oversold") {
		t.Fatalf("reason = %q, want RSI oversold", sig.Reason)
	}
}

func TestEvaluateBullishCrossWithVolume(t *testing.T) {
	t.Parallel()
	// 25 declining candles, then a 10-point pop on 5x volume: MA crossover
	// (+30) and a volume spike (+15) agree, two factors add a +10 bonus.
	closes := make([]float64, 26)
	for i := 0; i < 25; i++ {
		closes[i] = 100 - float64(i)
	}
	closes[25] = 86
	klines := seriesFromCloses(closes)
	klines[25].Volume = 5000

	sig := EvaluateIndicators(klines, indicatorConfig())
	if sig.Action != types.ActionBuy {
		t.Fatalf("action = %s, want BUY", sig.Action)
	}
	if sig.Strength != 55 {
		t.Fatalf("strength = %v, want 55 (30+15+10)", sig.Strength)
	}
	if !strings.Contains(sig.Reason, "crossed above") || !strings.Contains(sig.Reason, "volume spike") {
		t.Fatalf("reason = %q, want crossover and volume spike", sig.Reason)
	}
}

func TestEvaluateBearishCrossWithVolume(t *testing.T) {
	t.Parallel()
	// Mirror image of the bullish case: rally, then a 10-point dump on 5x
	// volume.
	closes := make([]float64, 26)
	for i := 0; i < 25; i++ {
		closes[i] = 75 + float64(i)
	}
	closes[25] = 89
	klines := seriesFromCloses(closes)
	klines[25].Volume = 5000

	sig := EvaluateIndicators(klines, indicatorConfig())
	if sig.Action != types.ActionSell {
		t.Fatalf("action = %s, want SELL", sig.Action)
	}
	if sig.Strength != 55 {
		t.Fatalf("strength = %v, want 55 (30+15+10)", sig.Strength)
	}
	if !strings.Contains(sig.Reason, "crossed below") {
		t.Fatalf("reason = %q, want crossed below", sig.Reason)
	}
}

func TestEvaluateIndicatorSnapshot(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 26)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i))
	}
	sig := EvaluateIndicators(seriesFromCloses(closes), indicatorConfig())

	for _, key := range []string{"rsi", "fast_ma", "slow_ma", "volume_ratio", "last_close"} {
		if _, ok := sig.Indicators[key]; !ok {
			t.Fatalf("indicator snapshot missing %q", key)
		}
	}
	if sig.Indicators["last_close"] != closes[25] {
		t.Fatalf("last_close = %v, want %v", sig.Indicators["last_close"], closes[25])
	}
	if sig.ID == "" || sig.CreatedAt.IsZero() {
		t.Fatal("signal identity not populated")
	}
}
