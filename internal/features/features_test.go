package features_test

import (
	"math"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func makeCandles(n int, start, step float64) []types.Candle {
	candles := make([]types.Candle, n)
	t := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		candles[i] = types.Candle{
			Time:       t,
			Open:       price,
			High:       price + 0.3,
			Low:        price - 0.3,
			Close:      price + step,
			TickVolume: 1000,
		}
		price += step
		t = t.Add(time.Minute)
	}
	return candles
}

func TestShortWindowIsUnknownRegime(t *testing.T) {
	builder := features.NewBuilder(50)
	bundle := builder.Build(makeCandles(20, 100, 0.1), nil)
	if bundle.Regime != types.RegimeUnknown {
		t.Errorf("expected UNKNOWN regime for short window, got %s", bundle.Regime)
	}
}

func TestTrendClassification(t *testing.T) {
	up := features.Classify(makeCandles(60, 100, 0.2))
	if up != types.RegimeTrendUp {
		t.Errorf("rising closes should classify TREND_UP, got %s", up)
	}
	down := features.Classify(makeCandles(60, 100, -0.2))
	if down != types.RegimeTrendDown {
		t.Errorf("falling closes should classify TREND_DOWN, got %s", down)
	}
}

func TestHighVolClassification(t *testing.T) {
	// Alternate wide bars so ATR/mean(close) exceeds 1%.
	candles := make([]types.Candle, 60)
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := range candles {
		base := 100.0
		candles[i] = types.Candle{
			Time: t0.Add(time.Duration(i) * time.Minute),
			Open: base, High: base + 3, Low: base - 3, Close: base + float64(i%2)*2 - 1,
			TickVolume: 1000,
		}
	}
	if got := features.Classify(candles); got != types.RegimeHighVol {
		t.Errorf("wide bars should classify HIGH_VOL, got %s", got)
	}
}

func TestDeterministicBundles(t *testing.T) {
	builder := features.NewBuilder(50)
	window := makeCandles(120, 100, 0.1)
	a := builder.Build(window, nil)
	b := builder.Build(window, nil)
	if a != b {
		t.Error("same window must produce identical bundles")
	}
}

func TestIndicators(t *testing.T) {
	window := makeCandles(60, 100, 0.1)
	if sma := features.SMA(window, 20); math.IsNaN(sma) || sma <= 0 {
		t.Errorf("unexpected SMA: %v", sma)
	}
	if atr := features.ATR(window, 14); math.IsNaN(atr) || atr <= 0 {
		t.Errorf("unexpected ATR: %v", atr)
	}
	if rsi := features.RSI(window, 14); rsi < 50 {
		t.Errorf("RSI of a steady uptrend should be >= 50, got %v", rsi)
	}
	if rl := features.RoundLevel(104.9, 50); rl != 100 {
		t.Errorf("expected round level 100, got %v", rl)
	}
}

func TestTransitionAdjacency(t *testing.T) {
	cases := []struct {
		from, to types.Regime
		ok       bool
	}{
		{types.RegimeRange, types.RegimeTrendUp, true},
		{types.RegimeRange, types.RegimeExhaustion, false},
		{types.RegimeTrendUp, types.RegimeExhaustion, true},
		{types.RegimeTrendUp, types.RegimeTrendDown, false},
		{types.RegimeChaotic, types.RegimeRange, true},
		{types.RegimeChaotic, types.RegimeTrendUp, false},
		{types.RegimeExhaustion, types.RegimeHighVol, true},
	}
	for _, c := range cases {
		if got := features.IsValidTransition(c.from, c.to); got != c.ok {
			t.Errorf("transition %s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestTransitionDetectorRespectsAdjacency(t *testing.T) {
	detector := features.NewTransitionDetector(zap.NewNop(), 10)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	// Drive with a strong uptrend: UNKNOWN -> TREND_UP is permitted.
	for i := 0; i < 5; i++ {
		detector.Update("WIN$N", makeCandles(60, 100+float64(i), 1.5), now.Add(time.Duration(i)*time.Minute))
	}
	if cur := detector.Current(); cur != types.RegimeTrendUp && cur != types.RegimeUnknown {
		// Whatever state was reached, it must have been reached through
		// permitted adjacency only.
		for _, tr := range detector.History() {
			if !features.IsValidTransition(tr.From, tr.To) {
				t.Errorf("illegal transition emitted: %s -> %s", tr.From, tr.To)
			}
		}
	}
}

func TestTransitionActiveWindow(t *testing.T) {
	detector := features.NewTransitionDetector(zap.NewNop(), 10)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	var emitted bool
	for i := 0; i < 10 && !emitted; i++ {
		if tr := detector.Update("WIN$N", makeCandles(60, 100, 1.5), now); tr != nil {
			emitted = true
		}
	}
	if !emitted {
		t.Skip("no transition emitted for synthetic window")
	}
	if !detector.IsActive(now.Add(5 * time.Minute)) {
		t.Error("transition should be active 5 minutes after emission")
	}
	if detector.IsActive(now.Add(11 * time.Minute)) {
		t.Error("transition should expire after 10 minutes")
	}
}
