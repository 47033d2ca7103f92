package crossmarket_test

import (
	"math"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/crossmarket"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func candleSeries(n int, fn func(i int) float64) []types.Candle {
	candles := make([]types.Candle, n)
	t := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price := fn(i)
		candles[i] = types.Candle{
			Time: t.Add(time.Duration(i) * time.Minute),
			Open: price, High: price + 0.1, Low: price - 0.1, Close: price,
			TickVolume: 1000,
		}
	}
	return candles
}

func newBrain() *crossmarket.Brain {
	return crossmarket.NewBrain(zap.NewNop(), crossmarket.Config{
		PrimarySymbol: "WIN$N",
		CrossSymbols:  []string{"WDO$N"},
		CorrWindows:   []int{20, 50},
		SpreadWindow:  50,
		ZThreshold:    2.0,
		BetaWindow:    50,
		CorrBrokenMin: -0.2,
		CorrBrokenMax: 0.2,
	})
}

func TestCorrelatedMarketsStayNeutral(t *testing.T) {
	brain := newBrain()
	wave := func(i int) float64 { return 100 + 5*math.Sin(float64(i)/7) }
	primary := candleSeries(120, wave)
	cross := candleSeries(120, func(i int) float64 { return 50 + 2.5*math.Sin(float64(i)/7) })

	metric, signal := brain.Update(primary, map[string][]types.Candle{"WDO$N": cross}, primary[119].Time)
	if metric == nil || signal == nil {
		t.Fatal("expected metric and signal for sufficient data")
	}
	if metric.CorrFast < 0.9 {
		t.Errorf("perfectly co-moving series should correlate strongly, got %v", metric.CorrFast)
	}
	if signal.Kind == types.CrossMarketBroken {
		t.Error("healthy correlation must not flag MARKET_BROKEN")
	}
}

func TestUncorrelatedMarketsFlagBroken(t *testing.T) {
	brain := newBrain()
	primary := candleSeries(120, func(i int) float64 { return 100 + 5*math.Sin(float64(i)/3) })
	// Alternating noise uncorrelated with the primary wave.
	cross := candleSeries(120, func(i int) float64 { return 50 + float64(i%2)*0.4 })

	metric, signal := brain.Update(primary, map[string][]types.Candle{"WDO$N": cross}, primary[119].Time)
	if metric == nil {
		t.Fatal("expected a metric")
	}
	if math.Abs(metric.CorrFast) > 0.5 {
		t.Skipf("noise fixture unexpectedly correlated: %v", metric.CorrFast)
	}
	if math.Abs(metric.CorrFast) < 0.2 && signal.Kind != types.CrossMarketBroken {
		t.Errorf("near-zero correlation must flag MARKET_BROKEN, got %s", signal.Kind)
	}
}

func TestMissingCrossDataDegrades(t *testing.T) {
	brain := newBrain()
	primary := candleSeries(120, func(i int) float64 { return 100 + float64(i)*0.1 })

	metric, signal := brain.Update(primary, map[string][]types.Candle{}, primary[119].Time)
	if metric != nil || signal != nil {
		t.Error("missing cross window must degrade to nil, not panic")
	}
}

func TestSignalFactors(t *testing.T) {
	cases := map[types.CrossSignalKind]float64{
		types.CrossMarketBroken: 0.3,
		types.CrossReduceBuy:    0.7,
		types.CrossReduceSell:   0.7,
		types.CrossNeutral:      1.0,
		types.CrossConfirmBuy:   1.2,
		types.CrossConfirmSell:  1.2,
	}
	for kind, want := range cases {
		signal := &crossmarket.Signal{Kind: kind}
		if got := signal.Factor(); got != want {
			t.Errorf("%s factor: expected %v, got %v", kind, want, got)
		}
	}
	var nilSignal *crossmarket.Signal
	if nilSignal.Factor() != 1.0 {
		t.Error("nil signal must be neutral")
	}
}
