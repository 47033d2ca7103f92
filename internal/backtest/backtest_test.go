package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/backtest"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func series(n int) []types.Candle {
	candles := make([]types.Candle, n)
	t := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	price := 100.0
	step := 0.05
	for i := 0; i < n; i++ {
		if i%80 == 0 {
			step = -step // alternate trends so both sides trade
		}
		candles[i] = types.Candle{
			Time:       t.Add(time.Duration(i) * time.Minute),
			Open:       price,
			High:       price + 0.3,
			Low:        price - 0.3,
			Close:      price + step,
			TickVolume: 1000 + float64(i%7)*100,
		}
		price += step
	}
	return candles
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.NewsEnabled = false
	cfg.CrossMarketEnabled = false
	cfg.UncertaintyGateEnabled = false
	cfg.BadDayEnabled = false
	cfg.CooldownSeconds = 0
	cfg.MaxTradesPerDay = 10000
	cfg.MaxTradesPerHour = 10000
	return cfg
}

func TestBacktestRunsDeterministically(t *testing.T) {
	cfg := testConfig(t)
	candles := series(400)

	a, err := backtest.Run(context.Background(), zap.NewNop(), cfg, candles, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, err := backtest.Run(context.Background(), zap.NewNop(), cfg, candles, 42)
	if err != nil {
		t.Fatal(err)
	}
	if a.Metrics.Entries != b.Metrics.Entries || !a.Metrics.TotalPnL.Equal(b.Metrics.TotalPnL) {
		t.Error("same candles and seed must reproduce the same backtest")
	}
	if a.Metrics.Bars == 0 {
		t.Error("backtest must process bars")
	}
}

func TestBacktestRejectsShortSeries(t *testing.T) {
	cfg := testConfig(t)
	if _, err := backtest.Run(context.Background(), zap.NewNop(), cfg, series(30), 1); err == nil {
		t.Error("short series must be rejected")
	}
}

func TestWalkForwardSplits(t *testing.T) {
	candles := series(2000)
	windows := backtest.SplitWalkForward(candles, 800, 200, 50, 50)
	if len(windows) == 0 {
		t.Fatal("expected at least one walk-forward window")
	}
	for i, w := range windows {
		if len(w.Train) != 800 || len(w.Test) != 200 {
			t.Errorf("window %d has train=%d test=%d", i, len(w.Train), len(w.Test))
		}
		// The purge gap keeps test data strictly after training data.
		if !w.TestStart.After(w.TrainEnd) {
			t.Errorf("window %d: test must start after train ends", i)
		}
		gap := w.TestStart.Sub(w.TrainEnd)
		if gap < 50*time.Minute {
			t.Errorf("window %d: purge gap too small: %v", i, gap)
		}
	}
}
