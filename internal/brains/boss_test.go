package brains_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/brains"
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/internal/news"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// trendWindow builds a calm uptrend whose last bar pulls back through the
// MA20, so the trend-pullback detector emits a high-scoring BUY.
func trendWindow(n int) []types.Candle {
	candles := make([]types.Candle, n)
	t := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		candles[i] = types.Candle{
			Time:       t.Add(time.Duration(i) * time.Minute),
			Open:       price,
			High:       price + 0.3,
			Low:        price - 0.3,
			Close:      price + 0.05,
			TickVolume: 1000,
		}
		price += 0.05
	}
	// Final bar dips through the MA20 and closes strong.
	last := &candles[n-1]
	last.Low = last.Close - 0.8
	return candles
}

// dynamicSpreadLimit mirrors the boss's dynamic spread cap for the window.
func dynamicSpreadLimit(window []types.Candle, configured float64) float64 {
	lookback := 20
	if len(window) < lookback {
		lookback = len(window)
	}
	var sum float64
	for _, c := range window[len(window)-lookback:] {
		sum += c.High - c.Low
	}
	dynamic := 0.1 * sum / float64(lookback)
	if dynamic > 0 && dynamic < configured {
		return dynamic
	}
	return configured
}

func testContext(window []types.Candle, spread float64) *brains.Context {
	builder := features.NewBuilder(50)
	return &brains.Context{
		Symbol:       "WIN$N",
		Timeframe:    types.TimeframeM5,
		Now:          window[len(window)-1].Time,
		Features:     builder.Build(window, nil),
		Spread:       spread,
		SpreadMax:    2.0,
		RiskPerTrade: 0.005,
		PointValue:   1.0,
		MinLot:       1.0,
		LotStep:      1.0,
	}
}

func TestHappyEnter(t *testing.T) {
	boss := brains.NewBoss(zap.NewNop(), nil, nil)
	window := trendWindow(120)
	ctx := testContext(window, 0.05)
	if ctx.Features.Regime != types.RegimeTrendUp {
		t.Fatalf("fixture should classify TREND_UP, got %s", ctx.Features.Regime)
	}

	decision := boss.Run(map[types.Timeframe][]types.Candle{types.TimeframeM5: window}, nil, ctx)
	if decision.Action != types.ActionEnter {
		t.Fatalf("expected ENTER, got %s (%s)", decision.Action, decision.Reason)
	}
	if decision.Side != types.SideBuy {
		t.Errorf("expected BUY, got %s", decision.Side)
	}
	if decision.Size != 1 {
		t.Errorf("expected size 1 from min_lot flooring, got %v", decision.Size)
	}
	if !strings.HasPrefix(decision.Reason, "Top score") {
		t.Errorf("reason should start with Top score, got %q", decision.Reason)
	}
	if len(decision.Contributors) == 0 {
		t.Error("contributors must list signalling brains")
	}
	if decision.SL >= decision.Entry {
		t.Errorf("BUY decision must have SL < entry: sl=%v entry=%v", decision.SL, decision.Entry)
	}
}

func TestNewsBlock(t *testing.T) {
	filter, err := news.NewFilter(zap.NewNop(), news.Config{
		Enabled:            true,
		BlockMinutesBefore: 10,
		BlockMinutesAfter:  10,
		ImpactBlock:        types.ImpactHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	filter.AddEvent(types.NewsEvent{
		Time:    time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Title:   "Payrolls",
		Impact:  types.ImpactHigh,
		Country: "USA",
	})

	boss := brains.NewBoss(zap.NewNop(), filter, nil)
	window := trendWindow(120)
	ctx := testContext(window, 0.05)
	ctx.Now = time.Date(2025, 3, 10, 9, 55, 0, 0, time.UTC)

	decision := boss.Run(map[types.Timeframe][]types.Candle{types.TimeframeM5: window}, nil, ctx)
	if decision.Action != types.ActionSkip {
		t.Fatalf("expected SKIP during news window, got %s", decision.Action)
	}
	if !strings.Contains(decision.Reason, "News block") {
		t.Errorf("reason should contain News block, got %q", decision.Reason)
	}
	if len(decision.Contributors) != 0 {
		t.Error("news block must short-circuit before signal processing")
	}
}

func TestSpreadGateBoundary(t *testing.T) {
	boss := brains.NewBoss(zap.NewNop(), nil, nil)
	window := trendWindow(120)
	windows := map[types.Timeframe][]types.Candle{types.TimeframeM5: window}
	limit := dynamicSpreadLimit(window, 2.0)

	exactly := testContext(window, limit)
	if d := boss.Run(windows, nil, exactly); d.Action != types.ActionEnter {
		t.Errorf("spread exactly at the limit must pass, got %s (%s)", d.Action, d.Reason)
	}

	above := testContext(window, limit*1.001)
	if d := boss.Run(windows, nil, above); d.Action != types.ActionSkip {
		t.Errorf("spread above the limit must reject, got %s", d.Action)
	} else if !strings.Contains(d.Reason, "Spread above limit") {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestRiskRewardBoundary(t *testing.T) {
	// Exactly 1.2 passes the gate; strictly less rejects.
	exactly := &types.BrainSignal{Action: types.BrainBuy, Entry: 100, SL: 95, TP1: 106}
	if got := brains.RiskReward(exactly); got != 1.2 {
		t.Errorf("expected RR 1.2, got %v", got)
	}
	below := &types.BrainSignal{Action: types.BrainBuy, Entry: 100, SL: 95, TP1: 105.9}
	if got := brains.RiskReward(below); got >= 1.2 {
		t.Errorf("expected RR below 1.2, got %v", got)
	}
	degenerate := &types.BrainSignal{Action: types.BrainBuy, Entry: 100, SL: 100, TP1: 102}
	if got := brains.RiskReward(degenerate); got != 0 {
		t.Errorf("zero risk must yield zero RR, got %v", got)
	}
}

func TestRegistryOrderIsFixed(t *testing.T) {
	a := brains.Registry()
	b := brains.Registry()
	if len(a) != len(b) || len(a) == 0 {
		t.Fatal("registry must be stable and non-empty")
	}
	for i := range a {
		if a[i].ID() != b[i].ID() {
			t.Errorf("registry order differs at %d: %s vs %s", i, a[i].ID(), b[i].ID())
		}
	}
}

func TestDeterministicDecisions(t *testing.T) {
	boss := brains.NewBoss(zap.NewNop(), nil, nil)
	window := trendWindow(120)
	ctx := testContext(window, 0.05)
	windows := map[types.Timeframe][]types.Candle{types.TimeframeM5: window}

	a := boss.Run(windows, nil, ctx)
	b := boss.Run(windows, nil, ctx)
	if a.Action != b.Action || a.Size != b.Size || a.Entry != b.Entry || a.Reason != b.Reason {
		t.Error("same window and context must produce the same decision")
	}
}

func TestMetaWeightsShiftScores(t *testing.T) {
	boss := brains.NewBoss(zap.NewNop(), nil, nil)
	window := trendWindow(120)
	ctx := testContext(window, 0.05)
	windows := map[types.Timeframe][]types.Candle{types.TimeframeM5: window}

	base := boss.Run(windows, nil, ctx)
	boss.SetWeights(map[string]float64{"trend_pullback": 0.3})
	weighted := boss.Run(windows, nil, ctx)
	if base.Action == types.ActionEnter && weighted.Action == types.ActionEnter {
		if weighted.BrainScores["trend_pullback"] >= base.BrainScores["trend_pullback"] {
			t.Error("down-weighting a brain must reduce its weighted score")
		}
	}
}
