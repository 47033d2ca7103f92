package meta_test

import (
	"math"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/meta"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func outcomes(brainID string, regime types.Regime, pnls []float64) []types.TradeOutcome {
	out := make([]types.TradeOutcome, len(pnls))
	for i, pnl := range pnls {
		out[i] = types.TradeOutcome{
			BrainID: brainID,
			Regime:  regime,
			PnL:     pnl,
			MFE:     math.Abs(pnl) * 1.5,
			MAE:     -math.Abs(pnl),
		}
	}
	return out
}

func TestConfidenceGrowsWithTrades(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })

	brain.RecordOutcomes(outcomes("trend_pullback", types.RegimeTrendUp, []float64{50, 60, -20}))
	record := brain.Record(types.RegimeTrendUp, "trend_pullback")
	if record.Confidence != 0.3 {
		t.Errorf("below 5 trades confidence must be 0.3, got %v", record.Confidence)
	}

	brain.RecordOutcomes(outcomes("trend_pullback", types.RegimeTrendUp, []float64{40, 30, 20, -10, 60, 50, 45}))
	record = brain.Record(types.RegimeTrendUp, "trend_pullback")
	if record.Confidence <= 0.3 {
		t.Errorf("confidence must grow past 0.3 with 10 trades, got %v", record.Confidence)
	}
	want := math.Min(1.0, 0.3+0.7*math.Log(10)/math.Log(100))
	if math.Abs(record.Confidence-want) > 1e-9 {
		t.Errorf("expected log-growth confidence %v, got %v", want, record.Confidence)
	}
}

func TestTemporalDecayHalvesAtThirtyDays(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })
	brain.RecordOutcomes(outcomes("gift", types.RegimeRange, []float64{10, 20, 30, 40, 50}))

	fresh := brain.Record(types.RegimeRange, "gift").Confidence

	clock = clock.AddDate(0, 0, 30)
	aged := brain.Record(types.RegimeRange, "gift").Confidence
	if math.Abs(aged-fresh/2) > 1e-9 {
		t.Errorf("confidence should halve after 30 days: fresh=%v aged=%v", fresh, aged)
	}
}

func TestWeightsClamped(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })

	// A terrible brain: all losses.
	brain.RecordOutcomes(outcomes("wyckoff_adv", types.RegimeRange, []float64{-50, -40, -60, -30, -20, -10}))
	// A stellar brain: all wins.
	brain.RecordOutcomes(outcomes("trend_pullback", types.RegimeRange, []float64{50, 40, 60, 30, 20, 10}))

	decision := brain.Evaluate(types.RegimeRange, 10, 1.0,
		map[string]float64{"wyckoff_adv": 70, "trend_pullback": 80, "gift": 60}, nil)

	for brainID, weight := range decision.Weights {
		if weight < 0.3 || weight > 2.0 {
			t.Errorf("%s weight %v outside [0.3, 2.0]", brainID, weight)
		}
	}
	if decision.Weights["gift"] != 1.0 {
		t.Errorf("brain without history must get neutral weight, got %v", decision.Weights["gift"])
	}
	if decision.Weights["wyckoff_adv"] >= decision.Weights["trend_pullback"] {
		t.Error("losing brain must weigh less than winning brain")
	}
}

func TestRiskFlagsLowerConfidenceAndDeny(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })
	brain.RecordOutcomes(outcomes("gift", types.RegimeRange, []float64{-50, -40, -60, -30, -20}))

	losses := []float64{-1, -1, -1, -1, -1}
	decision := brain.Evaluate(types.RegimeRange, 10, 1.0, map[string]float64{"gift": 60}, losses)
	if decision.AllowTrading {
		t.Error("low confidence plus risk flags must deny trading")
	}
	if decision.RiskLevel == "LOW" {
		t.Error("flagged context must not report LOW risk")
	}
}

func TestSentimentStrings(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })
	brain.RecordOutcomes(outcomes("trend_pullback", types.RegimeTrendUp, []float64{50, 60, 70, 80, 90, -10}))

	decision := brain.Evaluate(types.RegimeTrendUp, 10, 1.0, map[string]float64{"trend_pullback": 80}, nil)
	if decision.MarketSentiment != "BULLISH" {
		t.Errorf("profitable uptrend should read BULLISH, got %s", decision.MarketSentiment)
	}
}

func TestTransitionMatrixIsAnalyticsOnly(t *testing.T) {
	clock := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	brain := meta.NewBrain(zap.NewNop(), func() time.Time { return clock })
	matrix := brain.Transition()
	matrix.Record(types.RegimeRange, types.RegimeTrendUp, 50)
	matrix.Record(types.RegimeRange, types.RegimeTrendUp, -20)

	cell := matrix.Cell(types.RegimeRange, types.RegimeTrendUp)
	if cell == nil || cell.TotalTrades != 2 || cell.Wins != 1 {
		t.Fatalf("unexpected cell %+v", cell)
	}
	if cell.WinRate() != 0.5 {
		t.Errorf("expected 50%% win rate, got %v", cell.WinRate())
	}
	if len(matrix.Cells()) != 1 {
		t.Errorf("expected a single cell, got %d", len(matrix.Cells()))
	}
}
