package execution_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func buyPosition(volume float64) *types.Position {
	return &types.Position{
		Ticket:     1,
		Symbol:     "WIN$N",
		Side:       types.SideBuy,
		Volume:     volume,
		EntryPrice: 100,
		OpenTime:   time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Status:     types.PositionOpen,
	}
}

func TestTrailingRatchetBuy(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	m.Setup(1, buyPosition(1), 98, 0, execution.SLTPConfig{
		UseTrailing:      true,
		TrailingDistance: 1,
	})
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	expected := []float64{100, 101, 101, 102}
	for i, price := range []float64{101, 102, 101.5, 103} {
		m.OnTick(1, price, 0, now)
		if got := m.CurrentSL(1); got != expected[i] {
			t.Errorf("after price %v expected SL %v, got %v", price, expected[i], got)
		}
	}
}

func TestTrailingNeverWidens(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	m.Setup(1, buyPosition(1), 98, 0, execution.SLTPConfig{
		UseTrailing:      true,
		TrailingDistance: 1,
	})
	now := time.Now()

	prev := m.CurrentSL(1)
	for _, price := range []float64{101, 99, 102, 100, 105, 103} {
		m.OnTick(1, price, 0, now)
		cur := m.CurrentSL(1)
		if cur < prev {
			t.Fatalf("SL widened from %v to %v at price %v", prev, cur, price)
		}
		prev = cur
	}
}

func TestPartialTP1AndBreakEven(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	m.Setup(1, buyPosition(10), 98, 0, execution.SLTPConfig{
		UsePartialExits: true,
		TP1Price:        102, TP1Fraction: 0.5,
		TP2Price: 103, TP2Fraction: 0.3,
		TP3Price: 104, TP3Fraction: 0.2,
		UseBreakEven:    true,
		BreakEvenOffset: 0.5,
	})
	now := time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)

	closes, newSL := m.OnTick(1, 102, 0, now)
	if len(closes) != 1 {
		t.Fatalf("expected one partial close at TP1, got %d", len(closes))
	}
	if closes[0].Fraction != 0.5 || closes[0].VolumeToClose != 5 {
		t.Errorf("expected 50%% of 10 lots, got %+v", closes[0])
	}
	if newSL == nil || *newSL != 100.5 {
		t.Errorf("break-even should move SL to 100.5, got %v", newSL)
	}
	if m.CurrentSL(1) != 100.5 {
		t.Errorf("effective SL should read 100.5, got %v", m.CurrentSL(1))
	}
}

func TestClosedFractionsNeverExceedOne(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	m.Setup(1, buyPosition(10), 98, 0, execution.SLTPConfig{
		UsePartialExits: true,
		TP1Price:        101, TP1Fraction: 0.6,
		TP2Price: 102, TP2Fraction: 0.6, // deliberately over-allocated
	})
	now := time.Now()
	m.OnTick(1, 101, 0, now)
	m.OnTick(1, 102, 0, now)
	if got := m.ClosedFraction(1); got > 1.0 {
		t.Errorf("closed fractions must never exceed 1, got %v", got)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	config := execution.SLTPConfig{
		UsePartialExits: true,
		TP1Price:        102, TP1Fraction: 0.5,
		TP2Price: 103, TP2Fraction: 0.3,
		UseBreakEven:    true,
		BreakEvenOffset: 0.5,
	}
	a := m.Setup(1, buyPosition(10), 98, 0, config)
	first := *a
	b := m.Setup(1, buyPosition(10), 98, 0, config)
	if len(first.TPLevels) != len(b.TPLevels) || first.CurrentSL != b.CurrentSL ||
		first.InitialSL != b.InitialSL || first.Entry != b.Entry {
		t.Error("running Setup twice with the same inputs must produce the same plan")
	}
	for i := range first.TPLevels {
		if first.TPLevels[i] != b.TPLevels[i] {
			t.Errorf("TP level %d differs after re-setup", i)
		}
	}
}

func TestSellTrailing(t *testing.T) {
	m := execution.NewSLTPManager(zap.NewNop())
	position := buyPosition(1)
	position.Side = types.SideSell
	m.Setup(1, position, 102, 0, execution.SLTPConfig{
		UseTrailing:      true,
		TrailingDistance: 1,
	})
	now := time.Now()

	m.OnTick(1, 99, 0, now)
	if got := m.CurrentSL(1); got != 100 {
		t.Errorf("SELL trail after 99 should set SL 100, got %v", got)
	}
	m.OnTick(1, 99.5, 0, now)
	if got := m.CurrentSL(1); got != 100 {
		t.Errorf("unfavourable move must not widen SELL SL, got %v", got)
	}
	m.OnTick(1, 98, 0, now)
	if got := m.CurrentSL(1); got != 99 {
		t.Errorf("new low should ratchet SL to 99, got %v", got)
	}
}

func TestFillModelBoundaries(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	model := execution.NewFillModel(zap.NewNop(), execution.FillConfig{
		SpreadBase:    0,
		SpreadVolMult: 0,
		SlippageBase:  0,
		SlippageMax:   0,
		RejectionProb: 0,
	}, rng)
	now := time.Now()

	// Zero slippage and spread: fill at the requested price exactly.
	fill := model.CalculateFill(100, "BUY", 0, false, now)
	if !fill.Success || fill.FilledPrice != 100 {
		t.Errorf("expected exact fill at 100, got %+v", fill)
	}

	if !model.ValidateSpread(2.0, 2.0) {
		t.Error("spread exactly equal to the max must validate")
	}
	if model.ValidateSpread(2.01, 2.0) {
		t.Error("spread above the max must fail validation")
	}
}

func TestFillModelDirectionality(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model := execution.NewFillModel(zap.NewNop(), execution.FillConfig{
		SpreadBase:    1.0,
		SpreadVolMult: 0.5,
		SlippageBase:  0,
		SlippageMax:   2.0,
		RejectionProb: 0,
	}, rng)
	now := time.Now()

	buy := model.CalculateFill(100, "BUY", 0.4, false, now)
	if buy.FilledPrice <= 100 {
		t.Errorf("BUY fill must be worse (higher) than requested, got %v", buy.FilledPrice)
	}
	sell := model.CalculateFill(100, "SELL", 0.4, false, now)
	if sell.FilledPrice >= 100 {
		t.Errorf("SELL fill must be worse (lower) than requested, got %v", sell.FilledPrice)
	}

	worstBuy := model.EstimateWorstCaseFill(100, "BUY", 0.4)
	if worstBuy < buy.FilledPrice {
		t.Error("worst-case BUY fill must dominate the simulated fill")
	}
}

func TestFillModelDeterministicUnderSeed(t *testing.T) {
	config := execution.FillConfig{SpreadBase: 1, SpreadVolMult: 0.5, SlippageMax: 2, RejectionProb: 0.01}
	now := time.Now()
	a := execution.NewFillModel(zap.NewNop(), config, rand.New(rand.NewSource(99)))
	b := execution.NewFillModel(zap.NewNop(), config, rand.New(rand.NewSource(99)))
	for i := 0; i < 20; i++ {
		fa := a.CalculateFill(100, "BUY", 0.3, true, now)
		fb := b.CalculateFill(100, "BUY", 0.3, true, now)
		if fa.FilledPrice != fb.FilledPrice || fa.Success != fb.Success {
			t.Fatal("same seed must produce identical fills")
		}
	}
}
