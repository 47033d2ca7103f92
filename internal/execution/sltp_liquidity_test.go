package execution_test

import (
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/liquidity"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func liquidityManager(t *testing.T) (*execution.LiquiditySLTPManager, *liquidity.Map) {
	t.Helper()
	logger := zap.NewNop()
	lmap := liquidity.NewMap(logger, 24)
	targets := liquidity.NewTargetSelector(logger, lmap, 1.5, 0.55, 0.65)
	stops := liquidity.NewStopSelector(logger, lmap, 0.5, 1.5)
	return execution.NewLiquiditySLTPManager(logger, lmap, targets, stops), lmap
}

func seedZone(m *liquidity.Map, price, strength float64, source liquidity.Source) {
	m.AddZone(&liquidity.Zone{
		Symbol:      "WIN$N",
		Source:      source,
		PriceCenter: price,
		PriceRange:  2,
		Timeframe:   "M5",
		Strength:    strength,
		ProbHold:    strength,
		ProbBreak:   1 - strength,
	})
}

func TestCreateSetupSelectsZoneTargets(t *testing.T) {
	manager, lmap := liquidityManager(t)
	seedZone(lmap, 98, 0.80, liquidity.SourceLowDaily)  // stop structure
	seedZone(lmap, 102, 0.70, liquidity.SourceVWAPDaily) // TP1
	seedZone(lmap, 104, 0.30, liquidity.SourcePivotM15)  // weak wall: runner on

	setup := manager.CreateSetup(1, "WIN$N", types.SideBuy, 100, false, true, 0.8, 200)
	if setup.Targets.TP1Price != 102 {
		t.Errorf("TP1 should come from the first strong zone, got %v", setup.Targets.TP1Price)
	}
	if setup.Targets.TP2Price != 104 {
		t.Errorf("TP2 should come from the next zone, got %v", setup.Targets.TP2Price)
	}
	if !setup.Targets.RunnerEnabled {
		t.Error("weak zones past TP1 with strong trend should enable the runner")
	}
	if want := 97.0 - 0.5; setup.Stop.StopPrice != want {
		t.Errorf("stop should sit below the low-daily zone at %v, got %v", want, setup.Stop.StopPrice)
	}
	if manager.Setup(1) == nil {
		t.Fatal("setup must be retained per ticket")
	}

	config := setup.ToSLTPConfig(true, 0.5)
	if !config.UsePartialExits || config.TP1Price != 102 || config.TP2Price != 104 {
		t.Errorf("plan config must mirror the zone targets, got %+v", config)
	}
	if !config.UseBreakEven || config.BreakEvenOffset != 0.5 {
		t.Error("break-even settings must pass through")
	}
}

func TestLiquidityTrailingJumpsLevels(t *testing.T) {
	manager, lmap := liquidityManager(t)
	seedZone(lmap, 98, 0.80, liquidity.SourceLowDaily)
	seedZone(lmap, 102, 0.70, liquidity.SourceVWAPDaily)
	seedZone(lmap, 104, 0.30, liquidity.SourcePivotM15)

	setup := manager.CreateSetup(1, "WIN$N", types.SideBuy, 100, false, true, 0.8, 200)
	if !setup.Targets.RunnerEnabled {
		t.Fatal("fixture should enable the runner")
	}
	now := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	// Before TP1 is crossed: no trailing.
	if update := manager.UpdateTrailing(1, 101, 100.5, 100.9, now); update != nil {
		t.Error("runner must stay inactive before TP1")
	}

	// Bar clears TP1: runner activates and the stop jumps under the next
	// level rather than following the candle.
	update := manager.UpdateTrailing(1, 102.6, 102.1, 102.5, now.Add(time.Minute))
	if update == nil {
		t.Fatal("crossing TP1 with a zone overhead should trail the stop")
	}
	want := 103.0 - 0.001*100 // next zone min, minus the entry-scaled margin
	if update.NewStop != want {
		t.Errorf("expected level-jump stop %v, got %v", want, update.NewStop)
	}

	// A weaker bar never walks the stop back.
	if again := manager.UpdateTrailing(1, 102.2, 101.9, 102.0, now.Add(2*time.Minute)); again != nil {
		t.Errorf("stop must not retreat, got %+v", again)
	}

	manager.Remove(1)
	if manager.Setup(1) != nil {
		t.Error("Remove must drop the setup")
	}
}

func TestCreateSetupWithoutStructureKeepsNoTargets(t *testing.T) {
	manager, _ := liquidityManager(t)
	setup := manager.CreateSetup(2, "WIN$N", types.SideBuy, 100, false, true, 0.8, 200)
	if setup.Targets.TP1Price != 0 {
		t.Errorf("empty map must yield no TP1, got %v", setup.Targets.TP1Price)
	}
	// Fallback stop is still placed at the default distance.
	if setup.Stop.StopPrice != 100-200 {
		t.Errorf("expected default-distance stop, got %v", setup.Stop.StopPrice)
	}
}
