package liquidity_test

import (
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/liquidity"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func addZone(m *liquidity.Map, price, strength float64, source liquidity.Source) {
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

func TestZoneStatisticsAndStrength(t *testing.T) {
	m := liquidity.NewMap(zap.NewNop(), 24)
	addZone(m, 100, 0.5, liquidity.SourcePivotM5)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	// Bar touches the zone and closes inside: hold.
	if updated := m.UpdateFromBar("WIN$N", 100.5, 99.5, 100.2, now); updated != 1 {
		t.Fatalf("expected 1 updated zone, got %d", updated)
	}
	zone := m.Zones("WIN$N", 0)[0]
	if zone.TouchCount != 1 || zone.HoldCount != 1 {
		t.Errorf("expected touch=1 hold=1, got touch=%d hold=%d", zone.TouchCount, zone.HoldCount)
	}
	if zone.ProbHold != 1.0 {
		t.Errorf("expected prob_hold 1.0, got %v", zone.ProbHold)
	}

	// Bar breaks above: break counted, strength decays.
	m.UpdateFromBar("WIN$N", 103, 100.5, 102.5, now.Add(time.Minute))
	if zone.BreakCount != 1 {
		t.Errorf("expected break=1, got %d", zone.BreakCount)
	}
	if zone.Strength > zone.ProbHold {
		t.Error("strength must not exceed prob_hold")
	}
}

func TestZoneExpiry(t *testing.T) {
	m := liquidity.NewMap(zap.NewNop(), 1)
	addZone(m, 100, 0.8, liquidity.SourceRound)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	m.UpdateFromBar("WIN$N", 100.5, 99.5, 100.1, now)

	// Two hours without a test, next update drops the zone.
	m.UpdateFromBar("WIN$N", 200, 199, 199.5, now.Add(2*time.Hour))
	if len(m.Zones("WIN$N", 0)) != 0 {
		t.Error("zones untested past expiry must be dropped")
	}
}

func TestTargetSelection(t *testing.T) {
	m := liquidity.NewMap(zap.NewNop(), 24)
	addZone(m, 101, 0.40, liquidity.SourceRound)      // weak, skipped for TP1
	addZone(m, 102, 0.70, liquidity.SourceVWAPDaily)  // TP1
	addZone(m, 104, 0.65, liquidity.SourcePivotM15)   // TP2
	selector := liquidity.NewTargetSelector(zap.NewNop(), m, 1.5, 0.55, 0.65)

	setup := selector.SelectTargets("WIN$N", types.SideBuy, 100, 99, true, 0.8)
	if setup.TP1Price != 102 {
		t.Errorf("TP1 should be the first zone with strength >= 0.55, got %v", setup.TP1Price)
	}
	if setup.TP2Price != 104 {
		t.Errorf("TP2 should be the next strong zone, got %v", setup.TP2Price)
	}
	if setup.RRRatio != 2.0 {
		t.Errorf("expected RR 2.0, got %v", setup.RRRatio)
	}
	if ok, reason := selector.Validate(setup); !ok {
		t.Errorf("setup should validate: %s", reason)
	}
}

func TestRunnerRequiresWeakZonesAhead(t *testing.T) {
	m := liquidity.NewMap(zap.NewNop(), 24)
	addZone(m, 102, 0.70, liquidity.SourceVWAPDaily)
	addZone(m, 104, 0.90, liquidity.SourcePivotM15) // strong wall past TP1
	selector := liquidity.NewTargetSelector(zap.NewNop(), m, 1.5, 0.55, 0.65)

	setup := selector.SelectTargets("WIN$N", types.SideBuy, 100, 99, true, 0.8)
	if setup.RunnerEnabled {
		t.Error("runner must stay disabled when a strong zone sits past TP1")
	}

	weak := liquidity.NewMap(zap.NewNop(), 24)
	addZone(weak, 102, 0.70, liquidity.SourceVWAPDaily)
	addZone(weak, 104, 0.30, liquidity.SourcePivotM15)
	selector = liquidity.NewTargetSelector(zap.NewNop(), weak, 1.5, 0.55, 0.65)
	setup = selector.SelectTargets("WIN$N", types.SideBuy, 100, 99, true, 0.8)
	if !setup.RunnerEnabled {
		t.Error("runner should enable when zones past TP1 are weak")
	}
}

func TestStopSelection(t *testing.T) {
	m := liquidity.NewMap(zap.NewNop(), 24)
	addZone(m, 98, 0.8, liquidity.SourceLowDaily)
	selector := liquidity.NewStopSelector(zap.NewNop(), m, 0.5, 1.5)

	setup := selector.SelectStop("WIN$N", types.SideBuy, 100, false, 50)
	want := 97.0 - 0.5 // zone min (98 - 1) minus buffer
	if setup.StopPrice != want {
		t.Errorf("expected stop %v below the zone, got %v", want, setup.StopPrice)
	}

	// During a transition the buffer widens.
	wide := selector.SelectStop("WIN$N", types.SideBuy, 100, true, 50)
	if wide.StopPrice >= setup.StopPrice {
		t.Error("transition stop must sit further from the entry")
	}

	// No structure behind: fixed-distance fallback.
	empty := liquidity.NewMap(zap.NewNop(), 24)
	selector = liquidity.NewStopSelector(zap.NewNop(), empty, 0.5, 1.5)
	fallback := selector.SelectStop("WIN$N", types.SideBuy, 100, false, 50)
	if fallback.StopPrice != 50 {
		t.Errorf("expected default stop at entry-distance, got %v", fallback.StopPrice)
	}
}
