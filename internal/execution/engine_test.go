package execution_test

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func newSimEngine(t *testing.T, riskConfig execution.RiskConfig) (*execution.Engine, *execution.PositionTracker) {
	t.Helper()
	logger := zap.NewNop()
	tracker := execution.NewPositionTracker(logger)
	fill := execution.NewFillModel(logger, execution.FillConfig{}, rand.New(rand.NewSource(1)))
	router := execution.NewSimRouter(logger, fill, tracker, nil)
	risk := execution.NewRiskManager(logger, riskConfig, nil)
	sltp := execution.NewSLTPManager(logger)
	engine := execution.NewEngine(logger, execution.ModeLiveSim, execution.EngineConfig{}, router, risk, sltp, tracker, fill, nil)
	return engine, tracker
}

func defaultRisk() execution.RiskConfig {
	return execution.RiskConfig{
		DailyLossLimit:     200,
		MaxTradesPerDay:    50,
		MaxTradesPerHour:   50,
		CooldownSeconds:    0,
		MaxConsecLosses:    3,
		MaxATRPct:          5,
		MaxBrainDivergence: 0.9,
		DegradeSteps:       3,
		DegradeFactor:      0.5,
	}
}

func enterDecision(size float64) types.Decision {
	return types.Decision{
		ID:     "d-1",
		Action: types.ActionEnter,
		Side:   types.SideBuy,
		Entry:  100,
		SL:     99,
		TP1:    101,
		Size:   size,
		Regime: types.RegimeTrendUp,
	}
}

func TestEnterCreatesOneOpenPosition(t *testing.T) {
	engine, tracker := newSimEngine(t, defaultRisk())
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	result := engine.Execute(enterDecision(1), "WIN$N", 100, 0.3, now)
	if !result.Success {
		t.Fatalf("expected successful entry, got %+v", result)
	}
	open := tracker.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("expected exactly one open position, got %d", len(open))
	}
	if open[0].Side != types.SideBuy || open[0].Volume != 1 {
		t.Errorf("unexpected position %+v", open[0])
	}
	if engine.SLTP().Plan(result.Ticket) == nil {
		t.Error("ENTER must install an SL/TP plan")
	}
}

func TestSkipIsNoOp(t *testing.T) {
	engine, tracker := newSimEngine(t, defaultRisk())
	result := engine.Execute(types.Decision{Action: types.ActionSkip, Reason: "No confluence"}, "WIN$N", 100, 0.3, time.Now())
	if !result.Success || len(tracker.OpenPositions()) != 0 {
		t.Error("SKIP must be a successful no-op")
	}
}

func TestConsecutiveLossDegradeAndPause(t *testing.T) {
	engine, _ := newSimEngine(t, defaultRisk())
	risk := engine.Risk()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	lose := func(n int) {
		for i := 0; i < n; i++ {
			risk.RecordTrade(-50, now)
			now = now.Add(time.Minute)
		}
	}

	lose(3)
	if got := risk.SizeFactor(); got != 0.5 {
		t.Errorf("after 3 losses size factor should be 0.5, got %v", got)
	}
	lose(3)
	if got := risk.SizeFactor(); got != 0.25 {
		t.Errorf("after 6 losses size factor should be 0.25, got %v", got)
	}
	lose(3)
	paused, reason := risk.Paused()
	if !paused {
		t.Fatal("after 9 losses the engine must pause")
	}
	if !strings.Contains(reason, "Max consecutive losses") {
		t.Errorf("pause reason should mention consecutive losses, got %q", reason)
	}

	// While paused, ENTER is risk-rejected.
	result := engine.Execute(enterDecision(4), "WIN$N", 100, 0.3, now)
	if result.Success {
		t.Error("paused engine must reject entries")
	}
	if !strings.Contains(result.Reason, "paused") {
		t.Errorf("expected pause reason, got %q", result.Reason)
	}
}

func TestDailyLossLimitBlocks(t *testing.T) {
	engine, _ := newSimEngine(t, defaultRisk())
	risk := engine.Risk()
	now := time.Now()
	risk.RecordTrade(-250, now)

	result := engine.Execute(enterDecision(1), "WIN$N", 100, 0.3, now)
	if result.Success {
		t.Error("entries past the daily loss limit must be rejected")
	}
}

func TestDailyRolloverDecaysDegrade(t *testing.T) {
	_, _ = newSimEngine(t, defaultRisk())
	risk := execution.NewRiskManager(zap.NewNop(), defaultRisk(), nil)
	now := time.Now()
	for i := 0; i < 3; i++ {
		risk.RecordTrade(-50, now)
	}
	if risk.DegradeLevel() != 1 {
		t.Fatalf("expected degrade level 1, got %d", risk.DegradeLevel())
	}
	risk.ResetDaily()
	if risk.DegradeLevel() != 0 {
		t.Errorf("daily rollover must decay one degrade step, got %d", risk.DegradeLevel())
	}
	if paused, _ := risk.Paused(); paused {
		t.Error("daily rollover must clear the pause")
	}
}

func TestCloseClosesOldestPosition(t *testing.T) {
	engine, tracker := newSimEngine(t, defaultRisk())
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	first := engine.Execute(enterDecision(1), "WIN$N", 100, 0.3, now)
	second := engine.Execute(enterDecision(1), "WIN$N", 100, 0.3, now.Add(time.Minute))
	if !first.Success || !second.Success {
		t.Fatal("both entries should fill")
	}

	result := engine.Execute(types.Decision{Action: types.ActionClose}, "WIN$N", 100, 0.3, now.Add(2*time.Minute))
	if !result.Success {
		t.Fatalf("close failed: %+v", result)
	}
	if result.Ticket != first.Ticket {
		t.Errorf("CLOSE must target the oldest position %d, closed %d", first.Ticket, result.Ticket)
	}
	if len(tracker.OpenPositions()) != 1 {
		t.Errorf("one position should remain open, got %d", len(tracker.OpenPositions()))
	}
}

func TestOrderValidation(t *testing.T) {
	cases := []struct {
		name    string
		request execution.PlaceOrderRequest
		ok      bool
	}{
		{"valid buy", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: types.SideBuy, Volume: 1, EntryPrice: 100, SL: 99, TP: 101}, true},
		{"valid sell", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: types.SideSell, Volume: 1, EntryPrice: 100, SL: 101, TP: 99}, true},
		{"zero volume", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: types.SideBuy, Volume: 0, EntryPrice: 100}, false},
		{"bad side", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: "HOLD", Volume: 1, EntryPrice: 100}, false},
		{"buy stops inverted", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: types.SideBuy, Volume: 1, EntryPrice: 100, SL: 101, TP: 102}, false},
		{"sell stops inverted", execution.PlaceOrderRequest{Symbol: "WIN$N", Side: types.SideSell, Volume: 1, EntryPrice: 100, SL: 99, TP: 101}, false},
	}
	for _, c := range cases {
		err := c.request.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected validation failure", c.name)
		}
	}
}

func TestPositionLifecycleOneWay(t *testing.T) {
	tracker := execution.NewPositionTracker(zap.NewNop())
	now := time.Now()
	tracker.Add(types.Position{Ticket: 7, Symbol: "WIN$N", Side: types.SideBuy, Volume: 2, EntryPrice: 100, OpenTime: now})

	// Partial close keeps it open.
	pnl, ok := tracker.Close(7, 1, 102, now)
	if !ok || pnl != 2 {
		t.Errorf("partial close of 1 lot at +2 should realize 2, got %v ok=%v", pnl, ok)
	}
	if tracker.Get(7).Status != types.PositionOpen {
		t.Error("partially closed position must stay OPEN")
	}

	// Full close transitions OPEN -> CLOSED once.
	_, ok = tracker.Close(7, 1, 103, now)
	if !ok {
		t.Fatal("full close failed")
	}
	if tracker.Get(7).Status != types.PositionClosed {
		t.Error("position must be CLOSED")
	}

	// A second close is rejected: CLOSED never reopens.
	if _, ok := tracker.Close(7, 1, 104, now); ok {
		t.Error("closing a CLOSED position must fail")
	}
}

func TestReconciliation(t *testing.T) {
	tracker := execution.NewPositionTracker(zap.NewNop())
	now := time.Now()
	tracker.Add(types.Position{Ticket: 1, Symbol: "WIN$N", Side: types.SideBuy, Volume: 1, EntryPrice: 100, OpenTime: now})
	tracker.UpdatePrice(1, 101)

	live := []types.Position{
		{Ticket: 2, Symbol: "WIN$N", Side: types.SideSell, Volume: 1, EntryPrice: 99, Status: types.PositionOpen},
	}
	result := tracker.Reconcile(live, now)

	if len(result.Divergences) != 1 || result.Divergences[0].Ticket != 1 {
		t.Fatalf("ticket 1 should diverge, got %+v", result.Divergences)
	}
	if tracker.Get(1).Status != types.PositionClosed {
		t.Error("diverged position must be auto-closed")
	}
	if tracker.Get(1).ClosePrice != 101 {
		t.Errorf("auto-close must use last known price 101, got %v", tracker.Get(1).ClosePrice)
	}
	if len(result.Missing) != 1 || result.Missing[0].Ticket != 2 {
		t.Fatalf("ticket 2 should be reported missing, got %+v", result.Missing)
	}
	if tracker.Get(2) != nil {
		t.Error("missing live positions must not be auto-adopted")
	}
}
