package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/engine"
	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func pipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.NewsEnabled = false
	cfg.CrossMarketEnabled = false
	cfg.UncertaintyGateEnabled = false
	cfg.BadDayEnabled = false
	cfg.TimeFilterEnabled = false
	cfg.CooldownSeconds = 0
	cfg.MaxTradesPerDay = 1000
	cfg.MaxTradesPerHour = 1000
	cfg.FillRejectionProb = 0
	cfg.FillSlippageMax = 0
	cfg.FillSpreadBase = 0
	cfg.FillSpreadVolMult = 0
	return cfg
}

// trendWindow mirrors the boss test fixture: calm uptrend with a final
// pullback bar.
func trendWindow(n int, base float64) []types.Candle {
	candles := make([]types.Candle, n)
	t := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	price := base
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
	last := &candles[n-1]
	last.Low = last.Close - 0.8
	return candles
}

func buildEngine(t *testing.T, cfg *config.Config, repo *database.MemoryRepository) *engine.Engine {
	t.Helper()
	eng, err := engine.Build(zap.NewNop(), cfg, execution.ModeLiveSim, nil, repo, engine.Sinks{
		Orders: repo, Risk: repo, Audit: repo,
	}, 7)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestPipelineEntersOnSignal(t *testing.T) {
	cfg := pipelineConfig(t)
	repo := database.NewMemoryRepository()
	eng := buildEngine(t, cfg, repo)

	window := trendWindow(120, 100)
	barTime := window[len(window)-1].Time
	windows := map[types.Timeframe][]types.Candle{types.Timeframe(cfg.Timeframes[0]): window}

	report := eng.ProcessBar(context.Background(), windows, nil, barTime, 0.02, false)
	if report.Decision.Action != types.ActionEnter && report.Decision.Action != types.ActionSkip {
		t.Fatalf("unexpected action %s", report.Decision.Action)
	}
	// Whatever the RL gate sampled, the decision must be fully journaled.
	if len(repo.Decisions) != 1 {
		t.Fatalf("expected one journaled decision, got %d", len(repo.Decisions))
	}
	if report.Executed {
		if len(eng.Exec().Tracker().OpenPositions()) != 1 {
			t.Error("executed entry must leave one open position")
		}
		if len(repo.AuditEntries) == 0 {
			t.Error("executions must write audit entries")
		}
	}
}

func TestLiquidityPlanInstalledOnEntry(t *testing.T) {
	cfg := pipelineConfig(t)
	if !cfg.LiquidityEnabled {
		t.Fatal("fixture expects the liquidity feature on by default")
	}
	repo := database.NewMemoryRepository()
	eng := buildEngine(t, cfg, repo)

	window := trendWindow(120, 100)
	windows := map[types.Timeframe][]types.Candle{types.Timeframe(cfg.Timeframes[0]): window}
	barTime := window[len(window)-1].Time

	// The RL gate samples per bar; drive bars until an entry fills.
	var ticket uint64
	for i := 0; i < 60 && ticket == 0; i++ {
		report := eng.ProcessBar(context.Background(), windows, nil, barTime, 0.02, false)
		if report.Executed {
			ticket = report.Ticket
		}
	}
	if ticket == 0 {
		t.Skip("no entry sampled in 60 bars")
	}

	setup := eng.LiquiditySLTP().Setup(ticket)
	if setup == nil {
		t.Fatal("an executed entry must register a liquidity setup")
	}
	if setup.Targets.TP1Price == 0 {
		t.Fatal("seeded zones should yield a zone-based TP1")
	}
	plan := eng.Exec().SLTP().Plan(ticket)
	if plan == nil {
		t.Fatal("the zone setup must be installed as the active plan")
	}
	if plan.CurrentSL != setup.Stop.StopPrice {
		t.Errorf("plan SL %v must match the zone-selected stop %v", plan.CurrentSL, setup.Stop.StopPrice)
	}
	if len(plan.TPLevels) == 0 || plan.TPLevels[0].Price != setup.Targets.TP1Price {
		t.Errorf("plan TP1 must match the zone target %v, got %+v", setup.Targets.TP1Price, plan.TPLevels)
	}
	position := eng.Exec().Tracker().Get(ticket)
	if position == nil || position.SL != setup.Stop.StopPrice {
		t.Error("the tracker must carry the zone-selected stop")
	}
}

func TestStaleDataHolds(t *testing.T) {
	cfg := pipelineConfig(t)
	repo := database.NewMemoryRepository()
	eng := buildEngine(t, cfg, repo)

	report := eng.ProcessBar(context.Background(), nil, nil, time.Now(), 0, true)
	if report.Decision.Action != types.ActionSkip {
		t.Errorf("stale bar must hold, got %s", report.Decision.Action)
	}
	if !strings.Contains(report.Decision.Reason, "Stale data") {
		t.Errorf("reason should mention staleness, got %q", report.Decision.Reason)
	}
}

func TestDashboardPauseSkipsSubmission(t *testing.T) {
	cfg := pipelineConfig(t)
	repo := database.NewMemoryRepository()
	eng := buildEngine(t, cfg, repo)
	eng.SetPaused(true)

	window := trendWindow(120, 100)
	windows := map[types.Timeframe][]types.Candle{types.Timeframe(cfg.Timeframes[0]): window}
	report := eng.ProcessBar(context.Background(), windows, nil, window[len(window)-1].Time, 0.02, false)

	if report.Executed {
		t.Error("paused engine must not submit orders")
	}
	// Analytics still ran: the decision and regime were journaled.
	if len(repo.Decisions) != 1 {
		t.Error("paused engine must still journal decisions")
	}
	if repo.Regimes[cfg.Symbol] == "" {
		t.Error("paused engine must still update regime analytics")
	}
}

func TestRolloverResetsRiskLedger(t *testing.T) {
	cfg := pipelineConfig(t)
	repo := database.NewMemoryRepository()
	eng := buildEngine(t, cfg, repo)

	day1 := trendWindow(120, 100)
	windows := map[types.Timeframe][]types.Candle{types.Timeframe(cfg.Timeframes[0]): day1}
	eng.ProcessBar(context.Background(), windows, nil, day1[len(day1)-1].Time, 0.02, false)
	eng.Exec().Risk().RecordTrade(-150, day1[len(day1)-1].Time)

	day2 := trendWindow(120, 100)
	for i := range day2 {
		day2[i].Time = day2[i].Time.AddDate(0, 0, 1)
	}
	eng.ProcessBar(context.Background(), windows, nil, day2[len(day2)-1].Time, 0.02, false)

	if pnl := eng.Exec().Risk().DailyPnL(); pnl != 0 {
		t.Errorf("rollover must clear the daily ledger, got %v", pnl)
	}
}
