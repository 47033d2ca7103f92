// Package backtest replays candle history through the full decision
// pipeline with the sim router, and provides the walk-forward splitter used
// by offline training.
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/engine"
	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Metrics summarizes a backtest run. PnL sums use decimals so long runs do
// not accumulate float drift.
type Metrics struct {
	Bars         int             `json:"bars"`
	Decisions    int             `json:"decisions"`
	Entries      int             `json:"entries"`
	ClosedTrades int             `json:"closedTrades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      float64         `json:"winRate"`
	ProfitFactor float64         `json:"profitFactor"`
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
}

// Result carries the metrics and the raw outcome list.
type Result struct {
	Metrics  Metrics              `json:"metrics"`
	Outcomes []types.TradeOutcome `json:"outcomes"`
}

// Run replays the candle series bar by bar. The first 60 bars warm up
// before the first decision.
func Run(ctx context.Context, logger *zap.Logger, cfg *config.Config, candles []types.Candle, seed int64) (*Result, error) {
	if len(candles) < 60 {
		return nil, fmt.Errorf("backtest needs at least 60 candles, got %d", len(candles))
	}

	repo := database.NewMemoryRepository()
	eng, err := engine.Build(logger, cfg, execution.ModeBacktest, nil, repo, engine.Sinks{
		Orders: repo, Risk: repo, Audit: repo,
	}, seed)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	primaryTF := types.Timeframe(cfg.Timeframes[0])
	const warmup = 60
	const window = 300

	var pnls []float64
	for i := warmup; i < len(candles); i++ {
		start := i - window
		if start < 0 {
			start = 0
		}
		bar := candles[i]
		windows := map[types.Timeframe][]types.Candle{primaryTF: candles[start : i+1]}

		spread := rollingSpread(candles[start : i+1])
		report := eng.ProcessBar(ctx, windows, nil, bar.Time, spread, false)

		result.Metrics.Bars++
		result.Metrics.Decisions++
		if report.Executed {
			result.Metrics.Entries++
		}
		for _, outcome := range report.Outcomes {
			result.Outcomes = append(result.Outcomes, outcome)
			pnls = append(pnls, outcome.PnL)
		}
	}

	result.Metrics = computeMetrics(result.Metrics, pnls)
	logger.Info("backtest finished",
		zap.Int("bars", result.Metrics.Bars),
		zap.Int("entries", result.Metrics.Entries),
		zap.Int("closed", result.Metrics.ClosedTrades),
		zap.String("pnl", result.Metrics.TotalPnL.String()))
	return result, nil
}

func computeMetrics(metrics Metrics, pnls []float64) Metrics {
	metrics.ClosedTrades = len(pnls)
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	total := decimal.Zero
	equity := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, pnl := range pnls {
		d := decimal.NewFromFloat(pnl)
		total = total.Add(d)
		equity = equity.Add(d)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if pnl > 0 {
			metrics.Wins++
			grossProfit = grossProfit.Add(d)
		} else {
			metrics.Losses++
			grossLoss = grossLoss.Add(d.Abs())
		}
	}
	metrics.TotalPnL = total
	metrics.MaxDrawdown = maxDD
	if metrics.ClosedTrades > 0 {
		metrics.WinRate = float64(metrics.Wins) / float64(metrics.ClosedTrades)
	}
	if grossLoss.IsPositive() {
		pf, _ := grossProfit.Div(grossLoss).Float64()
		metrics.ProfitFactor = pf
	} else if grossProfit.IsPositive() {
		metrics.ProfitFactor = math.Inf(1)
	}
	return metrics
}

func rollingSpread(window []types.Candle) float64 {
	lookback := 20
	if len(window) < lookback {
		lookback = len(window)
	}
	if lookback == 0 {
		return 0
	}
	var sum float64
	for _, c := range window[len(window)-lookback:] {
		sum += c.High - c.Low
	}
	return 0.1 * sum / float64(lookback) / 2
}

// Window is one walk-forward split with purge and embargo gaps between the
// train and test segments to avoid label leakage.
type Window struct {
	TrainStart time.Time `json:"trainStart"`
	TrainEnd   time.Time `json:"trainEnd"`
	TestStart  time.Time `json:"testStart"`
	TestEnd    time.Time `json:"testEnd"`
	Train      []types.Candle
	Test       []types.Candle
}

// SplitWalkForward produces rolling train/test windows over the series.
func SplitWalkForward(candles []types.Candle, trainBars, testBars, purge, embargo int) []Window {
	var windows []Window
	step := testBars
	for start := 0; start+trainBars+purge+testBars <= len(candles); start += step {
		trainEnd := start + trainBars
		testStart := trainEnd + purge
		testEnd := testStart + testBars
		if testEnd > len(candles) {
			break
		}
		window := Window{
			Train:      candles[start:trainEnd],
			Test:       candles[testStart:testEnd],
			TrainStart: candles[start].Time,
			TrainEnd:   candles[trainEnd-1].Time,
			TestStart:  candles[testStart].Time,
			TestEnd:    candles[testEnd-1].Time,
		}
		windows = append(windows, window)
		start += embargo
	}
	return windows
}

// WalkForward runs a backtest over every test window and aggregates.
func WalkForward(ctx context.Context, logger *zap.Logger, cfg *config.Config, candles []types.Candle, seed int64) ([]Metrics, error) {
	barsPerDay := 96 // M15 session bars, close enough for splitting
	trainBars := cfg.TrainWindowDays * barsPerDay
	testBars := cfg.TestWindowDays * barsPerDay
	windows := SplitWalkForward(candles, trainBars, testBars, cfg.WFPurgeCandles, cfg.WFEmbargoCandles)
	if len(windows) == 0 {
		return nil, fmt.Errorf("series too short for walk-forward: %d candles", len(candles))
	}

	var out []Metrics
	for i, window := range windows {
		result, err := Run(ctx, logger, cfg, append(append([]types.Candle{}, window.Train[len(window.Train)-60:]...), window.Test...), seed+int64(i))
		if err != nil {
			return nil, fmt.Errorf("walk-forward window %d: %w", i, err)
		}
		out = append(out, result.Metrics)
	}
	return out, nil
}
