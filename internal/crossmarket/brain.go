// Package crossmarket monitors correlation and spread between the primary
// instrument and its cross instruments, flagging over-extension (spread
// z-score) and correlation breaks for the boss brain to act on.
package crossmarket

import (
	"fmt"
	"math"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Metric is the per-bar cross-market measurement of primary vs. a cross
// instrument.
type Metric struct {
	Time       time.Time       `json:"time"`
	Symbol     string          `json:"symbol"`
	CorrFast   float64         `json:"corrFast"`
	CorrSlow   float64         `json:"corrSlow"`
	Beta       float64         `json:"beta"`
	Spread     float64         `json:"spread"`
	SpreadMean float64         `json:"spreadMean"`
	SpreadStd  float64         `json:"spreadStd"`
	ZScore     float64         `json:"zscore"`
	Flags      map[string]bool `json:"flags"`
}

// Signal is the filtering/confirmation verdict derived from a Metric.
type Signal struct {
	Time     time.Time             `json:"time"`
	Symbol   string                `json:"symbol"`
	Kind     types.CrossSignalKind `json:"kind"`
	Strength float64               `json:"strength"`
	Reasons  []string              `json:"reasons"`
}

// Factor is the multiplicative score adjustment the boss applies for this
// signal kind.
func (s *Signal) Factor() float64 {
	if s == nil {
		return 1.0
	}
	switch s.Kind {
	case types.CrossMarketBroken:
		return 0.3
	case types.CrossReduceBuy, types.CrossReduceSell:
		return 0.7
	case types.CrossConfirmBuy, types.CrossConfirmSell:
		return 1.2
	default:
		return 1.0
	}
}

// Config tunes the rolling windows and thresholds.
type Config struct {
	PrimarySymbol  string
	CrossSymbols   []string
	CorrWindows    []int
	SpreadWindow   int
	ZThreshold     float64
	BetaWindow     int
	CorrBrokenMin  float64
	CorrBrokenMax  float64
	MinDataPoints  int
}

// Brain computes cross-market metrics bar by bar.
type Brain struct {
	logger *zap.Logger
	config Config

	latestMetric *Metric
	latestSignal *Signal
	history      []Metric
}

// NewBrain creates a cross-market brain.
func NewBrain(logger *zap.Logger, config Config) *Brain {
	if config.MinDataPoints <= 0 {
		config.MinDataPoints = 10
	}
	if len(config.CorrWindows) == 0 {
		config.CorrWindows = []int{50, 200}
	}
	return &Brain{logger: logger.Named("cross-market"), config: config}
}

// Update ingests the latest primary and cross windows and returns the metric
// and signal for this bar. A missing or short cross window degrades to nil.
func (b *Brain) Update(primary []types.Candle, cross map[string][]types.Candle, now time.Time) (*Metric, *Signal) {
	if len(b.config.CrossSymbols) == 0 {
		return nil, nil
	}
	crossWindow := cross[b.config.CrossSymbols[0]]
	n := len(primary)
	if len(crossWindow) < n {
		n = len(crossWindow)
	}
	if n < b.config.MinDataPoints {
		return nil, nil
	}

	primaryCloses := closes(primary[len(primary)-n:])
	crossCloses := closes(crossWindow[len(crossWindow)-n:])
	primaryReturns := logReturns(primaryCloses)
	crossReturns := logReturns(crossCloses)

	metric := b.computeMetric(primaryCloses, crossCloses, primaryReturns, crossReturns, now)
	signal := b.generateSignal(metric, now)

	b.latestMetric = metric
	b.latestSignal = signal
	b.history = append(b.history, *metric)
	if len(b.history) > 500 {
		b.history = b.history[len(b.history)-500:]
	}
	return metric, signal
}

// LatestMetric returns the most recent metric, or nil before the first bar.
func (b *Brain) LatestMetric() *Metric { return b.latestMetric }

// LatestSignal returns the most recent signal, or nil before the first bar.
func (b *Brain) LatestSignal() *Signal { return b.latestSignal }

func (b *Brain) computeMetric(primaryCloses, crossCloses, primaryReturns, crossReturns []float64, now time.Time) *Metric {
	metric := &Metric{
		Time:   now,
		Symbol: b.config.PrimarySymbol,
		Beta:   1.0,
		Flags:  map[string]bool{},
	}

	for i, window := range b.config.CorrWindows {
		if len(primaryReturns) < window {
			continue
		}
		corr := stat.Correlation(
			primaryReturns[len(primaryReturns)-window:],
			crossReturns[len(crossReturns)-window:],
			nil,
		)
		if math.IsNaN(corr) {
			corr = 0
		}
		if i == 0 {
			metric.CorrFast = corr
		} else {
			metric.CorrSlow = corr
		}
	}

	if len(crossReturns) >= b.config.BetaWindow && b.config.BetaWindow > 1 {
		pw := primaryReturns[len(primaryReturns)-b.config.BetaWindow:]
		cw := crossReturns[len(crossReturns)-b.config.BetaWindow:]
		variance := stat.Variance(cw, nil)
		if variance > 1e-12 {
			metric.Beta = stat.Covariance(pw, cw, nil) / variance
		}
	}

	if len(crossCloses) >= b.config.SpreadWindow && b.config.SpreadWindow > 1 {
		spreads := make([]float64, b.config.SpreadWindow)
		offP := len(primaryCloses) - b.config.SpreadWindow
		offC := len(crossCloses) - b.config.SpreadWindow
		for i := 0; i < b.config.SpreadWindow; i++ {
			spreads[i] = primaryCloses[offP+i] - metric.Beta*crossCloses[offC+i]
		}
		metric.Spread = spreads[len(spreads)-1]
		metric.SpreadMean = stat.Mean(spreads, nil)
		metric.SpreadStd = math.Sqrt(stat.Variance(spreads, nil))
		if metric.SpreadStd > 1e-9 {
			metric.ZScore = (metric.Spread - metric.SpreadMean) / metric.SpreadStd
		}
	}

	if metric.ZScore > b.config.ZThreshold {
		metric.Flags["spread_high"] = true
	} else if metric.ZScore < -b.config.ZThreshold {
		metric.Flags["spread_low"] = true
	}
	// Correlation inside the (min, max) band means the relationship has
	// collapsed toward zero.
	if metric.CorrFast > b.config.CorrBrokenMin && metric.CorrFast < b.config.CorrBrokenMax {
		metric.Flags["corr_broken"] = true
	}

	return metric
}

func (b *Brain) generateSignal(metric *Metric, now time.Time) *Signal {
	signal := &Signal{
		Time:     now,
		Symbol:   b.config.PrimarySymbol,
		Kind:     types.CrossNeutral,
		Strength: 0.5,
	}

	if metric.Flags["corr_broken"] {
		signal.Kind = types.CrossMarketBroken
		signal.Strength = 0.3
		signal.Reasons = append(signal.Reasons, fmt.Sprintf("Correlation broken: %.3f", metric.CorrFast))
		return signal
	}

	switch {
	case metric.Flags["spread_high"]:
		// Primary overpriced: discourage buying, confirm selling.
		if metric.CorrFast > 0.3 {
			signal.Kind = types.CrossReduceBuy
		} else {
			signal.Kind = types.CrossConfirmSell
		}
		signal.Strength = math.Min(0.8, math.Abs(metric.ZScore)/b.config.ZThreshold)
		signal.Reasons = append(signal.Reasons,
			fmt.Sprintf("Spread high (zscore=%.2f): %s overpriced", metric.ZScore, b.config.PrimarySymbol))
	case metric.Flags["spread_low"]:
		if metric.CorrFast > 0.3 {
			signal.Kind = types.CrossConfirmBuy
		} else {
			signal.Kind = types.CrossReduceSell
		}
		signal.Strength = math.Min(0.8, math.Abs(metric.ZScore)/b.config.ZThreshold)
		signal.Reasons = append(signal.Reasons,
			fmt.Sprintf("Spread low (zscore=%.2f): %s underpriced", metric.ZScore, b.config.PrimarySymbol))
	default:
		signal.Reasons = append(signal.Reasons, "Spread within normal range")
	}
	return signal
}

func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			out = append(out, math.Log(closes[i]/closes[i-1]))
		} else {
			out = append(out, 0)
		}
	}
	return out
}
