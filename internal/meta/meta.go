// Package meta aggregates closed trades by (regime, brain) and feeds
// adjusted weights back to the boss. Knowledge is never forgotten, only
// decayed by age.
package meta

import (
	"fmt"
	"math"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

const (
	minTradesForConfidence = 5
	minConfidence          = 0.3
	decayHalfLifeDays      = 30.0
)

// PerformanceRecord is the rolling performance of one brain in one regime.
type PerformanceRecord struct {
	BrainID      string       `json:"brainId"`
	Regime       types.Regime `json:"regime"`
	WinRate      float64      `json:"winRate"`
	ProfitFactor float64      `json:"profitFactor"`
	AvgRR        float64      `json:"avgRr"`
	TotalTrades  int          `json:"totalTrades"`
	TotalPnL     float64      `json:"totalPnl"`
	MaxDrawdown  float64      `json:"maxDrawdown"`
	LastUpdate   time.Time    `json:"lastUpdate"`
	Confidence   float64      `json:"confidence"`
}

// Decision is the meta-brain's verdict for a bar.
type Decision struct {
	AllowTrading     bool               `json:"allowTrading"`
	Weights          map[string]float64 `json:"weights"`
	GlobalConfidence float64            `json:"globalConfidence"`
	Reasoning        []string           `json:"reasoning"`
	MarketSentiment  string             `json:"marketSentiment"`
	RiskLevel        string             `json:"riskLevel"`
}

// Brain is the meta-learning layer over the boss's brains.
type Brain struct {
	logger *zap.Logger
	now    func() time.Time

	// cache[regime][brainID]
	cache      map[types.Regime]map[string]*PerformanceRecord
	transition *TransitionMatrix

	// Buffered trades per (regime, brain) awaiting aggregation.
	pending map[types.Regime]map[string][]types.TradeOutcome
}

// NewBrain creates the meta-brain. now is injected so decay math follows
// the bar clock in backtests.
func NewBrain(logger *zap.Logger, now func() time.Time) *Brain {
	if now == nil {
		now = time.Now
	}
	return &Brain{
		logger:     logger.Named("meta-brain"),
		now:        now,
		cache:      map[types.Regime]map[string]*PerformanceRecord{},
		transition: NewTransitionMatrix(),
		pending:    map[types.Regime]map[string][]types.TradeOutcome{},
	}
}

// Transition exposes the transition-performance matrix (analytics only;
// the boss loop never gates on it).
func (b *Brain) Transition() *TransitionMatrix { return b.transition }

// RecordOutcomes ingests a batch of closed trades (the online updater's
// flush path) and refreshes the affected records.
func (b *Brain) RecordOutcomes(outcomes []types.TradeOutcome) {
	touched := map[types.Regime]map[string]bool{}
	for _, outcome := range outcomes {
		if outcome.BrainID == "" {
			continue
		}
		if b.pending[outcome.Regime] == nil {
			b.pending[outcome.Regime] = map[string][]types.TradeOutcome{}
		}
		b.pending[outcome.Regime][outcome.BrainID] = append(b.pending[outcome.Regime][outcome.BrainID], outcome)
		if touched[outcome.Regime] == nil {
			touched[outcome.Regime] = map[string]bool{}
		}
		touched[outcome.Regime][outcome.BrainID] = true
	}
	for regime, brains := range touched {
		for brainID := range brains {
			b.updatePerformance(brainID, regime, b.pending[regime][brainID])
		}
	}
}

// updatePerformance recomputes the record from the accumulated trades.
func (b *Brain) updatePerformance(brainID string, regime types.Regime, trades []types.TradeOutcome) {
	if len(trades) == 0 {
		return
	}
	var wins int
	var totalGain, totalLoss, totalPnL float64
	var rrs []float64
	var cumulative, peak, maxDD float64
	for _, t := range trades {
		totalPnL += t.PnL
		if t.PnL > 0 {
			wins++
			totalGain += t.PnL
		} else {
			totalLoss += -t.PnL
		}
		if t.MFE != 0 && t.MAE != 0 {
			rrs = append(rrs, math.Abs(t.MFE)/(math.Abs(t.MAE)+1e-4))
		}
		cumulative += t.PnL
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDD {
			maxDD = dd
		}
	}

	profitFactor := 0.0
	if totalLoss > 0 {
		profitFactor = totalGain / totalLoss
	} else if totalGain > 0 {
		profitFactor = 1.0
	}
	avgRR := 1.0
	if len(rrs) > 0 {
		sum := 0.0
		for _, rr := range rrs {
			sum += rr
		}
		avgRR = sum / float64(len(rrs))
	}

	record := &PerformanceRecord{
		BrainID:      brainID,
		Regime:       regime,
		WinRate:      float64(wins) / float64(len(trades)),
		ProfitFactor: profitFactor,
		AvgRR:        avgRR,
		TotalTrades:  len(trades),
		TotalPnL:     totalPnL,
		MaxDrawdown:  maxDD,
		LastUpdate:   b.now(),
		Confidence:   confidenceFromTrades(len(trades)),
	}
	if b.cache[regime] == nil {
		b.cache[regime] = map[string]*PerformanceRecord{}
	}
	b.cache[regime][brainID] = record

	b.logger.Info("brain performance updated",
		zap.String("brain", brainID),
		zap.String("regime", string(regime)),
		zap.Float64("winRate", record.WinRate),
		zap.Float64("profitFactor", record.ProfitFactor),
		zap.Int("trades", record.TotalTrades))
}

// Evaluate produces adjusted weights and the trading permission for the
// current context.
func (b *Brain) Evaluate(regime types.Regime, hour int, volatility float64, brainScores map[string]float64, recentPnLs []float64) Decision {
	var reasoning []string
	var riskFlags []string
	weights := map[string]float64{}

	performance := b.decayedPerformance(regime)
	reasoning = append(reasoning, fmt.Sprintf("Regime: %s (data points: %d)", regime, len(performance)))

	for brainID := range brainScores {
		record, ok := performance[brainID]
		if !ok || record.TotalTrades < minTradesForConfidence {
			weights[brainID] = 1.0
			reasoning = append(reasoning, fmt.Sprintf("%s: no history, neutral weight", brainID))
			continue
		}
		winRateFactor := 0.5
		if record.WinRate > 0 {
			winRateFactor = math.Max(0.5, record.WinRate)
		}
		pfFactor := math.Max(0.7, math.Min(1.3, record.ProfitFactor))
		weight := winRateFactor * pfFactor * math.Min(1.0, record.Confidence)
		weight = math.Max(0.3, math.Min(2.0, weight))
		weights[brainID] = weight
		reasoning = append(reasoning, fmt.Sprintf("%s: WR=%.0f%% PF=%.2f -> weight %.2f",
			brainID, record.WinRate*100, pfFactor, weight))

		if record.WinRate < 0.3 || record.ProfitFactor < 0.8 {
			riskFlags = append(riskFlags, fmt.Sprintf("%s low performance in %s", brainID, regime))
		}
	}

	anomalies := detectAnomalies(recentPnLs)
	riskFlags = append(riskFlags, anomalies...)
	reasoning = append(reasoning, anomalies...)

	globalConfidence := b.globalConfidence(performance, riskFlags)
	allow := globalConfidence >= minConfidence
	if !allow {
		reasoning = append(reasoning, fmt.Sprintf("BLOCKED: confidence too low (%.0f%%)", globalConfidence*100))
	}

	return Decision{
		AllowTrading:     allow,
		Weights:          weights,
		GlobalConfidence: globalConfidence,
		Reasoning:        reasoning,
		MarketSentiment:  sentiment(regime, performance),
		RiskLevel:        riskLevel(riskFlags, globalConfidence),
	}
}

// decayedPerformance applies the 30-day half-life to cached confidence.
func (b *Brain) decayedPerformance(regime types.Regime) map[string]*PerformanceRecord {
	out := map[string]*PerformanceRecord{}
	now := b.now()
	for brainID, record := range b.cache[regime] {
		copied := *record
		if !record.LastUpdate.IsZero() {
			ageDays := now.Sub(record.LastUpdate).Hours() / 24
			copied.Confidence = record.Confidence * math.Pow(0.5, ageDays/decayHalfLifeDays)
		}
		out[brainID] = &copied
	}
	return out
}

// Record returns the decayed record for one brain, or nil.
func (b *Brain) Record(regime types.Regime, brainID string) *PerformanceRecord {
	return b.decayedPerformance(regime)[brainID]
}

func (b *Brain) globalConfidence(performance map[string]*PerformanceRecord, riskFlags []string) float64 {
	if len(performance) == 0 {
		return minConfidence
	}
	sum := 0.0
	for _, record := range performance {
		sum += record.Confidence
	}
	avg := sum / float64(len(performance))
	penalty := float64(len(riskFlags)) * 0.1
	return math.Max(0, math.Min(1, avg-penalty))
}

// confidenceFromTrades grows logarithmically: 0.3 below the minimum sample,
// saturating at 1.0 around 100 trades.
func confidenceFromTrades(n int) float64 {
	if n < minTradesForConfidence {
		return minConfidence
	}
	return math.Min(1.0, 0.3+0.7*math.Log(float64(n))/math.Log(100))
}

func detectAnomalies(pnls []float64) []string {
	var anomalies []string
	if len(pnls) < 3 {
		return anomalies
	}
	if len(pnls) > 20 {
		pnls = pnls[len(pnls)-20:]
	}
	consec := 0
	for _, pnl := range pnls {
		if pnl < -0.1 {
			consec++
		} else {
			consec = 0
		}
		if consec >= 3 {
			anomalies = append(anomalies, "3+ consecutive losses detected")
			break
		}
	}
	var cumulative, peak, maxDD float64
	for _, pnl := range pnls {
		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := cumulative - peak; dd < maxDD {
			maxDD = dd
		}
	}
	if maxDD < -2.0 {
		anomalies = append(anomalies, fmt.Sprintf("High drawdown detected (%.1f)", maxDD))
	}
	return anomalies
}

func sentiment(regime types.Regime, performance map[string]*PerformanceRecord) string {
	avgPF := 1.0
	if len(performance) > 0 {
		sum := 0.0
		for _, record := range performance {
			sum += record.ProfitFactor
		}
		avgPF = sum / float64(len(performance))
	}
	switch regime {
	case types.RegimeTrendUp:
		if avgPF > 1.2 {
			return "BULLISH"
		}
		if avgPF > 0.9 {
			return "NEUTRAL"
		}
		return "BEARISH"
	case types.RegimeTrendDown:
		if avgPF > 1.2 {
			return "BEARISH"
		}
		if avgPF > 0.9 {
			return "NEUTRAL"
		}
		return "BULLISH"
	default:
		return "NEUTRAL"
	}
}

func riskLevel(riskFlags []string, confidence float64) string {
	switch {
	case confidence < 0.4 || len(riskFlags) >= 3:
		return "HIGH"
	case confidence < 0.6 || len(riskFlags) >= 1:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
