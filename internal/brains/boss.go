package brains

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/crossmarket"
	"github.com/tradeforge/engine/internal/news"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// minRiskReward is the risk-reward gate threshold; exactly 1.2 passes.
const minRiskReward = 1.2

// Boss arbitrates the registered brains into at most one decision per bar.
// It exclusively owns the brain instances.
type Boss struct {
	logger     *zap.Logger
	brains     []Brain
	macroBrain *GannMacroBrain
	newsFilter *news.Filter
	crossBrain *crossmarket.Brain
	weights    map[string]float64
}

// NewBoss constructs the boss with the default registry. newsFilter and
// crossBrain may be nil when the corresponding features are disabled.
func NewBoss(logger *zap.Logger, newsFilter *news.Filter, crossBrain *crossmarket.Brain) *Boss {
	return &Boss{
		logger:     logger.Named("boss-brain"),
		brains:     Registry(),
		macroBrain: &GannMacroBrain{},
		newsFilter: newsFilter,
		crossBrain: crossBrain,
		weights:    map[string]float64{},
	}
}

// SetWeights replaces the per-brain weight table (the meta-brain feedback).
func (b *Boss) SetWeights(weights map[string]float64) {
	next := make(map[string]float64, len(weights))
	for id, w := range weights {
		next[id] = w
	}
	b.weights = next
}

// Brains exposes the registry for reporting; callers must not mutate it.
func (b *Boss) Brains() []Brain { return b.brains }

// Run evaluates one bar. windows maps timeframe to candle window; the
// primary timeframe is taken from ctx. cross maps cross symbols to their
// latest windows for the cross-market stage.
func (b *Boss) Run(windows map[types.Timeframe][]types.Candle, cross map[string][]types.Candle, ctx *Context) types.Decision {
	primary := windows[ctx.Timeframe]
	if len(primary) == 0 {
		return b.hold(ctx, "No candles", nil)
	}

	// 1. News gate. High-impact windows block outright; medium-impact
	// events only shrink the size later.
	newsRiskFactor := 1.0
	if b.newsFilter != nil {
		blocked, reason, _ := b.newsFilter.IsBlocked(ctx.Now)
		if blocked {
			return b.hold(ctx, fmt.Sprintf("News block: %s", reason), nil)
		}
		newsRiskFactor = b.newsFilter.RiskFactor(ctx.Now)
	}

	// 2. Collect and weight signals.
	var scored []types.ScoredSignal
	var contributors []string
	brainScores := map[string]float64{}
	for _, brain := range b.brains {
		signal := brain.Detect(primary)
		if signal == nil {
			continue
		}
		base := brain.Score(signal, ctx)
		weighted := base * b.regimeWeight(brain.ID(), ctx.Features.Regime)
		scored = append(scored, types.ScoredSignal{Signal: *signal, Score: weighted})
		contributors = append(contributors, brain.Name())
		brainScores[brain.ID()] = weighted
	}
	if len(scored) == 0 {
		return b.hold(ctx, "No signals", nil)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	top := scored[0]

	metadata := map[string]any{
		"signals":          scored,
		"news_risk_factor": newsRiskFactor,
	}

	// 3. Cross-market adjustment on the top candidate.
	if b.crossBrain != nil {
		metric, signal := b.crossBrain.Update(primary, cross, ctx.Now)
		if signal != nil {
			top.Score *= signal.Factor()
			metadata["cross_market"] = map[string]any{"metric": metric, "signal": signal}
			if signal.Kind == types.CrossMarketBroken {
				b.logger.Warn("correlation break detected", zap.Strings("reasons", signal.Reasons))
			}
		}
	}

	// 4. Macro gate on the higher timeframe.
	var macroSignal *types.BrainSignal
	if higher, ok := windows[types.TimeframeH1]; ok && len(higher) > 0 {
		macroSignal = b.macroBrain.Detect(higher)
		if macroSignal != nil {
			metadata["macro"] = macroSignal.Metadata
			if !macroAllows(&top.Signal, macroSignal) {
				return b.hold(ctx, "Macro filter blocked", metadata)
			}
		}
	}

	// 5. Confluence gate: two agreeing brains, or a dominant top score.
	if !confluence(scored, top) {
		return b.hold(ctx, "No confluence", metadata)
	}

	// 6. Risk-reward gate.
	if RiskReward(&top.Signal) < minRiskReward {
		return b.hold(ctx, "Risk reward below minimum", metadata)
	}

	// 7. Spread gate. Exactly at the limit passes.
	spreadMax := dynamicSpreadMax(primary, ctx.SpreadMax)
	if ctx.Spread > spreadMax {
		return b.hold(ctx, fmt.Sprintf("Spread above limit (%.2f > %.2f)", ctx.Spread, spreadMax), metadata)
	}

	// 8. Position sizing, shrunk by the medium-news risk factor.
	size := positionSize(ctx.RiskPerTrade*newsRiskFactor, ctx.PointValue, ctx.MinLot, ctx.LotStep, top.Signal.Entry, top.Signal.SL)

	tp1, tp2 := targetsFromLiquidity(&top.Signal)

	reason := fmt.Sprintf("Top score %.1f", top.Score)
	if newsRiskFactor < 1.0 {
		reason += fmt.Sprintf(" (news risk %.2f)", newsRiskFactor)
	}

	side := types.SideBuy
	if top.Signal.Action == types.BrainSell {
		side = types.SideSell
	}

	return types.Decision{
		ID:           uuid.NewString(),
		Action:       types.ActionEnter,
		Side:         side,
		Entry:        top.Signal.Entry,
		SL:           top.Signal.SL,
		TP1:          tp1,
		TP2:          tp2,
		Size:         size,
		Confidence:   math.Max(0, math.Min(1, top.Score/100)),
		Reason:       reason,
		Contributors: contributors,
		BrainScores:  brainScores,
		Regime:       ctx.Features.Regime,
		Metadata:     metadata,
	}
}

func (b *Boss) hold(ctx *Context, reason string, metadata map[string]any) types.Decision {
	return types.Decision{
		ID:       uuid.NewString(),
		Action:   types.ActionSkip,
		Reason:   reason,
		Regime:   ctx.Features.Regime,
		Metadata: metadata,
	}
}

// regimeWeight multiplies the meta weight with the regime specialization
// bonus: range specialists in range, trend specialists in trend, momentum in
// high volatility.
func (b *Boss) regimeWeight(brainID string, regime types.Regime) float64 {
	base, ok := b.weights[brainID]
	if !ok {
		base = 1.0
	}
	switch {
	case regime == types.RegimeRange && (brainID == "wyckoff_range" || brainID == "wyckoff_adv"):
		return base * 1.2
	case (regime == types.RegimeTrendUp || regime == types.RegimeTrendDown) && brainID == "trend_pullback":
		return base * 1.2
	case regime == types.RegimeHighVol && brainID == "momentum":
		return base * 1.1
	}
	return base
}

// confluence requires two brains agreeing on direction, or a top weighted
// score of at least 85.
func confluence(scored []types.ScoredSignal, top types.ScoredSignal) bool {
	sameDirection := 0
	for _, s := range scored {
		if s.Signal.Action == top.Signal.Action {
			sameDirection++
		}
	}
	if sameDirection >= 2 {
		return true
	}
	return top.Score >= 85.0
}

// macroAllows rejects entries on the macro-inconsistent side of the
// higher-timeframe zones.
func macroAllows(signal *types.BrainSignal, macro *types.BrainSignal) bool {
	support, okS := macro.Metadata["support_zone"].([2]float64)
	resistance, okR := macro.Metadata["resistance_zone"].([2]float64)
	if !okS || !okR {
		return true
	}
	if signal.Action == types.BrainBuy && support[0] <= signal.Entry && signal.Entry <= support[1] {
		return true
	}
	if signal.Action == types.BrainSell && resistance[0] <= signal.Entry && signal.Entry <= resistance[1] {
		return true
	}
	if signal.Action == types.BrainBuy && signal.Entry > resistance[0] {
		return false
	}
	if signal.Action == types.BrainSell && signal.Entry < support[1] {
		return false
	}
	return true
}

// RiskReward is |tp1 - entry| / |entry - sl|; zero when the stop sits on the entry.
func RiskReward(signal *types.BrainSignal) float64 {
	risk := math.Abs(signal.Entry - signal.SL)
	if risk == 0 {
		return 0
	}
	return math.Abs(signal.TP1-signal.Entry) / risk
}

// dynamicSpreadMax caps the configured maximum at a tenth of the rolling
// average bar range.
func dynamicSpreadMax(window []types.Candle, configured float64) float64 {
	lookback := 20
	if len(window) < lookback {
		lookback = len(window)
	}
	if lookback == 0 {
		return configured
	}
	var rangeSum float64
	for _, c := range window[len(window)-lookback:] {
		rangeSum += c.High - c.Low
	}
	dynamic := 0.1 * rangeSum / float64(lookback)
	if dynamic > 0 && dynamic < configured {
		return dynamic
	}
	return configured
}

// positionSize converts per-trade risk into lots, rounded down to the lot
// step and floored at the minimum lot.
func positionSize(riskPerTrade, pointValue, minLot, lotStep, entry, sl float64) float64 {
	riskPoints := math.Abs(entry - sl)
	if riskPoints <= 0 || pointValue <= 0 || lotStep <= 0 {
		return minLot
	}
	raw := riskPerTrade / (riskPoints * pointValue)
	stepped := math.Floor(raw/lotStep) * lotStep
	return math.Max(minLot, stepped)
}

// targetsFromLiquidity replaces the raw TP pair with the nearest liquidity
// target candidates when a contributor provided them.
func targetsFromLiquidity(signal *types.BrainSignal) (float64, float64) {
	raw, ok := signal.Metadata["target_candidates"].([]float64)
	if !ok || len(raw) < 2 {
		return signal.TP1, signal.TP2
	}
	targets := append([]float64{}, raw...)
	sort.Float64s(targets)
	if signal.Action == types.BrainBuy {
		var above []float64
		for _, t := range targets {
			if t > signal.Entry {
				above = append(above, t)
			}
		}
		if len(above) >= 2 {
			return above[0], above[1]
		}
	}
	if signal.Action == types.BrainSell {
		var below []float64
		for _, t := range targets {
			if t < signal.Entry {
				below = append(below, t)
			}
		}
		if len(below) >= 2 {
			return below[len(below)-1], below[len(below)-2]
		}
	}
	return signal.TP1, signal.TP2
}
