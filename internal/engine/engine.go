// Package engine drives the bar loop: market data in, decisions through
// the gate chain, orders out, and closed-trade feedback into the learning
// layers. The hot path is single-threaded; one bar advances the whole
// pipeline deterministically.
package engine

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/tradeforge/engine/internal/brains"
	"github.com/tradeforge/engine/internal/capital"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/internal/filters"
	"github.com/tradeforge/engine/internal/liquidity"
	"github.com/tradeforge/engine/internal/meta"
	"github.com/tradeforge/engine/internal/policy"
	"github.com/tradeforge/engine/internal/uncertainty"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// tradeContext remembers entry-time state for the close-time feedback.
type tradeContext struct {
	Regime     types.Regime
	BrainID    string
	StateHash  string
	RLAction   types.RLAction
	EntryPrice float64
	Side       types.Side
	MFE        float64
	MAE        float64
	IsScalp    bool
	OpenTime   time.Time
}

// BarReport summarizes one processed bar for observers (dashboard, tests).
type BarReport struct {
	Time      time.Time
	Decision  types.Decision
	Executed  bool
	Ticket    uint64
	Outcomes  []types.TradeOutcome
	Stale     bool
	SkipCause string
}

// Engine wires every component of the decision-and-execution pipeline.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	builder    *features.Builder
	transition *features.TransitionDetector
	boss       *brains.Boss
	gate       *uncertainty.Gate
	rlGate     *policy.Gate
	rlPolicy   *policy.Policy
	updater    *policy.Updater
	metaBrain  *meta.Brain
	capital    *capital.Manager
	exec       *execution.Engine
	lmap       *liquidity.Map
	liqSLTP    *execution.LiquiditySLTPManager
	badDay     *filters.BadDayFilter
	timeFilter *filters.TimeFilter
	repo       database.Repository

	paused     atomic.Bool
	barClock   time.Time
	currentDay string
	staleBars  int
	openTrades map[uint64]*tradeContext

	// Observers notified after each bar; used by the dashboard stream.
	onBar func(BarReport)
}

// Deps collects the constructed components for wiring.
type Deps struct {
	Builder    *features.Builder
	Transition *features.TransitionDetector
	Boss       *brains.Boss
	Gate       *uncertainty.Gate
	RLGate     *policy.Gate
	RLPolicy   *policy.Policy
	Updater    *policy.Updater
	MetaBrain  *meta.Brain
	Capital    *capital.Manager
	Exec       *execution.Engine
	LiquidityMap *liquidity.Map
	LiqSLTP    *execution.LiquiditySLTPManager
	BadDay     *filters.BadDayFilter
	TimeFilter *filters.TimeFilter
	Repo       database.Repository
}

// New assembles the engine from its dependencies.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		logger:     logger.Named("engine"),
		cfg:        cfg,
		builder:    deps.Builder,
		transition: deps.Transition,
		boss:       deps.Boss,
		gate:       deps.Gate,
		rlGate:     deps.RLGate,
		rlPolicy:   deps.RLPolicy,
		updater:    deps.Updater,
		metaBrain:  deps.MetaBrain,
		capital:    deps.Capital,
		exec:       deps.Exec,
		lmap:       deps.LiquidityMap,
		liqSLTP:    deps.LiqSLTP,
		badDay:     deps.BadDay,
		timeFilter: deps.TimeFilter,
		repo:       deps.Repo,
		openTrades: map[uint64]*tradeContext{},
	}
}

// SetOnBar registers the per-bar observer.
func (e *Engine) SetOnBar(fn func(BarReport)) { e.onBar = fn }

// SetPaused flips the dashboard pause flag: data keeps flowing and
// analytics keep updating, but order submission is skipped.
func (e *Engine) SetPaused(paused bool) { e.paused.Store(paused) }

// IsPaused reports the dashboard pause flag.
func (e *Engine) IsPaused() bool { return e.paused.Load() }

// Exec exposes the execution engine for status surfaces.
func (e *Engine) Exec() *execution.Engine { return e.exec }

// LiquiditySLTP exposes the liquidity-aware plan manager; nil when the
// liquidity feature is disabled.
func (e *Engine) LiquiditySLTP() *execution.LiquiditySLTPManager { return e.liqSLTP }

// StopRequested reports whether the sentinel stop file exists.
func (e *Engine) StopRequested() bool {
	_, err := os.Stat(e.cfg.StopFilePath())
	return err == nil
}

// ProcessBar runs the full pipeline for one bar. The intra-bar order is
// fixed: features, transitions, liquidity, meta weights, boss, filters,
// uncertainty, RL, capital, execution, SL/TP updates, feedback.
func (e *Engine) ProcessBar(ctx context.Context, windows map[types.Timeframe][]types.Candle, cross map[string][]types.Candle, barTime time.Time, spread float64, stale bool) BarReport {
	report := BarReport{Time: barTime, Stale: stale}
	e.barClock = barTime
	e.rolloverIfNewDay(barTime)

	primaryTF := types.Timeframe(e.cfg.Timeframes[0])
	primary := windows[primaryTF]

	// Data staleness forces a HOLD. Consecutive stale bars are counted in
	// staleBars; the count does not change the risk degrade level.
	if stale || len(primary) == 0 {
		e.staleBars++
		report.Decision = types.Decision{
			Action: types.ActionSkip,
			Reason: "Stale data: no new candle within horizon",
		}
		report.SkipCause = "stale"
		e.notify(report)
		return report
	}
	e.staleBars = 0
	last := primary[len(primary)-1]

	// 1. Features.
	bundle := e.builder.Build(primary, windows[types.TimeframeH1])
	if e.repo != nil {
		_ = e.repo.InsertFeatures(ctx, e.cfg.Symbol, barTime, bundle)
		_ = e.repo.InsertRegimeLog(ctx, e.cfg.Symbol, barTime, bundle.Regime)
	}

	// 2. Regime transition detector.
	transitionActive := false
	if e.transition != nil && e.cfg.TransitionEnabled {
		if tr := e.transition.Update(e.cfg.Symbol, primary, barTime); tr != nil && e.repo != nil {
			_ = e.repo.InsertRegimeTransition(ctx, *tr)
		}
		transitionActive = e.transition.IsActive(barTime)
	}

	// 3. Liquidity map update and re-seeding.
	if e.lmap != nil && e.cfg.LiquidityEnabled {
		e.lmap.UpdateFromBar(e.cfg.Symbol, last.High, last.Low, last.Close, barTime)
		e.seedZones(primary, bundle, barTime)
	}

	// 4. Meta weights feed the boss before scoring.
	recentPnLs := e.recentPnLs(ctx)
	metaDecision := e.metaBrain.Evaluate(bundle.Regime, barTime.Hour(), bundle.ATR, e.lastBrainScores(), recentPnLs)
	e.boss.SetWeights(metaDecision.Weights)
	if e.repo != nil {
		_ = e.repo.InsertMetaDecision(ctx, bundle.Regime, metaDecision.AllowTrading, metaDecision.GlobalConfidence, metaDecision)
	}

	// 5. Boss arbitration.
	bossCtx := &brains.Context{
		Symbol:       e.cfg.Symbol,
		Timeframe:    primaryTF,
		Now:          barTime,
		Features:     bundle,
		Spread:       spread,
		SpreadMax:    e.cfg.SpreadMax,
		RiskPerTrade: e.cfg.RiskPerTrade,
		PointValue:   e.cfg.PointValue,
		MinLot:       e.cfg.MinLot,
		LotStep:      e.cfg.LotStep,
	}
	decision := e.boss.Run(windows, cross, bossCtx)
	e.persistDecision(ctx, barTime, decision)

	// 6. Meta deny, session filters, and dashboard pause all downgrade an
	// ENTER to a skip; analytics above already ran.
	if decision.Action == types.ActionEnter {
		switch {
		case !metaDecision.AllowTrading:
			decision = skipped(decision, "Meta-brain denied trading: confidence too low")
			report.SkipCause = "meta"
		case e.timeFilter != nil && e.timeFilter.IsBlocked(barTime):
			decision = skipped(decision, "Time filter: blocked window")
			report.SkipCause = "time-filter"
		case e.badDay != nil && e.badDay.IsPaused(barTime):
			decision = skipped(decision, "Bad-day filter: paused for the session")
			report.SkipCause = "bad-day"
		case e.paused.Load():
			decision = skipped(decision, "Dashboard pause active")
			report.SkipCause = "paused"
		}
	}

	// 7. Uncertainty gate.
	disagreement := 0.0
	if decision.Action == types.ActionEnter && e.gate != nil {
		verdict := e.gate.Check(featureVector(bundle))
		disagreement = verdict.Prediction.Disagreement
		if !verdict.Allow {
			decision = skipped(decision, "Uncertainty gate: "+verdict.Reason)
			report.SkipCause = "uncertainty"
		}
	}

	// 8. RL gate.
	liquidityStrength := e.nearbyLiquidityStrength(last.Close)
	gateResult := e.rlGate.Apply(decision, policy.GateInput{
		Regime:            bundle.Regime,
		Hour:              barTime.Hour(),
		GlobalConfidence:  metaDecision.GlobalConfidence,
		Disagreement:      disagreement,
		LiquidityStrength: liquidityStrength,
		PnLTodayBRL:       e.exec.Risk().DailyPnL(),
		TransitionActive:  transitionActive,
	})
	decision = gateResult.Decision

	// 9. Capital conversion.
	var scalpContracts int
	if decision.Action == types.ActionEnter {
		capitalState := e.capital.CalcContracts(bundle.Regime, metaDecision.GlobalConfidence,
			e.exec.Risk().DailyPnL(), transitionActive, disagreement, liquidityStrength, barTime)
		if capitalState.FinalContracts == 0 {
			decision = skipped(decision, "Capital manager: "+capitalState.Reason)
			report.SkipCause = "capital"
		} else {
			base := float64(capitalState.BaseContracts)
			if decision.Size > base {
				decision.Size = base
			}
			if gateResult.ReleverageApproved {
				scalpContracts = capitalState.ExtraContracts
			}
		}
	}

	// 10. Execution.
	result := e.exec.Execute(decision, e.cfg.Symbol, last.Close, bundle.ATR, barTime)
	report.Decision = decision
	report.Executed = result.Success && decision.Action == types.ActionEnter
	report.Ticket = result.Ticket
	if report.Executed {
		e.openTrades[result.Ticket] = &tradeContext{
			Regime:     bundle.Regime,
			BrainID:    topContributor(decision),
			StateHash:  gateResult.StateHash,
			RLAction:   gateResult.Action,
			EntryPrice: result.FilledPrice,
			Side:       decision.Side,
			OpenTime:   barTime,
		}
		if e.liqSLTP != nil {
			e.applyLiquidityPlan(result.Ticket, decision, bundle, transitionActive)
		}
		e.persistPositions(ctx)
		if scalpContracts > 0 {
			e.enterScalp(decision, scalpContracts, last.Close, bundle.ATR, barTime)
		}
	}

	// 11. SL/TP updates for every open ticket, then closures feed back.
	outcomes := e.updateOpenPositions(ctx, last, bundle.ATR, barTime)
	report.Outcomes = outcomes

	e.notify(report)
	return report
}

// skipped downgrades an ENTER while keeping its audit trail.
func skipped(decision types.Decision, reason string) types.Decision {
	decision.Action = types.ActionSkip
	decision.Size = 0
	decision.Reason = reason
	return decision
}

func (e *Engine) notify(report BarReport) {
	if e.onBar != nil {
		e.onBar(report)
	}
}

func (e *Engine) persistDecision(ctx context.Context, barTime time.Time, decision types.Decision) {
	if e.repo == nil {
		return
	}
	_ = e.repo.InsertDecision(ctx, e.cfg.Symbol, barTime, decision)
	if signals, ok := decision.Metadata["signals"].([]types.ScoredSignal); ok {
		for _, signal := range signals {
			_ = e.repo.InsertBrainSignal(ctx, e.cfg.Symbol, barTime, signal)
		}
	}
}

func (e *Engine) persistPositions(ctx context.Context) {
	if e.repo == nil {
		return
	}
	for _, p := range e.exec.Tracker().AllPositions() {
		_ = e.repo.InsertPositionState(ctx, *p)
	}
}

// updateOpenPositions walks every ticket: TP partials, break-even,
// trailing, stop hits, and scalp timeouts. Fully closed trades come back
// as outcomes for the learning layers.
func (e *Engine) updateOpenPositions(ctx context.Context, last types.Candle, atr float64, barTime time.Time) []types.TradeOutcome {
	var outcomes []types.TradeOutcome
	price := last.Close

	for _, position := range e.exec.Tracker().OpenPositions() {
		ticket := position.Ticket
		trade := e.openTrades[ticket]
		e.exec.Tracker().UpdatePrice(ticket, price)
		e.trackExcursion(trade, price)

		closes, newSL := e.exec.SLTP().OnTick(ticket, price, atr, barTime)
		for _, partial := range closes {
			if e.exec.PartialClose(ticket, partial.VolumeToClose, barTime) {
				e.logger.Info("partial exit",
					zap.Uint64("ticket", ticket),
					zap.Int("level", partial.Level),
					zap.Float64("volume", partial.VolumeToClose))
			}
		}
		if newSL != nil {
			e.exec.UpdateStops(ticket, *newSL, 0)
		}

		// Liquidity-aware trailing jumps between levels.
		if e.liqSLTP != nil {
			if update := e.liqSLTP.UpdateTrailing(ticket, last.High, last.Low, last.Close, barTime); update != nil {
				e.exec.UpdateStops(ticket, update.NewStop, 0)
			}
		}

		// Stop crossed: close whatever volume remains.
		if current := e.exec.Tracker().Get(ticket); current != nil && current.Status == types.PositionOpen {
			if e.exec.SLTP().StopHit(ticket, price) {
				outcomes = e.closeTicket(outcomes, ticket, current.Volume, barTime)
				continue
			}
		}

		// Scalp positions die on their hold timeout.
		if trade != nil && trade.IsScalp {
			if barTime.Sub(trade.OpenTime) >= time.Duration(e.cfg.ScalpMaxHoldSecs)*time.Second {
				if current := e.exec.Tracker().Get(ticket); current != nil && current.Status == types.PositionOpen {
					outcomes = e.closeTicket(outcomes, ticket, current.Volume, barTime)
				}
			}
		}
	}

	// Positions fully consumed by partial exits also close out.
	for ticket, trade := range e.openTrades {
		current := e.exec.Tracker().Get(ticket)
		if current == nil {
			delete(e.openTrades, ticket)
			continue
		}
		if current.Status == types.PositionClosed {
			if e.liqSLTP != nil {
				e.liqSLTP.Remove(ticket)
			}
			outcomes = append(outcomes, e.outcomeFor(ticket, trade, current, barTime))
			delete(e.openTrades, ticket)
		}
	}

	for _, outcome := range outcomes {
		e.feedback(ctx, outcome, barTime)
	}
	if len(outcomes) > 0 {
		e.persistPositions(ctx)
	}
	return outcomes
}

func (e *Engine) closeTicket(outcomes []types.TradeOutcome, ticket uint64, volume float64, barTime time.Time) []types.TradeOutcome {
	trade := e.openTrades[ticket]
	regime := types.RegimeUnknown
	brainID, stateHash := "", ""
	var rlAction types.RLAction
	if trade != nil {
		regime = trade.Regime
		brainID = trade.BrainID
		stateHash = trade.StateHash
		rlAction = trade.RLAction
	}
	outcome := e.exec.ClosePosition(ticket, volume, barTime, regime, brainID, stateHash, rlAction)
	if outcome != nil {
		if trade != nil {
			outcome.MFE = trade.MFE
			outcome.MAE = trade.MAE
		}
		if e.liqSLTP != nil {
			e.liqSLTP.Remove(ticket)
		}
		outcomes = append(outcomes, *outcome)
		delete(e.openTrades, ticket)
	}
	return outcomes
}

func (e *Engine) outcomeFor(ticket uint64, trade *tradeContext, position *types.Position, barTime time.Time) types.TradeOutcome {
	return types.TradeOutcome{
		Ticket:    ticket,
		Symbol:    position.Symbol,
		Side:      position.Side,
		Regime:    trade.Regime,
		BrainID:   trade.BrainID,
		StateHash: trade.StateHash,
		RLAction:  trade.RLAction,
		PnL:       position.PnL,
		MFE:       trade.MFE,
		MAE:       trade.MAE,
		OpenTime:  position.OpenTime,
		CloseTime: barTime,
	}
}

// feedback routes a closed trade into the journal and the learning layers.
func (e *Engine) feedback(ctx context.Context, outcome types.TradeOutcome, barTime time.Time) {
	if e.repo != nil {
		_ = e.repo.InsertTrade(ctx, outcome)
	}
	e.updater.Add(outcome)
	if e.badDay != nil {
		e.badDay.Check(outcome.PnL, barTime)
	}
	if e.transition != nil && e.transition.IsActive(barTime) {
		history := e.transition.History()
		if len(history) > 0 {
			lastTransition := history[len(history)-1]
			e.metaBrain.Transition().Record(lastTransition.From, lastTransition.To, outcome.PnL)
		}
	}
}

func (e *Engine) trackExcursion(trade *tradeContext, price float64) {
	if trade == nil {
		return
	}
	delta := price - trade.EntryPrice
	if trade.Side == types.SideSell {
		delta = -delta
	}
	if delta > trade.MFE {
		trade.MFE = delta
	}
	if delta < trade.MAE {
		trade.MAE = delta
	}
}

// applyLiquidityPlan swaps the candle-based plan for zone-selected targets
// and stop when the liquidity map has structure around the entry. Without
// structure ahead, the candle plan stays.
func (e *Engine) applyLiquidityPlan(ticket uint64, decision types.Decision, bundle features.Bundle, transitionActive bool) {
	position := e.exec.Tracker().Get(ticket)
	if position == nil {
		return
	}
	maxStop := math.Max(bundle.ATR*6, e.cfg.RoundLevelStep*4)
	setup := e.liqSLTP.CreateSetup(ticket, e.cfg.Symbol, decision.Side, position.EntryPrice,
		transitionActive, e.cfg.RunnerEnabled, bundle.TrendStrength, maxStop)
	if setup.Targets.TP1Price == 0 {
		e.liqSLTP.Remove(ticket)
		return
	}
	config := setup.ToSLTPConfig(e.cfg.BreakEvenAfterTP1, e.cfg.BreakEvenOffset)
	e.exec.SLTP().Setup(ticket, position, setup.Stop.StopPrice, setup.Targets.TP1Price, config)
	e.exec.UpdateStops(ticket, setup.Stop.StopPrice, setup.Targets.TP1Price)
}

// enterScalp opens the extra-leverage contracts as a short-lived scalp
// with its own tight TP/SL, independent of the main position.
func (e *Engine) enterScalp(decision types.Decision, contracts int, price, atr float64, barTime time.Time) {
	point := e.cfg.ContractPointValue
	if point <= 0 {
		point = 1
	}
	tpDistance := float64(e.cfg.ScalpTPPoints) * point
	slDistance := float64(e.cfg.ScalpSLPoints) * point

	scalp := decision
	scalp.Size = float64(contracts)
	if decision.Side == types.SideBuy {
		scalp.SL = decision.Entry - slDistance
		scalp.TP1 = decision.Entry + tpDistance
	} else {
		scalp.SL = decision.Entry + slDistance
		scalp.TP1 = decision.Entry - tpDistance
	}
	scalp.TP2 = 0
	scalp.Reason = "Scalp re-leverage: " + decision.Reason

	result := e.exec.Execute(scalp, e.cfg.Symbol, price, atr, barTime)
	if result.Success {
		e.openTrades[result.Ticket] = &tradeContext{
			Regime:     decision.Regime,
			BrainID:    topContributor(decision),
			RLAction:   types.RLEnterWithExtra,
			EntryPrice: result.FilledPrice,
			Side:       decision.Side,
			IsScalp:    true,
			OpenTime:   barTime,
		}
		e.logger.Info("scalp opened",
			zap.Uint64("ticket", result.Ticket),
			zap.Int("contracts", contracts))
	}
}

// seedZones refreshes the liquidity map from the current features.
func (e *Engine) seedZones(primary []types.Candle, bundle features.Bundle, barTime time.Time) {
	zoneRange := math.Max(bundle.ATR, e.cfg.RoundLevelStep*0.1)
	add := func(source liquidity.Source, price float64) {
		if price <= 0 {
			return
		}
		e.lmap.AddZone(&liquidity.Zone{
			Symbol:      e.cfg.Symbol,
			Source:      source,
			PriceCenter: price,
			PriceRange:  zoneRange,
			Timeframe:   e.cfg.Timeframes[0],
			CreatedAt:   barTime,
		})
	}
	add(liquidity.SourceVWAPDaily, bundle.VWAP)
	add(liquidity.SourcePivotM5, bundle.PivotHigh)
	add(liquidity.SourcePivotM5, bundle.PivotLow)
	add(liquidity.SourceRound, bundle.RoundLevel)
	if len(primary) > 1 {
		add(liquidity.SourcePrevClose, primary[len(primary)-2].Close)
	}
}

// nearbyLiquidityStrength averages zone strength around the price.
func (e *Engine) nearbyLiquidityStrength(price float64) float64 {
	if e.lmap == nil {
		return 0.5
	}
	zones := e.lmap.Zones(e.cfg.Symbol, 0)
	if len(zones) == 0 {
		return 0.5
	}
	sum := 0.0
	count := 0
	for _, zone := range zones {
		if math.Abs(zone.PriceCenter-price) <= e.cfg.RoundLevelStep*4 {
			sum += zone.Strength
			count++
		}
	}
	if count == 0 {
		return 0.5
	}
	return sum / float64(count)
}

// lastBrainScores hands the meta-brain the registered brain IDs so weight
// adjustment covers every brain even before any signals today.
func (e *Engine) lastBrainScores() map[string]float64 {
	scores := map[string]float64{}
	for _, brain := range e.boss.Brains() {
		scores[brain.ID()] = 0
	}
	return scores
}

func (e *Engine) recentPnLs(ctx context.Context) []float64 {
	if e.repo == nil {
		return nil
	}
	trades, err := e.repo.FetchLatestTrades(ctx, 20)
	if err != nil {
		return nil
	}
	out := make([]float64, len(trades))
	for i, trade := range trades {
		out[i] = trade.PnL
	}
	return out
}

func (e *Engine) rolloverIfNewDay(barTime time.Time) {
	day := barTime.Format("2006-01-02")
	if e.currentDay == "" {
		e.currentDay = day
		return
	}
	if day != e.currentDay {
		e.logger.Info("session rollover", zap.String("from", e.currentDay), zap.String("to", day))
		e.exec.Risk().ResetDaily()
		e.updater.Flush()
		e.currentDay = day
	}
}

func topContributor(decision types.Decision) string {
	best := ""
	bestScore := math.Inf(-1)
	for brainID, score := range decision.BrainScores {
		if score > bestScore {
			best, bestScore = brainID, score
		}
	}
	return best
}

// featureVector flattens the bundle for the ensemble.
func featureVector(bundle features.Bundle) []float64 {
	safe := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	atrPct := 0.0
	if bundle.Close > 0 {
		atrPct = bundle.ATR / bundle.Close
	}
	maDelta := 0.0
	if bundle.MA89 > 0 {
		maDelta = (bundle.MA20 - bundle.MA89) / bundle.MA89
	}
	return []float64{
		safe(bundle.RSI / 100),
		safe(atrPct),
		safe(maDelta),
		safe(bundle.CandleBodyRatio),
		safe(bundle.CandleWickRatio),
		safe(bundle.VolumeZScore),
		safe(bundle.TrendStrength),
	}
}
