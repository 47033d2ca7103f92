package execution

import (
	"time"

	"github.com/tradeforge/engine/internal/liquidity"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// LiquiditySetup is a complete liquidity-aware trade plan.
type LiquiditySetup struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	EntryPrice float64    `json:"entryPrice"`

	Targets liquidity.TargetSetup `json:"targets"`
	Stop    liquidity.StopSetup   `json:"stop"`

	TP1Fraction    float64 `json:"tp1Fraction"`
	TP2Fraction    float64 `json:"tp2Fraction"`
	RunnerFraction float64 `json:"runnerFraction"`

	RunnerActivated bool    `json:"runnerActivated"`
	Extreme         float64 `json:"extreme"`
	TrailUpdates    int     `json:"trailUpdates"`
}

// TrailUpdate describes a level-jump of the stop.
type TrailUpdate struct {
	NewStop float64 `json:"newStop"`
	Zone    string  `json:"zone"`
	Extreme float64 `json:"extreme"`
}

// LiquiditySLTPManager replaces candle-based TP selection with liquidity
// zones and trails by jumping between successive levels.
type LiquiditySLTPManager struct {
	logger         *zap.Logger
	lmap           *liquidity.Map
	targetSelector *liquidity.TargetSelector
	stopSelector   *liquidity.StopSelector
	setups         map[uint64]*LiquiditySetup
}

// NewLiquiditySLTPManager wires the liquidity-aware manager over the shared
// map and selectors.
func NewLiquiditySLTPManager(logger *zap.Logger, lmap *liquidity.Map, targets *liquidity.TargetSelector, stops *liquidity.StopSelector) *LiquiditySLTPManager {
	return &LiquiditySLTPManager{
		logger:         logger.Named("sltp-liquidity"),
		lmap:           lmap,
		targetSelector: targets,
		stopSelector:   stops,
		setups:         map[uint64]*LiquiditySetup{},
	}
}

// CreateSetup selects zone-based TPs and stop for a new position.
func (m *LiquiditySLTPManager) CreateSetup(ticket uint64, symbol string, side types.Side, entry float64, transitionActive bool, allowRunner bool, trendStrength, maxStopDistance float64) *LiquiditySetup {
	stop := m.stopSelector.SelectStop(symbol, side, entry, transitionActive, maxStopDistance)
	targets := m.targetSelector.SelectTargets(symbol, side, entry, stop.StopPrice, allowRunner, trendStrength)

	setup := &LiquiditySetup{
		Symbol:         symbol,
		Side:           side,
		EntryPrice:     entry,
		Targets:        targets,
		Stop:           stop,
		TP1Fraction:    0.5,
		TP2Fraction:    0.3,
		RunnerFraction: 0.2,
		Extreme:        entry,
	}
	m.setups[ticket] = setup
	m.logger.Info("liquidity setup created",
		zap.Uint64("ticket", ticket),
		zap.Float64("tp1", targets.TP1Price),
		zap.Float64("tp2", targets.TP2Price),
		zap.Float64("stop", stop.StopPrice),
		zap.Bool("runner", targets.RunnerEnabled))
	return setup
}

// Setup returns the setup for a ticket, or nil.
func (m *LiquiditySLTPManager) Setup(ticket uint64) *LiquiditySetup { return m.setups[ticket] }

// Remove drops the setup when the position closes.
func (m *LiquiditySLTPManager) Remove(ticket uint64) { delete(m.setups, ticket) }

// UpdateTrailing advances the runner's stop to the next liquidity level
// once TP1 is crossed. Unlike the candle trail, the stop jumps between
// levels rather than following every bar.
func (m *LiquiditySLTPManager) UpdateTrailing(ticket uint64, high, low, close float64, now time.Time) *TrailUpdate {
	setup, ok := m.setups[ticket]
	if !ok || !setup.Targets.RunnerEnabled {
		return nil
	}

	if setup.Side == types.SideBuy {
		if !setup.RunnerActivated && setup.Targets.TP1Price != 0 && low >= setup.Targets.TP1Price {
			setup.RunnerActivated = true
			m.logger.Info("runner activated", zap.Uint64("ticket", ticket))
		}
		if !setup.RunnerActivated {
			return nil
		}
		if high > setup.Extreme {
			setup.Extreme = high
		}
		next := m.lmap.NearestZone(setup.Symbol, setup.Extreme, "above")
		if next == nil {
			return nil
		}
		newStop := next.PriceMin() - 0.001*setup.EntryPrice
		if newStop > setup.Stop.StopPrice {
			setup.Stop.StopPrice = newStop
			setup.TrailUpdates++
			return &TrailUpdate{NewStop: newStop, Zone: string(next.Source), Extreme: setup.Extreme}
		}
		return nil
	}

	// SELL
	if !setup.RunnerActivated && setup.Targets.TP1Price != 0 && high <= setup.Targets.TP1Price {
		setup.RunnerActivated = true
		m.logger.Info("runner activated", zap.Uint64("ticket", ticket))
	}
	if !setup.RunnerActivated {
		return nil
	}
	if setup.Extreme == 0 || low < setup.Extreme {
		setup.Extreme = low
	}
	next := m.lmap.NearestZone(setup.Symbol, setup.Extreme, "below")
	if next == nil {
		return nil
	}
	newStop := next.PriceMax() + 0.001*setup.EntryPrice
	if newStop < setup.Stop.StopPrice {
		setup.Stop.StopPrice = newStop
		setup.TrailUpdates++
		return &TrailUpdate{NewStop: newStop, Zone: string(next.Source), Extreme: setup.Extreme}
	}
	return nil
}

// ToSLTPConfig converts the liquidity setup into a base plan configuration
// so the common partial-exit machinery applies.
func (s *LiquiditySetup) ToSLTPConfig(breakEven bool, breakEvenOffset float64) SLTPConfig {
	return SLTPConfig{
		UsePartialExits: s.Targets.TP2Price != 0,
		TP1Price:        s.Targets.TP1Price,
		TP1Fraction:     s.TP1Fraction,
		TP2Price:        s.Targets.TP2Price,
		TP2Fraction:     s.TP2Fraction,
		UseBreakEven:    breakEven,
		BreakEvenOffset: breakEvenOffset,
	}
}
