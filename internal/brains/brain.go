// Package brains contains the signal detectors and the boss brain that
// arbitrates them into at most one decision per bar.
package brains

import (
	"time"

	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
)

// Context is the read-only per-bar environment handed to scoring and gates.
type Context struct {
	Symbol    string
	Timeframe types.Timeframe
	Now       time.Time
	Features  features.Bundle
	Spread    float64

	// Sizing parameters resolved from config.
	SpreadMax    float64
	RiskPerTrade float64
	PointValue   float64
	MinLot       float64
	LotStep      float64
}

// Brain is a pluggable producer of trade signals. Detect is pure over the
// candle window; Score returns a raw 0-100 number.
type Brain interface {
	ID() string
	Name() string
	Detect(window []types.Candle) *types.BrainSignal
	Score(signal *types.BrainSignal, ctx *Context) float64
}

// Registry returns the default brain list. Order is fixed at boss
// construction and breaks score ties.
func Registry() []Brain {
	return []Brain{
		&WyckoffRangeBrain{},
		&WyckoffAdvancedBrain{},
		&TrendPullbackBrain{},
		&GiftBrain{},
		&MomentumBrain{},
		&ConsolidationBrain{},
		&ElliottBrain{},
		&ClusterProxyBrain{},
		&LiquidityLevelsBrain{},
	}
}
