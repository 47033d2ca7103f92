package brains

import (
	"github.com/tradeforge/engine/pkg/types"
)

// MomentumBrain satisfies the brain contract but emits no signal yet.
// TODO(momentum): wire the volume-weighted momentum detector once the label
// study settles on a horizon.
type MomentumBrain struct{}

func (b *MomentumBrain) ID() string   { return "momentum" }
func (b *MomentumBrain) Name() string { return "Momentum" }

func (b *MomentumBrain) Detect(window []types.Candle) *types.BrainSignal {
	return nil
}

func (b *MomentumBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	return 40.0
}

// ConsolidationBrain satisfies the brain contract but emits no signal yet.
type ConsolidationBrain struct{}

func (b *ConsolidationBrain) ID() string   { return "consolidation_90pts" }
func (b *ConsolidationBrain) Name() string { return "Consolidation 90pts" }

func (b *ConsolidationBrain) Detect(window []types.Candle) *types.BrainSignal {
	return nil
}

func (b *ConsolidationBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	return 40.0
}
