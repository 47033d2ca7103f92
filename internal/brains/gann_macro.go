package brains

import (
	"fmt"

	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
)

// MacroZones are the higher-timeframe support/resistance bands used by the
// boss macro gate.
type MacroZones struct {
	SupportZone    [2]float64
	ResistanceZone [2]float64
	MacroTrend     string
}

// GannMacroBrain computes macro zones from a higher-timeframe window. It is
// consulted directly by the boss rather than registered as a scorer.
type GannMacroBrain struct{}

func (b *GannMacroBrain) ID() string   { return "gann_macro" }
func (b *GannMacroBrain) Name() string { return "Gann Macro" }

func (b *GannMacroBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 100 {
		return nil
	}
	zones := computeMacroZones(window)
	last := window[len(window)-1].Close
	return &types.BrainSignal{
		BrainID: b.ID(),
		Action:  types.BrainNeutral,
		Entry:   last,
		SL:      zones.SupportZone[0],
		TP1:     zones.ResistanceZone[0],
		TP2:     zones.ResistanceZone[1],
		Reasons: []string{fmt.Sprintf("Macro trend %s", zones.MacroTrend)},
		Metadata: map[string]any{
			"macro_trend":     zones.MacroTrend,
			"support_zone":    zones.SupportZone,
			"resistance_zone": zones.ResistanceZone,
		},
	}
}

func (b *GannMacroBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	return 40.0
}

func computeMacroZones(window []types.Candle) MacroZones {
	maFast := features.SMA(window, 50)
	maSlow := features.SMA(window, 200)
	pivotHigh := features.PivotHigh(window, 200)
	pivotLow := features.PivotLow(window, 200)
	last := window[len(window)-1].Close

	trend := "RANGE"
	if maFast == maFast && maSlow == maSlow {
		if maFast > maSlow {
			trend = "UP"
		} else if maFast < maSlow {
			trend = "DOWN"
		}
	}
	return MacroZones{
		SupportZone:    [2]float64{pivotLow, pivotLow + (last-pivotLow)*0.15},
		ResistanceZone: [2]float64{pivotHigh - (pivotHigh-last)*0.15, pivotHigh},
		MacroTrend:     trend,
	}
}
