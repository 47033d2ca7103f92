package brains

import (
	"sort"

	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
)

// LiquidityLevelsBrain consolidates nearby support/resistance candidates
// (VWAP, rolling pivots, round levels) into target metadata. Always neutral;
// its value is the target_candidates list other stages consume.
type LiquidityLevelsBrain struct{}

func (b *LiquidityLevelsBrain) ID() string   { return "liquidity" }
func (b *LiquidityLevelsBrain) Name() string { return "Liquidity Levels" }

func (b *LiquidityLevelsBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) == 0 {
		return nil
	}
	last := window[len(window)-1].Close

	var supports, resistances []float64
	vwap := features.VWAP(window)
	if vwap == vwap { // not NaN
		if vwap < last {
			supports = append(supports, vwap)
		} else {
			resistances = append(resistances, vwap)
		}
	}
	pivotHigh := features.PivotHigh(window, 50)
	pivotLow := features.PivotLow(window, 50)
	roundLevel := features.RoundLevel(last, 50)

	if roundLevel < last {
		supports = append(supports, roundLevel)
	} else {
		resistances = append(resistances, roundLevel)
	}
	supports = append(supports, pivotLow)
	resistances = append(resistances, pivotHigh)

	candidates := dedupeSorted(append(append([]float64{}, supports...), resistances...))
	sort.Float64s(supports)
	sort.Sort(sort.Reverse(sort.Float64Slice(resistances)))

	return &types.BrainSignal{
		BrainID: b.ID(),
		Action:  types.BrainNeutral,
		Entry:   last,
		SL:      pivotLow,
		TP1:     pivotHigh,
		TP2:     pivotHigh,
		Reasons: []string{"Liquidity levels consolidated"},
		Metadata: map[string]any{
			"nearest_supports":    firstN(supports, 3),
			"nearest_resistances": firstN(resistances, 3),
			"target_candidates":   candidates,
		},
	}
}

func (b *LiquidityLevelsBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	return 50.0
}

func dedupeSorted(values []float64) []float64 {
	sort.Float64s(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func firstN(values []float64, n int) []float64 {
	if len(values) < n {
		n = len(values)
	}
	return values[:n]
}
