package brains

import (
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
)

// TrendPullbackBrain trades pullbacks to the MA20 in the direction of the
// MA20/MA89 trend.
type TrendPullbackBrain struct{}

func (b *TrendPullbackBrain) ID() string   { return "trend_pullback" }
func (b *TrendPullbackBrain) Name() string { return "Trend Pullback" }

func (b *TrendPullbackBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 89 {
		return nil
	}
	last := window[len(window)-1]
	ma20 := features.SMA(window, 20)
	ma89 := features.SMA(window, 89)
	if ma20 != ma20 || ma89 != ma89 { // NaN guard
		return nil
	}

	bullish := ma20 > ma89 && last.Close > ma20 && last.Low <= ma20
	bearish := ma20 < ma89 && last.Close < ma20 && last.High >= ma20

	if bullish {
		risk := last.Close - last.Low
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainBuy,
			Entry:   last.Close,
			SL:      last.Low,
			TP1:     last.Close + risk*1.5,
			TP2:     last.Close + risk*2.5,
			Reasons: []string{"Trend up with pullback to MA20"},
		}
	}
	if bearish {
		risk := last.High - last.Close
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainSell,
			Entry:   last.Close,
			SL:      last.High,
			TP1:     last.Close - risk*1.5,
			TP2:     last.Close - risk*2.5,
			Reasons: []string{"Trend down with pullback to MA20"},
		}
	}
	return nil
}

func (b *TrendPullbackBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	regime := ctx.Features.Regime
	if signal.Action == types.BrainBuy && regime == types.RegimeTrendUp {
		return 85.0
	}
	if signal.Action == types.BrainSell && regime == types.RegimeTrendDown {
		return 85.0
	}
	return 55.0
}
