package brains

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// GiftBrain trades follow-through after a strong impulse candle that holds
// the final third of its body.
type GiftBrain struct{}

func (b *GiftBrain) ID() string   { return "gift" }
func (b *GiftBrain) Name() string { return "GIFT" }

func (b *GiftBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 5 {
		return nil
	}
	last := window[len(window)-1]
	prev := window[len(window)-2]
	body := math.Abs(prev.Close - prev.Open)
	candleRange := prev.High - prev.Low
	if candleRange == 0 {
		return nil
	}
	strong := body/candleRange > 0.7

	if strong && prev.Close > prev.Open {
		limit := prev.Close - body*0.33
		if last.Low >= limit && last.Close > prev.Open {
			return &types.BrainSignal{
				BrainID: b.ID(),
				Action:  types.BrainBuy,
				Entry:   last.Close,
				SL:      last.Low,
				TP1:     last.Close + body,
				TP2:     last.Close + body*1.5,
				Reasons: []string{"Strong impulse candle", "Follow-through respecting 1/3"},
			}
		}
	}
	if strong && prev.Close < prev.Open {
		limit := prev.Close + body*0.33
		if last.High <= limit && last.Close < prev.Open {
			return &types.BrainSignal{
				BrainID: b.ID(),
				Action:  types.BrainSell,
				Entry:   last.Close,
				SL:      last.High,
				TP1:     last.Close - body,
				TP2:     last.Close - body*1.5,
				Reasons: []string{"Strong impulse candle", "Follow-through respecting 1/3"},
			}
		}
	}
	return nil
}

func (b *GiftBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	switch ctx.Features.Regime {
	case types.RegimeTrendUp, types.RegimeTrendDown:
		return 75.0
	}
	return 50.0
}
