package brains

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// WyckoffRangeBrain trades rejections at the extremes of a 30-bar range.
type WyckoffRangeBrain struct{}

func (b *WyckoffRangeBrain) ID() string   { return "wyckoff_range" }
func (b *WyckoffRangeBrain) Name() string { return "Wyckoff Range" }

func (b *WyckoffRangeBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 30 {
		return nil
	}
	recent := window[len(window)-30:]
	high := math.Inf(-1)
	low := math.Inf(1)
	for _, c := range recent {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	last := recent[len(recent)-1]
	candleRange := last.High - last.Low
	if candleRange <= 0 {
		return nil
	}
	wick := math.Abs(last.Close-last.Open) < candleRange*0.3

	if wick && last.Close > last.Open && last.Low <= low*1.001 {
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainBuy,
			Entry:   last.Close,
			SL:      low,
			TP1:     (high + low) / 2,
			TP2:     high,
			Reasons: []string{"Rejection at range low", "Potential absorption"},
		}
	}
	if wick && last.Close < last.Open && last.High >= high*0.999 {
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainSell,
			Entry:   last.Close,
			SL:      high,
			TP1:     (high + low) / 2,
			TP2:     low,
			Reasons: []string{"Rejection at range high", "Potential absorption"},
		}
	}
	return nil
}

func (b *WyckoffRangeBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	if ctx.Features.Regime == types.RegimeRange {
		return 80.0
	}
	return 60.0
}

// WyckoffAdvancedBrain detects springs, upthrusts, and multi-touch range
// extremes over a 50-bar window.
type WyckoffAdvancedBrain struct{}

func (b *WyckoffAdvancedBrain) ID() string   { return "wyckoff_adv" }
func (b *WyckoffAdvancedBrain) Name() string { return "Wyckoff Advanced" }

func (b *WyckoffAdvancedBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 50 {
		return nil
	}
	recent := window[len(window)-50:]
	high := math.Inf(-1)
	low := math.Inf(1)
	var touchHigh, touchLow int
	var rangeSum float64
	for _, c := range recent {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		rangeSum += c.High - c.Low
	}
	for _, c := range recent {
		if c.High > high*0.995 {
			touchHigh++
		}
		if c.Low < low*1.005 {
			touchLow++
		}
	}
	last := recent[len(recent)-1]
	compression := rangeSum / float64(len(recent))
	rangeSize := high - low
	confidence := 0.45
	if compression < rangeSize*0.6 {
		confidence = 0.6
	}

	if last.Low < low && last.Close > low {
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainBuy,
			Entry:   last.Close,
			SL:      low - rangeSize*0.1,
			TP1:     (high + low) / 2,
			TP2:     high,
			Reasons: []string{"Spring detected"},
			Metadata: map[string]any{
				"setup_type":  "SPRING",
				"touch_count": touchLow,
				"confidence":  math.Max(0.2, confidence-math.Max(0, float64(touchLow-2))*0.1),
			},
		}
	}
	if last.High > high && last.Close < high {
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  types.BrainSell,
			Entry:   last.Close,
			SL:      high + rangeSize*0.1,
			TP1:     (high + low) / 2,
			TP2:     low,
			Reasons: []string{"Upthrust detected"},
			Metadata: map[string]any{
				"setup_type":  "UPTHRUST",
				"touch_count": touchHigh,
				"confidence":  math.Max(0.2, confidence-math.Max(0, float64(touchHigh-2))*0.1),
			},
		}
	}
	if touchHigh >= 2 && touchLow >= 2 {
		direction := types.BrainSell
		sl, tp2 := high, low
		if last.Close < (high+low)/2 {
			direction = types.BrainBuy
			sl, tp2 = low, high
		}
		maxTouch := touchHigh
		if touchLow > maxTouch {
			maxTouch = touchLow
		}
		return &types.BrainSignal{
			BrainID: b.ID(),
			Action:  direction,
			Entry:   last.Close,
			SL:      sl,
			TP1:     (high + low) / 2,
			TP2:     tp2,
			Reasons: []string{"Range extreme with multiple touches"},
			Metadata: map[string]any{
				"setup_type":  "RANGE_EXTREME",
				"touch_count": maxTouch,
				"confidence":  math.Max(0.3, confidence-math.Max(0, float64(maxTouch-2))*0.1),
			},
		}
	}
	return nil
}

func (b *WyckoffAdvancedBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	confidence := 0.4
	if signal.Metadata != nil {
		if v, ok := signal.Metadata["confidence"].(float64); ok {
			confidence = v
		}
	}
	if ctx.Features.Regime == types.RegimeRange {
		confidence += 0.1
	}
	return 55.0 + confidence*35.0
}
