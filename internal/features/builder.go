package features

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// minWindow is the candle count below which the regime is reported unknown.
const minWindow = 50

// Bundle is the per-bar feature mapping consumed by brains and gates.
// Built fresh every bar; not stored long-term.
type Bundle struct {
	Close           float64
	VWAP            float64
	RSI             float64
	ATR             float64
	MA20            float64
	MA34            float64
	MA89            float64
	MA200           float64
	PivotHigh       float64
	PivotLow        float64
	RoundLevel      float64
	CandleBodyRatio float64
	CandleWickRatio float64
	VolumeZScore    float64
	Regime          types.Regime
	TrendStrength   float64

	// Higher-timeframe echoes, zero-valued when no higher window was given.
	RegimeH1 types.Regime
	MA20H1   float64
	MA50H1   float64
	ATRH1    float64
}

// Builder computes feature bundles from candle windows.
type Builder struct {
	roundStep float64
}

// NewBuilder creates a feature builder with the configured round-level step.
func NewBuilder(roundStep float64) *Builder {
	return &Builder{roundStep: roundStep}
}

// Build computes the bundle for the primary window, optionally augmented
// with higher-timeframe echoes. Pure over its inputs.
func (b *Builder) Build(window []types.Candle, higher []types.Candle) Bundle {
	bundle := Bundle{Regime: types.RegimeUnknown, RegimeH1: types.RegimeUnknown}
	if len(window) == 0 {
		return bundle
	}

	last := window[len(window)-1]
	bundle.Close = last.Close
	bundle.VWAP = nanToZero(VWAP(window))
	bundle.RSI = nanToZero(RSI(window, 14))
	bundle.ATR = nanToZero(ATR(window, 14))
	bundle.MA20 = nanToZero(SMA(window, 20))
	bundle.MA34 = nanToZero(SMA(window, 34))
	bundle.MA89 = nanToZero(SMA(window, 89))
	bundle.MA200 = nanToZero(SMA(window, 200))
	bundle.PivotHigh = nanToZero(PivotHigh(window, 20))
	bundle.PivotLow = nanToZero(PivotLow(window, 20))
	bundle.RoundLevel = RoundLevel(last.Close, b.roundStep)
	bundle.VolumeZScore = VolumeZScore(window, 20)

	candleRange := last.High - last.Low
	if candleRange <= 0 {
		candleRange = 1e-9
	}
	body := math.Abs(last.Close - last.Open)
	upperWick := last.High - math.Max(last.Open, last.Close)
	lowerWick := math.Min(last.Open, last.Close) - last.Low
	bundle.CandleBodyRatio = body / candleRange
	bundle.CandleWickRatio = (upperWick + lowerWick) / candleRange

	if len(window) >= minWindow {
		bundle.Regime = Classify(window)
		bundle.TrendStrength = trendStrength(window)
	}

	if len(higher) >= minWindow {
		bundle.RegimeH1 = Classify(higher)
		bundle.MA20H1 = nanToZero(SMA(higher, 20))
		bundle.MA50H1 = nanToZero(SMA(higher, 50))
		bundle.ATRH1 = nanToZero(ATR(higher, 14))
	}

	return bundle
}

// Classify determines the regime of a candle window: volatility first, then
// the sign of the short-MA slope.
func Classify(window []types.Candle) types.Regime {
	if len(window) < minWindow {
		return types.RegimeUnknown
	}
	atr := ATR(window, 14)
	mean := meanClose(window)
	if !math.IsNaN(atr) && mean > 0 && atr/mean > 0.01 {
		return types.RegimeHighVol
	}
	slope := maSlope(window, 20)
	switch {
	case slope > 0:
		return types.RegimeTrendUp
	case slope < 0:
		return types.RegimeTrendDown
	default:
		return types.RegimeRange
	}
}

// maSlope is the difference between the current MA and the MA one bar back.
// Values within a small band of zero are treated as flat.
func maSlope(window []types.Candle, period int) float64 {
	if len(window) < period+1 {
		return 0
	}
	cur := SMA(window, period)
	prev := SMA(window[:len(window)-1], period)
	if math.IsNaN(cur) || math.IsNaN(prev) || prev == 0 {
		return 0
	}
	slope := (cur - prev) / prev
	if math.Abs(slope) < 1e-6 {
		return 0
	}
	return slope
}

// trendStrength maps price displacement from the MA20 into [0,1].
func trendStrength(window []types.Candle) float64 {
	ma := SMA(window, 20)
	last := window[len(window)-1].Close
	if math.IsNaN(ma) || ma == 0 {
		return 0.5
	}
	displacement := math.Abs(last-ma) / ma
	return math.Min(1, 0.5+displacement*25)
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
