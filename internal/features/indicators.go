// Package features computes indicators, the per-bar feature bundle, and the
// market regime classification used by the decision pipeline.
package features

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// SMA returns the simple moving average of the last period closes, or NaN
// when the window is too short.
func SMA(candles []types.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}

// ATR returns the average true range over the last period bars.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return math.NaN()
	}
	sum := 0.0
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		cur := candles[i]
		prev := candles[i-1]
		tr := cur.High - cur.Low
		if hc := math.Abs(cur.High - prev.Close); hc > tr {
			tr = hc
		}
		if lc := math.Abs(cur.Low - prev.Close); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period)
}

// RSI returns Wilder's relative strength index over the last period bars.
func RSI(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return math.NaN()
	}
	var gain, loss float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// VWAP returns the volume-weighted average price over the whole window.
func VWAP(candles []types.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		pv += c.Close * c.TickVolume
		vol += c.TickVolume
	}
	if vol == 0 {
		return math.NaN()
	}
	return pv / vol
}

// PivotHigh returns the highest high over the last lookback bars.
func PivotHigh(candles []types.Candle, lookback int) float64 {
	if len(candles) == 0 {
		return math.NaN()
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}
	high := math.Inf(-1)
	for _, c := range candles[len(candles)-lookback:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// PivotLow returns the lowest low over the last lookback bars.
func PivotLow(candles []types.Candle, lookback int) float64 {
	if len(candles) == 0 {
		return math.NaN()
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}
	low := math.Inf(1)
	for _, c := range candles[len(candles)-lookback:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

// VolumeZScore returns the z-score of the last bar's tick volume against the
// trailing period.
func VolumeZScore(candles []types.Candle, period int) float64 {
	if len(candles) < period || period < 2 {
		return 0
	}
	window := candles[len(candles)-period:]
	mean := 0.0
	for _, c := range window {
		mean += c.TickVolume
	}
	mean /= float64(period)
	variance := 0.0
	for _, c := range window {
		d := c.TickVolume - mean
		variance += d * d
	}
	variance /= float64(period - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return (candles[len(candles)-1].TickVolume - mean) / std
}

// RoundLevel snaps a price to the nearest round-number level of the given step.
func RoundLevel(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.Round(price/step) * step
}

func meanClose(candles []types.Candle) float64 {
	if len(candles) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}
