package brains

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// LevelProxy is a volume-cluster level estimated from tick-volume spikes.
type LevelProxy struct {
	Level      float64 `json:"level"`
	TouchCount int     `json:"touchCount"`
	Strength   float64 `json:"strength"`
}

// ClusterProxyBrain approximates order-flow clusters from tick-volume spikes
// combined with wide-range absorption candles.
type ClusterProxyBrain struct{}

func (b *ClusterProxyBrain) ID() string   { return "cluster_proxy" }
func (b *ClusterProxyBrain) Name() string { return "Cluster Proxy" }

func (b *ClusterProxyBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 30 {
		return nil
	}
	recent := window[len(window)-30:]

	var volSum float64
	for _, c := range recent {
		volSum += c.TickVolume
	}
	volMean := volSum / float64(len(recent))

	closeStd := closeStddev(recent)

	var levels []LevelProxy
	for i := 10; i < len(recent); i++ {
		c := recent[i]
		rollingMean := rollingVolumeMean(recent, i, 10)
		spike := c.TickVolume > rollingMean*1.5
		absorption := (c.High - c.Low) > math.Abs(c.Close-c.Open)*2
		if !spike || !absorption {
			continue
		}
		level := c.Close
		touches := 0
		for _, other := range recent {
			if math.Abs(other.Close-level) < closeStd*0.2 {
				touches++
			}
		}
		strength := math.Min(1.0, c.TickVolume/volMean*0.5)
		levels = append(levels, LevelProxy{Level: level, TouchCount: touches, Strength: strength})
	}
	if len(levels) == 0 {
		return nil
	}

	last := recent[len(recent)-1]
	prev := recent[len(recent)-2]
	bias := types.BrainNeutral
	latest := levels[len(levels)-1]
	if latest.TouchCount <= 2 {
		if last.Close > prev.Close {
			bias = types.BrainBuy
		} else {
			bias = types.BrainSell
		}
	}

	levelDicts := make([]map[string]any, len(levels))
	for i, lvl := range levels {
		levelDicts[i] = map[string]any{
			"level": lvl.Level, "touch_count": lvl.TouchCount, "strength": lvl.Strength,
		}
	}

	return &types.BrainSignal{
		BrainID: b.ID(),
		Action:  bias,
		Entry:   last.Close,
		SL:      last.Low,
		TP1:     last.High,
		TP2:     last.High + highStddev(recent),
		Reasons: []string{"Cluster proxy detected"},
		Metadata: map[string]any{
			"levels_detected": levelDicts,
			"direction_bias":  string(bias),
		},
	}
}

func (b *ClusterProxyBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	return 45.0
}

func rollingVolumeMean(candles []types.Candle, end, period int) float64 {
	start := end - period
	if start < 0 {
		start = 0
	}
	if end <= start {
		return 0
	}
	sum := 0.0
	for _, c := range candles[start:end] {
		sum += c.TickVolume
	}
	return sum / float64(end-start)
}

func closeStddev(candles []types.Candle) float64 {
	values := make([]float64, len(candles))
	for i, c := range candles {
		values[i] = c.Close
	}
	return sampleStddev(values)
}

func highStddev(candles []types.Candle) float64 {
	values := make([]float64, len(candles))
	for i, c := range candles {
		values[i] = c.High
	}
	return sampleStddev(values)
}

func sampleStddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
