package brains

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
)

// pivot is a swing high or low extracted from the window.
type pivot struct {
	kind  string // "high" or "low"
	price float64
	index int
}

// elliottCandidate is one possible wave count with its own confidence.
type elliottCandidate struct {
	waveCount    int
	direction    types.BrainAction
	confidence   float64
	projection   float64
	invalidation float64
	reasons      []string
}

// ElliottBrain generates probabilistic Elliott wave counts from swing pivots
// and emits the strongest candidate.
type ElliottBrain struct{}

func (b *ElliottBrain) ID() string   { return "elliott_prob" }
func (b *ElliottBrain) Name() string { return "Elliott Probabilistic" }

func (b *ElliottBrain) Detect(window []types.Candle) *types.BrainSignal {
	if len(window) < 50 {
		return nil
	}
	pivots := extractPivots(window, 5)
	if len(pivots) < 5 {
		return nil
	}
	candidates := generateCandidates(pivots)
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.confidence > best.confidence {
			best = c
		}
	}

	entry := window[len(window)-1].Close
	tp2 := best.projection * 1.5
	if best.direction == types.BrainSell {
		tp2 = best.projection * 0.5
	}

	return &types.BrainSignal{
		BrainID: b.ID(),
		Action:  best.direction,
		Entry:   entry,
		SL:      best.invalidation,
		TP1:     best.projection,
		TP2:     tp2,
		Reasons: best.reasons,
		Metadata: map[string]any{
			"wave_count":       best.waveCount,
			"confidence":       best.confidence,
			"candidates_count": len(candidates),
			"invalidation":     best.invalidation,
			"projection":       best.projection,
		},
	}
}

func (b *ElliottBrain) Score(signal *types.BrainSignal, ctx *Context) float64 {
	confidence := 0.0
	candidates := 1.0
	if signal.Metadata != nil {
		if v, ok := signal.Metadata["confidence"].(float64); ok {
			confidence = v
		}
		if v, ok := signal.Metadata["candidates_count"].(int); ok {
			candidates = float64(v)
		}
	}
	confluenceBonus := math.Min(candidates*15, 30)
	return math.Min(confidence*70+confluenceBonus, 95.0)
}

// extractPivots finds swing highs/lows with the given lookback on each side.
func extractPivots(window []types.Candle, lookback int) []pivot {
	var pivots []pivot
	for i := lookback; i < len(window)-lookback; i++ {
		isHigh := true
		isLow := true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if window[j].High >= window[i].High {
				isHigh = false
			}
			if window[j].Low <= window[i].Low {
				isLow = false
			}
		}
		if isHigh {
			pivots = append(pivots, pivot{kind: "high", price: window[i].High, index: i})
		}
		if isLow {
			pivots = append(pivots, pivot{kind: "low", price: window[i].Low, index: i})
		}
	}
	return pivots
}

func generateCandidates(pivots []pivot) []elliottCandidate {
	var candidates []elliottCandidate
	n := len(pivots)
	if n < 5 {
		return candidates
	}
	p := pivots[n-5:]

	// Five-wave impulse up: low-high-low-high-low.
	if p[0].kind == "low" && p[1].kind == "high" && p[2].kind == "low" &&
		p[3].kind == "high" && p[4].kind == "low" {
		wave1 := p[1].price - p[0].price
		wave3 := p[3].price - p[2].price
		if wave3 > wave1*0.618 {
			candidates = append(candidates, elliottCandidate{
				waveCount:    5,
				direction:    types.BrainBuy,
				confidence:   0.7,
				projection:   p[3].price + wave3*1.618,
				invalidation: p[4].price,
				reasons:      []string{"Five-wave impulse detected", "Wave 3 > Wave 1 * 0.618"},
			})
		}
	}

	// Five-wave impulse down: high-low-high-low-high.
	if p[0].kind == "high" && p[1].kind == "low" && p[2].kind == "high" &&
		p[3].kind == "low" && p[4].kind == "high" {
		wave1 := p[0].price - p[1].price
		wave3 := p[2].price - p[3].price
		if wave3 > wave1*0.618 {
			candidates = append(candidates, elliottCandidate{
				waveCount:    5,
				direction:    types.BrainSell,
				confidence:   0.7,
				projection:   p[3].price - wave3*1.618,
				invalidation: p[4].price,
				reasons:      []string{"Five-wave impulse (down) detected"},
			})
		}
	}

	// ABC correction completing into new strength.
	if n >= 6 && p[0].kind == "high" && p[1].kind == "low" && p[2].kind == "high" &&
		p[3].kind == "low" && p[4].kind == "high" {
		waveA := p[0].price - p[1].price
		waveC := p[2].price - p[3].price
		if waveA > 0 && math.Abs(waveC-waveA)/waveA < 0.2 {
			candidates = append(candidates, elliottCandidate{
				waveCount:    3,
				direction:    types.BrainBuy,
				confidence:   0.6,
				projection:   p[4].price + waveA,
				invalidation: p[3].price,
				reasons:      []string{"ABC correction complete"},
			})
		}
	}

	// Bearish divergence on lower highs.
	var highs, lows []float64
	for _, pv := range pivots {
		if pv.kind == "high" {
			highs = append(highs, pv.price)
		} else {
			lows = append(lows, pv.price)
		}
	}
	if len(highs) >= 2 {
		lastHigh := highs[len(highs)-1]
		prevHigh := highs[len(highs)-2]
		if lastHigh < prevHigh*0.98 {
			projection := lastHigh * 0.9
			if len(lows) > 0 {
				projection = lows[0]
				for _, l := range lows {
					if l < projection {
						projection = l
					}
				}
			}
			candidates = append(candidates, elliottCandidate{
				waveCount:    0,
				direction:    types.BrainSell,
				confidence:   0.55,
				projection:   projection,
				invalidation: lastHigh,
				reasons:      []string{"Bearish divergence"},
			})
		}
	}

	return candidates
}
