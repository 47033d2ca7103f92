package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// activeWindow is how long a transition stays "active" after emission.
const activeWindow = 10 * time.Minute

// Transition is an emitted regime-to-regime change event.
type Transition struct {
	Time       time.Time      `json:"time"`
	Symbol     string         `json:"symbol"`
	From       types.Regime   `json:"from"`
	To         types.Regime   `json:"to"`
	Confidence float64        `json:"confidence"`
	Reasons    []string       `json:"reasons"`
}

// validTransitions is the permitted adjacency of the regime state machine.
var validTransitions = map[types.Regime]map[types.Regime]bool{
	types.RegimeRange: {
		types.RegimeTrendUp: true, types.RegimeTrendDown: true, types.RegimeChaotic: true,
	},
	types.RegimeTrendUp: {
		types.RegimeExhaustion: true, types.RegimeRange: true, types.RegimeChaotic: true,
	},
	types.RegimeTrendDown: {
		types.RegimeExhaustion: true, types.RegimeRange: true, types.RegimeChaotic: true,
	},
	types.RegimeExhaustion: {
		types.RegimeRange: true, types.RegimeHighVol: true, types.RegimeChaotic: true,
	},
	types.RegimeHighVol: {
		types.RegimeRange: true, types.RegimeTrendUp: true, types.RegimeTrendDown: true, types.RegimeChaotic: true,
	},
	types.RegimeChaotic: {
		types.RegimeRange: true,
	},
	types.RegimeUnknown: {
		types.RegimeRange: true, types.RegimeTrendUp: true, types.RegimeTrendDown: true,
		types.RegimeHighVol: true,
	},
}

// IsValidTransition reports whether from → to is a permitted adjacency.
func IsValidTransition(from, to types.Regime) bool {
	return validTransitions[from][to]
}

// TransitionDetector tracks the regime state machine and emits transition
// events when the classifier is confident and the move is permitted.
type TransitionDetector struct {
	logger *zap.Logger

	windowSize        int
	chaoticWindowSize int
	confidenceMin     float64

	current        types.Regime
	regimeSince    time.Time
	lastTransition time.Time
	hasTransition  bool

	volHistory   []float64
	slopeHistory []float64
	history      []Transition
}

// NewTransitionDetector creates a detector. chaoticWindowSize bounds the
// volatility percentile window used for the CHAOTIC classification.
func NewTransitionDetector(logger *zap.Logger, chaoticWindowSize int) *TransitionDetector {
	if chaoticWindowSize <= 0 {
		chaoticWindowSize = 10
	}
	return &TransitionDetector{
		logger:            logger.Named("regime-transition"),
		windowSize:        20,
		chaoticWindowSize: chaoticWindowSize,
		confidenceMin:     0.6,
		current:           types.RegimeUnknown,
	}
}

// Current returns the state machine's current regime.
func (d *TransitionDetector) Current() types.Regime {
	return d.current
}

// IsActive reports whether a transition happened within the last ten minutes.
func (d *TransitionDetector) IsActive(now time.Time) bool {
	return d.hasTransition && now.Sub(d.lastTransition) < activeWindow
}

// History returns the recorded transitions, oldest first.
func (d *TransitionDetector) History() []Transition {
	out := make([]Transition, len(d.history))
	copy(out, d.history)
	return out
}

// Update classifies the window and advances the state machine. It returns a
// non-nil Transition when a permitted regime change was detected with
// sufficient confidence.
func (d *TransitionDetector) Update(symbol string, window []types.Candle, now time.Time) *Transition {
	regime, confidence, reasons := d.classify(window)
	if regime == types.RegimeUnknown || regime == d.current {
		return nil
	}
	if confidence < d.confidenceMin {
		return nil
	}
	if !IsValidTransition(d.current, regime) {
		d.logger.Debug("transition rejected by adjacency",
			zap.String("from", string(d.current)),
			zap.String("to", string(regime)))
		return nil
	}

	transition := Transition{
		Time:       now,
		Symbol:     symbol,
		From:       d.current,
		To:         regime,
		Confidence: confidence,
		Reasons:    reasons,
	}
	d.current = regime
	d.regimeSince = now
	d.lastTransition = now
	d.hasTransition = true
	d.history = append(d.history, transition)
	if len(d.history) > 500 {
		d.history = d.history[len(d.history)-500:]
	}

	d.logger.Info("regime transition",
		zap.String("symbol", symbol),
		zap.String("from", string(transition.From)),
		zap.String("to", string(transition.To)),
		zap.Float64("confidence", confidence))

	return &transition
}

// classify scores candidate regimes from window metrics and returns the best.
func (d *TransitionDetector) classify(window []types.Candle) (types.Regime, float64, []string) {
	if len(window) < d.windowSize {
		return types.RegimeUnknown, 0, nil
	}
	recent := window[len(window)-d.windowSize:]

	returns := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1].Close != 0 {
			returns = append(returns, (recent[i].Close-recent[i-1].Close)/recent[i-1].Close)
		}
	}
	volatility := stddev(returns)

	slope := (recent[len(recent)-1].Close - recent[0].Close) / float64(len(recent))
	slopeNorm := slope / (recent[0].Close + 1e-9)

	bbMiddle := meanClose(recent)
	bbWidth := 0.0
	if bbMiddle > 0 {
		closes := make([]float64, len(recent))
		for i, c := range recent {
			closes[i] = c.Close
		}
		bbWidth = 2 * stddev(closes) / bbMiddle
	}

	volRatio := volumeRatio(recent)

	d.volHistory = append(d.volHistory, volatility)
	d.slopeHistory = append(d.slopeHistory, slopeNorm)
	if len(d.volHistory) > 1000 {
		d.volHistory = d.volHistory[len(d.volHistory)-1000:]
		d.slopeHistory = d.slopeHistory[len(d.slopeHistory)-1000:]
	}

	scores := map[types.Regime]float64{}
	reasons := map[types.Regime][]string{}

	if d.isChaoticVol(volatility) && volRatio > 1.5 {
		scores[types.RegimeChaotic] = 0.9
		reasons[types.RegimeChaotic] = []string{"Volatility in upper percentile", "Volume surge"}
	}
	if volatility > 0.03 {
		scores[types.RegimeHighVol] = 0.75
		reasons[types.RegimeHighVol] = []string{"High volatility detected"}
	}
	absSlope := math.Abs(slopeNorm)
	if absSlope > 0.01 && volatility < 0.03 {
		if slopeNorm > 0 {
			scores[types.RegimeTrendUp] = 0.7
			reasons[types.RegimeTrendUp] = []string{"Uptrend emerging", "Positive slope confirmed"}
		} else {
			scores[types.RegimeTrendDown] = 0.7
			reasons[types.RegimeTrendDown] = []string{"Downtrend emerging", "Negative slope confirmed"}
		}
	}
	if absSlope < 0.005 && volatility < 0.015 && d.hadRecentTrend() {
		scores[types.RegimeExhaustion] = 0.65
		reasons[types.RegimeExhaustion] = []string{"Trend losing strength", "Volatility declining"}
	}
	if absSlope < 0.002 && volatility < 0.01 && bbWidth < 0.02 {
		scores[types.RegimeRange] = 0.8
		reasons[types.RegimeRange] = []string{"Market stabilizing", "Bounded movement detected"}
	}
	if len(scores) == 0 {
		scores[types.RegimeRange] = 0.4
		reasons[types.RegimeRange] = []string{"Default classification"}
	}

	best := types.RegimeUnknown
	bestScore := 0.0
	for regime, score := range scores {
		if score > bestScore {
			best, bestScore = regime, score
		}
	}
	out := append([]string{}, reasons[best]...)
	out = append(out, fmt.Sprintf("Confidence: %.0f%%", bestScore*100))
	return best, bestScore, out
}

// isChaoticVol checks the current volatility against the 90th percentile of
// the recent observation window (size configurable).
func (d *TransitionDetector) isChaoticVol(volatility float64) bool {
	n := len(d.volHistory)
	if n == 0 {
		return false
	}
	window := d.volHistory
	if n > d.chaoticWindowSize {
		window = d.volHistory[n-d.chaoticWindowSize:]
	}
	sorted := append([]float64{}, window...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.9*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return volatility > sorted[idx]
}

func (d *TransitionDetector) hadRecentTrend() bool {
	n := len(d.slopeHistory)
	if n < 5 {
		return false
	}
	for _, s := range d.slopeHistory[n-5:] {
		if math.Abs(s) > 0.01 {
			return true
		}
	}
	return false
}

func volumeRatio(candles []types.Candle) float64 {
	if len(candles) < 10 {
		return 1
	}
	var recent, older float64
	for _, c := range candles[len(candles)-5:] {
		recent += c.TickVolume
	}
	recent /= 5
	olderWindow := candles[:len(candles)-5]
	for _, c := range olderWindow {
		older += c.TickVolume
	}
	older /= float64(len(olderWindow))
	return recent / (older + 1e-9)
}

func stddev(values []float64) float64 {
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
