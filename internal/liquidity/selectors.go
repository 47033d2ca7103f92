package liquidity

import (
	"fmt"
	"math"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// TargetSetup is the TP1/TP2/runner selection for a trade.
type TargetSetup struct {
	Symbol     string  `json:"symbol"`
	Side       types.Side `json:"side"`
	EntryPrice float64 `json:"entryPrice"`

	TP1Price    float64 `json:"tp1Price,omitempty"`
	TP1Reason   string  `json:"tp1Reason,omitempty"`
	TP1Strength float64 `json:"tp1Strength,omitempty"`

	TP2Price    float64 `json:"tp2Price,omitempty"`
	TP2Reason   string  `json:"tp2Reason,omitempty"`
	TP2Strength float64 `json:"tp2Strength,omitempty"`

	RunnerEnabled bool   `json:"runnerEnabled"`
	RunnerReason  string `json:"runnerReason,omitempty"`

	RRRatio float64 `json:"rrRatio"`
}

// TargetSelector picks TPs from the liquidity map.
type TargetSelector struct {
	logger              *zap.Logger
	lmap                *Map
	minRR               float64
	minTPStrength       float64
	minRunnerConfidence float64
}

// NewTargetSelector creates a target selector over the shared map.
func NewTargetSelector(logger *zap.Logger, lmap *Map, minRR, minTPStrength, minRunnerConfidence float64) *TargetSelector {
	return &TargetSelector{
		logger:              logger.Named("target-selector"),
		lmap:                lmap,
		minRR:               minRR,
		minTPStrength:       minTPStrength,
		minRunnerConfidence: minRunnerConfidence,
	}
}

// SelectTargets chooses TP1 (first zone with strength >= minTPStrength),
// TP2 (next zone, trend permitting), and runner mode (enabled when the
// zones beyond TP1 are weak and trend confidence is high).
func (s *TargetSelector) SelectTargets(symbol string, side types.Side, entry, stopLoss float64, allowRunner bool, trendStrength float64) TargetSetup {
	setup := TargetSetup{Symbol: symbol, Side: side, EntryPrice: entry}

	var ahead []*Zone
	if side == types.SideBuy {
		ahead = s.lmap.ZonesAbove(symbol, entry, 500.0, 0)
	} else {
		ahead = s.lmap.ZonesBelow(symbol, entry, 500.0, 0)
	}
	if len(ahead) == 0 {
		s.logger.Debug("no liquidity zones ahead", zap.String("symbol", symbol), zap.String("side", string(side)))
		return setup
	}

	tp1 := s.selectTP1(ahead)
	if tp1 != nil {
		setup.TP1Price = tp1.PriceCenter
		setup.TP1Reason = fmt.Sprintf("%s (strength=%.2f)", tp1.Source, tp1.Strength)
		setup.TP1Strength = tp1.Strength

		slDistance := math.Abs(entry - stopLoss)
		if slDistance > 0 {
			setup.RRRatio = math.Abs(setup.TP1Price-entry) / slDistance
		}
	}

	if trendStrength > 0.55 && len(ahead) > 1 && tp1 != nil {
		if tp2 := selectTP2(ahead, tp1); tp2 != nil {
			setup.TP2Price = tp2.PriceCenter
			setup.TP2Reason = fmt.Sprintf("%s (strength=%.2f)", tp2.Source, tp2.Strength)
			setup.TP2Strength = tp2.Strength
		}
	}

	if allowRunner && trendStrength >= s.minRunnerConfidence && setup.TP1Price != 0 {
		if shouldEnableRunner(ahead, setup.TP1Price, side) {
			setup.RunnerEnabled = true
			setup.RunnerReason = fmt.Sprintf("Trend=%.2f, weak zones ahead", trendStrength)
		}
	}

	return setup
}

// Validate checks the setup against the minimum risk-reward.
func (s *TargetSelector) Validate(setup TargetSetup) (bool, string) {
	if setup.TP1Price == 0 {
		return false, "No TP1 selected"
	}
	if setup.RRRatio < s.minRR {
		return false, fmt.Sprintf("RR ratio %.2f < %.2f", setup.RRRatio, s.minRR)
	}
	return true, "Valid"
}

func (s *TargetSelector) selectTP1(zones []*Zone) *Zone {
	for _, z := range zones {
		if z.Strength >= s.minTPStrength {
			return z
		}
	}
	if len(zones) > 0 {
		return zones[0]
	}
	return nil
}

func selectTP2(zones []*Zone, tp1 *Zone) *Zone {
	var candidates []*Zone
	for _, z := range zones {
		if z.PriceCenter != tp1.PriceCenter {
			candidates = append(candidates, z)
		}
	}
	for _, z := range candidates {
		if z.Strength >= 0.55 {
			return z
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}

// shouldEnableRunner enables the runner when zones past TP1 average below
// 0.60 strength (or none exist).
func shouldEnableRunner(zones []*Zone, tp1Price float64, side types.Side) bool {
	var after []*Zone
	for _, z := range zones {
		if (side == types.SideBuy && z.PriceCenter > tp1Price) ||
			(side == types.SideSell && z.PriceCenter < tp1Price) {
			after = append(after, z)
		}
	}
	if len(after) == 0 {
		return true
	}
	var sum float64
	for _, z := range after {
		sum += z.Strength
	}
	return sum/float64(len(after)) < 0.60
}

// StopSetup is the stop placement for a trade.
type StopSetup struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	EntryPrice float64    `json:"entryPrice"`

	StopPrice  float64 `json:"stopPrice"`
	StopReason string  `json:"stopReason"`
	BufferPts  float64 `json:"bufferPts"`
}

// StopSelector places stops behind liquidity structure.
type StopSelector struct {
	logger           *zap.Logger
	lmap             *Map
	defaultBufferPts float64
	transitionFactor float64
}

// NewStopSelector creates a stop selector over the shared map.
func NewStopSelector(logger *zap.Logger, lmap *Map, defaultBufferPts, transitionFactor float64) *StopSelector {
	return &StopSelector{
		logger:           logger.Named("stop-selector"),
		lmap:             lmap,
		defaultBufferPts: defaultBufferPts,
		transitionFactor: transitionFactor,
	}
}

// SelectStop places the stop behind the strongest zone behind the entry,
// widening the buffer during regime transitions, and falls back to a fixed
// distance when no structure exists.
func (s *StopSelector) SelectStop(symbol string, side types.Side, entry float64, transitionActive bool, maxStopDistance float64) StopSetup {
	setup := StopSetup{Symbol: symbol, Side: side, EntryPrice: entry}

	var behind []*Zone
	if side == types.SideBuy {
		behind = s.lmap.ZonesBelow(symbol, entry, maxStopDistance, 0)
	} else {
		behind = s.lmap.ZonesAbove(symbol, entry, maxStopDistance, 0)
	}

	buffer := s.defaultBufferPts
	if transitionActive {
		buffer *= s.transitionFactor
	}
	setup.BufferPts = buffer

	if len(behind) == 0 {
		setup.StopPrice = defaultStop(entry, side, maxStopDistance)
		setup.StopReason = "No zones behind, using default distance"
		return setup
	}

	zone := selectZoneForStop(behind)
	if side == types.SideBuy {
		setup.StopPrice = zone.PriceMin() - buffer
		setup.StopReason = fmt.Sprintf("Below %s (strength=%.2f)", zone.Source, zone.Strength)
	} else {
		setup.StopPrice = zone.PriceMax() + buffer
		setup.StopReason = fmt.Sprintf("Above %s (strength=%.2f)", zone.Source, zone.Strength)
	}

	if math.Abs(setup.StopPrice-entry) > maxStopDistance {
		setup.StopPrice = defaultStop(entry, side, maxStopDistance)
		setup.StopReason = "Zone stop too far, using default distance"
	}
	return setup
}

// selectZoneForStop prefers zones that still hold, skipping heavily tested
// levels with low hold rates.
func selectZoneForStop(zones []*Zone) *Zone {
	var candidates []*Zone
	for _, z := range zones {
		if z.ProbHold > 0.3 || z.TouchCount < 3 {
			candidates = append(candidates, z)
		}
	}
	if len(candidates) == 0 {
		candidates = zones
	}
	best := candidates[0]
	for _, z := range candidates[1:] {
		if z.Strength > best.Strength {
			best = z
		}
	}
	return best
}

func defaultStop(entry float64, side types.Side, distance float64) float64 {
	if side == types.SideBuy {
		return entry - distance
	}
	return entry + distance
}
