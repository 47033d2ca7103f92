// Package liquidity maintains the map of liquidity zones and selects
// SL/TP placements from it.
package liquidity

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Source identifies where a liquidity zone came from.
type Source string

const (
	SourceVWAPDaily  Source = "VWAP_D"
	SourceVWAPWeekly Source = "VWAP_W"
	SourceHighDaily  Source = "HIGH_D"
	SourceLowDaily   Source = "LOW_D"
	SourcePivotM1    Source = "PIVOT_M1"
	SourcePivotM5    Source = "PIVOT_M5"
	SourcePivotM15   Source = "PIVOT_M15"
	SourceWyckoff    Source = "WYCKOFF"
	SourceCluster    Source = "CLUSTER"
	SourceGann       Source = "GANN"
	SourceRound      Source = "ROUND"
	SourcePrevClose  Source = "PREV_CLOSE"
	SourceSR         Source = "SR"
)

// Zone is a price band with hold/break statistics.
type Zone struct {
	Symbol      string    `json:"symbol"`
	Source      Source    `json:"source"`
	PriceCenter float64   `json:"priceCenter"`
	PriceRange  float64   `json:"priceRange"`
	Timeframe   string    `json:"timeframe"`
	CreatedAt   time.Time `json:"createdAt"`
	LastTested  time.Time `json:"lastTested,omitempty"`

	TouchCount int     `json:"touchCount"`
	HoldCount  int     `json:"holdCount"`
	BreakCount int     `json:"breakCount"`
	SweepCount float64 `json:"sweepCount"`

	Strength  float64 `json:"strength"`
	ProbHold  float64 `json:"probHold"`
	ProbBreak float64 `json:"probBreak"`
}

// PriceMin is the lower bound of the zone band.
func (z *Zone) PriceMin() float64 { return z.PriceCenter - z.PriceRange/2 }

// PriceMax is the upper bound of the zone band.
func (z *Zone) PriceMax() float64 { return z.PriceCenter + z.PriceRange/2 }

// Contains reports whether price sits inside the band.
func (z *Zone) Contains(price float64) bool {
	return price >= z.PriceMin() && price <= z.PriceMax()
}

// Touched reports whether the bar's high/low overlapped the band.
func (z *Zone) Touched(high, low float64) bool {
	return low <= z.PriceMax() && high >= z.PriceMin()
}

// Map tracks liquidity zones per symbol.
type Map struct {
	logger *zap.Logger

	expiry time.Duration
	zones  map[string][]*Zone
}

// NewMap creates an empty liquidity map. Zones expire after expiryHours
// without a test.
func NewMap(logger *zap.Logger, expiryHours int) *Map {
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Map{
		logger: logger.Named("liquidity-map"),
		expiry: time.Duration(expiryHours) * time.Hour,
		zones:  map[string][]*Zone{},
	}
}

// AddZone registers a zone, merging into an existing one when a same-source
// zone already covers the price.
func (m *Map) AddZone(zone *Zone) {
	if zone.Strength == 0 {
		zone.Strength = 0.5
	}
	if zone.ProbHold == 0 {
		zone.ProbHold = 0.5
	}
	if zone.ProbBreak == 0 {
		zone.ProbBreak = 0.5
	}
	for _, existing := range m.zones[zone.Symbol] {
		if existing.Source == zone.Source && existing.Timeframe == zone.Timeframe &&
			math.Abs(existing.PriceCenter-zone.PriceCenter) < zone.PriceRange {
			return
		}
	}
	m.zones[zone.Symbol] = append(m.zones[zone.Symbol], zone)
	m.logger.Debug("zone added",
		zap.String("symbol", zone.Symbol),
		zap.String("source", string(zone.Source)),
		zap.Float64("price", zone.PriceCenter))
}

// Zones returns zones for symbol at or above minStrength, strongest first.
func (m *Map) Zones(symbol string, minStrength float64) []*Zone {
	var out []*Zone
	for _, z := range m.zones[symbol] {
		if z.Strength >= minStrength {
			out = append(out, z)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

// ZonesAbove returns zones above price within maxDistance, nearest first.
func (m *Map) ZonesAbove(symbol string, price, maxDistance, minStrength float64) []*Zone {
	var out []*Zone
	for _, z := range m.Zones(symbol, minStrength) {
		if z.PriceCenter > price && z.PriceCenter-price <= maxDistance {
			out = append(out, z)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PriceCenter < out[j].PriceCenter })
	return out
}

// ZonesBelow returns zones below price within maxDistance, nearest first.
func (m *Map) ZonesBelow(symbol string, price, maxDistance, minStrength float64) []*Zone {
	var out []*Zone
	for _, z := range m.Zones(symbol, minStrength) {
		if z.PriceCenter < price && price-z.PriceCenter <= maxDistance {
			out = append(out, z)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PriceCenter > out[j].PriceCenter })
	return out
}

// NearestZone returns the closest zone in the given direction ("above",
// "below", or anything else for both sides).
func (m *Map) NearestZone(symbol string, price float64, direction string) *Zone {
	var best *Zone
	bestDist := math.Inf(1)
	for _, z := range m.zones[symbol] {
		d := z.PriceCenter - price
		switch direction {
		case "above":
			if d <= 0 {
				continue
			}
		case "below":
			if d >= 0 {
				continue
			}
		}
		if math.Abs(d) < bestDist {
			best, bestDist = z, math.Abs(d)
		}
	}
	return best
}

// UpdateFromBar records touches, holds, breaks, and sweeps for the bar,
// recomputes probabilities and strength, and expires untested zones.
func (m *Map) UpdateFromBar(symbol string, high, low, close float64, now time.Time) int {
	updated := 0
	kept := m.zones[symbol][:0]
	for _, zone := range m.zones[symbol] {
		if !zone.LastTested.IsZero() && now.Sub(zone.LastTested) > m.expiry {
			continue
		}
		if zone.CreatedAt.IsZero() {
			zone.CreatedAt = now
		}
		kept = append(kept, zone)

		if !zone.Touched(high, low) {
			continue
		}
		zone.TouchCount++
		zone.LastTested = now

		switch {
		case zone.Contains(close):
			zone.HoldCount++
		case close > zone.PriceCenter:
			zone.BreakCount++
			if high > zone.PriceMax() {
				zone.SweepCount += 0.5
			}
		default:
			zone.BreakCount++
			if low < zone.PriceMin() {
				zone.SweepCount += 0.5
			}
		}

		zone.ProbHold = float64(zone.HoldCount) / float64(zone.TouchCount)
		zone.ProbBreak = float64(zone.BreakCount) / float64(zone.TouchCount)

		// strength = prob_hold x decay by failed tests.
		decay := math.Max(0.3, 1.0-float64(zone.TouchCount-zone.HoldCount)*0.1)
		zone.Strength = math.Max(0, math.Min(1, zone.ProbHold*decay))
		updated++
	}
	m.zones[symbol] = kept
	return updated
}
