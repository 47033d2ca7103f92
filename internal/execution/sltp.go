package execution

import (
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// TPLevel is one take-profit rung of a plan.
type TPLevel struct {
	Level     int       `json:"level"`
	Price     float64   `json:"price"`
	Fraction  float64   `json:"fraction"`
	Closed    bool      `json:"closed"`
	CloseTime time.Time `json:"closeTime,omitempty"`
}

// SLTPConfig configures a plan at setup time.
type SLTPConfig struct {
	UsePartialExits bool
	TP1Price        float64
	TP1Fraction     float64
	TP2Price        float64
	TP2Fraction     float64
	TP3Price        float64
	TP3Fraction     float64

	UseBreakEven    bool
	BreakEvenOffset float64

	UseTrailing      bool
	TrailingDistance float64
	TrailingATRMult  float64
}

// Plan is the live SL/TP state for one ticket.
type Plan struct {
	Ticket   uint64     `json:"ticket"`
	Side     types.Side `json:"side"`
	Entry    float64    `json:"entry"`
	Volume   float64    `json:"volume"`
	TPLevels []TPLevel  `json:"tpLevels"`

	CurrentSL float64 `json:"currentSl"`
	InitialSL float64 `json:"initialSl"`

	UseBreakEven       bool    `json:"useBreakEven"`
	BreakEvenOffset    float64 `json:"breakEvenOffset"`
	BreakEvenActivated bool    `json:"breakEvenActivated"`

	UseTrailing      bool    `json:"useTrailing"`
	TrailingDistance float64 `json:"trailingDistance"`
	TrailingATRMult  float64 `json:"trailingAtrMult"`
	Extreme          float64 `json:"extreme"`

	ClosedFraction float64 `json:"closedFraction"`
}

// PartialClose is emitted when a TP level is crossed.
type PartialClose struct {
	Ticket        uint64    `json:"ticket"`
	Level         int       `json:"level"`
	Price         float64   `json:"price"`
	Fraction      float64   `json:"fraction"`
	VolumeToClose float64   `json:"volumeToClose"`
	Time          time.Time `json:"time"`
}

// SLTPManager owns the per-ticket plans. Setup is idempotent: running it
// twice with the same inputs produces the same plan.
type SLTPManager struct {
	logger *zap.Logger
	plans  map[uint64]*Plan
}

// NewSLTPManager creates an empty manager.
func NewSLTPManager(logger *zap.Logger) *SLTPManager {
	return &SLTPManager{logger: logger.Named("sltp-manager"), plans: map[uint64]*Plan{}}
}

// Setup installs (or reinstalls) the plan for a ticket. Partial-exit
// fractions must sum to at most one.
func (m *SLTPManager) Setup(ticket uint64, position *types.Position, sl, tp float64, config SLTPConfig) *Plan {
	var levels []TPLevel
	if config.UsePartialExits && config.TP1Price != 0 {
		fractions := []float64{config.TP1Fraction, config.TP2Fraction, config.TP3Fraction}
		prices := []float64{config.TP1Price, config.TP2Price, config.TP3Price}
		defaults := []float64{0.5, 0.3, 0.2}
		total := 0.0
		for i, price := range prices {
			if price == 0 {
				continue
			}
			fraction := fractions[i]
			if fraction <= 0 {
				fraction = defaults[i]
			}
			if total+fraction > 1 {
				fraction = 1 - total
			}
			if fraction <= 0 {
				break
			}
			total += fraction
			levels = append(levels, TPLevel{Level: i + 1, Price: price, Fraction: fraction})
		}
	} else if tp != 0 {
		levels = append(levels, TPLevel{Level: 1, Price: tp, Fraction: 1.0})
	}

	plan := &Plan{
		Ticket:           ticket,
		Side:             position.Side,
		Entry:            position.EntryPrice,
		Volume:           position.Volume,
		TPLevels:         levels,
		CurrentSL:        sl,
		InitialSL:        sl,
		UseBreakEven:     config.UseBreakEven,
		BreakEvenOffset:  config.BreakEvenOffset,
		UseTrailing:      config.UseTrailing,
		TrailingDistance: config.TrailingDistance,
		TrailingATRMult:  config.TrailingATRMult,
		Extreme:          position.EntryPrice,
	}
	m.plans[ticket] = plan
	m.logger.Info("sltp plan installed",
		zap.Uint64("ticket", ticket),
		zap.Float64("sl", sl),
		zap.Int("tpLevels", len(levels)))
	return plan
}

// Plan returns the plan for a ticket, or nil.
func (m *SLTPManager) Plan(ticket uint64) *Plan { return m.plans[ticket] }

// CurrentSL returns the effective stop for a ticket (0 when unknown).
func (m *SLTPManager) CurrentSL(ticket uint64) float64 {
	if plan, ok := m.plans[ticket]; ok {
		return plan.CurrentSL
	}
	return 0
}

// Remove clears the plan when the position fully closes.
func (m *SLTPManager) Remove(ticket uint64) { delete(m.plans, ticket) }

// Tickets returns every ticket with an installed plan.
func (m *SLTPManager) Tickets() []uint64 {
	out := make([]uint64, 0, len(m.plans))
	for ticket := range m.plans {
		out = append(out, ticket)
	}
	return out
}

// OnTick processes a price update for one ticket: TP crossings first, then
// break-even after TP1, then the trailing ratchet. It returns the partial
// closes to execute and the new SL if it moved.
func (m *SLTPManager) OnTick(ticket uint64, price, atr float64, now time.Time) ([]PartialClose, *float64) {
	plan, ok := m.plans[ticket]
	if !ok {
		return nil, nil
	}

	var closes []PartialClose
	tp1JustHit := false
	for i := range plan.TPLevels {
		level := &plan.TPLevels[i]
		if level.Closed {
			continue
		}
		crossed := (plan.Side == types.SideBuy && price >= level.Price) ||
			(plan.Side == types.SideSell && price <= level.Price)
		if !crossed {
			continue
		}
		// Over-close guard: sum of closed fractions never exceeds one.
		fraction := level.Fraction
		if plan.ClosedFraction+fraction > 1 {
			fraction = 1 - plan.ClosedFraction
		}
		if fraction <= 0 {
			break
		}
		level.Closed = true
		level.CloseTime = now
		plan.ClosedFraction += fraction
		closes = append(closes, PartialClose{
			Ticket:        ticket,
			Level:         level.Level,
			Price:         level.Price,
			Fraction:      fraction,
			VolumeToClose: plan.Volume * fraction,
			Time:          now,
		})
		if level.Level == 1 {
			tp1JustHit = true
		}
		m.logger.Info("tp level hit",
			zap.Uint64("ticket", ticket),
			zap.Int("level", level.Level),
			zap.Float64("price", price))
	}

	var newSL *float64
	if tp1JustHit && plan.UseBreakEven && !plan.BreakEvenActivated {
		offset := plan.BreakEvenOffset
		var be float64
		if plan.Side == types.SideBuy {
			be = plan.Entry + offset
		} else {
			be = plan.Entry - offset
		}
		plan.CurrentSL = be
		plan.BreakEvenActivated = true
		newSL = &be
		m.logger.Info("break-even activated", zap.Uint64("ticket", ticket), zap.Float64("sl", be))
	}

	if trailed := m.trail(plan, price, atr); trailed != nil {
		newSL = trailed
	}

	return closes, newSL
}

// trail ratchets the stop behind a new favourable extreme. The stop only
// ever moves in the favourable direction.
func (m *SLTPManager) trail(plan *Plan, price, atr float64) *float64 {
	if !plan.UseTrailing {
		return nil
	}
	distance := plan.TrailingDistance
	if plan.TrailingATRMult > 0 && atr*plan.TrailingATRMult > distance {
		distance = atr * plan.TrailingATRMult
	}

	if plan.Side == types.SideBuy {
		if price <= plan.Extreme {
			return nil
		}
		plan.Extreme = price
		candidate := price - distance
		if candidate > plan.CurrentSL {
			plan.CurrentSL = candidate
			return &candidate
		}
		return nil
	}

	// SELL: extreme is the lowest favourable price.
	if price >= plan.Extreme {
		return nil
	}
	plan.Extreme = price
	candidate := price + distance
	if plan.CurrentSL == 0 || candidate < plan.CurrentSL {
		plan.CurrentSL = candidate
		return &candidate
	}
	return nil
}

// StopHit reports whether the current price crossed the effective stop.
func (m *SLTPManager) StopHit(ticket uint64, price float64) bool {
	plan, ok := m.plans[ticket]
	if !ok || plan.CurrentSL == 0 {
		return false
	}
	if plan.Side == types.SideBuy {
		return price <= plan.CurrentSL
	}
	return price >= plan.CurrentSL
}

// ClosedFraction returns the cumulative closed fraction for a ticket.
func (m *SLTPManager) ClosedFraction(ticket uint64) float64 {
	if plan, ok := m.plans[ticket]; ok {
		return plan.ClosedFraction
	}
	return 0
}
