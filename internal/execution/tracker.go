package execution

import (
	"sort"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Divergence is an internal position missing from the broker's live set.
type Divergence struct {
	Ticket     uint64     `json:"ticket"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Volume     float64    `json:"volume"`
	EntryPrice float64    `json:"entryPrice"`
	LastPrice  float64    `json:"lastPrice"`
}

// ReconcileResult pairs divergences (auto-closed locally) with missing
// positions (live but unknown, surfaced as operator alerts).
type ReconcileResult struct {
	Divergences []Divergence     `json:"divergences"`
	Missing     []types.Position `json:"missing"`
	Reconciled  bool             `json:"reconciled"`
}

// PositionTracker owns the ticket -> position map. The execution engine is
// its sole writer.
type PositionTracker struct {
	logger    *zap.Logger
	positions map[uint64]*types.Position
	lastPrice map[uint64]float64
}

// NewPositionTracker creates an empty tracker.
func NewPositionTracker(logger *zap.Logger) *PositionTracker {
	return &PositionTracker{
		logger:    logger.Named("position-tracker"),
		positions: map[uint64]*types.Position{},
		lastPrice: map[uint64]float64{},
	}
}

// Add registers a newly filled position.
func (t *PositionTracker) Add(position types.Position) *types.Position {
	position.Status = types.PositionOpen
	p := &position
	t.positions[p.Ticket] = p
	t.lastPrice[p.Ticket] = p.EntryPrice
	t.logger.Info("position added",
		zap.Uint64("ticket", p.Ticket),
		zap.String("side", string(p.Side)),
		zap.Float64("volume", p.Volume),
		zap.Float64("entry", p.EntryPrice))
	return p
}

// Get returns the position for a ticket, or nil.
func (t *PositionTracker) Get(ticket uint64) *types.Position {
	return t.positions[ticket]
}

// Close reduces or fully closes a position. A volume at or above the
// remaining volume closes it; the OPEN -> CLOSED move happens exactly once.
// Returns the realized PnL of the closed volume.
func (t *PositionTracker) Close(ticket uint64, volume float64, closePrice float64, now time.Time) (float64, bool) {
	p, ok := t.positions[ticket]
	if !ok || p.Status != types.PositionOpen {
		return 0, false
	}
	if closePrice == 0 {
		closePrice = t.lastPrice[ticket]
	}
	if volume > p.Volume {
		volume = p.Volume
	}

	pnl := (closePrice - p.EntryPrice) * volume
	if p.Side == types.SideSell {
		pnl = -pnl
	}

	if volume >= p.Volume {
		p.Status = types.PositionClosed
		p.Volume = 0
		p.ClosePrice = closePrice
		p.CloseTime = now
		p.PnL += pnl
		t.logger.Info("position closed", zap.Uint64("ticket", ticket), zap.Float64("pnl", p.PnL))
	} else {
		p.Volume -= volume
		p.PnL += pnl
		t.logger.Info("position reduced",
			zap.Uint64("ticket", ticket),
			zap.Float64("closed", volume),
			zap.Float64("remaining", p.Volume))
	}
	return pnl, true
}

// UpdatePrice records the latest price for a ticket and returns the
// unrealized PnL.
func (t *PositionTracker) UpdatePrice(ticket uint64, price float64) (float64, bool) {
	p, ok := t.positions[ticket]
	if !ok || p.Status != types.PositionOpen {
		return 0, false
	}
	t.lastPrice[ticket] = price
	pnl := (price - p.EntryPrice) * p.Volume
	if p.Side == types.SideSell {
		pnl = -pnl
	}
	return pnl, true
}

// SetStops records the latest requested SL/TP for the ticket. While OPEN
// these reflect the requested values even before broker acknowledgement.
func (t *PositionTracker) SetStops(ticket uint64, sl, tp float64) bool {
	p, ok := t.positions[ticket]
	if !ok || p.Status != types.PositionOpen {
		return false
	}
	p.SL = sl
	p.TP = tp
	return true
}

// OpenPositions returns open positions ordered by open time (oldest first).
func (t *PositionTracker) OpenPositions() []*types.Position {
	var out []*types.Position
	for _, p := range t.positions {
		if p.Status == types.PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].Ticket < out[j].Ticket
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// AllPositions returns every tracked position.
func (t *PositionTracker) AllPositions() []*types.Position {
	out := make([]*types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Reconcile compares internal open positions against the broker's live
// list. Internal-but-not-live positions are auto-closed at last known
// price; live-but-unknown positions are surfaced, never adopted.
func (t *PositionTracker) Reconcile(live []types.Position, now time.Time) ReconcileResult {
	liveTickets := map[uint64]bool{}
	for _, p := range live {
		liveTickets[p.Ticket] = true
	}

	var result ReconcileResult
	for _, p := range t.OpenPositions() {
		if liveTickets[p.Ticket] {
			continue
		}
		last := t.lastPrice[p.Ticket]
		result.Divergences = append(result.Divergences, Divergence{
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Volume:     p.Volume,
			EntryPrice: p.EntryPrice,
			LastPrice:  last,
		})
		t.logger.Warn("divergence: internal position not live, auto-closing",
			zap.Uint64("ticket", p.Ticket))
		t.Close(p.Ticket, p.Volume, last, now)
	}

	for _, p := range live {
		if _, ok := t.positions[p.Ticket]; !ok {
			result.Missing = append(result.Missing, p)
			t.logger.Warn("missing: live position unknown locally",
				zap.Uint64("ticket", p.Ticket))
		}
	}

	result.Reconciled = len(result.Divergences) == 0 && len(result.Missing) == 0
	return result
}
