package meta

import (
	"fmt"
	"sort"

	"github.com/tradeforge/engine/pkg/types"
)

// TransitionCell aggregates trade results observed during one regime
// transition pairing. The matrix is an analytics artefact for reports; the
// boss loop never consults it.
type TransitionCell struct {
	From        types.Regime `json:"from"`
	To          types.Regime `json:"to"`
	TotalTrades int          `json:"totalTrades"`
	Wins        int          `json:"wins"`
	TotalPnL    float64      `json:"totalPnl"`
}

// WinRate is the cell's hit rate.
func (c *TransitionCell) WinRate() float64 {
	if c.TotalTrades == 0 {
		return 0
	}
	return float64(c.Wins) / float64(c.TotalTrades)
}

// TransitionMatrix tracks trade performance keyed by (from, to) regime.
type TransitionMatrix struct {
	cells map[string]*TransitionCell
}

// NewTransitionMatrix creates an empty matrix.
func NewTransitionMatrix() *TransitionMatrix {
	return &TransitionMatrix{cells: map[string]*TransitionCell{}}
}

// Record adds a trade closed while a transition was active.
func (m *TransitionMatrix) Record(from, to types.Regime, pnl float64) {
	key := fmt.Sprintf("%s->%s", from, to)
	cell, ok := m.cells[key]
	if !ok {
		cell = &TransitionCell{From: from, To: to}
		m.cells[key] = cell
	}
	cell.TotalTrades++
	if pnl > 0 {
		cell.Wins++
	}
	cell.TotalPnL += pnl
}

// Cell returns the cell for a pairing, or nil.
func (m *TransitionMatrix) Cell(from, to types.Regime) *TransitionCell {
	return m.cells[fmt.Sprintf("%s->%s", from, to)]
}

// Cells returns all cells in stable order for reporting.
func (m *TransitionMatrix) Cells() []*TransitionCell {
	keys := make([]string, 0, len(m.cells))
	for key := range m.cells {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*TransitionCell, len(keys))
	for i, key := range keys {
		out[i] = m.cells[key]
	}
	return out
}
