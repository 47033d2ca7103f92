package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradeforge/engine/pkg/types"
)

// SimAdapter is an in-memory broker used by backtests and tests. Candles
// are preloaded per (symbol, timeframe). PlaceOrder always fills at the
// requested price with retcode zero; ModifyOrder and ClosePosition return
// retcode 1 for an unknown ticket, and closes fill at the entry price.
type SimAdapter struct {
	mu         sync.Mutex
	candles    map[string][]types.Candle
	cursor     map[string]int
	nextTicket uint64
	positions  map[uint64]types.Position
	connected  bool
}

// NewSimAdapter creates an empty sim adapter.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{
		candles:    map[string][]types.Candle{},
		cursor:     map[string]int{},
		nextTicket: 50000,
		positions:  map[uint64]types.Position{},
	}
}

func key(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s|%s", symbol, tf)
}

// Load seeds the candle series for a symbol/timeframe.
func (a *SimAdapter) Load(symbol string, tf types.Timeframe, candles []types.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candles[key(symbol, tf)] = candles
	a.cursor[key(symbol, tf)] = 0
}

// Advance moves the replay cursor one bar forward; returns false at the end.
func (a *SimAdapter) Advance(symbol string, tf types.Timeframe) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(symbol, tf)
	if a.cursor[k]+1 >= len(a.candles[k]) {
		return false
	}
	a.cursor[k]++
	return true
}

// Connect reports the simulated session state.
func (a *SimAdapter) Connect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return true
}

// EnsureSymbol accepts every loaded symbol.
func (a *SimAdapter) EnsureSymbol(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.candles {
		if len(k) >= len(symbol) && k[:len(symbol)] == symbol {
			return true
		}
	}
	return false
}

// FetchRates returns loaded candles in [from, to].
func (a *SimAdapter) FetchRates(symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.Candle
	for _, c := range a.candles[key(symbol, tf)] {
		if !c.Time.Before(from) && !c.Time.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// FetchLatestRates returns the last n candles up to the replay cursor.
func (a *SimAdapter) FetchLatestRates(symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(symbol, tf)
	series, ok := a.candles[k]
	if !ok {
		return nil, fmt.Errorf("symbol %s not loaded", symbol)
	}
	end := a.cursor[k] + 1
	if end > len(series) {
		end = len(series)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]types.Candle, end-start)
	copy(out, series[start:end])
	return out, nil
}

// FetchTicks is unsupported in simulation.
func (a *SimAdapter) FetchTicks(symbol string, from, to time.Time) ([]types.Tick, error) {
	return nil, nil
}

// PlaceOrder fills at the requested price.
func (a *SimAdapter) PlaceOrder(symbol, side string, volume, price, sl, tp float64, comment string, magic int64) (OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ticket := a.nextTicket
	a.nextTicket++
	a.positions[ticket] = types.Position{
		Ticket:     ticket,
		Symbol:     symbol,
		Side:       types.Side(side),
		Volume:     volume,
		EntryPrice: price,
		SL:         sl,
		TP:         tp,
		Status:     types.PositionOpen,
		Comment:    comment,
		Magic:      magic,
	}
	return OrderResult{Ticket: ticket, Retcode: 0, FilledPrice: price}, nil
}

// ModifyOrder updates stops.
func (a *SimAdapter) ModifyOrder(ticket uint64, sl, tp float64) (OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[ticket]
	if !ok {
		return OrderResult{Retcode: 1, Reason: "unknown ticket"}, nil
	}
	p.SL = sl
	p.TP = tp
	a.positions[ticket] = p
	return OrderResult{Ticket: ticket, Retcode: 0}, nil
}

// ClosePosition removes the position at its entry price.
func (a *SimAdapter) ClosePosition(ticket uint64, volume float64) (OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[ticket]
	if !ok {
		return OrderResult{Retcode: 1, Reason: "unknown ticket"}, nil
	}
	if volume >= p.Volume {
		delete(a.positions, ticket)
	} else {
		p.Volume -= volume
		a.positions[ticket] = p
	}
	return OrderResult{Ticket: ticket, Retcode: 0, FilledPrice: p.EntryPrice}, nil
}

// FetchPositions returns the simulated open positions.
func (a *SimAdapter) FetchPositions() ([]types.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	return out, nil
}

// Shutdown marks the session closed.
func (a *SimAdapter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}
