// Package market defines the broker/market adapter contract and the
// bar-by-bar candle feed that drives the engine.
package market

import (
	"time"

	"github.com/tradeforge/engine/pkg/types"
)

// OrderResult is the broker's native response to an order operation.
// Retcode zero means success.
type OrderResult struct {
	Ticket      uint64  `json:"ticket"`
	Retcode     int     `json:"retcode"`
	FilledPrice float64 `json:"filledPrice"`
	Reason      string  `json:"reason,omitempty"`
}

// BrokerAdapter is the terminal-side contract the engine consumes. The
// implementation lives outside this module.
type BrokerAdapter interface {
	Connect() bool
	EnsureSymbol(symbol string) bool
	FetchRates(symbol string, timeframe types.Timeframe, from, to time.Time) ([]types.Candle, error)
	FetchLatestRates(symbol string, timeframe types.Timeframe, n int) ([]types.Candle, error)
	FetchTicks(symbol string, from, to time.Time) ([]types.Tick, error)
	PlaceOrder(symbol, side string, volume, price, sl, tp float64, comment string, magic int64) (OrderResult, error)
	ModifyOrder(ticket uint64, sl, tp float64) (OrderResult, error)
	ClosePosition(ticket uint64, volume float64) (OrderResult, error)
	FetchPositions() ([]types.Position, error)
	Shutdown()
}
