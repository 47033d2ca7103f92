package market

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Bundle is one bar's worth of windows: the primary symbol per timeframe
// plus the latest window per cross symbol.
type Bundle struct {
	Time    time.Time
	Primary map[types.Timeframe][]types.Candle
	Cross   map[string][]types.Candle
	Stale   bool
}

// FeedConfig tunes the candle feed.
type FeedConfig struct {
	Symbol       string
	Timeframes   []types.Timeframe
	CrossSymbols []string
	WindowSize   int
	FetchTimeout time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// Feed produces bar bundles from the adapter. Fetches for the primary and
// every cross symbol run on a bounded worker set with a per-fetch timeout;
// a missing cross symbol degrades gracefully to an absent entry. Results
// cross back to the caller's goroutine before any domain state is touched.
type Feed struct {
	logger  *zap.Logger
	adapter BrokerAdapter
	config  FeedConfig

	lastBarTime time.Time
}

// NewFeed creates a candle feed.
func NewFeed(logger *zap.Logger, adapter BrokerAdapter, config FeedConfig) *Feed {
	if config.WindowSize <= 0 {
		config.WindowSize = 300
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Feed{logger: logger.Named("candle-feed"), adapter: adapter, config: config}
}

// Next blocks until a new bar is available (or the context ends) and
// returns its bundle. Staleness is flagged when no new candle arrived
// within the configured horizon.
func (f *Feed) Next(ctx context.Context) (*Bundle, error) {
	lastSeen := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bundle := f.FetchOnce(ctx)
		if bundle != nil {
			primary := bundle.Primary[f.config.Timeframes[0]]
			if len(primary) > 0 {
				barTime := primary[len(primary)-1].Time
				if barTime.After(f.lastBarTime) {
					f.lastBarTime = barTime
					return bundle, nil
				}
			}
		}
		if f.config.StaleAfter > 0 && time.Since(lastSeen) > f.config.StaleAfter {
			return &Bundle{Time: time.Now(), Stale: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.config.PollInterval):
		}
	}
}

// FetchOnce pulls the latest windows for primary timeframes and cross
// symbols concurrently.
func (f *Feed) FetchOnce(ctx context.Context) *Bundle {
	bundle := &Bundle{
		Primary: map[types.Timeframe][]types.Candle{},
		Cross:   map[string][]types.Candle{},
	}

	type result struct {
		tf     types.Timeframe
		symbol string
		data   []types.Candle
	}

	var wg sync.WaitGroup
	results := make(chan result, len(f.config.Timeframes)+len(f.config.CrossSymbols))

	fetch := func(symbol string, tf types.Timeframe, isCross bool) {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, f.config.FetchTimeout)
		defer cancel()
		done := make(chan []types.Candle, 1)
		go func() {
			candles, err := f.adapter.FetchLatestRates(symbol, tf, f.config.WindowSize)
			if err != nil {
				f.logger.Warn("fetch failed", zap.String("symbol", symbol), zap.Error(err))
				done <- nil
				return
			}
			done <- candles
		}()
		select {
		case <-fetchCtx.Done():
			f.logger.Warn("fetch timeout", zap.String("symbol", symbol), zap.String("timeframe", string(tf)))
		case candles := <-done:
			if candles == nil {
				return
			}
			if isCross {
				results <- result{symbol: symbol, data: candles}
			} else {
				results <- result{tf: tf, data: candles}
			}
		}
	}

	for _, tf := range f.config.Timeframes {
		wg.Add(1)
		go fetch(f.config.Symbol, tf, false)
	}
	for _, symbol := range f.config.CrossSymbols {
		wg.Add(1)
		go fetch(symbol, f.config.Timeframes[0], true)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.symbol != "" {
			bundle.Cross[r.symbol] = r.data
		} else {
			bundle.Primary[r.tf] = r.data
		}
	}

	if primary := bundle.Primary[f.config.Timeframes[0]]; len(primary) > 0 {
		bundle.Time = primary[len(primary)-1].Time
	}
	return bundle
}

// Reconnector keeps the broker session alive in live mode with exponential
// backoff between attempts.
type Reconnector struct {
	logger  *zap.Logger
	adapter BrokerAdapter
}

// NewReconnector creates the keep-alive loop helper.
func NewReconnector(logger *zap.Logger, adapter BrokerAdapter) *Reconnector {
	return &Reconnector{logger: logger.Named("reconnector"), adapter: adapter}
}

// Run blocks until the context ends, reconnecting whenever the adapter
// reports a dropped session.
func (r *Reconnector) Run(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.adapter.Connect() {
				continue
			}
			r.logger.Warn("broker session lost, reconnecting")
			policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
			_ = backoff.Retry(func() error {
				if r.adapter.Connect() {
					return nil
				}
				return errNotConnected
			}, policy)
		}
	}
}

var errNotConnected = &connError{}

type connError struct{}

func (e *connError) Error() string { return "broker not connected" }
