package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tradeforge/engine/internal/market"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Runner drives the engine from a candle feed until a stop is requested.
type Runner struct {
	logger  *zap.Logger
	engine  *Engine
	feed    *market.Feed
	adapter market.BrokerAdapter

	reconcileEvery int
	barsSinceRecon int
}

// NewRunner wires a live (sim or real) run.
func NewRunner(logger *zap.Logger, engine *Engine, feed *market.Feed, adapter market.BrokerAdapter) *Runner {
	return &Runner{
		logger:         logger.Named("runner"),
		engine:         engine,
		feed:           feed,
		adapter:        adapter,
		reconcileEvery: 10,
	}
}

// RequireLiveOK verifies the LIVE_OK gate file before live-real startup.
func RequireLiveOK(cfg interface{ LiveOKFilePath() string }) error {
	path := cfg.LiveOKFilePath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("live-real requires %s to exist", path)
	}
	return nil
}

// Run processes bars until the context ends or the stop file appears. The
// stop file is polled between bars: the current bar finishes, queues flush,
// and the loop exits cleanly.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")
	defer r.logger.Info("runner stopped")

	for {
		if r.engine.StopRequested() {
			r.logger.Info("stop file detected, draining")
			r.engine.updater.Flush()
			return nil
		}

		bundle, err := r.feed.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.engine.updater.Flush()
				return nil
			}
			return fmt.Errorf("candle feed: %w", err)
		}

		spread := r.spreadFor(bundle)
		r.engine.ProcessBar(ctx, bundle.Primary, bundle.Cross, bundle.Time, spread, bundle.Stale)

		// Periodic reconciliation against the live broker state.
		if r.adapter != nil {
			r.barsSinceRecon++
			if r.barsSinceRecon >= r.reconcileEvery {
				r.barsSinceRecon = 0
				if live, err := r.adapter.FetchPositions(); err == nil {
					result := r.engine.exec.Tracker().Reconcile(live, bundle.Time)
					if !result.Reconciled {
						r.logger.Warn("reconciliation divergence",
							zap.Int("divergences", len(result.Divergences)),
							zap.Int("missing", len(result.Missing)))
					}
				}
			}
		}
	}
}

// spreadFor estimates the current spread from the last bars when the feed
// has no tick data: half of a tenth of the rolling average range.
func (r *Runner) spreadFor(bundle *market.Bundle) float64 {
	if bundle == nil || len(bundle.Primary) == 0 {
		return 0
	}
	primary := bundle.Primary[types.Timeframe(r.engine.cfg.Timeframes[0])]
	lookback := 20
	if len(primary) < lookback {
		lookback = len(primary)
	}
	if lookback == 0 {
		return 0
	}
	var sum float64
	for _, c := range primary[len(primary)-lookback:] {
		sum += c.High - c.Low
	}
	return 0.1 * sum / float64(lookback) / 2
}

// WaitForStopFile blocks until the stop file exists or the context ends;
// used by auxiliary commands that follow a running engine.
func WaitForStopFile(ctx context.Context, path string, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}
