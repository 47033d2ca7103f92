package policy

import (
	"fmt"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// MetaSink receives flushed outcomes alongside the policy; implemented by
// the meta-brain.
type MetaSink interface {
	RecordOutcomes(outcomes []types.TradeOutcome)
}

// Updater buffers closed-trade outcomes and flushes them to the policy and
// the meta sink as one atomic batch. Every snapshotEvery batches it
// snapshots the affected regimes, keeping the last keepSnapshots each.
type Updater struct {
	logger *zap.Logger

	policy        *Policy
	meta          MetaSink
	batchSize     int
	snapshotEvery int
	keepSnapshots int
	riskDenom     float64

	buffer       []types.TradeOutcome
	batchCounter int
	snapshots    map[types.Regime][]Snapshot
	snapshotSeq  int
}

// NewUpdater creates the online updater.
func NewUpdater(logger *zap.Logger, policy *Policy, meta MetaSink, batchSize, snapshotEvery, keepSnapshots int, riskDenom float64) *Updater {
	if batchSize <= 0 {
		batchSize = 10
	}
	if snapshotEvery <= 0 {
		snapshotEvery = 3
	}
	if keepSnapshots <= 0 {
		keepSnapshots = 5
	}
	return &Updater{
		logger:        logger.Named("online-updater"),
		policy:        policy,
		meta:          meta,
		batchSize:     batchSize,
		snapshotEvery: snapshotEvery,
		keepSnapshots: keepSnapshots,
		riskDenom:     riskDenom,
		snapshots:     map[types.Regime][]Snapshot{},
	}
}

// Add buffers an outcome and flushes when the batch is full. It returns
// true when a flush happened.
func (u *Updater) Add(outcome types.TradeOutcome) bool {
	u.buffer = append(u.buffer, outcome)
	if len(u.buffer) < u.batchSize {
		return false
	}
	u.Flush()
	return true
}

// Flush applies the buffered outcomes as one batch.
func (u *Updater) Flush() {
	if len(u.buffer) == 0 {
		return
	}
	batch := u.buffer
	u.buffer = nil

	affected := map[types.Regime]bool{}
	for _, outcome := range batch {
		if outcome.RLAction != "" && outcome.RLAction != "NO_RL" {
			reward := RewardFromPnL(outcome.PnL, u.riskDenom)
			u.policy.Update(outcome.Regime, outcome.StateHash, outcome.RLAction, reward, outcome.CloseTime)
		}
		affected[outcome.Regime] = true
	}
	if u.meta != nil {
		u.meta.RecordOutcomes(batch)
	}

	u.batchCounter++
	u.logger.Info("batch flushed",
		zap.Int("outcomes", len(batch)),
		zap.Int("batch", u.batchCounter))

	if u.batchCounter%u.snapshotEvery == 0 {
		now := batch[len(batch)-1].CloseTime
		for regime := range affected {
			u.snapshot(regime, now)
		}
	}
}

// Pending returns the number of buffered outcomes.
func (u *Updater) Pending() int { return len(u.buffer) }

// Snapshots returns the retained snapshots for a regime, oldest first.
func (u *Updater) Snapshots(regime types.Regime) []Snapshot {
	out := make([]Snapshot, len(u.snapshots[regime]))
	copy(out, u.snapshots[regime])
	return out
}

// RollbackToSnapshot restores the policy tables from the identified
// snapshot and re-seeds baselines.
func (u *Updater) RollbackToSnapshot(id string) error {
	for _, snapshots := range u.snapshots {
		for _, snapshot := range snapshots {
			if snapshot.ID == id {
				u.policy.Restore(snapshot)
				return nil
			}
		}
	}
	return fmt.Errorf("snapshot %q not found", id)
}

func (u *Updater) snapshot(regime types.Regime, now time.Time) {
	u.snapshotSeq++
	id := fmt.Sprintf("%s-%d", regime, u.snapshotSeq)
	snapshot := u.policy.TakeSnapshot(regime, id, now)
	u.snapshots[regime] = append(u.snapshots[regime], snapshot)
	if len(u.snapshots[regime]) > u.keepSnapshots {
		u.snapshots[regime] = u.snapshots[regime][len(u.snapshots[regime])-u.keepSnapshots:]
	}
	u.logger.Debug("policy snapshot taken",
		zap.String("regime", string(regime)),
		zap.String("id", id))
}
