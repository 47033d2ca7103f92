// Package policy implements the per-regime reinforcement policy (Thompson
// sampling over Beta posteriors), the RL gate that adjusts boss decisions,
// and the online updater that batches closed-trade feedback.
package policy

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// State is the discretized RL state.
type State struct {
	Regime            types.Regime `json:"regime"`
	HourBucket        string       `json:"hourBucket"`
	ConfidenceBucket  string       `json:"confidenceBucket"`
	DisagreementBucket string      `json:"disagreementBucket"`
}

// NewState discretizes the continuous inputs into buckets.
func NewState(regime types.Regime, hour int, confidence, disagreement float64) State {
	return State{
		Regime:            regime,
		HourBucket:        fmt.Sprintf("%02d:00", hour),
		ConfidenceBucket:  bucketConfidence(confidence),
		DisagreementBucket: bucketDisagreement(disagreement),
	}
}

// Hash is the deterministic 8-hex-character state key.
func (s State) Hash() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s_%s_%s_%s", s.Regime, s.HourBucket, s.ConfidenceBucket, s.DisagreementBucket)
	return fmt.Sprintf("%08x", h.Sum64()&0xFFFFFFFF)
}

func bucketConfidence(confidence float64) string {
	switch {
	case confidence < 0.55:
		return "LOW"
	case confidence < 0.70:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

func bucketDisagreement(disagreement float64) string {
	switch {
	case disagreement < 0.15:
		return "LOW"
	case disagreement < 0.35:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

// ActionValue is a Beta posterior over one action's reward.
type ActionValue struct {
	Action      types.RLAction `json:"action"`
	Alpha       float64        `json:"alpha"`
	Beta        float64        `json:"beta"`
	Count       int            `json:"count"`
	TotalReward float64        `json:"totalReward"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Mean is the posterior mean.
func (av *ActionValue) Mean() float64 {
	if av.Alpha+av.Beta <= 1 {
		return 0.5
	}
	return av.Alpha / (av.Alpha + av.Beta)
}

// Snapshot is an immutable copy of a regime's table with metrics.
type Snapshot struct {
	ID        string                                       `json:"id"`
	Regime    types.Regime                                 `json:"regime"`
	TakenAt   time.Time                                    `json:"takenAt"`
	Table     map[string]map[types.RLAction]ActionValue    `json:"table"`
	MeanReward float64                                     `json:"meanReward"`
	Samples   int                                          `json:"samples"`
}

// Policy holds the per-regime Thompson-sampling tables.
type Policy struct {
	logger *zap.Logger
	rng    *exprand.Rand

	initialAlpha    float64
	initialBeta     float64
	freezeThreshold float64

	// tables[regime][stateHash][action]
	tables   map[types.Regime]map[string]map[types.RLAction]*ActionValue
	baseline map[types.Regime]float64
	frozen   map[types.Regime]bool
}

// NewPolicy creates an RL policy seeded for reproducibility.
func NewPolicy(logger *zap.Logger, freezeThreshold float64, seed uint64) *Policy {
	return &Policy{
		logger:          logger.Named("rl-policy"),
		rng:             exprand.New(exprand.NewSource(seed)),
		initialAlpha:    1.0,
		initialBeta:     1.0,
		freezeThreshold: freezeThreshold,
		tables:          map[types.Regime]map[string]map[types.RLAction]*ActionValue{},
		baseline:        map[types.Regime]float64{},
		frozen:          map[types.Regime]bool{},
	}
}

// SelectAction samples every available action's Beta posterior and picks the
// argmax. Frozen regimes still sample for selection.
func (p *Policy) SelectAction(regime types.Regime, state State, available []types.RLAction) (types.RLAction, float64) {
	values := p.actionValues(regime, state.Hash(), available)

	best := available[0]
	bestValue := -1.0
	for _, action := range available {
		av := values[action]
		sample := distuv.Beta{Alpha: av.Alpha, Beta: av.Beta, Src: p.rng}.Rand()
		if sample > bestValue {
			best, bestValue = action, sample
		}
	}
	return best, bestValue
}

// Update applies a normalized reward in [0,1] to the action posterior.
// Frozen regimes are no-ops until unfrozen.
func (p *Policy) Update(regime types.Regime, stateHash string, action types.RLAction, reward float64, now time.Time) {
	if p.frozen[regime] {
		p.logger.Debug("update skipped: regime frozen", zap.String("regime", string(regime)))
		return
	}
	av := p.actionValue(regime, stateHash, action)

	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	if reward > 0.5 {
		av.Alpha += reward
	} else {
		av.Beta += 1 - reward
	}
	av.Count++
	av.TotalReward += reward
	av.UpdatedAt = now

	p.checkFreeze(regime)
}

// checkFreeze freezes the regime when mean reward deteriorates more than
// the threshold from its recorded baseline.
func (p *Policy) checkFreeze(regime types.Regime) {
	mean, samples := p.meanReward(regime)
	if samples == 0 {
		return
	}
	baseline, ok := p.baseline[regime]
	if !ok {
		p.baseline[regime] = mean
		return
	}
	deterioration := (baseline - mean) / (abs(baseline) + 1e-6)
	if deterioration > p.freezeThreshold {
		p.frozen[regime] = true
		p.logger.Warn("policy frozen",
			zap.String("regime", string(regime)),
			zap.Float64("baseline", baseline),
			zap.Float64("current", mean))
	}
}

// IsFrozen reports whether updates are blocked for the regime.
func (p *Policy) IsFrozen(regime types.Regime) bool { return p.frozen[regime] }

// UnfreezeRegime re-enables updates and re-seeds the baseline from the
// current table.
func (p *Policy) UnfreezeRegime(regime types.Regime) {
	if !p.frozen[regime] {
		return
	}
	delete(p.frozen, regime)
	if mean, samples := p.meanReward(regime); samples > 0 {
		p.baseline[regime] = mean
	}
	p.logger.Info("policy unfrozen", zap.String("regime", string(regime)))
}

// TakeSnapshot copies the regime's table with metrics.
func (p *Policy) TakeSnapshot(regime types.Regime, id string, now time.Time) Snapshot {
	table := map[string]map[types.RLAction]ActionValue{}
	for stateHash, actions := range p.tables[regime] {
		table[stateHash] = map[types.RLAction]ActionValue{}
		for action, av := range actions {
			table[stateHash][action] = *av
		}
	}
	mean, samples := p.meanReward(regime)
	return Snapshot{
		ID:         id,
		Regime:     regime,
		TakenAt:    now,
		Table:      table,
		MeanReward: mean,
		Samples:    samples,
	}
}

// Restore replaces the regime's table from a snapshot and re-seeds its
// baseline. The regime is unfrozen.
func (p *Policy) Restore(snapshot Snapshot) {
	table := map[string]map[types.RLAction]*ActionValue{}
	for stateHash, actions := range snapshot.Table {
		table[stateHash] = map[types.RLAction]*ActionValue{}
		for action, av := range actions {
			copied := av
			table[stateHash][action] = &copied
		}
	}
	p.tables[snapshot.Regime] = table
	delete(p.frozen, snapshot.Regime)
	if mean, samples := p.meanReward(snapshot.Regime); samples > 0 {
		p.baseline[snapshot.Regime] = mean
	} else {
		delete(p.baseline, snapshot.Regime)
	}
	p.logger.Info("policy restored from snapshot",
		zap.String("regime", string(snapshot.Regime)),
		zap.String("snapshot", snapshot.ID))
}

// ExportTable serializes the regime's table to stable JSON (sorted keys,
// so a round trip is byte-identical).
func (p *Policy) ExportTable(regime types.Regime) ([]byte, error) {
	export := map[string]map[string]ActionValue{}
	for stateHash, actions := range p.tables[regime] {
		export[stateHash] = map[string]ActionValue{}
		for action, av := range actions {
			export[stateHash][string(action)] = *av
		}
	}
	return json.Marshal(export)
}

// ImportTable loads a serialized table into the regime.
func (p *Policy) ImportTable(regime types.Regime, data []byte) error {
	var imported map[string]map[string]ActionValue
	if err := json.Unmarshal(data, &imported); err != nil {
		return fmt.Errorf("import policy table: %w", err)
	}
	table := map[string]map[types.RLAction]*ActionValue{}
	for stateHash, actions := range imported {
		table[stateHash] = map[types.RLAction]*ActionValue{}
		for action, av := range actions {
			copied := av
			table[stateHash][types.RLAction(action)] = &copied
		}
	}
	p.tables[regime] = table
	return nil
}

// ActionStats returns the posterior stats for observability.
func (p *Policy) ActionStats(regime types.Regime, stateHash string, action types.RLAction) ActionValue {
	if actions, ok := p.tables[regime][stateHash]; ok {
		if av, ok := actions[action]; ok {
			return *av
		}
	}
	return ActionValue{Action: action, Alpha: p.initialAlpha, Beta: p.initialBeta}
}

// Regimes lists regimes with materialized tables, sorted for stable output.
func (p *Policy) Regimes() []types.Regime {
	out := make([]types.Regime, 0, len(p.tables))
	for regime := range p.tables {
		out = append(out, regime)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Policy) actionValues(regime types.Regime, stateHash string, available []types.RLAction) map[types.RLAction]*ActionValue {
	if p.tables[regime] == nil {
		p.tables[regime] = map[string]map[types.RLAction]*ActionValue{}
	}
	if p.tables[regime][stateHash] == nil {
		p.tables[regime][stateHash] = map[types.RLAction]*ActionValue{}
	}
	values := p.tables[regime][stateHash]
	for _, action := range available {
		if _, ok := values[action]; !ok {
			values[action] = &ActionValue{
				Action: action,
				Alpha:  p.initialAlpha,
				Beta:   p.initialBeta,
			}
		}
	}
	return values
}

func (p *Policy) actionValue(regime types.Regime, stateHash string, action types.RLAction) *ActionValue {
	return p.actionValues(regime, stateHash, []types.RLAction{action})[action]
}

func (p *Policy) meanReward(regime types.Regime) (float64, int) {
	var sum float64
	var arms int
	for _, actions := range p.tables[regime] {
		for _, av := range actions {
			if av.Count > 0 {
				sum += av.TotalReward / float64(av.Count)
				arms++
			}
		}
	}
	if arms == 0 {
		return 0, 0
	}
	return sum / float64(arms), arms
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
