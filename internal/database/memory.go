package database

import (
	"context"
	"sync"
	"time"

	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
)

// MemoryRepository keeps the journal in memory. Used by backtests and
// tests, and by live-sim runs without a configured database.
type MemoryRepository struct {
	mu sync.Mutex

	Decisions      []types.Decision
	Trades         []types.TradeOutcome
	Signals        []types.ScoredSignal
	Regimes        map[string]types.Regime
	Transitions    []features.Transition
	OrderEvents    []execution.OrderEvent
	RiskEvents     []execution.RiskEvent
	AuditEntries   []execution.AuditEntry
	PositionStates map[uint64]types.Position
}

// NewMemoryRepository creates an empty in-memory journal.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		Regimes:        map[string]types.Regime{},
		PositionStates: map[uint64]types.Position{},
	}
}

func (m *MemoryRepository) InsertCandle(ctx context.Context, symbol string, timeframe types.Timeframe, candle types.Candle) error {
	return nil
}

func (m *MemoryRepository) InsertFeatures(ctx context.Context, symbol string, barTime time.Time, bundle features.Bundle) error {
	return nil
}

func (m *MemoryRepository) InsertBrainSignal(ctx context.Context, symbol string, barTime time.Time, signal types.ScoredSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Signals = append(m.Signals, signal)
	return nil
}

func (m *MemoryRepository) InsertDecision(ctx context.Context, symbol string, barTime time.Time, decision types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = append(m.Decisions, decision)
	return nil
}

func (m *MemoryRepository) InsertTrade(ctx context.Context, outcome types.TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = append(m.Trades, outcome)
	return nil
}

func (m *MemoryRepository) InsertRegimeLog(ctx context.Context, symbol string, barTime time.Time, regime types.Regime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Regimes[symbol] = regime
	return nil
}

func (m *MemoryRepository) InsertRegimeTransition(ctx context.Context, transition features.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions = append(m.Transitions, transition)
	return nil
}

func (m *MemoryRepository) InsertLevel(ctx context.Context, symbol string, barTime time.Time, source string, payload any) error {
	return nil
}

func (m *MemoryRepository) InsertBrainPerformance(ctx context.Context, record any, regime types.Regime, brainID string) error {
	return nil
}

func (m *MemoryRepository) InsertMetaDecision(ctx context.Context, regime types.Regime, allow bool, confidence float64, payload any) error {
	return nil
}

func (m *MemoryRepository) InsertRLPolicyRow(ctx context.Context, regime types.Regime, stateHash string, av any) error {
	return nil
}

func (m *MemoryRepository) InsertPositionState(ctx context.Context, position types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionStates[position.Ticket] = position
	return nil
}

func (m *MemoryRepository) FetchLatestTrades(ctx context.Context, limit int) ([]types.TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.Trades) {
		limit = len(m.Trades)
	}
	out := make([]types.TradeOutcome, limit)
	copy(out, m.Trades[len(m.Trades)-limit:])
	return out, nil
}

func (m *MemoryRepository) FetchLatestDecisions(ctx context.Context, limit int) ([]types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.Decisions) {
		limit = len(m.Decisions)
	}
	out := make([]types.Decision, limit)
	copy(out, m.Decisions[len(m.Decisions)-limit:])
	return out, nil
}

func (m *MemoryRepository) FetchOpenPositions(ctx context.Context) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.PositionStates {
		if p.Status == types.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FetchLatestRegime(ctx context.Context, symbol string) (types.Regime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if regime, ok := m.Regimes[symbol]; ok {
		return regime, nil
	}
	return types.RegimeUnknown, nil
}

// InsertOrderEvent implements the execution.EventSink contract.
func (m *MemoryRepository) InsertOrderEvent(event execution.OrderEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderEvents = append(m.OrderEvents, event)
}

// InsertRiskEvent implements the execution.RiskEventSink contract.
func (m *MemoryRepository) InsertRiskEvent(event execution.RiskEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RiskEvents = append(m.RiskEvents, event)
}

// InsertAudit implements the execution.AuditSink contract.
func (m *MemoryRepository) InsertAudit(entry execution.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuditEntries = append(m.AuditEntries, entry)
}
