package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Repository is the journal contract the engine writes through;
// implementations serialize inserts. In PgRepository the candle, feature,
// brain-signal, decision, trade, regime-log and audit inserts ignore a
// repeated key, and the brain-performance, RL-policy and position-state
// inserts upsert. Regime-transition, level, meta-decision, order-event and
// risk-event inserts add a row on every call.
type Repository interface {
	InsertCandle(ctx context.Context, symbol string, timeframe types.Timeframe, candle types.Candle) error
	InsertFeatures(ctx context.Context, symbol string, barTime time.Time, bundle features.Bundle) error
	InsertBrainSignal(ctx context.Context, symbol string, barTime time.Time, signal types.ScoredSignal) error
	InsertDecision(ctx context.Context, symbol string, barTime time.Time, decision types.Decision) error
	InsertTrade(ctx context.Context, outcome types.TradeOutcome) error
	InsertRegimeLog(ctx context.Context, symbol string, barTime time.Time, regime types.Regime) error
	InsertRegimeTransition(ctx context.Context, transition features.Transition) error
	InsertLevel(ctx context.Context, symbol string, barTime time.Time, source string, payload any) error
	InsertBrainPerformance(ctx context.Context, record any, regime types.Regime, brainID string) error
	InsertMetaDecision(ctx context.Context, regime types.Regime, allow bool, confidence float64, payload any) error
	InsertRLPolicyRow(ctx context.Context, regime types.Regime, stateHash string, av any) error
	InsertPositionState(ctx context.Context, position types.Position) error

	FetchLatestTrades(ctx context.Context, limit int) ([]types.TradeOutcome, error)
	FetchLatestDecisions(ctx context.Context, limit int) ([]types.Decision, error)
	FetchOpenPositions(ctx context.Context) ([]types.Position, error)
	FetchLatestRegime(ctx context.Context, symbol string) (types.Regime, error)
}

// PgRepository implements Repository over pgx, and also serves as the
// order/risk/audit event sink for the execution layer.
type PgRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPgRepository creates the Postgres-backed journal.
func NewPgRepository(db *DB, logger *zap.Logger) *PgRepository {
	return &PgRepository{db: db, logger: logger.Named("repository")}
}

// InsertCandle appends a candle; replays of the same bar are no-ops.
func (r *PgRepository) InsertCandle(ctx context.Context, symbol string, timeframe types.Timeframe, candle types.Candle) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO candles (symbol, timeframe, bar_time, open, high, low, close, tick_volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, bar_time) DO NOTHING`,
		symbol, timeframe, candle.Time, candle.Open, candle.High, candle.Low, candle.Close, candle.TickVolume)
	return err
}

// InsertFeatures appends the bar's feature bundle as JSON.
func (r *PgRepository) InsertFeatures(ctx context.Context, symbol string, barTime time.Time, bundle features.Bundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO features (symbol, bar_time, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, bar_time) DO NOTHING`,
		symbol, barTime, payload)
	return err
}

// InsertBrainSignal appends one brain's signal for the bar.
func (r *PgRepository) InsertBrainSignal(ctx context.Context, symbol string, barTime time.Time, signal types.ScoredSignal) error {
	payload, err := json.Marshal(signal.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO brain_signals (symbol, bar_time, brain_id, score, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, bar_time, brain_id) DO NOTHING`,
		symbol, barTime, signal.Signal.BrainID, signal.Score, payload)
	return err
}

// InsertDecision appends the boss decision.
func (r *PgRepository) InsertDecision(ctx context.Context, symbol string, barTime time.Time, decision types.Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO decisions (decision_id, symbol, bar_time, action, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (decision_id) DO NOTHING`,
		decision.ID, symbol, barTime, decision.Action, payload)
	return err
}

// InsertTrade appends a closed trade.
func (r *PgRepository) InsertTrade(ctx context.Context, outcome types.TradeOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO trades (ticket, symbol, side, opened_at, closed_at, entry, exit, pnl, mfe, mae, source, payload)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, $6, $7, $8, 'engine', $9)
		ON CONFLICT (ticket, opened_at) DO NOTHING`,
		int64(outcome.Ticket), outcome.Symbol, outcome.Side, outcome.OpenTime, outcome.CloseTime,
		outcome.PnL, outcome.MFE, outcome.MAE, payload)
	return err
}

// InsertRegimeLog appends the bar's regime classification.
func (r *PgRepository) InsertRegimeLog(ctx context.Context, symbol string, barTime time.Time, regime types.Regime) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO regime_logs (symbol, bar_time, regime)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, bar_time) DO NOTHING`,
		symbol, barTime, regime)
	return err
}

// InsertRegimeTransition appends a transition event.
func (r *PgRepository) InsertRegimeTransition(ctx context.Context, transition features.Transition) error {
	payload, err := json.Marshal(transition)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO regime_transitions (symbol, event_time, from_regime, to_regime, confidence, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		transition.Symbol, transition.Time, transition.From, transition.To, transition.Confidence, payload)
	return err
}

// InsertLevel appends a detected liquidity/cluster level.
func (r *PgRepository) InsertLevel(ctx context.Context, symbol string, barTime time.Time, source string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal level: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO levels (symbol, bar_time, source, payload)
		VALUES ($1, $2, $3, $4)`,
		symbol, barTime, source, raw)
	return err
}

// InsertBrainPerformance upserts the per-(regime, brain) record.
func (r *PgRepository) InsertBrainPerformance(ctx context.Context, record any, regime types.Regime, brainID string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal brain performance: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO brain_performance (regime, brain_id, updated_at, payload)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (regime, brain_id) DO UPDATE SET updated_at = now(), payload = EXCLUDED.payload`,
		regime, brainID, payload)
	return err
}

// InsertMetaDecision appends a meta-brain verdict.
func (r *PgRepository) InsertMetaDecision(ctx context.Context, regime types.Regime, allow bool, confidence float64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal meta decision: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO meta_decisions (created_at, regime, allow_trading, global_confidence, payload)
		VALUES (now(), $1, $2, $3, $4)`,
		regime, allow, confidence, raw)
	return err
}

// InsertRLPolicyRow upserts one action-value row.
func (r *PgRepository) InsertRLPolicyRow(ctx context.Context, regime types.Regime, stateHash string, av any) error {
	payload, err := json.Marshal(av)
	if err != nil {
		return fmt.Errorf("marshal rl row: %w", err)
	}
	var row struct {
		Action      string  `json:"action"`
		Alpha       float64 `json:"alpha"`
		Beta        float64 `json:"beta"`
		Count       int     `json:"count"`
		TotalReward float64 `json:"totalReward"`
	}
	if err := json.Unmarshal(payload, &row); err != nil {
		return fmt.Errorf("decode rl row: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO rl_policy (regime, state_hash, action, alpha, beta, count, total_reward, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (regime, state_hash, action)
		DO UPDATE SET alpha = EXCLUDED.alpha, beta = EXCLUDED.beta, count = EXCLUDED.count,
			total_reward = EXCLUDED.total_reward, updated_at = now()`,
		regime, stateHash, row.Action, row.Alpha, row.Beta, row.Count, row.TotalReward)
	return err
}

// InsertPositionState upserts the position snapshot keyed by ticket.
func (r *PgRepository) InsertPositionState(ctx context.Context, position types.Position) error {
	payload, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	var closeTime *time.Time
	if !position.CloseTime.IsZero() {
		closeTime = &position.CloseTime
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO position_states (ticket, symbol, side, volume, entry_price, open_time, sl, tp, status, close_price, close_time, pnl, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ticket) DO UPDATE SET
			volume = EXCLUDED.volume, sl = EXCLUDED.sl, tp = EXCLUDED.tp,
			status = EXCLUDED.status, close_price = EXCLUDED.close_price,
			close_time = EXCLUDED.close_time, pnl = EXCLUDED.pnl, payload = EXCLUDED.payload`,
		int64(position.Ticket), position.Symbol, position.Side, position.Volume,
		position.EntryPrice, position.OpenTime, position.SL, position.TP, position.Status,
		position.ClosePrice, closeTime, position.PnL, payload)
	return err
}

// FetchLatestTrades returns the most recent closed trades.
func (r *PgRepository) FetchLatestTrades(ctx context.Context, limit int) ([]types.TradeOutcome, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT payload FROM trades ORDER BY closed_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TradeOutcome
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var outcome types.TradeOutcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			continue
		}
		out = append(out, outcome)
	}
	return out, rows.Err()
}

// FetchLatestDecisions returns the most recent decisions.
func (r *PgRepository) FetchLatestDecisions(ctx context.Context, limit int) ([]types.Decision, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT payload FROM decisions ORDER BY bar_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Decision
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var decision types.Decision
		if err := json.Unmarshal(payload, &decision); err != nil {
			continue
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

// FetchOpenPositions returns positions still marked OPEN, for
// reconciliation on startup.
func (r *PgRepository) FetchOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT payload FROM position_states WHERE status = 'OPEN' ORDER BY ticket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Position
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var position types.Position
		if err := json.Unmarshal(payload, &position); err != nil {
			continue
		}
		out = append(out, position)
	}
	return out, rows.Err()
}

// FetchLatestRegime returns the most recent regime log for a symbol.
func (r *PgRepository) FetchLatestRegime(ctx context.Context, symbol string) (types.Regime, error) {
	var regime string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT regime FROM regime_logs WHERE symbol = $1 ORDER BY bar_time DESC LIMIT 1`, symbol).Scan(&regime)
	if err != nil {
		return types.RegimeUnknown, err
	}
	return types.Regime(regime), nil
}

// InsertOrderEvent implements the execution.EventSink contract.
func (r *PgRepository) InsertOrderEvent(event execution.OrderEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, err = r.db.Pool.Exec(context.Background(), `
		INSERT INTO order_events (event_time, ticket, symbol, status, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		event.Time, int64(event.Ticket), event.Symbol, event.Status, payload)
	if err != nil {
		r.logger.Warn("order event insert failed", zap.Error(err))
	}
}

// InsertRiskEvent implements the execution.RiskEventSink contract.
func (r *PgRepository) InsertRiskEvent(event execution.RiskEvent) {
	payload, err := json.Marshal(event.Details)
	if err != nil {
		return
	}
	_, err = r.db.Pool.Exec(context.Background(), `
		INSERT INTO risk_events (event_time, event_type, action, payload)
		VALUES ($1, $2, $3, $4)`,
		event.Time, event.EventType, event.Action, payload)
	if err != nil {
		r.logger.Warn("risk event insert failed", zap.Error(err))
	}
}

// InsertAudit implements the execution.AuditSink contract.
func (r *PgRepository) InsertAudit(entry execution.AuditEntry) {
	payload, err := json.Marshal(entry.Details)
	if err != nil {
		return
	}
	_, err = r.db.Pool.Exec(context.Background(), `
		INSERT INTO audit_trail (audit_id, event_time, decision_id, action, success, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (audit_id) DO NOTHING`,
		entry.ID, entry.Time, entry.DecisionID, entry.Action, entry.Success, entry.Reason, payload)
	if err != nil {
		r.logger.Warn("audit insert failed", zap.Error(err))
	}
}
