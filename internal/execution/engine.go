package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Mode selects the execution backend behaviour.
type Mode string

const (
	ModeBacktest Mode = "BACKTEST"
	ModeLiveSim  Mode = "LIVE_SIM"
	ModeLiveReal Mode = "LIVE_REAL"
)

// AuditEntry records every execution attempt, success or failure.
type AuditEntry struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"time"`
	DecisionID string         `json:"decisionId"`
	Action     types.DecisionAction `json:"action"`
	Success    bool           `json:"success"`
	Reason     string         `json:"reason,omitempty"`
	RiskPassed bool           `json:"riskPassed"`
	RiskReason string         `json:"riskReason,omitempty"`
	Ticket     uint64         `json:"ticket,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditSink receives audit entries for the journal; nil sinks are ignored.
type AuditSink interface {
	InsertAudit(entry AuditEntry)
}

// Result is the outcome of executing one decision.
type Result struct {
	Success     bool              `json:"success"`
	Ticket      uint64            `json:"ticket,omitempty"`
	FilledPrice float64           `json:"filledPrice,omitempty"`
	Slippage    float64           `json:"slippage,omitempty"`
	OrderStatus types.OrderStatus `json:"orderStatus,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RiskPassed  bool              `json:"riskPassed"`
	RiskReason  string            `json:"riskReason,omitempty"`
	ClosePrice  float64           `json:"closePrice,omitempty"`
	PnL         float64           `json:"pnl,omitempty"`
	Closed      *types.TradeOutcome `json:"closed,omitempty"`
}

// EngineConfig carries the SL/TP plumbing defaults.
type EngineConfig struct {
	UsePartialExits   bool
	BreakEvenAfterTP1 bool
	BreakEvenOffset   float64
	TrailingEnabled   bool
	TrailingDistance  float64
	TrailingATRMult   float64
}

// Engine is the execution state machine. It is the only component allowed
// to construct a PlaceOrderRequest or call Router.PlaceOrder, and it owns
// the position tracker and SL/TP plans exclusively.
type Engine struct {
	logger  *zap.Logger
	mode    Mode
	config  EngineConfig
	router  Router
	risk    *RiskManager
	sltp    *SLTPManager
	tracker *PositionTracker
	fill    *FillModel
	audit   AuditSink
}

// NewEngine assembles the execution engine.
func NewEngine(logger *zap.Logger, mode Mode, config EngineConfig, router Router, risk *RiskManager, sltp *SLTPManager, tracker *PositionTracker, fill *FillModel, audit AuditSink) *Engine {
	return &Engine{
		logger:  logger.Named("execution-engine"),
		mode:    mode,
		config:  config,
		router:  router,
		risk:    risk,
		sltp:    sltp,
		tracker: tracker,
		fill:    fill,
		audit:   audit,
	}
}

// Tracker exposes read access for reconciliation and reporting.
func (e *Engine) Tracker() *PositionTracker { return e.tracker }

// SLTP exposes the plan manager for the tick-update stage.
func (e *Engine) SLTP() *SLTPManager { return e.sltp }

// Risk exposes the risk manager for the feedback stage.
func (e *Engine) Risk() *RiskManager { return e.risk }

// Execute runs one decision through the state machine.
func (e *Engine) Execute(decision types.Decision, symbol string, currentPrice, atr float64, now time.Time) Result {
	switch decision.Action {
	case types.ActionSkip:
		return Result{Success: true, OrderStatus: "SKIPPED", Reason: decision.Reason}
	case types.ActionClose:
		return e.executeClose(decision, now)
	case types.ActionEnter:
		return e.executeEnter(decision, symbol, currentPrice, atr, now)
	default:
		result := Result{Reason: fmt.Sprintf("unknown action %q", decision.Action)}
		e.writeAudit(decision, result, now)
		return result
	}
}

func (e *Engine) executeEnter(decision types.Decision, symbol string, currentPrice, atr float64, now time.Time) Result {
	result := Result{}
	if decision.Side == "" || decision.Size <= 0 || decision.Entry <= 0 {
		result.Reason = "incomplete decision (missing side/size/entry)"
		e.writeAudit(decision, result, now)
		return result
	}

	// (a) risk gate.
	riskCheck := e.risk.CheckCanTrade(now, decision.BrainScores, atr, currentPrice)
	result.RiskPassed = riskCheck.Passed
	result.RiskReason = riskCheck.Reason
	if !riskCheck.Passed {
		result.Reason = fmt.Sprintf("Risk check failed: %s", riskCheck.Reason)
		e.logger.Warn("trade rejected by risk manager", zap.String("reason", riskCheck.Reason))
		e.writeAudit(decision, result, now)
		return result
	}

	volume := math.Floor(decision.Size * e.risk.SizeFactor())
	if volume < 1 {
		volume = 1
	}

	// (b) fill-model quote.
	fill := e.fill.CalculateFill(decision.Entry, string(decision.Side), atr, e.mode == ModeLiveReal, now)
	if !fill.Success {
		result.OrderStatus = types.OrderRejected
		result.Reason = fmt.Sprintf("Fill model rejected: %s", fill.Reason)
		e.writeAudit(decision, result, now)
		return result
	}

	// (c) router submit.
	request := PlaceOrderRequest{
		Symbol:     symbol,
		Side:       decision.Side,
		Volume:     volume,
		EntryPrice: decision.Entry,
		SL:         decision.SL,
		TP:         decision.TP1,
		Comment:    fmt.Sprintf("Regime:%s Conf:%.2f", decision.Regime, decision.Confidence),
		Magic:      magicFor(symbol, decision.Side),
	}
	event := e.router.PlaceOrder(request, now)

	result.OrderStatus = event.Status
	if event.Status != types.OrderFilled {
		result.Reason = event.Reason
		e.writeAudit(decision, result, now)
		return result
	}

	// (d) install the SL/TP plan and stamp the cooldown clock.
	result.Success = true
	result.Ticket = event.Ticket
	result.FilledPrice = event.FilledPrice
	result.Slippage = fill.Slippage

	e.sltp.Setup(event.Ticket, e.tracker.Get(event.Ticket), decision.SL, decision.TP1, SLTPConfig{
		UsePartialExits:  e.config.UsePartialExits,
		TP1Price:         decision.TP1,
		TP2Price:         decision.TP2,
		UseBreakEven:     e.config.BreakEvenAfterTP1,
		BreakEvenOffset:  e.config.BreakEvenOffset,
		UseTrailing:      e.config.TrailingEnabled,
		TrailingDistance: e.config.TrailingDistance,
		TrailingATRMult:  e.config.TrailingATRMult,
	})
	e.risk.MarkTradeOpened(now)

	e.writeAudit(decision, result, now)
	return result
}

// executeClose closes the oldest open position.
func (e *Engine) executeClose(decision types.Decision, now time.Time) Result {
	result := Result{}
	open := e.tracker.OpenPositions()
	if len(open) == 0 {
		result.Reason = "no open positions to close"
		e.writeAudit(decision, result, now)
		return result
	}
	position := open[0]
	outcome := e.ClosePosition(position.Ticket, position.Volume, now, decision.Regime, "", "", "")
	if outcome == nil {
		result.Reason = "close rejected by router"
		e.writeAudit(decision, result, now)
		return result
	}
	result.Success = true
	result.Ticket = position.Ticket
	result.ClosePrice = position.ClosePrice
	result.PnL = outcome.PnL
	result.Closed = outcome
	e.writeAudit(decision, result, now)
	return result
}

// ClosePosition routes a (possibly partial) close and, when the position
// fully closes, returns the trade outcome for the learning layers.
func (e *Engine) ClosePosition(ticket uint64, volume float64, now time.Time, regime types.Regime, brainID, stateHash string, rlAction types.RLAction) *types.TradeOutcome {
	position := e.tracker.Get(ticket)
	if position == nil {
		return nil
	}
	openTime := position.OpenTime
	side := position.Side
	symbol := position.Symbol

	event := e.router.ClosePosition(ticket, volume, now)
	if event.Status != types.OrderFilled {
		e.logger.Warn("close failed", zap.Uint64("ticket", ticket), zap.String("reason", event.Reason))
		return nil
	}

	if position.Status != types.PositionClosed {
		// Partial close only; the position lives on.
		return nil
	}
	e.sltp.Remove(ticket)
	pnl := position.PnL
	e.risk.RecordTrade(pnl, now)

	return &types.TradeOutcome{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      side,
		Regime:    regime,
		BrainID:   brainID,
		StateHash: stateHash,
		RLAction:  rlAction,
		PnL:       pnl,
		OpenTime:  openTime,
		CloseTime: now,
	}
}

// PartialClose routes a partial exit without closing the plan.
func (e *Engine) PartialClose(ticket uint64, volume float64, now time.Time) bool {
	event := e.router.ClosePosition(ticket, volume, now)
	return event.Status == types.OrderFilled
}

// UpdateStops pushes a new stop through the router.
func (e *Engine) UpdateStops(ticket uint64, sl, tp float64) bool {
	return e.router.ModifyOrder(ticket, sl, tp)
}

func (e *Engine) writeAudit(decision types.Decision, result Result, now time.Time) {
	if e.audit == nil {
		return
	}
	e.audit.InsertAudit(AuditEntry{
		ID:         uuid.NewString(),
		Time:       now,
		DecisionID: decision.ID,
		Action:     decision.Action,
		Success:    result.Success,
		Reason:     result.Reason,
		RiskPassed: result.RiskPassed,
		RiskReason: result.RiskReason,
		Ticket:     result.Ticket,
		Details: map[string]any{
			"orderStatus": result.OrderStatus,
			"filledPrice": result.FilledPrice,
			"pnl":         result.PnL,
		},
	})
}

func magicFor(symbol string, side types.Side) int64 {
	var h int64
	for _, r := range symbol + string(side) {
		h = h*31 + int64(r)
	}
	return h & 0xFFFFFF
}
