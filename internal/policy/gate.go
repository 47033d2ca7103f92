package policy

import (
	"math"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// ReleverageAuthorizer is implemented by the capital manager: it decides
// whether an ENTER_WITH_EXTRA action may actually add contracts.
type ReleverageAuthorizer interface {
	CanRelever(regime types.Regime, globalConfidence, pnlTodayBRL float64, transitionActive bool, disagreement, liquidityStrength float64) (bool, string)
}

// GateInput bundles the per-bar context for the RL gate.
type GateInput struct {
	Regime            types.Regime
	Hour              int
	GlobalConfidence  float64
	Disagreement      float64
	LiquidityStrength float64
	PnLTodayBRL       float64
	TransitionActive  bool
}

// GateResult is the modified decision with RL bookkeeping for the close-time
// update.
type GateResult struct {
	Decision           types.Decision
	Action             types.RLAction
	StateHash          string
	ReleverageApproved bool
	ReleverageReason   string
}

// Gate applies the reinforcement policy to boss decisions.
type Gate struct {
	logger     *zap.Logger
	enabled    bool
	releverage bool
	policy     *Policy
	capital    ReleverageAuthorizer
}

// NewGate builds the RL gate. capital may be nil when re-leverage is off.
func NewGate(logger *zap.Logger, enabled, releverageEnabled bool, policy *Policy, capital ReleverageAuthorizer) *Gate {
	return &Gate{
		logger:     logger.Named("rl-gate"),
		enabled:    enabled,
		releverage: releverageEnabled,
		policy:     policy,
		capital:    capital,
	}
}

// Apply runs Thompson sampling over the enter-action set and rewrites the
// boss decision accordingly. A boss HOLD is final and skips the gate.
func (g *Gate) Apply(decision types.Decision, input GateInput) GateResult {
	result := GateResult{Decision: decision, Action: types.RLAction("NO_RL")}
	if !g.enabled {
		return result
	}
	if decision.Action != types.ActionEnter {
		result.Action = types.RLHold
		return result
	}

	state := NewState(input.Regime, input.Hour, input.GlobalConfidence, input.Disagreement)
	result.StateHash = state.Hash()

	action, sampled := g.policy.SelectAction(input.Regime, state, types.EnterActions)
	result.Action = action

	g.logger.Debug("rl gate",
		zap.String("regime", string(input.Regime)),
		zap.String("state", result.StateHash),
		zap.String("action", string(action)),
		zap.Float64("sampled", sampled))

	switch action {
	case types.RLHold:
		result.Decision.Action = types.ActionSkip
		result.Decision.Size = 0
		result.Decision.Reason = "RL blocked: HOLD sampled"

	case types.RLEnter:
		// Unchanged.

	case types.RLEnterConservative:
		conservative := math.Max(1, math.Floor(decision.Size*0.75))
		result.Decision.Size = conservative
		result.Decision.Reason = "RL conservative: " + decision.Reason

	case types.RLEnterWithExtra:
		if !g.releverage || g.capital == nil {
			break
		}
		approved, reason := g.capital.CanRelever(
			input.Regime,
			input.GlobalConfidence,
			input.PnLTodayBRL,
			input.TransitionActive,
			input.Disagreement,
			input.LiquidityStrength,
		)
		result.ReleverageApproved = approved
		result.ReleverageReason = reason
		if !approved {
			g.logger.Warn("rl approved re-leverage but capital blocked", zap.String("reason", reason))
		}
	}

	if result.Decision.Metadata == nil {
		result.Decision.Metadata = map[string]any{}
	}
	result.Decision.Metadata["rl_action"] = string(action)
	result.Decision.Metadata["rl_state"] = result.StateHash
	if result.ReleverageApproved {
		result.Decision.Metadata["realavancagem_approved"] = true
	}
	return result
}

// RewardFromPnL normalizes realized PnL into [0,1] against the per-trade
// risk denominator.
func RewardFromPnL(pnl, riskDenominator float64) float64 {
	if riskDenominator <= 0 {
		riskDenominator = 100
	}
	normalized := (pnl + riskDenominator) / (2 * riskDenominator)
	return math.Max(0, math.Min(1, normalized))
}

// UpdateFromTrade feeds a closed trade back into the policy.
func (g *Gate) UpdateFromTrade(outcome types.TradeOutcome, riskDenominator float64) {
	if !g.enabled || outcome.RLAction == "" || outcome.RLAction == "NO_RL" {
		return
	}
	reward := RewardFromPnL(outcome.PnL, riskDenominator)
	g.policy.Update(outcome.Regime, outcome.StateHash, outcome.RLAction, reward, outcome.CloseTime)
}
