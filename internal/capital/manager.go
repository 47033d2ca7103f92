// Package capital manages operator capital, contract counts, and the
// re-leverage authorization chain.
package capital

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// State is one contract-count decision.
type State struct {
	Time           time.Time `json:"time"`
	BaseContracts  int       `json:"baseContracts"`
	ExtraContracts int       `json:"extraContracts"`
	FinalContracts int       `json:"finalContracts"`
	Reason         string    `json:"reason"`
}

// ReleverageRules are the ordered conditions for extra contracts.
type ReleverageRules struct {
	Enabled          bool
	MaxExtra         int
	MinConfidence    float64
	RequireProfit    bool
	MinProfitBRL     float64
	AllowedRegimes   []string
	ForbiddenRegimes []string
}

// Manager converts capital into contract counts. Money arithmetic uses
// decimals so margin division is exact.
type Manager struct {
	logger *zap.Logger

	operatorCapital   decimal.Decimal
	marginPerContract decimal.Decimal
	maxContractsCap   int
	minContracts      int
	rules             ReleverageRules

	history []State
}

// NewManager creates a capital manager.
func NewManager(logger *zap.Logger, operatorCapitalBRL, marginPerContractBRL float64, maxCap, minContracts int, rules ReleverageRules) *Manager {
	return &Manager{
		logger:            logger.Named("capital-manager"),
		operatorCapital:   decimal.NewFromFloat(operatorCapitalBRL),
		marginPerContract: decimal.NewFromFloat(marginPerContractBRL),
		maxContractsCap:   maxCap,
		minContracts:      minContracts,
		rules:             rules,
	}
}

// BaseContracts is min(max_cap, floor(capital / margin)). A result below
// min_contracts drives CalcContracts into safe mode.
func (m *Manager) BaseContracts() int {
	if m.marginPerContract.LessThanOrEqual(decimal.Zero) {
		return m.minContracts
	}
	base := int(m.operatorCapital.Div(m.marginPerContract).IntPart())
	if base > m.maxContractsCap {
		base = m.maxContractsCap
	}
	return base
}

// CanRelever walks the authorization chain in order and returns the first
// failing reason.
func (m *Manager) CanRelever(regime types.Regime, globalConfidence, pnlTodayBRL float64, transitionActive bool, disagreement, liquidityStrength float64) (bool, string) {
	if !m.rules.Enabled {
		return false, "re-leverage disabled globally"
	}
	for _, forbidden := range m.rules.ForbiddenRegimes {
		if string(regime) == forbidden {
			return false, fmt.Sprintf("regime %q forbidden for re-leverage", regime)
		}
	}
	if len(m.rules.AllowedRegimes) > 0 {
		allowed := false
		for _, a := range m.rules.AllowedRegimes {
			if string(regime) == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("regime %q not in re-leverage whitelist", regime)
		}
	}
	if transitionActive {
		return false, "re-leverage blocked during regime transition"
	}
	if globalConfidence < m.rules.MinConfidence {
		return false, fmt.Sprintf("confidence %.2f < %.2f", globalConfidence, m.rules.MinConfidence)
	}
	if m.rules.RequireProfit && pnlTodayBRL < m.rules.MinProfitBRL {
		return false, fmt.Sprintf("daily profit %.0f < %.0f", pnlTodayBRL, m.rules.MinProfitBRL)
	}
	if liquidityStrength < 0.50 {
		return false, fmt.Sprintf("liquidity strength %.2f < 0.50", liquidityStrength)
	}
	if disagreement > 0.40 {
		return false, fmt.Sprintf("ensemble disagreement %.2f > 0.40", disagreement)
	}
	return true, "re-leverage authorized"
}

// CalcContracts computes the final count (base + approved extra, capped).
// Falling below min_contracts enters safe mode and emits zero contracts.
func (m *Manager) CalcContracts(regime types.Regime, globalConfidence, pnlTodayBRL float64, transitionActive bool, disagreement, liquidityStrength float64, now time.Time) State {
	base := m.BaseContracts()
	extra := 0
	reason := fmt.Sprintf("Base: %d contracts", base)

	approved, releverReason := m.CanRelever(regime, globalConfidence, pnlTodayBRL, transitionActive, disagreement, liquidityStrength)
	if approved && m.rules.MaxExtra > 0 {
		extra = m.rules.MaxExtra
		reason += fmt.Sprintf(" + %d extra (%s)", extra, releverReason)
	} else {
		reason += fmt.Sprintf(" (no re-leverage: %s)", releverReason)
	}

	final := base + extra
	if final > m.maxContractsCap {
		final = m.maxContractsCap
	}
	if final < m.minContracts {
		final = 0
		reason += " [SAFE MODE: insufficient capital]"
	}

	state := State{
		Time:           now,
		BaseContracts:  base,
		ExtraContracts: extra,
		FinalContracts: final,
		Reason:         reason,
	}
	m.history = append(m.history, state)
	if len(m.history) > 1000 {
		m.history = m.history[len(m.history)-1000:]
	}

	m.logger.Info("capital decision",
		zap.Int("base", base),
		zap.Int("extra", extra),
		zap.Int("final", final))
	return state
}

// LastState returns the most recent decision, if any.
func (m *Manager) LastState() *State {
	if len(m.history) == 0 {
		return nil
	}
	last := m.history[len(m.history)-1]
	return &last
}

// History returns up to limit recent decisions, oldest first.
func (m *Manager) History(limit int) []State {
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]State, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}
