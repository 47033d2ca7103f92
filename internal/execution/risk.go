package execution

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// RiskCheckResult is the verdict of the pre-order gate chain.
type RiskCheckResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// RiskEvent is logged whenever a circuit trips.
type RiskEvent struct {
	Time      time.Time      `json:"time"`
	EventType string         `json:"eventType"`
	Details   map[string]any `json:"details,omitempty"`
	Action    string         `json:"action"`
}

// RiskEventSink receives risk events for the journal; nil sinks are ignored.
type RiskEventSink interface {
	InsertRiskEvent(event RiskEvent)
}

// RiskConfig carries the circuit-breaker thresholds.
type RiskConfig struct {
	DailyLossLimit     float64
	DailyProfitTarget  float64
	MaxTradesPerDay    int
	MaxTradesPerHour   int
	CooldownSeconds    int
	MaxConsecLosses    int
	MaxATRPct          float64
	MaxBrainDivergence float64
	DegradeSteps       int
	DegradeFactor      float64
}

// RiskManager runs the ordered fail-fast checks before any order and keeps
// the daily ledger: PnL, counters, loss chains, and the hysteretic degrade
// level. All times come from the bar clock, never the wall clock.
type RiskManager struct {
	logger *zap.Logger
	config RiskConfig
	sink   RiskEventSink

	dailyPnL         float64
	dailyTradeCount  int
	hourlyTradeCount int
	lastHour         int
	hasHour          bool
	lastTradeTime    time.Time
	consecLosses     int
	consecWins       int
	maxDailyDrawdown float64
	degradeLevel     int

	paused      bool
	pauseReason string
}

// NewRiskManager creates a risk manager with a fresh ledger.
func NewRiskManager(logger *zap.Logger, config RiskConfig, sink RiskEventSink) *RiskManager {
	return &RiskManager{
		logger: logger.Named("risk-manager"),
		config: config,
		sink:   sink,
	}
}

// CheckCanTrade evaluates every circuit in order and fails fast on the
// first rejection.
func (r *RiskManager) CheckCanTrade(now time.Time, brainScores map[string]float64, atr, closePrice float64) RiskCheckResult {
	if r.paused {
		return RiskCheckResult{Passed: false, Reason: fmt.Sprintf("System paused: %s", r.pauseReason)}
	}
	if result := r.checkDailyLoss(now); !result.Passed {
		return result
	}
	if r.config.DailyProfitTarget > 0 {
		if result := r.checkDailyProfit(now); !result.Passed {
			return result
		}
	}
	if r.dailyTradeCount >= r.config.MaxTradesPerDay {
		return RiskCheckResult{Passed: false,
			Reason: fmt.Sprintf("Max trades per day reached: %d/%d", r.dailyTradeCount, r.config.MaxTradesPerDay)}
	}
	if result := r.checkHourly(now); !result.Passed {
		return result
	}
	if result := r.checkCooldown(now); !result.Passed {
		return result
	}
	if atr > 0 && closePrice > 0 {
		atrPct := atr / closePrice * 100
		if atrPct > r.config.MaxATRPct {
			r.logEvent(now, "VOLATILITY_HIGH", map[string]any{"atr_pct": atrPct}, "REDUCE")
			return RiskCheckResult{Passed: false,
				Reason: fmt.Sprintf("Volatility too high: %.1f%% (limit %.1f%%)", atrPct, r.config.MaxATRPct)}
		}
	}
	if result := r.checkBrainDivergence(now, brainScores); !result.Passed {
		return result
	}
	return RiskCheckResult{Passed: true, Reason: "All checks passed"}
}

func (r *RiskManager) checkDailyLoss(now time.Time) RiskCheckResult {
	if r.dailyPnL <= -r.config.DailyLossLimit {
		r.paused = true
		r.pauseReason = fmt.Sprintf("Daily loss limit exceeded: %.2f", r.dailyPnL)
		r.logEvent(now, "DAILY_LOSS_LIMIT", map[string]any{"limit": r.config.DailyLossLimit, "current": r.dailyPnL}, "PAUSE")
		return RiskCheckResult{Passed: false, Reason: r.pauseReason}
	}
	return RiskCheckResult{Passed: true}
}

func (r *RiskManager) checkDailyProfit(now time.Time) RiskCheckResult {
	if r.dailyPnL >= r.config.DailyProfitTarget {
		r.paused = true
		r.pauseReason = fmt.Sprintf("Daily profit target reached: %.2f", r.dailyPnL)
		r.logEvent(now, "DAILY_PROFIT_TARGET", map[string]any{"target": r.config.DailyProfitTarget}, "PAUSE")
		return RiskCheckResult{Passed: false, Reason: r.pauseReason}
	}
	return RiskCheckResult{Passed: true}
}

func (r *RiskManager) checkHourly(now time.Time) RiskCheckResult {
	hour := now.Hour()
	if !r.hasHour || hour != r.lastHour {
		r.hourlyTradeCount = 0
		r.lastHour = hour
		r.hasHour = true
	}
	if r.hourlyTradeCount >= r.config.MaxTradesPerHour {
		return RiskCheckResult{Passed: false,
			Reason: fmt.Sprintf("Max trades per hour reached: %d/%d", r.hourlyTradeCount, r.config.MaxTradesPerHour)}
	}
	return RiskCheckResult{Passed: true}
}

func (r *RiskManager) checkCooldown(now time.Time) RiskCheckResult {
	if r.lastTradeTime.IsZero() {
		return RiskCheckResult{Passed: true}
	}
	elapsed := now.Sub(r.lastTradeTime).Seconds()
	if elapsed < float64(r.config.CooldownSeconds) {
		return RiskCheckResult{Passed: false,
			Reason: fmt.Sprintf("Cooldown active: %.0fs remaining", float64(r.config.CooldownSeconds)-elapsed)}
	}
	return RiskCheckResult{Passed: true}
}

func (r *RiskManager) checkBrainDivergence(now time.Time, brainScores map[string]float64) RiskCheckResult {
	if len(brainScores) < 2 {
		return RiskCheckResult{Passed: true}
	}
	maxScore := math.Inf(-1)
	minScore := math.Inf(1)
	for _, score := range brainScores {
		if score > maxScore {
			maxScore = score
		}
		if score < minScore {
			minScore = score
		}
	}
	if maxScore <= 0 {
		return RiskCheckResult{Passed: true}
	}
	divergence := (maxScore - minScore) / maxScore
	if divergence > r.config.MaxBrainDivergence {
		r.logEvent(now, "BRAIN_DIVERGENCE", map[string]any{"divergence": divergence}, "REDUCE")
		return RiskCheckResult{Passed: false,
			Reason: fmt.Sprintf("Brains divergent: %.0f%% (limit %.0f%%)", divergence*100, r.config.MaxBrainDivergence*100)}
	}
	return RiskCheckResult{Passed: true}
}

// RecordTrade updates the ledger with a closed trade's PnL.
func (r *RiskManager) RecordTrade(pnl float64, now time.Time) {
	r.dailyPnL += pnl
	r.dailyTradeCount++
	r.hourlyTradeCount++
	r.lastTradeTime = now

	if r.dailyPnL < r.maxDailyDrawdown {
		r.maxDailyDrawdown = r.dailyPnL
	}
	if pnl >= 0 {
		r.consecWins++
		r.consecLosses = 0
	} else {
		r.consecLosses++
		r.consecWins = 0
		if r.consecLosses >= r.config.MaxConsecLosses {
			if r.degradeLevel < r.config.DegradeSteps {
				r.applyDegrade(now)
			}
			// The final degrade step exhausts the circuit: pause.
			if r.degradeLevel >= r.config.DegradeSteps {
				r.paused = true
				r.pauseReason = "Max consecutive losses"
				r.logEvent(now, "MAX_CONSEC_LOSSES", map[string]any{"level": r.degradeLevel}, "PAUSE")
			}
		}
	}
	r.logger.Info("trade recorded",
		zap.Float64("pnl", pnl),
		zap.Float64("dailyPnl", r.dailyPnL),
		zap.Int("consecLosses", r.consecLosses))
}

// MarkTradeOpened stamps the cooldown clock at entry time; counters move
// when the trade closes.
func (r *RiskManager) MarkTradeOpened(now time.Time) {
	r.lastTradeTime = now
}

func (r *RiskManager) applyDegrade(now time.Time) {
	r.degradeLevel++
	r.consecLosses = 0
	r.logger.Warn("degrade applied", zap.Int("level", r.degradeLevel))
	r.logEvent(now, "DEGRADE_APPLIED", map[string]any{"level": r.degradeLevel, "factor": r.config.DegradeFactor}, "REDUCE")
}

// SizeFactor is degrade_factor^degrade_level.
func (r *RiskManager) SizeFactor() float64 {
	if r.degradeLevel == 0 {
		return 1.0
	}
	return math.Pow(r.config.DegradeFactor, float64(r.degradeLevel))
}

// ResetDaily rolls the ledger over: counters clear, the degrade level
// decays one step, and any pause lifts.
func (r *RiskManager) ResetDaily() {
	r.logger.Info("daily reset",
		zap.Float64("pnl", r.dailyPnL),
		zap.Int("trades", r.dailyTradeCount),
		zap.Float64("maxDrawdown", r.maxDailyDrawdown))
	r.dailyPnL = 0
	r.dailyTradeCount = 0
	r.hourlyTradeCount = 0
	r.consecLosses = 0
	r.consecWins = 0
	r.maxDailyDrawdown = 0
	if r.degradeLevel > 0 {
		r.degradeLevel--
	}
	r.paused = false
	r.pauseReason = ""
}

// Status snapshot accessors.

// Paused reports the pause flag with its reason.
func (r *RiskManager) Paused() (bool, string) { return r.paused, r.pauseReason }

// DegradeLevel returns the current degrade level.
func (r *RiskManager) DegradeLevel() int { return r.degradeLevel }

// DailyPnL returns today's realized PnL.
func (r *RiskManager) DailyPnL() float64 { return r.dailyPnL }

// ConsecutiveLosses returns the current loss chain length.
func (r *RiskManager) ConsecutiveLosses() int { return r.consecLosses }

func (r *RiskManager) logEvent(now time.Time, eventType string, details map[string]any, action string) {
	if r.sink == nil {
		return
	}
	r.sink.InsertRiskEvent(RiskEvent{Time: now, EventType: eventType, Details: details, Action: action})
}
