// Package config provides the flat, environment-backed configuration store.
// Every key has a default; the environment overrides it. The struct is built
// once at startup and never mutated afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable runtime configuration.
type Config struct {
	Symbol     string
	Timeframes []string
	DBUrl      string
	DBPath     string
	LogPath    string
	LogLevel   string

	SpreadMax    float64
	Slippage     float64
	RiskPerTrade float64
	PointValue   float64
	MinLot       float64
	LotStep      float64

	EnableLiveTrading bool
	LiveConfirmKey    string
	RequireLiveOKFile bool
	LiveOKFilename    string

	DailyLossLimit    float64
	DailyProfitTarget float64
	MaxTradesPerDay   int
	MaxTradesPerHour  int
	MaxConsecLosses   int
	CooldownSeconds   int
	DegradeSteps      int
	DegradeFactor     float64
	MaxATRPct         float64
	MaxBrainDivergence float64

	BrokerTZ            string
	TrainWindowDays     int
	TestWindowDays      int
	LabelHorizonCandles int
	WFPurgeCandles      int
	WFEmbargoCandles    int
	RoundLevelStep      float64
	SessionStart        string
	SessionEnd          string
	StaleDataMinutes    int

	BreakEvenAfterTP1 bool
	BreakEvenOffset   float64
	TrailingEnabled   bool
	TrailingDistance  float64
	TrailingATRMult   float64
	UsePartialExits   bool

	FillSpreadBase    float64
	FillSpreadVolMult float64
	FillSlippageBase  float64
	FillSlippageMax   float64
	FillRejectionProb float64

	PrimarySymbol string
	Symbols       []string
	SymbolMode    string

	CalibrationEnabled   bool
	CalibrationMethod    string
	CalibrationTrainSize int
	EnsembleEnabled      bool
	EnsembleModels       []string
	EnsembleVoting       string
	EnsembleWeights      string
	ConformalEnabled     bool
	ConformalAlpha       float64

	UncertaintyGateEnabled bool
	MaxModelDisagreement   float64
	MaxProbaStd            float64
	MinGlobalConfidence    float64

	RegimeEnabled        bool
	TransitionEnabled    bool
	ChaoticWindowSize    int

	LiquidityEnabled       bool
	LiquiditySources       []string
	MinLiquidityStrength   float64
	MaxLevelTouches        int
	RunnerEnabled          bool
	RunnerMinConfidence    float64
	MinRRRatio             float64
	WeakLiquidityFactor    float64
	TransitionBufferFactor float64
	ZoneHistoryHours       int

	OperatorCapitalBRL   float64
	MarginPerContractBRL float64
	MaxContractsCap      int
	MinContracts         int

	ReleverageEnabled          bool
	ReleverageMaxExtra         int
	ReleverageMode             string
	ReleverageRequireProfit    bool
	ReleverageMinProfitBRL     float64
	ReleverageMinGlobalConf    float64
	ReleverageAllowedRegimes   []string
	ReleverageForbiddenRegimes []string

	ScalpTPPoints      int
	ScalpSLPoints      int
	ScalpMaxHoldSecs   int
	ContractPointValue float64

	RLEnabled         bool
	RLMode            string
	RLUpdateBatchSize int
	RLFreezeThreshold float64
	RLKeepSnapshots   int
	RLSnapshotEvery   int

	CrossMarketEnabled bool
	CrossSymbols       []string
	CorrWindows        []int
	SpreadWindow       int
	ZThreshold         float64
	BetaWindow         int
	CrossGuardMinCorr  float64
	CrossGuardMaxCorr  float64

	NewsEnabled            bool
	NewsMode               string
	NewsCSVPath            string
	NewsBlockMinutesBefore int
	NewsBlockMinutesAfter  int
	NewsImpactBlock        string
	NewsReduceRiskOnMedium bool
	NewsMediumRiskFactor   float64

	BadDayEnabled        bool
	BadDayFirstNTrades   int
	BadDayMaxLoss        float64
	BadDayMinWinrate     float64
	BadDayConsecutiveMax int

	TimeFilterEnabled   bool
	TimeFilterBlocked   []string
	TimeFilterAllowOnly []string

	DashboardHost string
	DashboardPort int
	MetricsPort   int

	DataDir string
}

const defaultLiveConfirmKey = "CHANGE_ME"

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "WIN$N")
	v.SetDefault("timeframes", "M5,M15,H1")
	v.SetDefault("db_url", "")
	v.SetDefault("db_path", "./data/db")
	v.SetDefault("log_path", "./data/logs/app.log")
	v.SetDefault("log_level", "info")

	v.SetDefault("spread_max", 2.0)
	v.SetDefault("slippage", 1.0)
	v.SetDefault("risk_per_trade", 0.005)
	v.SetDefault("point_value", 1.0)
	v.SetDefault("min_lot", 1.0)
	v.SetDefault("lot_step", 1.0)

	v.SetDefault("enable_live_trading", false)
	v.SetDefault("live_confirm_key", defaultLiveConfirmKey)
	v.SetDefault("require_live_ok_file", true)
	v.SetDefault("live_ok_filename", "LIVE_OK.txt")

	v.SetDefault("daily_loss_limit", 200.0)
	v.SetDefault("daily_profit_target", 0.0)
	v.SetDefault("max_trades_per_day", 5)
	v.SetDefault("max_trades_per_hour", 2)
	v.SetDefault("max_consec_losses", 3)
	v.SetDefault("cooldown_seconds", 180)
	v.SetDefault("degrade_steps", 3)
	v.SetDefault("degrade_factor", 0.5)
	v.SetDefault("max_atr_pct", 5.0)
	v.SetDefault("max_brain_divergence", 0.3)

	v.SetDefault("broker_tz", "America/Sao_Paulo")
	v.SetDefault("train_window_days", 30)
	v.SetDefault("test_window_days", 10)
	v.SetDefault("label_horizon_candles", 30)
	v.SetDefault("wf_purge_candles", 50)
	v.SetDefault("wf_embargo_candles", 50)
	v.SetDefault("round_level_step", 50.0)
	v.SetDefault("session_start", "09:00")
	v.SetDefault("session_end", "17:00")
	v.SetDefault("stale_data_minutes", 3)

	v.SetDefault("break_even_after_tp1", true)
	v.SetDefault("break_even_offset", 0.5)
	v.SetDefault("trailing_enabled", false)
	v.SetDefault("trailing_distance", 10.0)
	v.SetDefault("trailing_atr_mult", 1.5)
	v.SetDefault("use_partial_exits", false)

	v.SetDefault("fill_model_spread_base", 1.0)
	v.SetDefault("fill_model_spread_vol_mult", 0.5)
	v.SetDefault("fill_model_slippage_base", 0.0)
	v.SetDefault("fill_model_slippage_max", 2.0)
	v.SetDefault("fill_model_rejection_prob", 0.01)

	v.SetDefault("primary_symbol", "WIN$N")
	v.SetDefault("symbols", "WIN$N")
	v.SetDefault("symbol_mode", "SINGLE")

	v.SetDefault("calibration_enabled", true)
	v.SetDefault("calibration_method", "PLATT")
	v.SetDefault("calibration_train_size", 500)
	v.SetDefault("ensemble_enabled", true)
	v.SetDefault("ensemble_models", "linear,tree,boosted")
	v.SetDefault("ensemble_voting", "SOFT")
	v.SetDefault("ensemble_weights", "AUTO")
	v.SetDefault("conformal_enabled", true)
	v.SetDefault("conformal_alpha", 0.1)

	v.SetDefault("uncertainty_gate_enabled", true)
	v.SetDefault("max_model_disagreement", 0.25)
	v.SetDefault("max_proba_std", 0.15)
	v.SetDefault("min_global_confidence", 0.55)

	v.SetDefault("regime_enabled", true)
	v.SetDefault("transition_enabled", true)
	v.SetDefault("chaotic_window_size", 10)

	v.SetDefault("liquidity_enabled", true)
	v.SetDefault("liquidity_sources", "VWAP_D,VWAP_W,PIVOT_M5,PIVOT_M15,HIGH_D,LOW_D,WYCKOFF,CLUSTER,ROUND,PREV_CLOSE")
	v.SetDefault("min_liquidity_strength", 0.60)
	v.SetDefault("max_level_touches", 10)
	v.SetDefault("runner_enabled", true)
	v.SetDefault("runner_min_confidence", 0.65)
	v.SetDefault("min_rr_ratio", 1.5)
	v.SetDefault("weak_liquidity_factor", 0.80)
	v.SetDefault("transition_buffer_factor", 1.5)
	v.SetDefault("zone_history_hours", 24)

	v.SetDefault("operator_capital_brl", 10000.0)
	v.SetDefault("margin_per_contract_brl", 1000.0)
	v.SetDefault("max_contracts_cap", 10)
	v.SetDefault("min_contracts", 1)

	v.SetDefault("realavancagem_enabled", true)
	v.SetDefault("realavancagem_max_extra_contracts", 1)
	v.SetDefault("realavancagem_mode", "SCALP_ONLY")
	v.SetDefault("realavancagem_require_profit_today", true)
	v.SetDefault("realavancagem_min_profit_today_brl", 50.0)
	v.SetDefault("realavancagem_min_global_conf", 0.70)
	v.SetDefault("realavancagem_allowed_regimes", "TREND_UP,TREND_DOWN")
	v.SetDefault("realavancagem_forbidden_modes", "TRANSITION,CHAOTIC")

	v.SetDefault("scalp_tp", 80)
	v.SetDefault("scalp_sl", 40)
	v.SetDefault("scalp_max_hold", 180)
	v.SetDefault("contract_point_value", 1.0)

	v.SetDefault("rl_enabled", true)
	v.SetDefault("rl_mode", "THOMPSON_SAMPLING")
	v.SetDefault("rl_update_batch_size", 10)
	v.SetDefault("rl_freeze_threshold", 0.15)
	v.SetDefault("rl_keep_snapshots", 5)
	v.SetDefault("rl_snapshot_every", 3)

	v.SetDefault("crossmarket_enabled", true)
	v.SetDefault("crossmarket_symbols", "WDO$N,IBOV")
	v.SetDefault("crossmarket_corr_windows", "50,200")
	v.SetDefault("crossmarket_spread_window", 200)
	v.SetDefault("crossmarket_z_threshold", 2.0)
	v.SetDefault("crossmarket_beta_window", 200)
	v.SetDefault("crossmarket_min_corr", -0.2)
	v.SetDefault("crossmarket_max_corr", 0.2)

	v.SetDefault("news_enabled", true)
	v.SetDefault("news_mode", "MANUAL")
	v.SetDefault("news_csv_path", "./data/config/news_events.csv")
	v.SetDefault("news_block_minutes_before", 10)
	v.SetDefault("news_block_minutes_after", 10)
	v.SetDefault("news_impact_block", "HIGH")
	v.SetDefault("news_reduce_risk_on_medium", true)
	v.SetDefault("news_medium_risk_factor", 0.5)

	v.SetDefault("bad_day_enabled", true)
	v.SetDefault("bad_day_first_n_trades", 5)
	v.SetDefault("bad_day_max_loss", -100.0)
	v.SetDefault("bad_day_min_winrate", 0.4)
	v.SetDefault("bad_day_consecutive_max", 3)

	v.SetDefault("time_filter_enabled", false)
	v.SetDefault("time_filter_blocked_windows", "")
	v.SetDefault("time_filter_allow_only", "")

	v.SetDefault("dashboard_host", "localhost")
	v.SetDefault("dashboard_port", 8080)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("data_dir", "./data")
}

// Load reads configuration from the environment on top of defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Symbol:     v.GetString("symbol"),
		Timeframes: splitCSV(v.GetString("timeframes")),
		DBUrl:      v.GetString("db_url"),
		DBPath:     v.GetString("db_path"),
		LogPath:    v.GetString("log_path"),
		LogLevel:   v.GetString("log_level"),

		SpreadMax:    v.GetFloat64("spread_max"),
		Slippage:     v.GetFloat64("slippage"),
		RiskPerTrade: v.GetFloat64("risk_per_trade"),
		PointValue:   v.GetFloat64("point_value"),
		MinLot:       v.GetFloat64("min_lot"),
		LotStep:      v.GetFloat64("lot_step"),

		EnableLiveTrading: parseBool(v.GetString("enable_live_trading")),
		LiveConfirmKey:    v.GetString("live_confirm_key"),
		RequireLiveOKFile: parseBool(v.GetString("require_live_ok_file")),
		LiveOKFilename:    v.GetString("live_ok_filename"),

		DailyLossLimit:     v.GetFloat64("daily_loss_limit"),
		DailyProfitTarget:  v.GetFloat64("daily_profit_target"),
		MaxTradesPerDay:    v.GetInt("max_trades_per_day"),
		MaxTradesPerHour:   v.GetInt("max_trades_per_hour"),
		MaxConsecLosses:    v.GetInt("max_consec_losses"),
		CooldownSeconds:    v.GetInt("cooldown_seconds"),
		DegradeSteps:       v.GetInt("degrade_steps"),
		DegradeFactor:      v.GetFloat64("degrade_factor"),
		MaxATRPct:          v.GetFloat64("max_atr_pct"),
		MaxBrainDivergence: v.GetFloat64("max_brain_divergence"),

		BrokerTZ:            v.GetString("broker_tz"),
		TrainWindowDays:     v.GetInt("train_window_days"),
		TestWindowDays:      v.GetInt("test_window_days"),
		LabelHorizonCandles: v.GetInt("label_horizon_candles"),
		WFPurgeCandles:      v.GetInt("wf_purge_candles"),
		WFEmbargoCandles:    v.GetInt("wf_embargo_candles"),
		RoundLevelStep:      v.GetFloat64("round_level_step"),
		SessionStart:        v.GetString("session_start"),
		SessionEnd:          v.GetString("session_end"),
		StaleDataMinutes:    v.GetInt("stale_data_minutes"),

		BreakEvenAfterTP1: parseBool(v.GetString("break_even_after_tp1")),
		BreakEvenOffset:   v.GetFloat64("break_even_offset"),
		TrailingEnabled:   parseBool(v.GetString("trailing_enabled")),
		TrailingDistance:  v.GetFloat64("trailing_distance"),
		TrailingATRMult:   v.GetFloat64("trailing_atr_mult"),
		UsePartialExits:   parseBool(v.GetString("use_partial_exits")),

		FillSpreadBase:    v.GetFloat64("fill_model_spread_base"),
		FillSpreadVolMult: v.GetFloat64("fill_model_spread_vol_mult"),
		FillSlippageBase:  v.GetFloat64("fill_model_slippage_base"),
		FillSlippageMax:   v.GetFloat64("fill_model_slippage_max"),
		FillRejectionProb: v.GetFloat64("fill_model_rejection_prob"),

		PrimarySymbol: v.GetString("primary_symbol"),
		Symbols:       splitCSV(v.GetString("symbols")),
		SymbolMode:    v.GetString("symbol_mode"),

		CalibrationEnabled:   parseBool(v.GetString("calibration_enabled")),
		CalibrationMethod:    v.GetString("calibration_method"),
		CalibrationTrainSize: v.GetInt("calibration_train_size"),
		EnsembleEnabled:      parseBool(v.GetString("ensemble_enabled")),
		EnsembleModels:       splitCSV(v.GetString("ensemble_models")),
		EnsembleVoting:       v.GetString("ensemble_voting"),
		EnsembleWeights:      v.GetString("ensemble_weights"),
		ConformalEnabled:     parseBool(v.GetString("conformal_enabled")),
		ConformalAlpha:       v.GetFloat64("conformal_alpha"),

		UncertaintyGateEnabled: parseBool(v.GetString("uncertainty_gate_enabled")),
		MaxModelDisagreement:   v.GetFloat64("max_model_disagreement"),
		MaxProbaStd:            v.GetFloat64("max_proba_std"),
		MinGlobalConfidence:    v.GetFloat64("min_global_confidence"),

		RegimeEnabled:     parseBool(v.GetString("regime_enabled")),
		TransitionEnabled: parseBool(v.GetString("transition_enabled")),
		ChaoticWindowSize: v.GetInt("chaotic_window_size"),

		LiquidityEnabled:       parseBool(v.GetString("liquidity_enabled")),
		LiquiditySources:       splitCSV(v.GetString("liquidity_sources")),
		MinLiquidityStrength:   v.GetFloat64("min_liquidity_strength"),
		MaxLevelTouches:        v.GetInt("max_level_touches"),
		RunnerEnabled:          parseBool(v.GetString("runner_enabled")),
		RunnerMinConfidence:    v.GetFloat64("runner_min_confidence"),
		MinRRRatio:             v.GetFloat64("min_rr_ratio"),
		WeakLiquidityFactor:    v.GetFloat64("weak_liquidity_factor"),
		TransitionBufferFactor: v.GetFloat64("transition_buffer_factor"),
		ZoneHistoryHours:       v.GetInt("zone_history_hours"),

		OperatorCapitalBRL:   v.GetFloat64("operator_capital_brl"),
		MarginPerContractBRL: v.GetFloat64("margin_per_contract_brl"),
		MaxContractsCap:      v.GetInt("max_contracts_cap"),
		MinContracts:         v.GetInt("min_contracts"),

		ReleverageEnabled:          parseBool(v.GetString("realavancagem_enabled")),
		ReleverageMaxExtra:         v.GetInt("realavancagem_max_extra_contracts"),
		ReleverageMode:             v.GetString("realavancagem_mode"),
		ReleverageRequireProfit:    parseBool(v.GetString("realavancagem_require_profit_today")),
		ReleverageMinProfitBRL:     v.GetFloat64("realavancagem_min_profit_today_brl"),
		ReleverageMinGlobalConf:    v.GetFloat64("realavancagem_min_global_conf"),
		ReleverageAllowedRegimes:   splitCSV(v.GetString("realavancagem_allowed_regimes")),
		ReleverageForbiddenRegimes: splitCSV(v.GetString("realavancagem_forbidden_modes")),

		ScalpTPPoints:      v.GetInt("scalp_tp"),
		ScalpSLPoints:      v.GetInt("scalp_sl"),
		ScalpMaxHoldSecs:   v.GetInt("scalp_max_hold"),
		ContractPointValue: v.GetFloat64("contract_point_value"),

		RLEnabled:         parseBool(v.GetString("rl_enabled")),
		RLMode:            v.GetString("rl_mode"),
		RLUpdateBatchSize: v.GetInt("rl_update_batch_size"),
		RLFreezeThreshold: v.GetFloat64("rl_freeze_threshold"),
		RLKeepSnapshots:   v.GetInt("rl_keep_snapshots"),
		RLSnapshotEvery:   v.GetInt("rl_snapshot_every"),

		CrossMarketEnabled: parseBool(v.GetString("crossmarket_enabled")),
		CrossSymbols:       splitCSV(v.GetString("crossmarket_symbols")),
		CorrWindows:        splitCSVInts(v.GetString("crossmarket_corr_windows")),
		SpreadWindow:       v.GetInt("crossmarket_spread_window"),
		ZThreshold:         v.GetFloat64("crossmarket_z_threshold"),
		BetaWindow:         v.GetInt("crossmarket_beta_window"),
		CrossGuardMinCorr:  v.GetFloat64("crossmarket_min_corr"),
		CrossGuardMaxCorr:  v.GetFloat64("crossmarket_max_corr"),

		NewsEnabled:            parseBool(v.GetString("news_enabled")),
		NewsMode:               v.GetString("news_mode"),
		NewsCSVPath:            v.GetString("news_csv_path"),
		NewsBlockMinutesBefore: v.GetInt("news_block_minutes_before"),
		NewsBlockMinutesAfter:  v.GetInt("news_block_minutes_after"),
		NewsImpactBlock:        v.GetString("news_impact_block"),
		NewsReduceRiskOnMedium: parseBool(v.GetString("news_reduce_risk_on_medium")),
		NewsMediumRiskFactor:   v.GetFloat64("news_medium_risk_factor"),

		BadDayEnabled:        parseBool(v.GetString("bad_day_enabled")),
		BadDayFirstNTrades:   v.GetInt("bad_day_first_n_trades"),
		BadDayMaxLoss:        v.GetFloat64("bad_day_max_loss"),
		BadDayMinWinrate:     v.GetFloat64("bad_day_min_winrate"),
		BadDayConsecutiveMax: v.GetInt("bad_day_consecutive_max"),

		TimeFilterEnabled:   parseBool(v.GetString("time_filter_enabled")),
		TimeFilterBlocked:   splitCSV(v.GetString("time_filter_blocked_windows")),
		TimeFilterAllowOnly: splitCSV(v.GetString("time_filter_allow_only")),

		DashboardHost: v.GetString("dashboard_host"),
		DashboardPort: v.GetInt("dashboard_port"),
		MetricsPort:   v.GetInt("metrics_port"),

		DataDir: v.GetString("data_dir"),
	}

	cfg.applyRuntimeSymbolOverride()

	return cfg, nil
}

// Validate rejects configurations that must not reach the trading loop.
func (c *Config) Validate() error {
	if len(c.Timeframes) == 0 {
		return errors.New("timeframes must not be empty")
	}
	if c.RiskPerTrade <= 0 {
		return fmt.Errorf("risk_per_trade must be positive, got %v", c.RiskPerTrade)
	}
	if c.LotStep <= 0 || c.MinLot <= 0 {
		return errors.New("min_lot and lot_step must be positive")
	}
	if c.DegradeFactor <= 0 || c.DegradeFactor >= 1 {
		return fmt.Errorf("degrade_factor must be in (0,1), got %v", c.DegradeFactor)
	}
	if c.EnableLiveTrading {
		key := strings.TrimSpace(c.LiveConfirmKey)
		if key == "" || key == defaultLiveConfirmKey {
			return errors.New("live trading enabled but live_confirm_key is blank or the shipped default")
		}
	}
	if c.ConformalAlpha <= 0 || c.ConformalAlpha >= 1 {
		return fmt.Errorf("conformal_alpha must be in (0,1), got %v", c.ConformalAlpha)
	}
	return nil
}

// runtimeSymbolFile is the optional on-disk primary-symbol override.
type runtimeSymbolFile struct {
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Config) applyRuntimeSymbolOverride() {
	path := c.DataDir + "/config/runtime_symbol.json"
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var override runtimeSymbolFile
	if err := json.Unmarshal(raw, &override); err != nil {
		return
	}
	if s := strings.TrimSpace(override.Symbol); s != "" {
		c.Symbol = s
		c.PrimarySymbol = s
	}
}

// StopFilePath is the sentinel whose presence requests a graceful stop.
func (c *Config) StopFilePath() string {
	return c.DataDir + "/STOP.txt"
}

// LiveOKFilePath gates live-real startup when require_live_ok_file is set.
func (c *Config) LiveOKFilePath() string {
	return c.DataDir + "/" + c.LiveOKFilename
}

// parseBool accepts the 1/true/yes/y spellings used across the config surface.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitCSVInts(s string) []int {
	var out []int
	for _, p := range splitCSV(s) {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out
}
