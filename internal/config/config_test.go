package config_test

import (
	"testing"

	"github.com/tradeforge/engine/internal/config"
)

func TestDefaultsLoadAndValidate(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Symbol == "" || len(cfg.Timeframes) == 0 {
		t.Error("symbol and timeframes must have defaults")
	}
	if cfg.RiskPerTrade != 0.005 {
		t.Errorf("expected default risk_per_trade 0.005, got %v", cfg.RiskPerTrade)
	}
	if cfg.DegradeSteps != 3 || cfg.DegradeFactor != 0.5 {
		t.Errorf("unexpected degrade defaults: steps=%d factor=%v", cfg.DegradeSteps, cfg.DegradeFactor)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "WDO$N")
	t.Setenv("MAX_TRADES_PER_DAY", "9")
	t.Setenv("USE_PARTIAL_EXITS", "yes")
	t.Setenv("TRAILING_ENABLED", "1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "WDO$N" {
		t.Errorf("env symbol override ignored, got %s", cfg.Symbol)
	}
	if cfg.MaxTradesPerDay != 9 {
		t.Errorf("env int override ignored, got %d", cfg.MaxTradesPerDay)
	}
	if !cfg.UsePartialExits || !cfg.TrailingEnabled {
		t.Error("boolean parse must accept yes/1 spellings")
	}
}

func TestLiveConfirmKeyRejected(t *testing.T) {
	t.Setenv("ENABLE_LIVE_TRADING", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("live trading with the default confirm key must be rejected")
	}

	t.Setenv("LIVE_CONFIRM_KEY", "operator-secret")
	cfg, err = config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("a real confirm key must validate: %v", err)
	}
}

func TestRuntimeSymbolOverrideFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	if err := writeRuntimeSymbol(dir, `{"symbol": "IND$N", "timestamp": 1}`); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "IND$N" || cfg.PrimarySymbol != "IND$N" {
		t.Errorf("runtime symbol override ignored, got %s/%s", cfg.Symbol, cfg.PrimarySymbol)
	}
}
