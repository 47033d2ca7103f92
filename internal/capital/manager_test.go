package capital_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/capital"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func rules() capital.ReleverageRules {
	return capital.ReleverageRules{
		Enabled:          true,
		MaxExtra:         1,
		MinConfidence:    0.70,
		RequireProfit:    true,
		MinProfitBRL:     50,
		AllowedRegimes:   []string{"TREND_UP", "TREND_DOWN"},
		ForbiddenRegimes: []string{"TRANSITION", "CHAOTIC"},
	}
}

func TestBaseContracts(t *testing.T) {
	m := capital.NewManager(zap.NewNop(), 10000, 1000, 10, 1, rules())
	if got := m.BaseContracts(); got != 10 {
		t.Errorf("10000/1000 capped at 10 should be 10, got %d", got)
	}

	capped := capital.NewManager(zap.NewNop(), 50000, 1000, 10, 1, rules())
	if got := capped.BaseContracts(); got != 10 {
		t.Errorf("cap must bound base contracts, got %d", got)
	}

	fractional := capital.NewManager(zap.NewNop(), 2500, 1000, 10, 1, rules())
	if got := fractional.BaseContracts(); got != 2 {
		t.Errorf("2500/1000 floors to 2, got %d", got)
	}
}

func TestReleverageChain(t *testing.T) {
	m := capital.NewManager(zap.NewNop(), 5000, 1000, 10, 1, rules())

	ok, _ := m.CanRelever(types.RegimeTrendUp, 0.8, 100, false, 0.2, 0.7)
	if !ok {
		t.Fatal("all conditions satisfied should authorize re-leverage")
	}

	cases := []struct {
		name string
		call func() (bool, string)
		want string
	}{
		{"forbidden regime", func() (bool, string) {
			return m.CanRelever(types.RegimeChaotic, 0.8, 100, false, 0.2, 0.7)
		}, "forbidden"},
		{"not whitelisted", func() (bool, string) {
			return m.CanRelever(types.RegimeRange, 0.8, 100, false, 0.2, 0.7)
		}, "whitelist"},
		{"transition active", func() (bool, string) {
			return m.CanRelever(types.RegimeTrendUp, 0.8, 100, true, 0.2, 0.7)
		}, "transition"},
		{"low confidence", func() (bool, string) {
			return m.CanRelever(types.RegimeTrendUp, 0.5, 100, false, 0.2, 0.7)
		}, "confidence"},
		{"no daily profit", func() (bool, string) {
			return m.CanRelever(types.RegimeTrendUp, 0.8, 10, false, 0.2, 0.7)
		}, "profit"},
		{"weak liquidity", func() (bool, string) {
			return m.CanRelever(types.RegimeTrendUp, 0.8, 100, false, 0.2, 0.3)
		}, "liquidity"},
		{"high disagreement", func() (bool, string) {
			return m.CanRelever(types.RegimeTrendUp, 0.8, 100, false, 0.5, 0.7)
		}, "disagreement"},
	}
	for _, c := range cases {
		ok, reason := c.call()
		if ok {
			t.Errorf("%s: expected denial", c.name)
		}
		if !strings.Contains(strings.ToLower(reason), c.want) {
			t.Errorf("%s: reason %q should mention %q", c.name, reason, c.want)
		}
	}
}

func TestCalcContractsAndSafeMode(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	m := capital.NewManager(zap.NewNop(), 5000, 1000, 10, 1, rules())
	state := m.CalcContracts(types.RegimeTrendUp, 0.8, 100, false, 0.2, 0.7, now)
	if state.BaseContracts != 5 || state.ExtraContracts != 1 || state.FinalContracts != 6 {
		t.Errorf("expected 5+1=6 contracts, got %+v", state)
	}

	// Final count is capped.
	atCap := capital.NewManager(zap.NewNop(), 10000, 1000, 10, 1, rules())
	state = atCap.CalcContracts(types.RegimeTrendUp, 0.8, 100, false, 0.2, 0.7, now)
	if state.FinalContracts != 10 {
		t.Errorf("final contracts must respect the cap, got %d", state.FinalContracts)
	}

	// Capital below one contract's margin: safe mode with min_contracts 2.
	broke := capital.NewManager(zap.NewNop(), 500, 1000, 10, 2, capital.ReleverageRules{})
	state = broke.CalcContracts(types.RegimeRange, 0.5, 0, false, 0.2, 0.5, now)
	if state.FinalContracts != 0 {
		t.Errorf("safe mode must emit zero contracts, got %d", state.FinalContracts)
	}
	if !strings.Contains(state.Reason, "SAFE MODE") {
		t.Errorf("safe mode reason missing: %q", state.Reason)
	}
}
