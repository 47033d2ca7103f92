package filters_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/filters"
	"go.uber.org/zap"
)

func badDayConfig() filters.BadDayConfig {
	return filters.BadDayConfig{
		Enabled:        true,
		FirstNTrades:   5,
		MaxDailyLoss:   -100,
		MinWinrate:     0.4,
		ConsecutiveMax: 3,
	}
}

func TestBadDayConsecutiveLosses(t *testing.T) {
	f := filters.NewBadDayFilter(zap.NewNop(), badDayConfig())
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	if paused, _ := f.Check(-10, now); paused {
		t.Error("one loss must not pause")
	}
	if paused, _ := f.Check(-10, now.Add(time.Minute)); paused {
		t.Error("two losses must not pause")
	}
	paused, reason := f.Check(-10, now.Add(2*time.Minute))
	if !paused || !strings.Contains(reason, "CONSECUTIVE_LOSSES") {
		t.Errorf("three losses must pause, got paused=%v reason=%q", paused, reason)
	}
	if !f.IsPaused(now.Add(3 * time.Minute)) {
		t.Error("pause must hold for the rest of the session")
	}
}

func TestBadDayLossLimitInFirstTrades(t *testing.T) {
	f := filters.NewBadDayFilter(zap.NewNop(), badDayConfig())
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	f.Check(-60, now)
	paused, reason := f.Check(-50, now.Add(time.Minute))
	if !paused || !strings.Contains(reason, "LOSS_LIMIT") {
		t.Errorf("-110 in first trades must pause, got paused=%v reason=%q", paused, reason)
	}
}

func TestBadDayResetsOnNewDay(t *testing.T) {
	f := filters.NewBadDayFilter(zap.NewNop(), badDayConfig())
	day1 := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	f.Check(-10, day1)
	f.Check(-10, day1.Add(time.Minute))

	day2 := day1.AddDate(0, 0, 1)
	if paused, _ := f.Check(-10, day2); paused {
		t.Error("loss chain must reset at the day boundary")
	}
	if f.Stats().TradesCount != 1 {
		t.Errorf("expected 1 trade after rollover, got %d", f.Stats().TradesCount)
	}
}

func TestTimeFilterBlockedWindows(t *testing.T) {
	f := filters.NewTimeFilter(zap.NewNop(), true, []string{"09:00-09:15", "17:50-18:10"}, nil)

	if !f.IsBlocked(time.Date(2025, 3, 10, 9, 10, 0, 0, time.UTC)) {
		t.Error("09:10 should be blocked")
	}
	if f.IsBlocked(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)) {
		t.Error("10:00 should be allowed")
	}
	if !f.IsBlocked(time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)) {
		t.Error("18:00 should be blocked")
	}
}

func TestTimeFilterWhitelistMode(t *testing.T) {
	f := filters.NewTimeFilter(zap.NewNop(), true, nil, []string{"10:00-16:00"})

	if f.IsBlocked(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 is inside the whitelist")
	}
	if !f.IsBlocked(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Error("09:00 is outside the whitelist")
	}
}

func TestTimeFilterDisabled(t *testing.T) {
	f := filters.NewTimeFilter(zap.NewNop(), false, []string{"00:00-23:59"}, nil)
	if f.IsBlocked(time.Now()) {
		t.Error("disabled filter must never block")
	}
}
