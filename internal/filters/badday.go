// Package filters holds the live-session guards: the bad-day filter that
// pauses on losing patterns and the time filter for blocked windows.
package filters

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BadDayConfig tunes the bad-day triggers.
type BadDayConfig struct {
	Enabled        bool
	FirstNTrades   int
	MaxDailyLoss   float64
	MinWinrate     float64
	ConsecutiveMax int
}

// DailyStats is the filter's view of today.
type DailyStats struct {
	Date          string  `json:"date"`
	TradesCount   int     `json:"tradesCount"`
	PnL           float64 `json:"pnl"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	ConsecLosses  int     `json:"consecLosses"`
	Paused        bool    `json:"paused"`
	PauseReason   string  `json:"pauseReason,omitempty"`
}

// BadDayFilter pauses trading for the rest of the session when a losing
// pattern emerges: heavy losses in the first N trades, a loss chain, or a
// collapsed sliding win rate.
type BadDayFilter struct {
	logger *zap.Logger
	config BadDayConfig

	trades       []float64
	consecLosses int
	pausedUntil  time.Time
	pauseReason  string
	currentDate  string
}

// NewBadDayFilter creates the filter.
func NewBadDayFilter(logger *zap.Logger, config BadDayConfig) *BadDayFilter {
	return &BadDayFilter{logger: logger.Named("bad-day-filter"), config: config}
}

// Check records a closed trade and reports whether trading should pause.
func (f *BadDayFilter) Check(tradePnL float64, now time.Time) (bool, string) {
	if !f.config.Enabled {
		return false, ""
	}

	date := now.Format("2006-01-02")
	if date != f.currentDate {
		f.trades = nil
		f.consecLosses = 0
		f.currentDate = date
	}

	if !f.pausedUntil.IsZero() && now.Before(f.pausedUntil) {
		return true, fmt.Sprintf("Paused until %s", f.pausedUntil.Format(time.RFC3339))
	}
	f.pausedUntil = time.Time{}

	f.trades = append(f.trades, tradePnL)
	if tradePnL < -1e-4 {
		f.consecLosses++
	} else {
		f.consecLosses = 0
	}

	if f.consecLosses >= f.config.ConsecutiveMax {
		return f.pause(fmt.Sprintf("CONSECUTIVE_LOSSES:%d", f.consecLosses), now)
	}

	if len(f.trades) <= f.config.FirstNTrades {
		var dailyPnL float64
		for _, pnl := range f.trades {
			dailyPnL += pnl
		}
		if dailyPnL <= f.config.MaxDailyLoss {
			return f.pause(fmt.Sprintf("LOSS_LIMIT:%.2f", dailyPnL), now)
		}
	}

	if len(f.trades) >= 5 {
		recent := f.trades[len(f.trades)-5:]
		wins := 0
		for _, pnl := range recent {
			if pnl > 1e-4 {
				wins++
			}
		}
		winRate := float64(wins) / float64(len(recent))
		if winRate < f.config.MinWinrate {
			return f.pause(fmt.Sprintf("WIN_RATE:%.0f%%", winRate*100), now)
		}
	}

	return false, ""
}

// IsPaused reports the current pause state without recording a trade.
func (f *BadDayFilter) IsPaused(now time.Time) bool {
	return f.config.Enabled && !f.pausedUntil.IsZero() && now.Before(f.pausedUntil)
}

// Reset clears all daily state.
func (f *BadDayFilter) Reset() {
	f.trades = nil
	f.consecLosses = 0
	f.pausedUntil = time.Time{}
	f.pauseReason = ""
	f.currentDate = ""
}

// Stats returns today's aggregates.
func (f *BadDayFilter) Stats() DailyStats {
	var pnl, maxLoss float64
	var wins, losses int
	for _, p := range f.trades {
		pnl += p
		if p > 1e-4 {
			wins++
		} else if p < -1e-4 {
			losses++
		}
		if p < maxLoss {
			maxLoss = p
		}
	}
	return DailyStats{
		Date:         f.currentDate,
		TradesCount:  len(f.trades),
		PnL:          pnl,
		Wins:         wins,
		Losses:       losses,
		ConsecLosses: f.consecLosses,
		Paused:       !f.pausedUntil.IsZero(),
		PauseReason:  f.pauseReason,
	}
}

// pause blocks trading until 17:00 (or the next day's 17:00 when already
// past it).
func (f *BadDayFilter) pause(reason string, now time.Time) (bool, string) {
	until := time.Date(now.Year(), now.Month(), now.Day(), 17, 0, 0, 0, now.Location())
	if until.Before(now) {
		until = until.AddDate(0, 0, 1)
	}
	f.pausedUntil = until
	f.pauseReason = reason
	f.logger.Warn("bad day pause", zap.String("reason", reason))
	return true, reason
}
