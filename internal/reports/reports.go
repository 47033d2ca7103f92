// Package reports generates the daily and weekly operator reports.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/engine/internal/database"
	"go.uber.org/zap"
)

// Statistics is the aggregate block shared by both reports.
type Statistics struct {
	Trades       int             `json:"trades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      float64         `json:"winRate"`
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	AvgPnL       decimal.Decimal `json:"avgPnl"`
	BestTrade    decimal.Decimal `json:"bestTrade"`
	WorstTrade   decimal.Decimal `json:"worstTrade"`
	ProfitFactor float64         `json:"profitFactor"`
}

// DailyReport is the end-of-session summary. A paused engine surfaces its
// reason here.
type DailyReport struct {
	Date        string     `json:"date"`
	Statistics  Statistics `json:"statistics"`
	Paused      bool       `json:"paused"`
	PauseReason string     `json:"pauseReason,omitempty"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

// WeeklyReport aggregates the week with a per-day breakdown.
type WeeklyReport struct {
	WeekOf      string                `json:"weekOf"`
	Summary     Statistics            `json:"summary"`
	ByDay       map[string]Statistics `json:"byDay"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

// Reporter builds reports from the journal.
type Reporter struct {
	logger *zap.Logger
	repo   database.Repository
	outDir string
}

// NewReporter creates a reporter writing JSON files under outDir.
func NewReporter(logger *zap.Logger, repo database.Repository, outDir string) *Reporter {
	return &Reporter{logger: logger.Named("reports"), repo: repo, outDir: outDir}
}

// Daily builds and persists the daily report.
func (r *Reporter) Daily(ctx context.Context, day time.Time, paused bool, pauseReason string) (*DailyReport, error) {
	trades, err := r.repo.FetchLatestTrades(ctx, 500)
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}

	date := day.Format("2006-01-02")
	var pnls []float64
	for _, trade := range trades {
		if trade.CloseTime.Format("2006-01-02") == date {
			pnls = append(pnls, trade.PnL)
		}
	}

	report := &DailyReport{
		Date:        date,
		Statistics:  statisticsOf(pnls),
		Paused:      paused,
		PauseReason: pauseReason,
		GeneratedAt: time.Now().UTC(),
	}
	if err := r.write(fmt.Sprintf("daily_%s.json", date), report); err != nil {
		return nil, err
	}
	r.logger.Info("daily report generated",
		zap.String("date", date),
		zap.Int("trades", report.Statistics.Trades),
		zap.String("pnl", report.Statistics.TotalPnL.String()))
	return report, nil
}

// Weekly builds and persists the weekly report.
func (r *Reporter) Weekly(ctx context.Context, weekStart time.Time) (*WeeklyReport, error) {
	trades, err := r.repo.FetchLatestTrades(ctx, 2000)
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}
	weekEnd := weekStart.AddDate(0, 0, 7)

	var all []float64
	byDay := map[string][]float64{}
	for _, trade := range trades {
		if trade.CloseTime.Before(weekStart) || !trade.CloseTime.Before(weekEnd) {
			continue
		}
		all = append(all, trade.PnL)
		key := trade.CloseTime.Format("2006-01-02")
		byDay[key] = append(byDay[key], trade.PnL)
	}

	report := &WeeklyReport{
		WeekOf:      weekStart.Format("2006-01-02"),
		Summary:     statisticsOf(all),
		ByDay:       map[string]Statistics{},
		GeneratedAt: time.Now().UTC(),
	}
	for day, pnls := range byDay {
		report.ByDay[day] = statisticsOf(pnls)
	}
	if err := r.write(fmt.Sprintf("weekly_%s.json", report.WeekOf), report); err != nil {
		return nil, err
	}
	return report, nil
}

func statisticsOf(pnls []float64) Statistics {
	stats := Statistics{Trades: len(pnls)}
	if len(pnls) == 0 {
		return stats
	}
	total := decimal.Zero
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	best := decimal.NewFromFloat(pnls[0])
	worst := best
	for _, pnl := range pnls {
		d := decimal.NewFromFloat(pnl)
		total = total.Add(d)
		if pnl > 0 {
			stats.Wins++
			grossProfit = grossProfit.Add(d)
		} else {
			stats.Losses++
			grossLoss = grossLoss.Add(d.Abs())
		}
		if d.GreaterThan(best) {
			best = d
		}
		if d.LessThan(worst) {
			worst = d
		}
	}
	stats.TotalPnL = total
	stats.AvgPnL = total.Div(decimal.NewFromInt(int64(len(pnls))))
	stats.BestTrade = best
	stats.WorstTrade = worst
	stats.WinRate = float64(stats.Wins) / float64(len(pnls))
	if grossLoss.IsPositive() {
		pf, _ := grossProfit.Div(grossLoss).Float64()
		stats.ProfitFactor = pf
	}
	return stats
}

func (r *Reporter) write(name string, report any) error {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(r.outDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
