// Package news implements the economic-calendar filter. Events are loaded
// from a CSV file (time,title,impact,country) and trades are blocked inside
// high-impact windows; medium-impact events reduce position risk instead.
package news

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Config controls the filter's blocking behaviour.
type Config struct {
	Enabled            bool
	CSVPath            string
	BlockMinutesBefore int
	BlockMinutesAfter  int
	ImpactBlock        types.Impact
	ReduceRiskOnMedium bool
	MediumRiskFactor   float64
}

// Filter blocks trading around calendar events.
type Filter struct {
	logger *zap.Logger
	config Config
	events []types.NewsEvent
}

// NewFilter builds the filter and loads the calendar CSV when enabled. A
// missing file is not an error; the filter simply has no events.
func NewFilter(logger *zap.Logger, config Config) (*Filter, error) {
	f := &Filter{logger: logger.Named("news-filter"), config: config}
	if !config.Enabled {
		return f, nil
	}
	if err := f.loadCSV(config.CSVPath); err != nil {
		return nil, err
	}
	return f, nil
}

// loadCSV parses the calendar file. Malformed rows are skipped with a warning.
func (f *Filter) loadCSV(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			f.logger.Warn("news calendar not found", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("open news calendar: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read news calendar: %w", err)
		}
		if header {
			header = false
			if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "time") {
				continue
			}
		}
		event, ok := parseRow(record)
		if !ok {
			f.logger.Warn("skipping malformed news row", zap.Strings("row", record))
			continue
		}
		f.events = append(f.events, event)
	}

	sort.Slice(f.events, func(i, j int) bool { return f.events[i].Time.Before(f.events[j].Time) })
	f.logger.Info("loaded news calendar", zap.Int("events", len(f.events)), zap.String("path", path))
	return nil
}

func parseRow(record []string) (types.NewsEvent, bool) {
	if len(record) < 3 {
		return types.NewsEvent{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[0]))
	if err != nil {
		// Accept the second-resolution ISO form without zone as UTC.
		ts, err = time.Parse("2006-01-02T15:04:05", strings.TrimSpace(record[0]))
		if err != nil {
			return types.NewsEvent{}, false
		}
		ts = ts.UTC()
	}
	impact := types.Impact(strings.ToUpper(strings.TrimSpace(record[2])))
	switch impact {
	case types.ImpactHigh, types.ImpactMedium, types.ImpactLow:
	default:
		return types.NewsEvent{}, false
	}
	country := "XX"
	if len(record) > 3 {
		country = strings.ToUpper(strings.TrimSpace(record[3]))
	}
	return types.NewsEvent{
		Time:    ts,
		Title:   strings.TrimSpace(record[1]),
		Impact:  impact,
		Country: country,
	}, true
}

// AddEvent appends a calendar entry; used by tests and the dashboard.
func (f *Filter) AddEvent(event types.NewsEvent) {
	f.events = append(f.events, event)
	sort.Slice(f.events, func(i, j int) bool { return f.events[i].Time.Before(f.events[j].Time) })
}

// IsBlocked reports whether now falls inside any blocking window, together
// with the triggering event.
func (f *Filter) IsBlocked(now time.Time) (bool, string, *types.NewsEvent) {
	if !f.config.Enabled {
		return false, "filter disabled", nil
	}
	for i := range f.events {
		event := &f.events[i]
		if !f.blocksImpact(event.Impact) {
			continue
		}
		if f.inWindow(now, event.Time) {
			return true, fmt.Sprintf("Blocked by %s (%s)", event.Title, event.Impact), event
		}
	}
	return false, "no blocking events", nil
}

// RiskFactor returns the medium-impact sizing factor for now: 1.0 outside
// medium windows, the configured factor inside them.
func (f *Filter) RiskFactor(now time.Time) float64 {
	if !f.config.Enabled || !f.config.ReduceRiskOnMedium {
		return 1.0
	}
	for _, event := range f.events {
		if event.Impact != types.ImpactMedium {
			continue
		}
		if f.inWindow(now, event.Time) {
			return f.config.MediumRiskFactor
		}
	}
	return 1.0
}

// NextEvent returns the next upcoming event after now, if any.
func (f *Filter) NextEvent(now time.Time) *types.NewsEvent {
	for i := range f.events {
		if f.events[i].Time.After(now) {
			return &f.events[i]
		}
	}
	return nil
}

// Events returns the loaded calendar, oldest first.
func (f *Filter) Events() []types.NewsEvent {
	out := make([]types.NewsEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *Filter) inWindow(now, eventTime time.Time) bool {
	start := eventTime.Add(-time.Duration(f.config.BlockMinutesBefore) * time.Minute)
	end := eventTime.Add(time.Duration(f.config.BlockMinutesAfter) * time.Minute)
	return !now.Before(start) && !now.After(end)
}

// blocksImpact compares event impact against the configured threshold.
func (f *Filter) blocksImpact(impact types.Impact) bool {
	rank := map[types.Impact]int{types.ImpactHigh: 3, types.ImpactMedium: 2, types.ImpactLow: 1}
	threshold, ok := rank[f.config.ImpactBlock]
	if !ok {
		threshold = 3
	}
	return rank[impact] >= threshold
}
