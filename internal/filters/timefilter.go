package filters

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type timeRange struct {
	start, end int // minutes since midnight
}

// TimeFilter blocks trading during configured HH:MM-HH:MM windows, or, in
// whitelist mode, outside the allow-only windows.
type TimeFilter struct {
	logger    *zap.Logger
	enabled   bool
	whitelist bool
	blocked   []timeRange
	allowed   []timeRange
}

// NewTimeFilter parses the configured windows. Malformed windows are
// skipped with a warning.
func NewTimeFilter(logger *zap.Logger, enabled bool, blockedWindows, allowOnlyWindows []string) *TimeFilter {
	f := &TimeFilter{
		logger:    logger.Named("time-filter"),
		enabled:   enabled,
		whitelist: len(allowOnlyWindows) > 0,
	}
	f.blocked = f.parse(blockedWindows)
	f.allowed = f.parse(allowOnlyWindows)
	return f
}

func (f *TimeFilter) parse(windows []string) []timeRange {
	var out []timeRange
	for _, window := range windows {
		parts := strings.SplitN(strings.TrimSpace(window), "-", 2)
		if len(parts) != 2 {
			f.logger.Warn("unparseable time window", zap.String("window", window))
			continue
		}
		start, err1 := parseHHMM(parts[0])
		end, err2 := parseHHMM(parts[1])
		if err1 != nil || err2 != nil {
			f.logger.Warn("unparseable time window", zap.String("window", window))
			continue
		}
		out = append(out, timeRange{start: start, end: end})
	}
	return out
}

// IsBlocked reports whether trading is blocked at the given time.
func (f *TimeFilter) IsBlocked(now time.Time) bool {
	if !f.enabled {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()

	if f.whitelist {
		for _, r := range f.allowed {
			if inRange(minutes, r) {
				return false
			}
		}
		return true
	}
	for _, r := range f.blocked {
		if inRange(minutes, r) {
			return true
		}
	}
	return false
}

// inRange handles overnight windows where start > end.
func inRange(minutes int, r timeRange) bool {
	if r.start <= r.end {
		return minutes >= r.start && minutes <= r.end
	}
	return minutes >= r.start || minutes <= r.end
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %s", s)
	}
	return h*60 + m, nil
}
