package news_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tradeforge/engine/internal/news"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

func newFilter(t *testing.T, csv string) *news.Filter {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "news_events.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	filter, err := news.NewFilter(zap.NewNop(), news.Config{
		Enabled:            true,
		CSVPath:            path,
		BlockMinutesBefore: 10,
		BlockMinutesAfter:  10,
		ImpactBlock:        types.ImpactHigh,
		ReduceRiskOnMedium: true,
		MediumRiskFactor:   0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return filter
}

const calendar = `time,title,impact,country
2025-03-10T10:00:00,Payrolls,HIGH,USA
2025-03-10T14:00:00,Inflation,MEDIUM,BR
2025-03-10T16:00:00,Minor Release,LOW,BR
`

func TestHighImpactBlocksWindow(t *testing.T) {
	filter := newFilter(t, calendar)

	// Bar at 09:55, event at 10:00, 10 minutes before: blocked.
	blocked, reason, event := filter.IsBlocked(time.Date(2025, 3, 10, 9, 55, 0, 0, time.UTC))
	if !blocked {
		t.Fatal("expected block inside high-impact window")
	}
	if event == nil || event.Title != "Payrolls" {
		t.Errorf("unexpected blocking event: %+v", event)
	}
	if reason == "" {
		t.Error("block must carry a reason")
	}

	// Outside the window: allowed.
	blocked, _, _ = filter.IsBlocked(time.Date(2025, 3, 10, 9, 40, 0, 0, time.UTC))
	if blocked {
		t.Error("09:40 is outside the block window")
	}
}

func TestMediumImpactReducesRisk(t *testing.T) {
	filter := newFilter(t, calendar)

	if factor := filter.RiskFactor(time.Date(2025, 3, 10, 13, 55, 0, 0, time.UTC)); factor != 0.5 {
		t.Errorf("expected 0.5 risk factor inside medium window, got %v", factor)
	}
	if factor := filter.RiskFactor(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)); factor != 1.0 {
		t.Errorf("expected full risk outside windows, got %v", factor)
	}
}

func TestLowImpactNeverBlocks(t *testing.T) {
	filter := newFilter(t, calendar)
	blocked, _, _ := filter.IsBlocked(time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC))
	if blocked {
		t.Error("low-impact events must not block when threshold is HIGH")
	}
}

func TestMalformedRowsAreSkipped(t *testing.T) {
	filter := newFilter(t, "time,title,impact,country\nnot-a-time,X,HIGH,US\n2025-03-10T10:00:00,OK,HIGH,US\n")
	if got := len(filter.Events()); got != 1 {
		t.Errorf("expected 1 parsed event, got %d", got)
	}
}

func TestDisabledFilter(t *testing.T) {
	filter, err := news.NewFilter(zap.NewNop(), news.Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	blocked, _, _ := filter.IsBlocked(time.Now())
	if blocked {
		t.Error("disabled filter must never block")
	}
	if filter.RiskFactor(time.Now()) != 1.0 {
		t.Error("disabled filter must not reduce risk")
	}
}
