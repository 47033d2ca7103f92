// Package api provides the dashboard HTTP/WebSocket surface and the
// Prometheus metrics registry.
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus instrumentation.
type Metrics struct {
	DecisionsTotal  *prometheus.CounterVec
	OrdersTotal     *prometheus.CounterVec
	RiskRejections  *prometheus.CounterVec
	BarsProcessed   prometheus.Counter
	DailyPnL        prometheus.Gauge
	DegradeLevel    prometheus.Gauge
	OpenPositions   prometheus.Gauge
	PausedFlag      prometheus.Gauge
}

// NewMetrics registers the collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeforge_decisions_total",
			Help: "Boss decisions by action.",
		}, []string{"action"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeforge_orders_total",
			Help: "Routed orders by status.",
		}, []string{"status"}),
		RiskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeforge_risk_rejections_total",
			Help: "Risk gate rejections by cause.",
		}, []string{"cause"}),
		BarsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradeforge_bars_processed_total",
			Help: "Bars run through the pipeline.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradeforge_daily_pnl",
			Help: "Realized PnL for the current session.",
		}),
		DegradeLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradeforge_degrade_level",
			Help: "Current risk degrade level.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradeforge_open_positions",
			Help: "Positions currently open.",
		}),
		PausedFlag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradeforge_paused",
			Help: "1 while the engine is paused.",
		}),
	}
}
