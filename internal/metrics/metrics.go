package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics published by the trader.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	PatternsTotal     *prometheus.CounterVec
	SignalsEmitted    prometheus.Counter
	SignalsSuppressed prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec
	OrdersTotal       *prometheus.CounterVec
	PendingOrders     prometheus.Gauge
	ActiveMonitors    prometheus.Gauge
	OracleLatency     prometheus.Histogram
}

// New creates all trader metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in the binary; tests use a private registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrader_market_events_total",
			Help: "Market events ingested by kind",
		}, []string{"kind"}),

		PatternsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrader_patterns_detected_total",
			Help: "Order-flow pattern candidates by type",
		}, []string{"type"}),

		SignalsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowtrader_signals_emitted_total",
			Help: "Signals that cleared the confluence threshold and cooldowns",
		}),

		SignalsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowtrader_signals_suppressed_total",
			Help: "Pattern candidates dropped below threshold or inside a cooldown",
		}),

		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrader_decisions_total",
			Help: "Oracle decisions by action",
		}, []string{"action"}),

		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrader_orders_total",
			Help: "Tracked orders by terminal state",
		}, []string{"state"}),

		PendingOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowtrader_pending_orders",
			Help: "Orders currently in PENDING",
		}),

		ActiveMonitors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowtrader_active_monitors",
			Help: "Live WAIT-decision monitors",
		}),

		OracleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowtrader_oracle_latency_ms",
			Help:    "Strategy oracle round-trip latency in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
}
