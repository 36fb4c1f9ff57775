// Package metrics exposes Prometheus instrumentation for the liquidation
// engine, following the promauto construction and <prefix>_<subject>_<unit>
// naming of backend/monitoring/prometheus.go, with a "liqengine_" prefix in
// place of the teacher's "trading_". Unlike the
// teacher's package-level global vectors, Collector owns its own registry
// so more than one engine instance (as in tests) can coexist without
// re-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the engine records.
type Collector struct {
	registry *prometheus.Registry

	EvaluationLatency  *prometheus.HistogramVec
	MarginRatio        *prometheus.GaugeVec
	Equity             *prometheus.GaugeVec
	TierTransitions    *prometheus.CounterVec
	LiquidationsTotal  *prometheus.CounterVec
	GatewayErrorsTotal *prometheus.CounterVec
}

// New creates a Collector registered against a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		EvaluationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liqengine_evaluation_latency_milliseconds",
				Help:    "evaluateAccount latency in milliseconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 25, 50},
			},
			[]string{"outcome"},
		),

		MarginRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "liqengine_margin_ratio",
				Help: "most recently computed margin ratio per sub-account",
			},
			[]string{"sub_account_id"},
		),

		Equity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "liqengine_equity_usd",
				Help: "most recently computed equity per sub-account",
			},
			[]string{"sub_account_id"},
		),

		TierTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqengine_tier_transitions_total",
				Help: "count of evaluations landing in each classification tier",
			},
			[]string{"tier"},
		),

		LiquidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqengine_liquidations_total",
				Help: "count of full-liquidation cascades by mode",
			},
			[]string{"mode"},
		),

		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqengine_gateway_errors_total",
				Help: "count of trade-action gateway failures by operation",
			},
			[]string{"operation"},
		),
	}
}

// Handler returns the HTTP handler for this collector's /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
