// Package metrics exposes the engine's Prometheus instrumentation:
// position lifecycle counters, integrity-audit gauges, and operation
// latency, scraped via an HTTP handler that cmd/engine mounts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	positionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_positions_by_status",
			Help: "Current number of positions by lifecycle status",
		},
		[]string{"status"},
	)

	positionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_position_events_total",
			Help: "Total position events appended, by event type",
		},
		[]string{"event_type"},
	)

	operationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_operation_latency_milliseconds",
			Help:    "Engine Facade operation latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"operation", "outcome"},
	)

	operationTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_operation_timeouts_total",
			Help: "Total operations aborted by the Engine Facade's timeout",
		},
		[]string{"operation"},
	)

	integrityViolations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_integrity_violations",
			Help: "Violations found by the most recent integrity audit, by check",
		},
		[]string{"check"},
	)

	liquidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Total positions force-closed by the Liquidation Engine",
		},
		[]string{"outcome"},
	)

	marginCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_margin_calls_total",
			Help: "Total accounts observed crossing the margin-call threshold",
		},
		[]string{},
	)
)

// Handler returns the HTTP handler to mount at the metrics listen
// address.
func Handler() http.Handler { return promhttp.Handler() }

func SetPositionsByStatus(status string, count int) {
	positionsByStatus.WithLabelValues(status).Set(float64(count))
}

func RecordPositionEvent(eventType string) {
	positionEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordOperationLatency(operation, outcome string, latencyMs float64) {
	operationLatency.WithLabelValues(operation, outcome).Observe(latencyMs)
}

func RecordOperationTimeout(operation string) {
	operationTimeoutsTotal.WithLabelValues(operation).Inc()
}

func SetIntegrityViolations(check string, count int) {
	integrityViolations.WithLabelValues(check).Set(float64(count))
}

func RecordLiquidation(outcome string) {
	liquidationsTotal.WithLabelValues(outcome).Inc()
}

func RecordMarginCall() {
	marginCallsTotal.WithLabelValues().Inc()
}
