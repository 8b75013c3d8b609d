// Package metrics provides metrics collection for a script run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the script runner.
type PrometheusMetrics struct {
	// Operation counters
	OperationsTotal *prometheus.CounterVec
	ReceiptsTotal   *prometheus.CounterVec
	EffectsCleared  prometheus.Counter
	Recoveries      prometheus.Counter

	// Gauges
	PendingEffects prometheus.Gauge
	RunStatus      *prometheus.GaugeVec

	// Histograms
	ReceiptLatency prometheus.Histogram
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainscript_operations_total",
				Help: "Executed script operations by kind",
			},
			[]string{"kind"},
		),

		ReceiptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainscript_receipts_total",
				Help: "Receipt polling outcomes (received, timeout)",
			},
			[]string{"outcome"},
		),

		EffectsCleared: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chainscript_effects_cleared_total",
				Help: "Pending effects discarded during recovery",
			},
		),

		Recoveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chainscript_recoveries_total",
				Help: "Client handle rebuilds after receipt timeouts",
			},
		),

		PendingEffects: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainscript_pending_effects",
				Help: "Effects currently awaiting a receipt",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainscript_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ReceiptLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainscript_receipt_latency_seconds",
				Help:    "Submission-to-receipt latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
		),
	}
}

// RecordOperation records an executed operation by kind.
func (m *PrometheusMetrics) RecordOperation(kind string) {
	m.OperationsTotal.WithLabelValues(kind).Inc()
}

// RecordReceipt records a received receipt and its latency.
func (m *PrometheusMetrics) RecordReceipt(latencySeconds float64) {
	m.ReceiptsTotal.WithLabelValues("received").Inc()
	m.ReceiptLatency.Observe(latencySeconds)
}

// RecordReceiptTimeout records a receipt that never arrived in time.
func (m *PrometheusMetrics) RecordReceiptTimeout() {
	m.ReceiptsTotal.WithLabelValues("timeout").Inc()
}

// RecordRecovery records a handle rebuild and the effects it discarded.
func (m *PrometheusMetrics) RecordRecovery(effectsCleared int) {
	m.Recoveries.Inc()
	m.EffectsCleared.Add(float64(effectsCleared))
}

// SetPendingEffects updates the pending effects gauge.
func (m *PrometheusMetrics) SetPendingEffects(count int) {
	m.PendingEffects.Set(float64(count))
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "running", "draining", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}
