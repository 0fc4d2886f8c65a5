package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retailpipe_cycles_total",
			Help: "Orchestration cycles by outcome (success, failed, suppressed)",
		},
		[]string{"outcome"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retailpipe_cycle_duration_seconds",
			Help:    "Wall time of a full orchestration cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retailpipe_step_duration_seconds",
			Help:    "Wall time of a pipeline step",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"step", "outcome"},
	)

	anomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retailpipe_anomalies_total",
			Help: "Anomalies detected by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retailpipe_alerts_total",
			Help: "Alert delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	lastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retailpipe_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		},
	)

	lastRunRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retailpipe_last_run_rows",
			Help: "Row counts recorded for the last monitored run",
		},
		[]string{"table"},
	)

	lastRunRevenue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retailpipe_last_run_revenue",
			Help: "Total revenue recorded for the last monitored run",
		},
	)
)

func ObserveCycle(outcome State, d time.Duration) {
	cyclesTotal.WithLabelValues(string(outcome)).Inc()
	cycleDuration.Observe(d.Seconds())
	if outcome == StateSuccess {
		lastSuccess.SetToCurrentTime()
	}
}

func CycleSuppressed() {
	cyclesTotal.WithLabelValues("SUPPRESSED").Inc()
}

func ObserveStep(step string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	stepDuration.WithLabelValues(step, outcome).Observe(d.Seconds())
}

func CountAnomaly(kind, severity string) {
	anomaliesTotal.WithLabelValues(kind, severity).Inc()
}

func CountAlert(channel string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	alertsTotal.WithLabelValues(channel, result).Inc()
}

func RecordRunMetrics(transactional, aggregated int64, revenue float64) {
	lastRunRows.WithLabelValues("transactional").Set(float64(transactional))
	lastRunRows.WithLabelValues("aggregated").Set(float64(aggregated))
	lastRunRevenue.Set(revenue)
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
