package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"TradeGuard/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	scores      *prometheus.HistogramVec
	healthLevel prometheus.Gauge
	transitions *prometheus.CounterVec
	actions     *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		scores: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeguard_anomaly_score",
				Help:    "Anomaly scores by metric source",
				Buckets: []float64{0.5, 1, 2, 3, 4, 6, 8, 12},
			},
			[]string{"source"},
		),
		healthLevel: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeguard_health_level",
				Help: "Current health level (0 normal, 1 degraded, 2 critical)",
			},
		),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_mode_transitions_total",
				Help: "Committed trading-mode transitions",
			},
			[]string{"from", "to"},
		),
		actions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_healing_actions_total",
				Help: "Adaptation actions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeguard_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordScore observes one anomaly score.
func (r *Recorder) RecordScore(sourceID string, score float64) {
	r.scores.WithLabelValues(sourceID).Observe(score)
}

// RecordHealth sets the health-level gauge.
func (r *Recorder) RecordHealth(h models.HealthState) {
	r.healthLevel.Set(float64(h.Severity()))
}

// RecordTransition counts a committed mode transition.
func (r *Recorder) RecordTransition(from, to models.TradingMode) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordAction counts an adaptation action outcome.
func (r *Recorder) RecordAction(kind, outcome string) {
	r.actions.WithLabelValues(kind, outcome).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency.
func (r *Recorder) RecordLatency(op string, d time.Duration) {
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}
