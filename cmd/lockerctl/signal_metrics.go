package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// signalMetrics holds Prometheus metrics for SIGHUP-driven configuration reload.
type signalMetrics struct {
	reloadTotal          *prometheus.CounterVec
	validationFailures   *prometheus.CounterVec
	reloadDuration       *prometheus.HistogramVec
	lastSuccessTimestamp *prometheus.GaugeVec
	lastFailureTimestamp *prometheus.GaugeVec
}

func newSignalMetrics() *signalMetrics {
	namespace := "lockerctl"
	subsystem := "reload"

	return &signalMetrics{
		reloadTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "total",
				Help:      "Total number of configuration reload attempts.",
			},
			[]string{"source", "status"},
		),
		validationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "validation_failures_total",
				Help:      "Total number of configuration validation failures during reload.",
			},
			[]string{"source"},
		),
		reloadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "duration_seconds",
				Help:      "Duration of configuration reload operations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"source"},
		),
		lastSuccessTimestamp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix timestamp of the last successful configuration reload.",
			},
			[]string{"source"},
		),
		lastFailureTimestamp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "last_failure_timestamp_seconds",
				Help:      "Unix timestamp of the last failed configuration reload.",
			},
			[]string{"source"},
		),
	}
}

func (m *signalMetrics) recordAttempt(source, status string) {
	m.reloadTotal.WithLabelValues(source, status).Inc()
}

func (m *signalMetrics) recordValidationFailure(source string) {
	m.validationFailures.WithLabelValues(source).Inc()
}

func (m *signalMetrics) recordDuration(source string, seconds float64) {
	m.reloadDuration.WithLabelValues(source).Observe(seconds)
}

func (m *signalMetrics) recordSuccess(source string, unixTime float64) {
	m.lastSuccessTimestamp.WithLabelValues(source).Set(unixTime)
}

func (m *signalMetrics) recordFailure(source string, unixTime float64) {
	m.lastFailureTimestamp.WithLabelValues(source).Set(unixTime)
}
