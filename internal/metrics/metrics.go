// Package metrics provides Prometheus instrumentation for the escrow daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	// SubmissionsTotal counts state-changing submissions by operation and outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "submissions_total",
			Help:      "Escrow contract submissions by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// InFlightOps tracks currently in-flight state-changing operations.
	InFlightOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "inflight_operations",
			Help:      "Number of state-changing operations awaiting confirmation.",
		},
	)

	// ConfirmationSeconds observes submit-to-confirmation latency by operation.
	ConfirmationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "confirmation_seconds",
			Help:      "Time from broadcast to confirmed receipt.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"op"},
	)

	// ReconcilerEventsTotal counts chain events seen by the reconciler.
	ReconcilerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "reconciler_events_total",
			Help:      "Contract events processed by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SessionConnected reports whether the wallet session is connected.
	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "session_connected",
			Help:      "1 when the wallet session is connected, 0 otherwise.",
		},
	)

	// NotifySubscribers tracks attached notification consumers.
	NotifySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "notify_subscribers",
			Help:      "Number of attached notification subscribers.",
		},
	)

	// TranslatedErrorsTotal counts boundary errors by taxonomy kind.
	TranslatedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "translated_errors_total",
			Help:      "Errors surfaced to callers by taxonomy kind.",
		},
		[]string{"kind"},
	)
)

// Register registers all collectors with the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		SubmissionsTotal,
		InFlightOps,
		ConfirmationSeconds,
		ReconcilerEventsTotal,
		SessionConnected,
		NotifySubscribers,
		TranslatedErrorsTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
