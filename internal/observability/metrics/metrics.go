// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "citadel",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	DeactivationPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "deactivation_polls_total",
			Help:      "Deactivation polls by outcome (created, pending, approved, error).",
		},
		[]string{"outcome"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "notifications_total",
			Help:      "Deactivation notifications by result (sent, failed, dropped, retried).",
		},
		[]string{"result"},
	)

	ConfigRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citadel",
			Name:      "config_requests_total",
			Help:      "Group configuration requests by operation and result.",
		},
		[]string{"op", "result"},
	)
)

// MustRegister registers every collector with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeactivationPollsTotal,
		NotificationsTotal,
		ConfigRequestsTotal,
	)
}
