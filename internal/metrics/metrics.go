// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionRequests counts accepted deposit/withdrawal requests by type.
	TransactionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepro_transaction_requests_total",
			Help: "Deposit and withdrawal requests recorded as pending",
		},
		[]string{"type"},
	)

	// Settlements counts approval and rejection outcomes.
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepro_settlements_total",
			Help: "Settlement attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// HTTPRequests counts handled requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepro_http_requests_total",
			Help: "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	// HTTPDuration observes request latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradepro_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"method"},
	)

	// WSConnections tracks open notification streams.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepro_ws_connections",
		Help: "Open notification websocket connections",
	})
)
