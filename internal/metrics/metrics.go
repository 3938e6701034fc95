// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CodesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcode_codes_issued_total",
			Help: "Verification codes stored and dispatched",
		},
		[]string{"purpose"},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcode_verifications_total",
			Help: "Verification attempts by outcome",
		},
		[]string{"operation", "result"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcode_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"operation", "state"},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcode_dispatch_errors_total",
			Help: "Failed code deliveries",
		},
		[]string{"sender"},
	)

	PurgedCodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vcode_purged_codes_total",
			Help: "Expired codes removed by the purge job",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vcode_http_request_duration_seconds",
			Help:    "Duration of http requests",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"route", "status"},
	)
)
