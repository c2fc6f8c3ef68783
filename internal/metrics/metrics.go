package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokopos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokopos_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SalesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokopos_sales_total",
			Help: "Completed sales by payment method",
		},
		[]string{"payment_method"},
	)

	FallbackCostedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokopos_sale_lines_fallback_costed_total",
		Help: "Sale lines costed from the static item price because no batch could cover them",
	})

	ShortLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokopos_sale_lines_short_total",
		Help: "Sale lines whose quantity exceeded the available batch stock",
	})

	RepairedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokopos_repair_lines_fixed_total",
		Help: "Sale lines backfilled by the missing-cost repair job",
	})
)
