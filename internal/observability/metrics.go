package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsWonTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "claims_won_total", Help: "Instant-accept claims that won the race"})
	ClaimsLostTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "claims_lost_total", Help: "Instant-accept claims lost or expired"})
	BidsPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "bids_placed_total", Help: "Bids placed on jobs"})

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "job_transitions_total", Help: "Job status transitions by target status"},
		[]string{"to"},
	)

	PaymentOpenFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "payment_open_failures_total", Help: "Failed attempts to open a payment with the gateway"})
	PaymentsConfirmedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "payments_confirmed_total", Help: "Payments confirmed via webhook"})
	NearbyCacheHitsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "nearby_cache_hits_total", Help: "Nearby-jobs responses served from cache"})
	NearbyCacheMissesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "nearby_cache_misses_total", Help: "Nearby-jobs responses computed fresh"})
	CarriersOnline          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "freight_dispatch", Name: "carriers_online", Help: "Carriers currently online"})
	TrackingPointsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "tracking_points_total", Help: "Tracking breadcrumbs recorded"})
	NotifyPublishErrorTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "notify_publish_errors_total", Help: "Failed event publications"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "freight_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
