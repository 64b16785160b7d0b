package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_pool", Name: "matches_total", Help: "Total number of ride matches created"})
	RatingsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_pool", Name: "ratings_total", Help: "Total number of ratings submitted"})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_pool", Name: "ws_connections", Help: "Number of registered realtime channels"})

	HandshakeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_pool", Name: "handshake_transitions_total", Help: "Ride request status transitions"},
		[]string{"to"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_pool", Name: "notifications_total", Help: "Realtime events pushed to channels"},
		[]string{"kind", "mode", "outcome"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_pool", Name: "events_published_total", Help: "Ride events written to the broker"},
		[]string{"type", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_pool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_pool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
