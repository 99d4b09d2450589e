package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "helper_matching", Name: "matches_total", Help: "Total number of successful matches"})
	NoMatchTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "helper_matching", Name: "no_match_total", Help: "Match attempts that found nobody, by eliminating stage"}, []string{"stage"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "helper_matching", Name: "match_latency_seconds", Help: "Match latency seconds"})
	HelpersAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "helper_matching", Name: "helpers_available", Help: "Number of helpers currently available"})

	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "helper_matching", Name: "provisioning_total", Help: "Worker provisioning attempts by result"},
		[]string{"result"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "helper_matching", Name: "booking_transitions_total", Help: "Booking state transitions by target status"},
		[]string{"status"},
	)
	Reassignments = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "helper_matching", Name: "reassignments_total", Help: "Booking reassignments by cause"},
		[]string{"cause"},
	)
	FeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "helper_matching", Name: "feed_messages_total", Help: "Helper feed messages consumed by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "helper_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helper_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
