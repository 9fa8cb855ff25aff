package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RideRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_total", Help: "Ride request creations by outcome"},
		[]string{"outcome"},
	)
	RideResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_responses_total", Help: "Driver responses to ride requests by decision and outcome"},
		[]string{"decision", "outcome"},
	)
	DriverClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_claim_conflicts_total", Help: "Driver claims lost to a concurrent dispatch"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time to find and claim a driver"})
	ExpiredRideRequests  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_expired_total", Help: "Pending ride requests expired by the sweeper"})

	TripsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips created from accepted ride requests"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_completed_total", Help: "Trips moved to completed"})

	ReviewsRecorded         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reviews_recorded_total", Help: "Reviews persisted"})
	RatingRecomputeFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rating_recompute_failures_total", Help: "Rating aggregate recomputations that failed"})

	DriversIndexed         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_indexed", Help: "Drivers loaded into the geo index at startup"})
	DriverLocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates applied"})
	EventsPublished        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events published on the bus"}, []string{"kind"})
	EventForwardFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "event_forward_failures_total", Help: "Domain events that could not be written to Kafka"})
	LocationPublishFailure = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_publish_failures_total", Help: "Driver locations that could not be written to Kafka"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
