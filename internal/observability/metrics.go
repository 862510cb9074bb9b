package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Open websocket connections"})
	ActorsOnline      = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "actors_online", Help: "Actors with a presence binding"}, []string{"role"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Members of the driver role group"})

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_received_total", Help: "Inbound websocket events by name"},
		[]string{"event"},
	)
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_rejected_total", Help: "Inbound events rejected by name and error code"},
		[]string{"event", "code"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Outbound events fanned out by name"},
		[]string{"event"},
	)
	DeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_dropped_total", Help: "Outbound deliveries skipped because the transport failed or was full"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	EstimateFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "estimate_fallbacks_total", Help: "Distance or fare computations that used the fixed fallback"},
		[]string{"kind"},
	)
	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geocode_requests_total", Help: "Geocoding lookups by provider and result"},
		[]string{"provider", "result"},
	)

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
