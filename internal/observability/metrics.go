package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "rides_requested_total", Help: "Ride requests received"})
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_sent_total", Help: "Ride offers delivered to candidate drivers"})
	RidesAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "rides_accepted_total", Help: "Rides accepted by a driver"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	NoDriversNearby = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "no_drivers_nearby_total", Help: "Ride requests with zero eligible drivers"})
	ChatMessages    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "chat_messages_total", Help: "Chat messages persisted"})
	WSSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "ws_sessions", Help: "Currently connected WebSocket sessions"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from ride request to offers delivered",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
