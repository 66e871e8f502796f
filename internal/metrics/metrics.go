package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open client connections on this instance",
		},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Total inbound frames by envelope type",
		},
		[]string{"kind"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Total inbound frames dropped as malformed",
		},
	)

	// Fan-out metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_published_total",
			Help: "Total chat events published to the bus",
		},
		[]string{"op"}, // create, update, delete
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total frames delivered to local connections from bus events",
		},
		[]string{"path"}, // direct, broadcast, echo
	)

	// Offline queue metrics
	OfflineEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_offline_enqueued_total",
			Help: "Total messages appended to offline queues",
		},
		[]string{"queue"}, // recipient, global
	)

	OfflineReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_replayed_total",
			Help: "Total offline messages replayed to reconnecting users",
		},
	)

	// Infrastructure metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_errors_total",
			Help: "Total failed store operations",
		},
		[]string{"op"},
	)

	BusErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_errors_total",
			Help: "Total failed bus publishes",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
