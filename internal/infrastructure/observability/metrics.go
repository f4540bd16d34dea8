package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by the relay.
const (
	DropEmpty        = "empty"
	DropOversized    = "oversized"
	DropUnregistered = "unregistered"
	DropSlowPeer     = "slow_peer"
)

// Collector holds all Prometheus metrics for the relay
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Room metrics
	ActiveRooms       prometheus.Gauge
	ActiveConnections prometheus.Gauge
	Joins             prometheus.Counter
	Rejections        *prometheus.CounterVec

	// Traffic metrics
	MessagesRelayed prometheus.Counter
	BytesRelayed    prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	PeersEvicted    prometheus.Counter

	// Fan-out metrics
	FanoutPublished prometheus.Counter
	FanoutReceived  prometheus.Counter
	FanoutFailures  prometheus.Counter

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector on its own registry, so several relays
// in one process (tests) never collide.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one local connection",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open websocket connections",
		}),
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "Total number of accepted room joins",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_join_rejections_total",
			Help:      "Total number of rejected websocket upgrades",
		}, []string{"reason"}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total number of messages accepted for broadcast",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes accepted for broadcast",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped",
		}, []string{"reason"}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Total number of peers disconnected because a send failed",
		}),
		FanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_published_total",
			Help:      "Total number of messages published to other relay instances",
		}),
		FanoutReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_received_total",
			Help:      "Total number of messages received from other relay instances",
		}),
		FanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failures_total",
			Help:      "Total number of failed or short-circuited fan-out publishes",
		}),
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of idea store operations",
		}, []string{"operation", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Idea store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests, websocket handshakes included",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.ActiveRooms,
		c.ActiveConnections,
		c.Joins,
		c.Rejections,
		c.MessagesRelayed,
		c.BytesRelayed,
		c.MessagesDropped,
		c.PeersEvicted,
		c.FanoutPublished,
		c.FanoutReceived,
		c.FanoutFailures,
		c.StoreOperations,
		c.StoreDuration,
		c.HTTPRequests,
		c.HTTPDuration,
	)

	return c
}

// Dropped counts a dropped message.
func (c *Collector) Dropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// GetRegistry returns the registry holding the collector's metrics
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
