// Package metrics exposes the facade's Prometheus instrumentation: one
// package-level collector set, registered once, whose exported collectors
// each subsystem's hot path updates directly — the shape the teacher's
// metrics.go uses for its WebSocket counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersSpawned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_workers_spawned_total",
		Help: "Total handler workers spawned by the supervisor.",
	})
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers_active",
		Help: "Currently live handler workers.",
	})
	WorkerPhaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_worker_phase_total",
		Help: "Worker terminal phase transitions by phase.",
	}, []string{"phase"})
	WorkerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_worker_duration_seconds",
		Help:    "Worker execution duration by terminal phase.",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 60},
	}, []string{"phase"})

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dispatch_total",
		Help: "Dispatcher outcomes by status.",
	}, []string{"status"})

	ChainStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chain_steps_total",
		Help: "Chain steps executed by outcome.",
	}, []string{"outcome"})

	TransportPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transport_published_total",
		Help: "Messages published by broker and outcome.",
	}, []string{"broker_id", "outcome"})
	TransportReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transport_reconnects_total",
		Help: "Reconnect attempts by broker.",
	}, []string{"broker_id"})
	SubscriberQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_subscriber_queue_depth",
		Help: "Current subscriber backlog depth by broker.",
	}, []string{"broker_id"})

	CompositeDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_composite_delivered_total",
		Help: "Composite subscriber listener invocations by topic.",
	}, []string{"topic"})

	StreamingSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_streaming_sessions_active",
		Help: "Currently live streaming sessions.",
	})

	ClusterPeersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cluster_peers",
		Help: "Known cluster peers by status.",
	}, []string{"status"})
	ForwardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_forwards_total",
		Help: "Cluster-forwarded requests by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		WorkersSpawned, WorkersActive, WorkerPhaseTotal, WorkerDuration,
		DispatchTotal, ChainStepsTotal,
		TransportPublished, TransportReconnects, SubscriberQueueDepth,
		CompositeDelivered,
		StreamingSessionsActive,
		ClusterPeersByStatus, ForwardsTotal,
	)
}

// Handler returns the HTTP handler Prometheus should scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}
