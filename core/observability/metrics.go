package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks the number of currently attached agent sessions.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetcore_connected_agents",
		Help: "Current number of connected agent sessions",
	})

	// ConnectedObservers tracks the number of currently attached observer
	// sessions.
	ConnectedObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetcore_connected_observers",
		Help: "Current number of connected observer sessions",
	})

	// SessionDisplacements tracks agent-session displacement events.
	SessionDisplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_session_displacements_total",
		Help: "Total number of agent sessions displaced by a newer connection for the same node_id",
	})

	// SlowConsumerDrops tracks sessions closed for exceeding their
	// outbound queue depth.
	SlowConsumerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_slow_consumer_drops_total",
		Help: "Sessions closed because their outbound queue overflowed",
	}, []string{"kind"}) // agent, observer

	// HeartbeatsReceived tracks heartbeats successfully ingested.
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_heartbeats_received_total",
		Help: "Total number of heartbeat frames ingested",
	})

	// HeartbeatValidationFailures tracks rejected heartbeat payloads.
	HeartbeatValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_heartbeat_validation_failures_total",
		Help: "Total number of heartbeat payloads rejected by validation",
	})

	// NodesMarkedOffline tracks liveness-sweep offline transitions.
	NodesMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_nodes_marked_offline_total",
		Help: "Total number of nodes marked offline by the heartbeat monitor",
	})

	// CommandsDispatched tracks commands by terminal/non-terminal outcome.
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_commands_dispatched_total",
		Help: "Total number of commands dispatched, labeled by resulting status",
	}, []string{"status"}) // running, undeliverable, success, failed, timeout

	// CommandLatency tracks submit-to-terminal duration.
	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetcore_command_latency_seconds",
		Help:    "Time from command submission to reaching a terminal status",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// ObserverBroadcasts tracks coalesced broadcast frames sent.
	ObserverBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_observer_broadcasts_total",
		Help: "Total number of broadcast frames sent to observer sessions",
	}, []string{"type"}) // nodes_update, metrics_update, node_status_change

	// APIRateLimited tracks REST requests rejected by rate limiting.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// StoreLatency tracks store operation duration by op name.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetcore_store_latency_seconds",
		Help:    "Store operation round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"op"})

	// StoreErrors tracks store operation failures.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_store_errors_total",
		Help: "Total number of store operations that returned an error",
	}, []string{"op"})

	// MetricsPruned tracks rows removed by the retention sweep.
	MetricsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_metrics_pruned_total",
		Help: "Total number of metric samples removed by the retention sweep",
	})
)
